// Package api wires the HTTP surface of the print queue.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/orrn/printqueue/internal/api/handlers"
	"github.com/orrn/printqueue/internal/api/middleware"
	"github.com/orrn/printqueue/internal/config"
	"github.com/orrn/printqueue/internal/core"
)

// Dependencies are the components the router serves. When Auth is set it
// guards every /api/v1 route except /auth/*; nil disables auth.
type Dependencies struct {
	Config   *config.Config
	Service  *core.Service
	Printers *core.PrinterManager
	Auth     *middleware.AuthMiddleware
	Logger   *slog.Logger
}

func NewRouter(d Dependencies) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = config.Defaults()
	}
	server := d.Config.Server

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(d.Logger))

	if len(server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(corsConfig(server.CORSAllowedOrigins)))
	}

	router.GET("/health", func(c *gin.Context) {
		st := d.Service.GetQueueStatus()
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    "printqueue",
			"queued":     st.Total,
			"paused":     st.IsPaused,
			"processing": st.IsProcessing,
		})
	})

	v1 := router.Group("/api/v1")

	if d.Auth != nil {
		auth := v1.Group("/auth")
		{
			auth.POST("/setup", d.Auth.SetupHandler)
			auth.POST("/login", d.Auth.LoginHandler)
			auth.POST("/logout", d.Auth.LogoutHandler)
			auth.GET("/status", d.Auth.StatusHandler)
			auth.POST("/password", d.Auth.RequireAuth(), d.Auth.ChangePasswordHandler)
		}
	}

	protected := v1.Group("")
	if d.Auth != nil {
		protected.Use(d.Auth.RequireAuth())
	}

	handlers.NewJobHandler(d.Service).RegisterRoutes(protected)
	handlers.NewEventsHandler(d.Service, server.CORSAllowedOrigins, d.Logger).RegisterRoutes(protected)
	handlers.NewSettingsHandler(d.Config).RegisterRoutes(protected)
	if d.Printers != nil {
		handlers.NewPrinterHandler(d.Printers).RegisterRoutes(protected)
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	cfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	return cfg
}
