package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printqueue/internal/config"
)

type ServerConfigResponse struct {
	Port              int              `json:"port"`
	AuthEnabled       bool             `json:"auth_enabled"`
	DatabasePath      string           `json:"database_path"`
	StoreDriver       string           `json:"store_driver"`
	StoreKey          string           `json:"store_key"`
	ConnectionTimeout string           `json:"connection_timeout"`
	StatusCheck       bool             `json:"status_check"`
	MaxRetries        int              `json:"max_retries"`
	InterJobDelay     string           `json:"inter_job_delay"`
	HistorySize       int              `json:"history_size"`
	Webhooks          []WebhookSummary `json:"webhooks"`
	LogLevel          string           `json:"log_level"`
	LogFormat         string           `json:"log_format"`
}

// WebhookSummary describes a configured webhook target without its secret.
type WebhookSummary struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Signed bool     `json:"signed"`
}

type SettingsHandler struct {
	config *config.Config
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

// GetServerConfig reports the effective configuration. Secrets and the Redis
// URL are left out.
func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	resp := ServerConfigResponse{
		Port:              h.config.Server.Port,
		AuthEnabled:       h.config.Server.AuthEnabled,
		DatabasePath:      h.config.Database.Path,
		StoreDriver:       h.config.Store.Driver,
		StoreKey:          h.config.Store.Key,
		ConnectionTimeout: h.config.Printers.ConnectionTimeout.String(),
		StatusCheck:       h.config.Printers.StatusCheck,
		MaxRetries:        h.config.Queue.MaxRetries,
		InterJobDelay:     h.config.Queue.InterJobDelay.String(),
		HistorySize:       h.config.Queue.HistorySize,
		Webhooks:          make([]WebhookSummary, 0, len(h.config.Webhooks.Targets)),
		LogLevel:          h.config.Logging.Level,
		LogFormat:         h.config.Logging.Format,
	}
	for _, t := range h.config.Webhooks.Targets {
		resp.Webhooks = append(resp.Webhooks, WebhookSummary{
			URL:    t.URL,
			Events: t.Events,
			Signed: t.Secret != "",
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/server", h.GetServerConfig)
}
