package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printqueue/internal/core"
	"github.com/orrn/printqueue/internal/jobs"
)

type PrinterStatusQuery struct {
	Host string `form:"host" binding:"required"`
	Port int    `form:"port"`
}

type PrinterStatusResponse struct {
	Address      string    `json:"address"`
	Status       string    `json:"status"`
	PrinterState string    `json:"printer_state"`
	Warning      string    `json:"warning"`
	Error        string    `json:"error"`
	MediaError   string    `json:"media_error"`
	IsOnline     bool      `json:"is_online"`
	CanPrint     bool      `json:"can_print"`
	LastChecked  time.Time `json:"last_checked"`
}

type PrinterHandler struct {
	printerManager *core.PrinterManager
}

func NewPrinterHandler(printerManager *core.PrinterManager) *PrinterHandler {
	return &PrinterHandler{printerManager: printerManager}
}

// GetPrinterStatus probes a printer on demand. An unreachable printer is
// reported as offline rather than as an error.
func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	var q PrinterStatusQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	target := jobs.PrinterTarget{Host: q.Host, Port: q.Port}
	addr, err := core.Address(target)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_target",
			Message: err.Error(),
		})
		return
	}

	status, err := h.printerManager.CheckStatus(c.Request.Context(), target)
	if err != nil && !errors.Is(err, core.ErrConnectionFailed) && !errors.Is(err, core.ErrInvalidStatus) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "status_failed",
			Message: err.Error(),
		})
		return
	}

	resp := PrinterStatusResponse{
		Address:     addr,
		Status:      core.StatusString(status),
		IsOnline:    status.IsOnline,
		CanPrint:    status.CanPrint,
		LastChecked: status.LastChecked,
	}
	if status.IsOnline {
		resp.PrinterState = status.PrinterState
		resp.Warning = status.Warning
		resp.Error = status.Error
		resp.MediaError = status.MediaError
	} else {
		resp.PrinterState = "unknown"
		resp.Warning = "none"
		resp.Error = "connection_failed"
		resp.MediaError = "none"
	}

	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers/status", h.GetPrinterStatus)
}
