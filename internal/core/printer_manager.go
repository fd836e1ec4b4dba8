package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/orrn/printqueue/internal/config"
	"github.com/orrn/printqueue/internal/jobs"
)

var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrInvalidStatus      = errors.New("invalid status response")
	ErrPrinterCannotPrint = errors.New("printer cannot print in current state")
	ErrInvalidTarget      = errors.New("invalid printer target")
)

const (
	defaultTCPPort          = 9100
	statusCommand           = "\x1b!?"
	statusResponseLength    = 4
	defaultReadWriteTimeout = 10 * time.Second
)

var printerStateMap = map[byte]string{
	'@': "normal",
	'F': "feeding",
	'P': "paused",
	'E': "error",
	'H': "head_open",
	'S': "standby",
	'L': "label_waiting",
	'I': "idle",
}

var warningMap = map[byte]string{
	'@': "none",
	'A': "paper_low",
	'B': "ribbon_low",
	'C': "paper_and_ribbon_low",
}

var errorMap = map[byte]string{
	'@': "none",
	'A': "head_overheat",
	'B': "motor_overheat",
	'C': "head_and_motor_overheat",
	'D': "head_error",
	'E': "cutter_error",
	'F': "rtc_error",
}

var mediaErrorMap = map[byte]string{
	'@': "none",
	'A': "paper_empty",
	'B': "ribbon_empty",
	'C': "paper_and_ribbon_empty",
	'D': "takeup_reel_full",
	'`': "head_open",
}

// PrinterManager sends payloads to network printers over raw TCP (port 9100
// by default). It implements Dispatcher.
type PrinterManager struct {
	config *config.PrintersConfig
	logger *slog.Logger
	dialer net.Dialer

	mu       sync.RWMutex
	statuses map[string]*PrinterStatus // keyed by address
}

func NewPrinterManager(cfg *config.PrintersConfig, logger *slog.Logger) *PrinterManager {
	if cfg == nil {
		cfg = &config.PrintersConfig{
			ConnectionTimeout: defaultReadWriteTimeout,
			StatusCheck:       true,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrinterManager{
		config:   cfg,
		logger:   logger.With("component", "printer"),
		statuses: make(map[string]*PrinterStatus),
	}
}

func (pm *PrinterManager) timeout() time.Duration {
	if pm.config.ConnectionTimeout > 0 {
		return pm.config.ConnectionTimeout
	}
	return defaultReadWriteTimeout
}

// Address returns host:port for target, filling in the default port.
func Address(target jobs.PrinterTarget) (string, error) {
	if target.Host == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidTarget)
	}
	port := target.Port
	if port == 0 {
		port = defaultTCPPort
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, port)
	}
	return net.JoinHostPort(target.Host, strconv.Itoa(port)), nil
}

// Dispatch opens a connection to the target, optionally checks that the
// printer is ready, and writes the payload. Render settings are applied by
// whoever produced the payload; they are only logged here.
func (pm *PrinterManager) Dispatch(ctx context.Context, target jobs.PrinterTarget, payload string, settings jobs.RenderSettings) error {
	addr, err := Address(target)
	if err != nil {
		return err
	}

	conn, err := pm.connect(ctx, addr)
	if err != nil {
		pm.setStatus(addr, &PrinterStatus{IsOnline: false, LastChecked: time.Now()})
		return err
	}
	defer conn.Close()

	if pm.config.StatusCheck {
		status, err := pm.queryStatus(conn)
		if err != nil {
			pm.setStatus(addr, &PrinterStatus{IsOnline: false, LastChecked: time.Now()})
			return err
		}
		pm.setStatus(addr, status)
		if !status.CanPrint {
			return fmt.Errorf("%w: state=%s error=%s media=%s",
				ErrPrinterCannotPrint, status.PrinterState, status.Error, status.MediaError)
		}
	}

	_ = conn.SetDeadline(time.Now().Add(pm.timeout()))
	if _, err := io.WriteString(conn, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	pm.logger.Debug("payload sent",
		"printer", addr, "bytes", len(payload), "width", settings.Width, "scale", settings.Scale)
	return nil
}

func (pm *PrinterManager) connect(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, pm.timeout())
	defer cancel()

	conn, err := pm.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return conn, nil
}

// CheckStatus dials the target and reports its decoded status.
func (pm *PrinterManager) CheckStatus(ctx context.Context, target jobs.PrinterTarget) (*PrinterStatus, error) {
	addr, err := Address(target)
	if err != nil {
		return nil, err
	}
	conn, err := pm.connect(ctx, addr)
	if err != nil {
		status := &PrinterStatus{IsOnline: false, LastChecked: time.Now()}
		pm.setStatus(addr, status)
		return status, err
	}
	defer conn.Close()

	status, err := pm.queryStatus(conn)
	if err != nil {
		status = &PrinterStatus{IsOnline: false, LastChecked: time.Now()}
		pm.setStatus(addr, status)
		return status, err
	}
	pm.setStatus(addr, status)
	return status, nil
}

func (pm *PrinterManager) queryStatus(conn net.Conn) (*PrinterStatus, error) {
	_ = conn.SetDeadline(time.Now().Add(pm.timeout()))

	if _, err := io.WriteString(conn, statusCommand); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	response := make([]byte, statusResponseLength)
	if _, err := io.ReadFull(conn, response); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidStatus
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	status := parseStatus(response)
	status.IsOnline = true
	status.LastChecked = time.Now()
	status.CanPrint = status.Error == "none" && status.MediaError == "none" &&
		(status.PrinterState == "normal" || status.PrinterState == "standby" || status.PrinterState == "idle")
	return status, nil
}

func parseStatus(response []byte) *PrinterStatus {
	status := &PrinterStatus{
		RawStatus: [4]byte{response[0], response[1], response[2], response[3]},
	}

	if state, ok := printerStateMap[response[0]]; ok {
		status.PrinterState = state
	} else {
		status.PrinterState = "unknown"
	}

	if warning, ok := warningMap[response[1]]; ok {
		status.Warning = warning
	} else {
		status.Warning = "unknown"
	}

	if err, ok := errorMap[response[2]]; ok {
		status.Error = err
	} else {
		status.Error = "unknown"
	}

	if mediaErr, ok := mediaErrorMap[response[3]]; ok {
		status.MediaError = mediaErr
	} else {
		status.MediaError = "unknown"
	}

	return status
}

// StatusString folds a decoded status into one word for dashboards.
func StatusString(status *PrinterStatus) string {
	if status == nil || !status.IsOnline {
		return "offline"
	}

	if status.PrinterState == "error" || status.Error != "none" {
		return "error"
	}

	if status.PrinterState == "paused" {
		return "paused"
	}

	if status.MediaError != "none" {
		return "error"
	}

	if status.PrinterState == "feeding" {
		return "busy"
	}

	return "online"
}

func (pm *PrinterManager) setStatus(addr string, status *PrinterStatus) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	old := pm.statuses[addr]
	pm.statuses[addr] = status

	if oldStr, newStr := StatusString(old), StatusString(status); old != nil && oldStr != newStr {
		pm.logger.Info("printer status changed", "printer", addr, "old_status", oldStr, "new_status", newStr)
	}
}

// LastStatus returns the status seen on the most recent contact with addr.
func (pm *PrinterManager) LastStatus(addr string) (*PrinterStatus, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	s, ok := pm.statuses[addr]
	return s, ok
}
