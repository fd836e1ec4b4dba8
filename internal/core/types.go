package core

import (
	"context"
	"errors"
	"time"

	"github.com/orrn/printqueue/internal/jobs"
	"github.com/orrn/printqueue/internal/store"
)

var (
	ErrInvalidPriority = errors.New("invalid priority")
	ErrEmptyPayload    = errors.New("payload is empty")
	ErrClosed          = errors.New("queue service is closed")
)

// Dispatcher delivers one job to its printer. A nil error means the printer
// accepted the payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, target jobs.PrinterTarget, payload string, settings jobs.RenderSettings) error
}

// DispatcherFunc adapts an ordinary function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, target jobs.PrinterTarget, payload string, settings jobs.RenderSettings) error

func (f DispatcherFunc) Dispatch(ctx context.Context, target jobs.PrinterTarget, payload string, settings jobs.RenderSettings) error {
	return f(ctx, target, payload, settings)
}

// SnapshotStore is the durable medium the service writes queue state to.
type SnapshotStore interface {
	Load(ctx context.Context) (*store.Snapshot, error)
	Save(ctx context.Context, snap *store.Snapshot) error
}

// JobRequest carries the caller-supplied fields of a new job.
type JobRequest struct {
	PrinterTarget  jobs.PrinterTarget
	Payload        string
	RenderSettings jobs.RenderSettings
	Priority       jobs.Priority
	Callbacks      *jobs.Callbacks
	Metadata       map[string]any
}

type QueueStatus struct {
	Total           int             `json:"total"`
	Pending         int             `json:"pending"`
	Processing      int             `json:"processing"`
	Failed          int             `json:"failed"`
	IsPaused        bool            `json:"isPaused"`
	IsProcessing    bool            `json:"isProcessing"`
	ProcessingJob   *jobs.PrintJob  `json:"processingJob,omitempty"`
	Queue           []jobs.PrintJob `json:"queue"`
	RecentCompleted int             `json:"recentCompleted"`
	RecentFailed    int             `json:"recentFailed"`
}

// PrinterStatus is the decoded answer to the TSPL status query.
type PrinterStatus struct {
	RawStatus    [4]byte   `json:"-"`
	PrinterState string    `json:"printer_state"`
	Warning      string    `json:"warning"`
	Error        string    `json:"error"`
	MediaError   string    `json:"media_error"`
	IsOnline     bool      `json:"is_online"`
	CanPrint     bool      `json:"can_print"`
	LastChecked  time.Time `json:"last_checked"`
}
