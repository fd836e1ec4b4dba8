// Package jobs holds the print job model shared by the queue, its store and its
// observers.
package jobs

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priority bands.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// PrinterTarget describes the destination printer. The queue never looks inside
// it; only the dispatcher does.
type PrinterTarget struct {
	ID      string            `json:"id,omitempty"`
	Name    string            `json:"name,omitempty"`
	Host    string            `json:"host"`
	Port    int               `json:"port,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// RenderSettings are handed to the dispatcher unchanged. A nil Height means the
// printer picks it.
type RenderSettings struct {
	Width     int     `json:"width"`
	Height    *int    `json:"height"`
	Threshold int     `json:"threshold"`
	Scale     float64 `json:"scale"`
}

// Callbacks are per-submission completion hooks. They are never persisted.
type Callbacks struct {
	OnSuccess func(job PrintJob)
	OnError   func(job PrintJob, err error)
}

type PrintJob struct {
	ID             string         `json:"id"`
	PrinterTarget  PrinterTarget  `json:"printerTarget"`
	Payload        string         `json:"payload"`
	RenderSettings RenderSettings `json:"renderSettings"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	CreatedAt      int64          `json:"createdAt"`
	ProcessedAt    int64          `json:"processedAt,omitempty"`
	Error          string         `json:"error,omitempty"`
	Callbacks      *Callbacks     `json:"-"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a shallow snapshot of the job that is safe to hand to observers.
func (j *PrintJob) Clone() PrintJob {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.RenderSettings.Height != nil {
		h := *j.RenderSettings.Height
		c.RenderSettings.Height = &h
	}
	return c
}

func (j *PrintJob) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
