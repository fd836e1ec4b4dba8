package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printqueue/internal/config"
	"github.com/orrn/printqueue/internal/events"
	"github.com/orrn/printqueue/internal/jobs"
	"github.com/orrn/printqueue/internal/store"
)

const persistTimeout = 5 * time.Second

// Service is the print queue facade. Construct one per process with
// NewService and share it; every method is safe for concurrent use.
type Service struct {
	dispatcher Dispatcher
	store      SnapshotStore
	bus        *events.Bus
	config     *config.QueueConfig
	logger     *slog.Logger

	mu       sync.Mutex // guards the following block and snapshot writes
	queue    *JobQueue
	history  *history
	paused   bool
	running  bool
	closed   bool
	inFlight *jobs.PrintJob
	outbox   []notice
	seq      uint64
	flushing bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService restores the last snapshot from st (which may be nil) and starts
// draining right away when the restored queue is non-empty and not paused.
// cfg is copied; the caller's value is never modified.
func NewService(d Dispatcher, st SnapshotStore, bus *events.Bus, cfg *config.QueueConfig, logger *slog.Logger) *Service {
	qc := config.QueueConfig{
		MaxRetries:    3,
		InterJobDelay: 500 * time.Millisecond,
		HistorySize:   50,
	}
	if cfg != nil {
		qc = *cfg
	}
	if qc.MaxRetries < 1 {
		qc.MaxRetries = 3
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		dispatcher: d,
		store:      st,
		bus:        bus,
		config:     &qc,
		logger:     logger.With("component", "queue"),
		queue:      NewJobQueue(),
		history:    newHistory(qc.HistorySize),
		stopCh:     make(chan struct{}),
	}

	s.mu.Lock()
	s.restoreLocked()
	s.startLocked()
	s.mu.Unlock()

	return s
}

func (s *Service) restoreLocked() {
	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	snap, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to restore queue snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}

	for i := range snap.Jobs {
		job := snap.Jobs[i]
		if job.IsTerminal() {
			continue
		}
		if job.Status == jobs.StatusProcessing {
			s.logger.Info("resetting job interrupted mid-dispatch", "job_id", job.ID)
			job.Status = jobs.StatusPending
		}
		if !job.Priority.Valid() {
			job.Priority = jobs.PriorityNormal
		}
		if job.MaxRetries < 1 {
			job.MaxRetries = s.config.MaxRetries
		}
		if !s.queue.Insert(&job) {
			s.logger.Warn("skipping duplicate job in snapshot", "job_id", job.ID)
		}
	}
	for _, job := range snap.History {
		s.history.add(job)
	}
	s.paused = snap.IsPaused

	s.logger.Info("restored queue snapshot",
		"jobs", s.queue.Len(), "history", len(snap.History), "paused", s.paused)
}

// Submit builds a pending job from req, queues it by priority and returns its
// id without waiting for it to print.
func (s *Service) Submit(req JobRequest) (string, error) {
	if req.Priority == "" {
		req.Priority = jobs.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, req.Priority)
	}
	if req.Payload == "" {
		return "", ErrEmptyPayload
	}

	job := &jobs.PrintJob{
		ID:             uuid.NewString(),
		PrinterTarget:  req.PrinterTarget,
		Payload:        req.Payload,
		RenderSettings: req.RenderSettings,
		Priority:       req.Priority,
		Status:         jobs.StatusPending,
		MaxRetries:     s.config.MaxRetries,
		CreatedAt:      jobs.NowMillis(),
		Callbacks:      req.Callbacks,
		Metadata:       req.Metadata,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.queue.Insert(job)
	s.persistLocked()
	s.publishLocked(events.New(events.JobAdded, job), nil)
	s.startLocked()
	s.mu.Unlock()

	s.logger.Debug("job submitted", "job_id", job.ID, "priority", job.Priority)
	s.flush()

	return job.ID, nil
}

func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.persistLocked()
	s.publishLocked(events.New(events.QueuePaused, nil), nil)
	s.mu.Unlock()

	s.logger.Info("queue paused")
	s.flush()
}

func (s *Service) Resume() {
	s.mu.Lock()
	s.paused = false
	s.persistLocked()
	s.publishLocked(events.New(events.QueueResumed, nil), nil)
	s.startLocked()
	s.mu.Unlock()

	s.logger.Info("queue resumed")
	s.flush()
}

// Clear drops every queued job. A job already being dispatched is left to
// finish.
func (s *Service) Clear() {
	s.mu.Lock()
	n := s.queue.Len()
	s.queue.Clear()
	s.persistLocked()
	s.publishLocked(events.New(events.QueueCleared, nil), nil)
	s.mu.Unlock()

	s.logger.Info("queue cleared", "removed", n)
	s.flush()
}

// RetryFailedJob revives a failed job with a fresh retry budget. It reports
// false when no failed job with that id is known.
func (s *Service) RetryFailedJob(id string) bool {
	s.mu.Lock()
	job, ok := s.history.get(id)
	if !ok || job.Status != jobs.StatusFailed {
		s.mu.Unlock()
		return false
	}
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.history.remove(id)

	job.Status = jobs.StatusPending
	job.RetryCount = 0
	job.Error = ""
	job.ProcessedAt = 0
	s.queue.Insert(&job)
	s.persistLocked()
	s.publishLocked(events.New(events.JobAdded, &job), nil)
	s.startLocked()
	s.mu.Unlock()

	s.logger.Info("retrying failed job", "job_id", id)
	s.flush()
	return true
}

// RemoveJob drops the job with the given id from the queue, whatever its
// status, and dismisses it from the terminal history.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	removed := s.queue.RemoveByID(id)
	if s.history.remove(id) {
		removed = true
	}
	if removed {
		s.persistLocked()
	}
	s.mu.Unlock()

	if removed {
		s.logger.Info("job removed", "job_id", id)
	}
	return removed
}

// GetJob looks the job up in the queue first, then in the terminal history.
func (s *Service) GetJob(id string) (jobs.PrintJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.queue.Get(id); ok {
		return job.Clone(), true
	}
	if s.inFlight != nil && s.inFlight.ID == id {
		return s.inFlight.Clone(), true
	}
	if job, ok := s.history.get(id); ok {
		return job.Clone(), true
	}
	return jobs.PrintJob{}, false
}

func (s *Service) GetQueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() QueueStatus {
	st := QueueStatus{
		Total:           s.queue.Len(),
		Pending:         s.queue.CountByStatus(jobs.StatusPending),
		Processing:      s.queue.CountByStatus(jobs.StatusProcessing),
		Failed:          s.queue.CountByStatus(jobs.StatusFailed),
		IsPaused:        s.paused,
		IsProcessing:    s.running,
		Queue:           s.queue.Jobs(),
		RecentCompleted: s.history.count(jobs.StatusCompleted),
		RecentFailed:    s.history.count(jobs.StatusFailed),
	}
	if s.inFlight != nil {
		job := s.inFlight.Clone()
		st.ProcessingJob = &job
	}
	return st
}

// History returns the most recent terminal jobs, newest first.
func (s *Service) History() []jobs.PrintJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// Subscribe registers l on the service's event bus. Events reach listeners in
// the order the queue changed, though possibly after the call that caused them
// has returned.
func (s *Service) Subscribe(l events.Listener) func() {
	return s.bus.Subscribe(l)
}

// Watch takes a status snapshot and subscribes l in one step. It also returns
// the Seq of the last event the snapshot reflects; l receives exactly the
// events after it.
func (s *Service) Watch(l events.Listener) (QueueStatus, uint64, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statusLocked()
	after := s.seq
	unsubscribe := s.bus.Subscribe(func(evt events.Event) {
		if evt.Seq > after {
			l(evt)
		}
	})
	return st, after, unsubscribe
}

func (s *Service) Bus() *events.Bus { return s.bus }

// Close stops the processor at its next checkpoint and waits for an in-flight
// dispatch to finish, or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight job: %w", ctx.Err())
	}
}

// persistLocked writes a full snapshot. Failures are logged, never returned:
// durability is best effort.
func (s *Service) persistLocked() {
	if s.store == nil {
		return
	}

	snap := &store.Snapshot{
		Jobs:     s.queue.Jobs(),
		IsPaused: s.paused,
		History:  s.history.snapshot(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.Warn("failed to persist queue snapshot", "error", err)
	}
}
