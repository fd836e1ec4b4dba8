package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/printqueue/internal/events"
	"github.com/orrn/printqueue/internal/jobs"
)

// startLocked launches the dispatch loop unless one is already running, the
// queue is paused or empty, or the service is closed.
func (s *Service) startLocked() {
	if s.running || s.paused || s.closed || s.queue.Len() == 0 {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.run()
}

// run drains the queue one job at a time until it is empty, paused or closed.
func (s *Service) run() {
	defer s.wg.Done()

	for {
		job, ok := s.claimNext()
		if !ok {
			return
		}

		err := s.dispatch(job)

		if !s.settle(job, err) {
			return
		}

		if !s.wait() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

// claimNext marks the front job as processing. When there is nothing to do it
// clears the running flag instead, in the same critical section.
func (s *Service) claimNext() (*jobs.PrintJob, bool) {
	s.mu.Lock()
	job, ok := s.queue.PeekFront()
	if !ok || s.paused || s.closed {
		s.running = false
		s.mu.Unlock()
		return nil, false
	}

	job.Status = jobs.StatusProcessing
	s.inFlight = job
	s.persistLocked()
	s.publishLocked(events.New(events.JobStarted, job), nil)
	s.mu.Unlock()

	s.logger.Info("job started", "job_id", job.ID, "priority", job.Priority, "attempt", job.RetryCount+1)
	s.flush()
	return job, true
}

// dispatch runs the printer call without holding the lock. A panic in the
// dispatcher counts as a failed attempt.
func (s *Service) dispatch(job *jobs.PrintJob) (err error) {
	s.mu.Lock()
	target := job.PrinterTarget
	payload := job.Payload
	settings := job.RenderSettings
	s.mu.Unlock()

	if s.dispatcher == nil {
		return errors.New("printer dispatcher not configured")
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panicked: %v", r)
		}
	}()
	return s.dispatcher.Dispatch(context.Background(), target, payload, settings)
}

// settle applies the outcome of one attempt and reports whether the loop
// should keep going.
func (s *Service) settle(job *jobs.PrintJob, dispatchErr error) bool {
	s.mu.Lock()
	s.inFlight = nil
	now := jobs.NowMillis()

	switch {
	case dispatchErr == nil:
		job.Status = jobs.StatusCompleted
		job.ProcessedAt = now
		s.queue.RemoveByID(job.ID)
		s.history.add(job.Clone())
		var callback func()
		if cb := job.Callbacks; cb != nil && cb.OnSuccess != nil {
			snap := job.Clone()
			callback = func() { cb.OnSuccess(snap) }
		}
		s.publishLocked(events.New(events.JobCompleted, job), callback)
		s.logger.Info("job completed", "job_id", job.ID, "attempts", job.RetryCount+1)

	default:
		job.RetryCount++
		if job.RetryCount >= job.MaxRetries {
			job.Status = jobs.StatusFailed
			job.ProcessedAt = now
			job.Error = dispatchErr.Error()
			s.queue.RemoveByID(job.ID)
			s.history.add(job.Clone())
			var callback func()
			if cb := job.Callbacks; cb != nil && cb.OnError != nil {
				snap := job.Clone()
				callback = func() { cb.OnError(snap, dispatchErr) }
			}
			s.publishLocked(events.New(events.JobFailed, job), callback)
			s.logger.Warn("job failed", "job_id", job.ID, "retries", job.RetryCount, "error", dispatchErr)
			break
		}

		job.Status = jobs.StatusPending
		if _, queued := s.queue.Get(job.ID); queued {
			s.queue.RequeueForRetry(job)
			s.logger.Info("job requeued for retry",
				"job_id", job.ID, "retry", job.RetryCount, "max_retries", job.MaxRetries, "error", dispatchErr)
		} else {
			s.logger.Info("job removed during dispatch, not requeued", "job_id", job.ID, "error", dispatchErr)
		}
	}

	s.persistLocked()

	more := s.queue.Len() > 0 && !s.paused && !s.closed
	if !more {
		s.running = false
	}
	s.mu.Unlock()

	s.flush()
	return more
}

// wait sleeps for the inter-job delay. It returns false when the service is
// closed meanwhile.
func (s *Service) wait() bool {
	if s.config.InterJobDelay <= 0 {
		select {
		case <-s.stopCh:
			return false
		default:
			return true
		}
	}

	t := time.NewTimer(s.config.InterJobDelay)
	defer t.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// notice is a queued event and the job callback that must run after it.
type notice struct {
	evt      events.Event
	callback func()
}

// publishLocked numbers evt and queues it for delivery. Notices leave in
// publish order, which is the order of the state changes they describe.
func (s *Service) publishLocked(evt events.Event, callback func()) {
	s.seq++
	evt.Seq = s.seq
	s.outbox = append(s.outbox, notice{evt: evt, callback: callback})
}

// flush delivers queued notices without holding the lock. One goroutine
// delivers at a time; a caller that finds delivery in progress leaves its
// notices to that goroutine, so listeners may call back into the service.
func (s *Service) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.outbox) > 0 {
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		for _, n := range batch {
			s.bus.Emit(n.evt)
			if n.callback != nil {
				s.runCallback(n.evt.Job.ID, n.callback)
			}
		}

		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

func (s *Service) runCallback(jobID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job callback panicked", "job_id", jobID, "panic", r)
		}
	}()
	fn()
}
