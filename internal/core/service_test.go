package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/printqueue/internal/config"
	"github.com/orrn/printqueue/internal/events"
	"github.com/orrn/printqueue/internal/jobs"
	"github.com/orrn/printqueue/internal/logging"
	"github.com/orrn/printqueue/internal/store"
)

const waitTimeout = 2 * time.Second

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		MaxRetries:    3,
		InterJobDelay: time.Millisecond,
		HistorySize:   10,
	}
}

func newTestService(t *testing.T, d Dispatcher, st SnapshotStore, bus *events.Bus) *Service {
	t.Helper()
	if bus == nil {
		bus = events.NewBus(logging.Discard())
	}
	s := NewService(d, st, bus, testQueueConfig(), logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// recorder collects events and lets tests block until a given count arrives.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

func newRecorder(bus *events.Bus) *recorder {
	r := &recorder{notify: make(chan struct{}, 1)}
	bus.Subscribe(func(e events.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, kind events.Kind, n int) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for r.count(kind) < n {
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events (have %d)", n, kind, r.count(kind))
		}
	}
}

func (r *recorder) jobEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Job != nil {
			out = append(out, fmt.Sprintf("%s(%s)", e.Kind, e.Job.Payload))
		}
	}
	return out
}

func succeed() Dispatcher {
	return DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		return nil
	})
}

func submit(t *testing.T, s *Service, payload string, p jobs.Priority) string {
	t.Helper()
	id, err := s.Submit(JobRequest{
		PrinterTarget: jobs.PrinterTarget{Host: "printer.local"},
		Payload:       payload,
		Priority:      p,
	})
	if err != nil {
		t.Fatalf("Submit(%s) returned %v", payload, err)
	}
	return id
}

func queuePayloads(st QueueStatus) []string {
	var out []string
	for _, j := range st.Queue {
		out = append(out, j.Payload)
	}
	return out
}

func TestServiceHighPriorityRetryScenario(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	d := DispatcherFunc(func(_ context.Context, _ jobs.PrinterTarget, payload string, _ jobs.RenderSettings) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[payload]++
		if payload == "B" && attempts[payload] == 1 {
			return errors.New("printer busy")
		}
		return nil
	})

	bus := events.NewBus(logging.Discard())
	s := newTestService(t, d, nil, bus)
	s.Pause()
	rec := newRecorder(bus)

	// Listeners may call back into the service.
	bus.Subscribe(func(events.Event) { s.GetQueueStatus() })

	submit(t, s, "A", jobs.PriorityNormal)
	submit(t, s, "B", jobs.PriorityHigh)

	if have := queuePayloads(s.GetQueueStatus()); len(have) != 2 || have[0] != "B" || have[1] != "A" {
		t.Fatalf("queue before processing = %v, want [B A]", have)
	}

	s.Resume()
	rec.waitFor(t, events.JobCompleted, 2)

	want := []string{
		"job-added(A)", "job-added(B)",
		"job-started(B)", "job-started(B)", "job-completed(B)",
		"job-started(A)", "job-completed(A)",
	}
	have := rec.jobEvents()
	if len(have) != len(want) {
		t.Fatalf("events = %v, want %v", have, want)
	}
	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("events = %v, want %v", have, want)
		}
	}

	st := s.GetQueueStatus()
	if st.Total != 0 || st.Failed != 0 || st.RecentCompleted != 2 {
		t.Fatalf("final status = %+v", st)
	}
}

func TestServiceFIFOWithinBand(t *testing.T) {
	var mu sync.Mutex
	var order []string
	d := DispatcherFunc(func(_ context.Context, _ jobs.PrinterTarget, payload string, _ jobs.RenderSettings) error {
		mu.Lock()
		order = append(order, payload)
		mu.Unlock()
		return nil
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, d, nil, bus)
	s.Pause()
	for _, p := range []string{"n1", "n2", "n3"} {
		submit(t, s, p, jobs.PriorityNormal)
	}
	submit(t, s, "h1", jobs.PriorityHigh)
	submit(t, s, "h2", jobs.PriorityHigh)
	s.Resume()

	rec.waitFor(t, events.JobCompleted, 5)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"h1", "h2", "n1", "n2", "n3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestServiceRetryExhaustion(t *testing.T) {
	var calls int32
	var seen []jobs.Status
	var mu sync.Mutex
	var s *Service
	d := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		n := atomic.AddInt32(&calls, 1)
		st := s.GetQueueStatus()
		mu.Lock()
		if st.ProcessingJob != nil {
			seen = append(seen, st.ProcessingJob.Status)
		}
		mu.Unlock()
		return fmt.Errorf("attempt %d: printer offline", n)
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s = newTestService(t, d, nil, bus)
	s.Pause()

	var cbErr error
	cbCalled := make(chan jobs.PrintJob, 1)
	id, err := s.Submit(JobRequest{
		PrinterTarget: jobs.PrinterTarget{Host: "printer.local"},
		Payload:       "X",
		Callbacks: &jobs.Callbacks{
			OnSuccess: func(jobs.PrintJob) { t.Error("OnSuccess called for failing job") },
			OnError: func(j jobs.PrintJob, err error) {
				cbErr = err
				cbCalled <- j
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Resume()

	rec.waitFor(t, events.JobFailed, 1)
	var cbJob jobs.PrintJob
	select {
	case cbJob = <-cbCalled:
	case <-time.After(waitTimeout):
		t.Fatal("OnError not called")
	}

	if have, want := atomic.LoadInt32(&calls), int32(3); have != want {
		t.Fatalf("dispatch calls = %d, want %d", have, want)
	}
	if have, want := rec.count(events.JobStarted), 3; have != want {
		t.Fatalf("job-started events = %d, want %d", have, want)
	}
	if have, want := rec.count(events.JobFailed), 1; have != want {
		t.Fatalf("job-failed events = %d, want %d", have, want)
	}
	mu.Lock()
	for i, status := range seen {
		if status != jobs.StatusProcessing {
			t.Fatalf("status during attempt %d = %s, want processing", i+1, status)
		}
	}
	mu.Unlock()

	job, ok := s.GetJob(id)
	if !ok {
		t.Fatal("failed job not queryable")
	}
	if job.Status != jobs.StatusFailed || job.RetryCount != 3 || job.ProcessedAt == 0 {
		t.Fatalf("unexpected failed job %+v", job)
	}
	if job.Error != "attempt 3: printer offline" {
		t.Fatalf("Error = %q", job.Error)
	}
	if cbJob.Status != jobs.StatusFailed || cbErr == nil {
		t.Fatalf("callback got job %+v err %v", cbJob, cbErr)
	}
	if st := s.GetQueueStatus(); st.Total != 0 || st.RecentFailed != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestServiceRetryFailedJob(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	d := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		if fail.Load() {
			return errors.New("jam")
		}
		return nil
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, d, nil, bus)

	id := submit(t, s, "X", jobs.PriorityNormal)
	rec.waitFor(t, events.JobFailed, 1)

	if s.RetryFailedJob("unknown") {
		t.Fatal("RetryFailedJob(unknown) = true")
	}

	fail.Store(false)
	if !s.RetryFailedJob(id) {
		t.Fatal("RetryFailedJob = false for failed job")
	}
	rec.waitFor(t, events.JobCompleted, 1)

	job, ok := s.GetJob(id)
	if !ok || job.Status != jobs.StatusCompleted || job.RetryCount != 0 || job.Error != "" {
		t.Fatalf("unexpected job after retry %+v", job)
	}
	if have, want := rec.count(events.JobAdded), 2; have != want {
		t.Fatalf("job-added events = %d, want %d", have, want)
	}
	if s.RetryFailedJob(id) {
		t.Fatal("RetryFailedJob succeeded on a completed job")
	}
}

func TestServiceRetryFailedJobRejectsPending(t *testing.T) {
	s := newTestService(t, succeed(), nil, nil)
	s.Pause()
	id := submit(t, s, "X", jobs.PriorityNormal)
	if s.RetryFailedJob(id) {
		t.Fatal("RetryFailedJob succeeded on a pending job")
	}
}

func TestServicePauseCheckpoint(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	d := DispatcherFunc(func(_ context.Context, _ jobs.PrinterTarget, payload string, _ jobs.RenderSettings) error {
		atomic.AddInt32(&calls, 1)
		if payload == "first" {
			<-release
		}
		return nil
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, d, nil, bus)

	submit(t, s, "first", jobs.PriorityNormal)
	submit(t, s, "second", jobs.PriorityNormal)
	rec.waitFor(t, events.JobStarted, 1)

	s.Pause()
	close(release)
	rec.waitFor(t, events.JobCompleted, 1)

	time.Sleep(50 * time.Millisecond)
	if have := atomic.LoadInt32(&calls); have != 1 {
		t.Fatalf("dispatch calls while paused = %d, want 1", have)
	}
	st := s.GetQueueStatus()
	if !st.IsPaused || st.IsProcessing || st.Pending != 1 {
		t.Fatalf("status while paused = %+v", st)
	}

	s.Resume()
	rec.waitFor(t, events.JobCompleted, 2)
	if have, want := rec.jobEvents()[len(rec.jobEvents())-1], "job-completed(second)"; have != want {
		t.Fatalf("last event = %s, want %s", have, want)
	}
}

func TestServicePersistenceRoundTrip(t *testing.T) {
	st := store.NewSnapshotStore(store.NewMemoryKV(), "")

	first := newTestService(t, succeed(), st, nil)
	first.Pause()
	submit(t, first, "n1", jobs.PriorityNormal)
	submit(t, first, "n2", jobs.PriorityNormal)
	submit(t, first, "h1", jobs.PriorityHigh)
	before := first.GetQueueStatus()
	first.Close(context.Background())

	var calls int32
	counting := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	second := newTestService(t, counting, st, nil)

	time.Sleep(20 * time.Millisecond)
	after := second.GetQueueStatus()
	if !after.IsPaused || after.IsProcessing {
		t.Fatalf("restored status = %+v", after)
	}
	if have := atomic.LoadInt32(&calls); have != 0 {
		t.Fatalf("dispatch calls after restore = %d, want 0", have)
	}
	if len(after.Queue) != len(before.Queue) {
		t.Fatalf("restored %d jobs, want %d", len(after.Queue), len(before.Queue))
	}
	for i := range before.Queue {
		b, a := before.Queue[i], after.Queue[i]
		if a.ID != b.ID || a.Status != b.Status || a.Priority != b.Priority || a.CreatedAt != b.CreatedAt {
			t.Fatalf("job %d: restored %+v, want %+v", i, a, b)
		}
	}
	if have := queuePayloads(after); have[0] != "h1" || have[1] != "n1" || have[2] != "n2" {
		t.Fatalf("restored order = %v, want [h1 n1 n2]", have)
	}
}

func TestServiceRestoreResetsProcessingAndAutoStarts(t *testing.T) {
	kv := store.NewMemoryKV()
	st := store.NewSnapshotStore(kv, "")
	err := st.Save(context.Background(), &store.Snapshot{
		Jobs: []jobs.PrintJob{
			{ID: "crashed", Payload: "crashed", Priority: jobs.PriorityNormal, Status: jobs.StatusProcessing, RetryCount: 1, MaxRetries: 3},
			{ID: "next", Payload: "next", Priority: jobs.PriorityNormal, Status: jobs.StatusPending, MaxRetries: 3},
			{ID: "done", Payload: "done", Priority: jobs.PriorityNormal, Status: jobs.StatusCompleted, MaxRetries: 3},
		},
		History: []jobs.PrintJob{
			{ID: "old", Payload: "old", Status: jobs.StatusFailed, RetryCount: 3, MaxRetries: 3, Error: "offline"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, succeed(), st, bus)

	rec.waitFor(t, events.JobCompleted, 2)
	have := rec.jobEvents()
	want := []string{"job-started(crashed)", "job-completed(crashed)", "job-started(next)", "job-completed(next)"}
	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("events = %v, want %v", have, want)
		}
	}
	if _, ok := s.GetJob("old"); !ok {
		t.Fatal("restored history entry not queryable")
	}
	if s.GetQueueStatus().Total != 0 {
		t.Fatal("expected empty queue after drain")
	}
}

func TestServiceRemoveJob(t *testing.T) {
	s := newTestService(t, succeed(), nil, nil)
	s.Pause()
	id := submit(t, s, "X", jobs.PriorityNormal)
	submit(t, s, "Y", jobs.PriorityNormal)

	if s.RemoveJob("nope") {
		t.Fatal("RemoveJob(nope) = true")
	}
	if have, want := s.GetQueueStatus().Total, 2; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if !s.RemoveJob(id) {
		t.Fatal("RemoveJob = false for queued job")
	}
	if _, ok := s.GetJob(id); ok {
		t.Fatal("removed job still queryable")
	}
	if s.RemoveJob(id) {
		t.Fatal("second RemoveJob = true")
	}
}

func TestServiceClearDuringDispatch(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	d := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		return nil
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, d, nil, bus)
	submit(t, s, "first", jobs.PriorityNormal)
	submit(t, s, "second", jobs.PriorityNormal)
	rec.waitFor(t, events.JobStarted, 1)

	s.Clear()
	rec.waitFor(t, events.QueueCleared, 1)
	close(release)
	rec.waitFor(t, events.JobCompleted, 1)

	time.Sleep(20 * time.Millisecond)
	if have := atomic.LoadInt32(&calls); have != 1 {
		t.Fatalf("dispatch calls = %d, want 1", have)
	}
	if st := s.GetQueueStatus(); st.Total != 0 || st.IsProcessing {
		t.Fatalf("status = %+v", st)
	}
}

func TestServiceRemovedInFlightJobIsNotRequeued(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	d := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return errors.New("offline")
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, d, nil, bus)
	id := submit(t, s, "X", jobs.PriorityNormal)
	rec.waitFor(t, events.JobStarted, 1)

	if !s.RemoveJob(id) {
		t.Fatal("RemoveJob = false for in-flight job")
	}
	close(release)

	deadline := time.Now().Add(waitTimeout)
	for s.GetQueueStatus().IsProcessing {
		if time.Now().After(deadline) {
			t.Fatal("processor did not stop")
		}
		time.Sleep(time.Millisecond)
	}
	if have := atomic.LoadInt32(&calls); have != 1 {
		t.Fatalf("dispatch calls = %d, want 1", have)
	}
	if s.GetQueueStatus().Total != 0 {
		t.Fatal("removed job was requeued")
	}
}

func TestServiceSingleFlight(t *testing.T) {
	var active, maxActive int32
	var s *Service
	var overlap atomic.Bool
	d := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		if s.GetQueueStatus().Processing > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s = newTestService(t, d, nil, bus)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := jobs.PriorityNormal
			if i%3 == 0 {
				p = jobs.PriorityHigh
			}
			_, err := s.Submit(JobRequest{Payload: fmt.Sprintf("job-%d", i), Priority: p})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
			s.Resume()
		}(i)
	}
	wg.Wait()

	rec.waitFor(t, events.JobCompleted, 10)
	if have := atomic.LoadInt32(&maxActive); have != 1 {
		t.Fatalf("max concurrent dispatches = %d, want 1", have)
	}
	if overlap.Load() {
		t.Fatal("observed more than one processing job")
	}
}

func TestServiceDispatcherPanicCountsAsFailure(t *testing.T) {
	var calls int32
	d := DispatcherFunc(func(context.Context, jobs.PrinterTarget, string, jobs.RenderSettings) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("driver crashed")
		}
		return nil
	})

	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, d, nil, bus)
	id := submit(t, s, "X", jobs.PriorityNormal)
	rec.waitFor(t, events.JobCompleted, 1)

	job, _ := s.GetJob(id)
	if job.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", job.RetryCount)
	}
}

func TestServiceCallbackPanicDoesNotStopQueue(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, succeed(), nil, bus)
	s.Pause()
	_, err := s.Submit(JobRequest{
		PrinterTarget: jobs.PrinterTarget{Host: "printer.local"},
		Payload:       "X",
		Callbacks:     &jobs.Callbacks{OnSuccess: func(jobs.PrintJob) { panic("caller bug") }},
	})
	if err != nil {
		t.Fatal(err)
	}
	submit(t, s, "Y", jobs.PriorityNormal)
	s.Resume()

	rec.waitFor(t, events.JobCompleted, 2)
}

func TestServiceSubmitValidation(t *testing.T) {
	s := newTestService(t, succeed(), nil, nil)

	if _, err := s.Submit(JobRequest{Payload: "X", Priority: "urgent"}); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("err = %v, want ErrInvalidPriority", err)
	}
	if _, err := s.Submit(JobRequest{}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("err = %v, want ErrEmptyPayload", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(JobRequest{Payload: "X"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestServiceSubmitDefaults(t *testing.T) {
	s := newTestService(t, succeed(), nil, nil)
	s.Pause()
	h := 30
	id, err := s.Submit(JobRequest{
		PrinterTarget:  jobs.PrinterTarget{Host: "10.0.0.5", Port: 9100},
		Payload:        "^XA^XZ",
		RenderSettings: jobs.RenderSettings{Width: 58, Height: &h, Threshold: 128, Scale: 1.5},
		Metadata:       map[string]any{"label": "order 42"},
	})
	if err != nil {
		t.Fatal(err)
	}

	job, ok := s.GetJob(id)
	if !ok {
		t.Fatal("job not found")
	}
	if job.Priority != jobs.PriorityNormal || job.Status != jobs.StatusPending ||
		job.RetryCount != 0 || job.MaxRetries != 3 || job.CreatedAt == 0 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Metadata["label"] != "order 42" || *job.RenderSettings.Height != 30 {
		t.Fatalf("caller fields not preserved: %+v", job)
	}
}

func TestServicePassesRenderSettingsThrough(t *testing.T) {
	got := make(chan jobs.RenderSettings, 1)
	d := DispatcherFunc(func(_ context.Context, target jobs.PrinterTarget, _ string, rs jobs.RenderSettings) error {
		if target.Host != "10.0.0.9" {
			return fmt.Errorf("unexpected target %+v", target)
		}
		got <- rs
		return nil
	})
	s := newTestService(t, d, nil, nil)
	_, err := s.Submit(JobRequest{
		PrinterTarget:  jobs.PrinterTarget{Host: "10.0.0.9"},
		Payload:        "X",
		RenderSettings: jobs.RenderSettings{Width: 80, Threshold: 100, Scale: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case rs := <-got:
		if rs.Width != 80 || rs.Height != nil || rs.Threshold != 100 || rs.Scale != 2 {
			t.Fatalf("settings = %+v", rs)
		}
	case <-time.After(waitTimeout):
		t.Fatal("dispatcher not called")
	}
}

type failingStore struct {
	saves int32
}

func (f *failingStore) Load(context.Context) (*store.Snapshot, error) {
	return nil, errors.New("disk unreadable")
}

func (f *failingStore) Save(context.Context, *store.Snapshot) error {
	atomic.AddInt32(&f.saves, 1)
	return errors.New("disk full")
}

func TestServicePersistenceFailuresAreSwallowed(t *testing.T) {
	st := &failingStore{}
	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, succeed(), st, bus)

	submit(t, s, "X", jobs.PriorityNormal)
	rec.waitFor(t, events.JobCompleted, 1)

	if atomic.LoadInt32(&st.saves) < 3 {
		t.Fatalf("saves = %d, want at least 3", atomic.LoadInt32(&st.saves))
	}
}

func TestServicePauseResumeEvents(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, succeed(), store.NewSnapshotStore(store.NewMemoryKV(), ""), bus)

	s.Pause()
	if !s.GetQueueStatus().IsPaused {
		t.Fatal("expected paused")
	}
	s.Resume()
	if s.GetQueueStatus().IsPaused {
		t.Fatal("expected resumed")
	}
	if rec.count(events.QueuePaused) != 1 || rec.count(events.QueueResumed) != 1 {
		t.Fatalf("paused=%d resumed=%d, want 1 each", rec.count(events.QueuePaused), rec.count(events.QueueResumed))
	}
}

func assertEvents(t *testing.T, have, want []string) {
	t.Helper()
	if len(have) != len(want) {
		t.Fatalf("events = %v, want %v", have, want)
	}
	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("events = %v, want %v", have, want)
		}
	}
}

func TestServiceEventsStayOrderedAcrossRuns(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	s := newTestService(t, succeed(), nil, bus)

	inCompleted := make(chan struct{})
	var once sync.Once
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.JobCompleted && e.Job.Payload == "B" {
			once.Do(func() {
				close(inCompleted)
				time.Sleep(100 * time.Millisecond)
			})
		}
	})
	rec := newRecorder(bus)

	submit(t, s, "B", jobs.PriorityNormal)
	select {
	case <-inCompleted:
	case <-time.After(waitTimeout):
		t.Fatal("job-completed(B) never delivered")
	}

	// The processor went idle after B; this starts it again while B's
	// completion is still being delivered.
	submit(t, s, "C", jobs.PriorityNormal)
	rec.waitFor(t, events.JobCompleted, 2)

	assertEvents(t, rec.jobEvents(), []string{
		"job-added(B)", "job-started(B)", "job-completed(B)",
		"job-added(C)", "job-started(C)", "job-completed(C)",
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, e := range rec.events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d (%s) seq = %d, want %d", i, e.Kind, e.Seq, i+1)
		}
	}
}

func TestServiceListenerMaySubmit(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	s := newTestService(t, succeed(), nil, bus)

	var once sync.Once
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.JobCompleted {
			once.Do(func() {
				if _, err := s.Submit(JobRequest{Payload: "second"}); err != nil {
					t.Errorf("Submit from listener: %v", err)
				}
			})
		}
	})
	rec := newRecorder(bus)

	submit(t, s, "first", jobs.PriorityNormal)
	rec.waitFor(t, events.JobCompleted, 2)

	assertEvents(t, rec.jobEvents(), []string{
		"job-added(first)", "job-started(first)", "job-completed(first)",
		"job-added(second)", "job-started(second)", "job-completed(second)",
	})
}

func TestServiceCallbackRunsAfterEvent(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, succeed(), nil, bus)

	seen := make(chan int, 1)
	_, err := s.Submit(JobRequest{
		Payload: "x",
		Callbacks: &jobs.Callbacks{OnSuccess: func(jobs.PrintJob) {
			seen <- rec.count(events.JobCompleted)
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-seen:
		if n != 1 {
			t.Fatalf("job-completed events seen by OnSuccess = %d, want 1", n)
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnSuccess never ran")
	}
}

func TestServiceWatch(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	rec := newRecorder(bus)
	s := newTestService(t, succeed(), nil, bus)

	s.Pause()
	submit(t, s, "A", jobs.PriorityNormal)
	rec.waitFor(t, events.JobAdded, 1)

	var (
		mu     sync.Mutex
		gotten []events.Event
	)
	st, seq, unsubscribe := s.Watch(func(e events.Event) {
		mu.Lock()
		gotten = append(gotten, e)
		mu.Unlock()
	})
	defer unsubscribe()

	if st.Total != 1 || !st.IsPaused {
		t.Fatalf("status = %+v, want one paused job", st)
	}
	if seq != 2 {
		t.Fatalf("seq = %d, want 2", seq)
	}

	s.Resume()
	rec.waitFor(t, events.JobCompleted, 1)

	mu.Lock()
	defer mu.Unlock()
	var kinds []string
	for _, e := range gotten {
		kinds = append(kinds, string(e.Kind))
	}
	assertEvents(t, kinds, []string{"queue-resumed", "job-started", "job-completed"})
	if gotten[0].Seq != seq+1 {
		t.Fatalf("first watched seq = %d, want %d", gotten[0].Seq, seq+1)
	}
}

func TestNewServiceCopiesConfig(t *testing.T) {
	cfg := &config.QueueConfig{InterJobDelay: time.Millisecond, HistorySize: 5}
	s := NewService(succeed(), nil, nil, cfg, logging.Discard())
	defer s.Close(context.Background())

	if cfg.MaxRetries != 0 {
		t.Fatalf("caller's MaxRetries = %d, want 0", cfg.MaxRetries)
	}

	s.Pause()
	id := submit(t, s, "x", jobs.PriorityNormal)
	job, ok := s.GetJob(id)
	if !ok {
		t.Fatal("job not found")
	}
	if job.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want 3", job.MaxRetries)
	}
}
