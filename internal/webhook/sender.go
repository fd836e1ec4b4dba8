// Package webhook relays queue events to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/orrn/printqueue/internal/config"
	"github.com/orrn/printqueue/internal/events"
	"github.com/orrn/printqueue/internal/jobs"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

type Payload struct {
	Event     events.Kind    `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Data      *jobs.PrintJob `json:"data,omitempty"`
}

type task struct {
	target config.WebhookTarget
	event  events.Kind
	body   []byte
}

// Sender posts every bus event to the targets subscribed to its kind. Delivery
// is asynchronous; when the queue is full new deliveries are dropped.
type Sender struct {
	targets    []config.WebhookTarget
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	logger     *slog.Logger

	queue  chan *task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	unsubscribe func()
}

func NewSender(cfg config.WebhooksConfig, logger *slog.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		targets: cfg.Targets,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		logger:     logger.With("component", "webhook"),
		queue:      make(chan *task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to bus and launches the delivery workers. It is a no-op
// when no targets are configured.
func (s *Sender) Start(bus *events.Bus) {
	if len(s.targets) == 0 {
		return
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.mu.Lock()
	s.unsubscribe = bus.Subscribe(s.HandleEvent)
	s.mu.Unlock()

	s.logger.Info("webhook relay started", "targets", len(s.targets), "workers", s.workers)
}

// Stop unsubscribes from the bus, abandons pending retries and waits for the
// workers to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// HandleEvent queues one delivery per target interested in evt.
func (s *Sender) HandleEvent(evt events.Event) {
	if s.ctx.Err() != nil {
		return
	}

	var body []byte
	for _, target := range s.targets {
		if !wants(target, evt.Kind) {
			continue
		}
		if body == nil {
			var err error
			body, err = json.Marshal(Payload{Event: evt.Kind, Timestamp: evt.Timestamp, Data: evt.Job})
			if err != nil {
				s.logger.Error("failed to encode webhook payload", "event", evt.Kind, "error", err)
				return
			}
		}

		select {
		case s.queue <- &task{target: target, event: evt.Kind, body: body}:
		default:
			s.logger.Warn("queue full, dropping webhook", "url", target.URL, "event", evt.Kind)
		}
	}
}

func wants(target config.WebhookTarget, kind events.Kind) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, e := range target.Events {
		if e == string(kind) || e == "*" {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Warn("webhook delivery failed",
					"worker", id, "url", t.target.URL, "event", t.event, "error", err)
			}
		}
	}
}

func (s *Sender) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxElapsedTime = 0
	// retryCount counts attempts, WithMaxRetries counts retries after the first.
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.retryCount-1)), s.ctx)
}

func (s *Sender) sendWithRetry(t *task) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.sendRequest(t)
		if err == nil {
			return nil
		}
		if se, ok := err.(*statusError); ok && se.code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Info("retrying webhook",
			"url", t.target.URL, "attempt", attempt, "max_attempts", s.retryCount, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, s.newBackOff(), notify); err != nil {
		return fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (s *Sender) sendRequest(t *task) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, t.target.URL, bytes.NewReader(t.body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(t.event))
	if t.target.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(t.body, t.target.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
