// Package stream consumes a session's server-push activity channel.
//
// The client opens one long-lived SSE subscription per session, normalizes
// raw frames into activity records, and delivers them serially to the
// caller's handlers. Transport errors are retried with bounded backoff and
// never surface as panics or mid-stream errors; cancellation is synchronous
// and race-free.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskdeck/taskdeck/internal/models"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 500 * time.Millisecond
	maxBackoff            = 10 * time.Second
)

// Handlers receives the subscription's events. All callbacks are invoked
// from a single goroutine, never concurrently, and never after Cancel
// returns or after the first OnFinished.
type Handlers struct {
	// OnActivity receives every known non-terminal record.
	OnActivity func(models.ActivityRecord)
	// OnFinished fires at most once, for the first finished record.
	OnFinished func(models.ActivityRecord)
	// OnConnectionChange observes transport up/down transitions. Optional.
	OnConnectionChange func(connected bool)
}

// Client opens activity subscriptions against a taskdeck server.
type Client struct {
	baseURL     string
	httpc       *http.Client
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithMaxAttempts caps how many consecutive failed connection attempts are
// made before the subscription gives up.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBackoff sets the initial reconnect delay. The delay doubles per failed
// attempt up to a fixed ceiling.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a stream client for the given server base URL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpc:       &http.Client{},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultInitialBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscription is one live session subscription. It owns the transport and
// the delivery goroutine; discard it (and its merged state) when switching
// sessions; state is never carried across sessions.
type Subscription struct {
	sessionID string
	handlers  Handlers

	cancelCtx context.CancelFunc
	connected atomic.Bool

	// mu serializes delivery against Cancel. Holding it across handler
	// invocation guarantees that once Cancel returns, no callback is in
	// flight or will fire again.
	mu       sync.Mutex
	canceled bool
	finished bool

	done chan struct{}
	err  atomic.Pointer[error]
}

// Subscribe opens a subscription to the session's activity stream and starts
// delivering frames. It does not block and does not fail: connection errors
// enter the retry/backoff path instead of being returned.
func (c *Client) Subscribe(sessionID string, h Handlers) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		sessionID: sessionID,
		handlers:  h,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
	go c.run(ctx, sub)
	return sub
}

// Cancel tears down the transport and stops all callbacks. It is idempotent
// and synchronous: no handler fires after Cancel returns, even for frames
// the transport had already buffered.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
	s.cancelCtx()
}

// IsConnected reports whether the transport is currently open.
func (s *Subscription) IsConnected() bool {
	return s.connected.Load()
}

// Done is closed when the subscription stops: finished record seen,
// canceled, or retries exhausted.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal connectivity error after the attempt cap is
// exhausted, or nil. A finished stream and a canceled subscription both
// report nil.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// run drives the connect/read/backoff loop until the stream finishes, the
// subscription is canceled, or the attempt cap is reached.
func (c *Client) run(ctx context.Context, sub *Subscription) {
	defer close(sub.done)
	defer sub.setConnected(false)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt >= c.maxAttempts {
			err := fmt.Errorf("activity stream for session %s: gave up after %d attempts", sub.sessionID, attempt)
			sub.err.Store(&err)
			c.logger.Warn("activity stream disconnected", "session", sub.sessionID, "attempts", attempt)
			return
		}

		delivered, err := c.consume(ctx, sub)
		if sub.isFinished() || ctx.Err() != nil {
			return
		}

		// A connection that delivered frames before dropping resets the
		// attempt counter; only consecutive dead connects count toward
		// the cap.
		if delivered {
			attempt = 0
		}
		attempt++

		if err != nil {
			c.logger.Debug("activity stream error, reconnecting",
				"session", sub.sessionID, "attempt", attempt, "error", err)
		}
		if !sleepCtx(ctx, backoffDelay(c.backoff, attempt)) {
			return
		}
	}
}

// consume opens one SSE connection and reads frames until it breaks.
// It reports whether any frame was delivered on this connection.
func (c *Client) consume(ctx context.Context, sub *Subscription) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/sessions/%s/events", c.baseURL, sub.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscribe: unexpected status %d", resp.StatusCode)
	}

	sub.setConnected(true)
	defer sub.setConnected(false)

	delivered := false
	var eventName string
	var data strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if c.dispatch(sub, eventName, data.String()) {
					delivered = true
				}
				if sub.isFinished() {
					// Proactively close the channel: no further frames
					// are processed even if the transport stays open.
					return delivered, nil
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		}
	}
	return delivered, scanner.Err()
}

// dispatch parses one frame and hands it to the subscription. Malformed
// payloads are dropped with a diagnostic; unknown event names are skipped
// for forward compatibility. Reports whether a record was delivered.
func (c *Client) dispatch(sub *Subscription, eventName, payload string) bool {
	if !models.KnownActivityType(models.ActivityType(eventName)) {
		return false
	}

	var rec models.ActivityRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		c.logger.Warn("dropping malformed activity frame",
			"session", sub.sessionID, "event", eventName, "error", err)
		return false
	}
	if rec.Type == "" {
		rec.Type = models.ActivityType(eventName)
	}
	return sub.deliver(rec)
}

// deliver invokes the appropriate handler unless the subscription has been
// canceled or already finished. Returns whether a handler was invoked.
func (s *Subscription) deliver(rec models.ActivityRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled || s.finished {
		return false
	}

	if rec.IsFinished() {
		s.finished = true
		if s.handlers.OnFinished != nil {
			s.handlers.OnFinished(rec)
		}
		return true
	}

	if s.handlers.OnActivity != nil {
		s.handlers.OnActivity(rec)
	}
	return true
}

func (s *Subscription) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Subscription) setConnected(up bool) {
	if s.connected.Swap(up) == up {
		return
	}
	s.mu.Lock()
	canceled := s.canceled
	cb := s.handlers.OnConnectionChange
	if !canceled && cb != nil {
		cb(up)
	}
	s.mu.Unlock()
}

// backoffDelay doubles the base delay per attempt, capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// sleepCtx waits for d or until ctx is canceled. Reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
