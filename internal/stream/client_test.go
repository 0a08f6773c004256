package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/models"
)

// sseServer serves a fixed sequence of raw SSE frames for any session.
func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
	}))
}

// collector accumulates delivered records behind a mutex.
type collector struct {
	mu       sync.Mutex
	records  []models.ActivityRecord
	finished []models.ActivityRecord
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnActivity: func(rec models.ActivityRecord) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.records = append(c.records, rec)
		},
		OnFinished: func(rec models.ActivityRecord) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.finished = append(c.finished, rec)
		},
	}
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records), len(c.finished)
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestSubscribe_DeliversRecords(t *testing.T) {
	srv := sseServer(t, []string{
		"event: agent_message\ndata: {\"type\":\"agent_message\",\"content\":\"hi\"}\n\n",
		"event: tool_call\ndata: {\"type\":\"tool_call\",\"id\":\"t1\",\"content\":\"ls\"}\n\n",
		"event: finished\ndata: {\"type\":\"finished\",\"success\":true}\n\n",
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	col := &collector{}
	sub := c.Subscribe("sess-1", col.handlers())
	waitDone(t, sub)

	activities, finished := col.counts()
	assert.Equal(t, 2, activities)
	assert.Equal(t, 1, finished)
	assert.NoError(t, sub.Err())
}

func TestSubscribe_UnknownEventIgnored(t *testing.T) {
	srv := sseServer(t, []string{
		"event: heartbeat\ndata: {}\n\n",
		"event: agent_message\ndata: {\"type\":\"agent_message\",\"content\":\"hi\"}\n\n",
		"event: finished\ndata: {\"type\":\"finished\",\"success\":true}\n\n",
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	col := &collector{}
	sub := c.Subscribe("sess-1", col.handlers())
	waitDone(t, sub)

	activities, _ := col.counts()
	assert.Equal(t, 1, activities, "unknown event names are skipped, not errors")
}

func TestSubscribe_MalformedFrameDropped(t *testing.T) {
	srv := sseServer(t, []string{
		"event: tool_call\ndata: {not json\n\n",
		"event: agent_message\ndata: {\"type\":\"agent_message\",\"content\":\"still fine\"}\n\n",
		"event: finished\ndata: {\"type\":\"finished\",\"success\":true}\n\n",
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	col := &collector{}
	sub := c.Subscribe("sess-1", col.handlers())
	waitDone(t, sub)

	activities, finished := col.counts()
	assert.Equal(t, 1, activities, "processing continues past the malformed frame")
	assert.Equal(t, 1, finished)
}

func TestSubscribe_DuplicateFinishedFiresOnce(t *testing.T) {
	srv := sseServer(t, []string{
		"event: finished\ndata: {\"type\":\"finished\",\"success\":false,\"error\":\"timeout\"}\n\n",
		"event: finished\ndata: {\"type\":\"finished\",\"success\":false,\"error\":\"timeout\"}\n\n",
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	col := &collector{}
	sub := c.Subscribe("sess-1", col.handlers())
	waitDone(t, sub)

	_, finished := col.counts()
	assert.Equal(t, 1, finished, "terminal callback must fire exactly once")

	col.mu.Lock()
	defer col.mu.Unlock()
	require.Len(t, col.finished, 1)
	assert.False(t, col.finished[0].Success)
	assert.Equal(t, "timeout", col.finished[0].Error)
}

func TestSubscribe_CancelStopsCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: agent_message\ndata: {\"type\":\"agent_message\",\"content\":\"first\"}\n\n")
		flusher.Flush()
		<-release
		// Frame sent after the client canceled; it must not reach a handler.
		fmt.Fprint(w, "event: agent_message\ndata: {\"type\":\"agent_message\",\"content\":\"late\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL)
	col := &collector{}
	sub := c.Subscribe("sess-1", col.handlers())

	require.Eventually(t, func() bool {
		n, _ := col.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub.Cancel()
	sub.Cancel() // idempotent

	release <- struct{}{}
	waitDone(t, sub)
	time.Sleep(50 * time.Millisecond)

	activities, finished := col.counts()
	assert.Equal(t, 1, activities, "no callback after cancel")
	assert.Zero(t, finished)
	assert.False(t, sub.IsConnected())
}

func TestSubscribe_RetriesThenGivesUp(t *testing.T) {
	// Point at a closed server so every connect fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, WithMaxAttempts(2), WithBackoff(10*time.Millisecond))
	col := &collector{}
	sub := c.Subscribe("sess-1", col.handlers())
	waitDone(t, sub)

	require.Error(t, sub.Err())
	assert.Contains(t, sub.Err().Error(), "gave up")

	activities, finished := col.counts()
	assert.Zero(t, activities)
	assert.Zero(t, finished)
}

func TestSubscribe_ReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if n == 1 {
			// First connection drops after one frame.
			fmt.Fprint(w, "event: step_start\ndata: {\"type\":\"step_start\",\"id\":\"s1\"}\n\n")
			flusher.Flush()
			return
		}
		// Second connection replays then finishes, as the server does.
		fmt.Fprint(w, "event: step_start\ndata: {\"type\":\"step_start\",\"id\":\"s1\"}\n\n")
		fmt.Fprint(w, "event: finished\ndata: {\"type\":\"finished\",\"success\":true}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	var connections []bool
	var connMu sync.Mutex
	h := (&collector{}).handlers()
	h.OnConnectionChange = func(up bool) {
		connMu.Lock()
		defer connMu.Unlock()
		connections = append(connections, up)
	}

	c := NewClient(srv.URL, WithBackoff(10*time.Millisecond))
	sub := c.Subscribe("sess-1", h)
	waitDone(t, sub)

	mu.Lock()
	assert.GreaterOrEqual(t, conns, 2, "client reconnected after the drop")
	mu.Unlock()

	connMu.Lock()
	defer connMu.Unlock()
	assert.GreaterOrEqual(t, len(connections), 3, "up, down, up transitions observed")
	assert.NoError(t, sub.Err())
}
