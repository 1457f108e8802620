package courier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errTransport = errors.New("connection reset by peer")

// fakeGateway is a scriptable Gateway.
type fakeGateway struct {
	mu       sync.Mutex
	sendFn   func(ctx context.Context, req SendRequest) (SendResult, error)
	sends    []SendRequest
	fetchFn  func(call int) ([]MessageRow, error)
	rows     []MessageRow
	fetchErr error
	fetches  int
	onChange func(RowChange)
	unsubbed bool
}

func (g *fakeGateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	g.mu.Lock()
	g.sends = append(g.sends, req)
	fn := g.sendFn
	g.mu.Unlock()
	if fn == nil {
		return SendResult{Success: true, MessageID: "srv-" + req.ClientID}, nil
	}
	return fn(ctx, req)
}

func (g *fakeGateway) FetchAggregateRows(ctx context.Context, userID string) ([]MessageRow, error) {
	g.mu.Lock()
	g.fetches++
	call := g.fetches
	fn := g.fetchFn
	rows := append([]MessageRow(nil), g.rows...)
	err := g.fetchErr
	g.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return rows, err
}

func (g *fakeGateway) Subscribe(ctx context.Context, scope ChangeScope, onChange func(RowChange)) (func(), error) {
	g.mu.Lock()
	g.onChange = onChange
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.unsubbed = true
		g.mu.Unlock()
	}, nil
}

func (g *fakeGateway) setRows(rows []MessageRow) {
	g.mu.Lock()
	g.rows = rows
	g.mu.Unlock()
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	g.sendFn = func(context.Context, SendRequest) (SendResult, error) { return SendResult{}, err }
	g.mu.Unlock()
}

func (g *fakeGateway) succeed() {
	g.mu.Lock()
	g.sendFn = nil
	g.mu.Unlock()
}

// rowsFor builds outbound rows from userID with the given statuses.
func rowsFor(userID string, statuses ...string) []MessageRow {
	rows := make([]MessageRow, 0, len(statuses))
	for i, s := range statuses {
		rows = append(rows, MessageRow{
			ID:          userID + "-" + s + "-" + string(rune('a'+i)),
			Status:      s,
			SenderID:    userID,
			RecipientID: "peer",
		})
	}
	return rows
}

// eventRecorder counts bus events.
type eventRecorder struct {
	mu       sync.Mutex
	counts   map[string]int
	payloads map[string][]any
}

func recordEvents(bus *Bus, events ...string) *eventRecorder {
	r := &eventRecorder{counts: make(map[string]int), payloads: make(map[string][]any)}
	for _, ev := range events {
		bus.On(ev, func(event string, payload any) {
			r.mu.Lock()
			r.counts[event]++
			r.payloads[event] = append(r.payloads[event], payload)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *eventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[event]
}

func (r *eventRecorder) last(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payloads[event]
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	r.counts = make(map[string]int)
	r.payloads = make(map[string][]any)
	r.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
