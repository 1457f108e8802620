package courier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type queueFixture struct {
	clock   *testClock
	store   *MemoryStore
	net     *ManualMonitor
	gw      *fakeGateway
	bus     *Bus
	events  *eventRecorder
	queue   *Queue
	ctx     context.Context
	message OutboundMessage
}

func newQueueFixture(t *testing.T, online bool) *queueFixture {
	t.Helper()
	f := &queueFixture{
		clock: newTestClock(),
		store: NewMemoryStore(),
		net:   NewManualMonitor(online),
		gw:    &fakeGateway{},
		bus:   NewBus(discardLogger()),
		ctx:   context.Background(),
		message: OutboundMessage{
			SenderID:  "user-1",
			Recipient: "+15550100",
			Text:      "hello",
		},
	}
	f.events = recordEvents(f.bus, EventQueueChanged, EventDirectMessageSent, EventDirectMessageFailed, EventLastSyncUpdated)
	f.queue = NewQueue(f.store, f.gw, f.net, f.bus, QueueOptions{
		Logger:  discardLogger(),
		NowFunc: f.clock.Now,
	})
	return f
}

// ============================================================================
// Scenarios
// ============================================================================

func TestQueue_ScenarioA_DeliverOnReconnect(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Start(f.ctx)
	defer f.queue.Stop()

	f.queue.Enqueue(f.message, 0)
	if got, want := f.queue.Stats(), (QueueStats{Total: 1, Pending: 1}); got != want {
		t.Fatalf("stats after enqueue = %+v, want %+v", got, want)
	}
	if f.gw.sendCount() != 0 {
		t.Fatal("no attempt expected while offline")
	}

	f.net.SetOnline(true)
	f.queue.wg.Wait()

	if got := f.queue.Stats(); got != (QueueStats{}) {
		t.Fatalf("stats after reconnect = %+v, want zero", got)
	}
	if f.gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.gw.sendCount())
	}
	if f.events.count(EventDirectMessageSent) != 1 {
		t.Fatalf("directMessageSent events = %d, want 1", f.events.count(EventDirectMessageSent))
	}
}

func TestQueue_ScenarioB_TerminalFailure(t *testing.T) {
	f := newQueueFixture(t, false)
	id := f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)
	f.gw.fail(errTransport)

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		if !f.queue.Drain(f.ctx) {
			t.Fatalf("attempt %d: drain skipped", attempt)
		}
		msgs := f.queue.QueuedMessages()
		if len(msgs) != 1 || msgs[0].ID != id {
			t.Fatalf("attempt %d: queue = %+v", attempt, msgs)
		}
		m := msgs[0]
		if m.RetryCount != attempt {
			t.Fatalf("attempt %d: retryCount = %d", attempt, m.RetryCount)
		}
		if attempt < MaxRetries {
			want := f.clock.Now().Add(Backoff[attempt-1])
			if !m.NextRetry.Equal(want) {
				t.Fatalf("attempt %d: nextRetry = %v, want %v", attempt, m.NextRetry, want)
			}
			if m.Status != QueueStatusPending {
				t.Fatalf("attempt %d: status = %q", attempt, m.Status)
			}
			f.clock.Advance(Backoff[attempt-1])
		}
	}

	st := f.queue.Stats()
	if st.Failed != 1 || st.Total != 1 || st.Retrying != 0 || st.Pending != 0 {
		t.Fatalf("stats = %+v, want one failed", st)
	}
	if m := f.queue.QueuedMessages()[0]; m.Status != QueueStatusFailed || m.LastError == "" {
		t.Fatalf("terminal entry = %+v", m)
	}
	if f.events.count(EventDirectMessageFailed) != 1 {
		t.Fatalf("directMessageFailed events = %d, want 1", f.events.count(EventDirectMessageFailed))
	}

	f.clock.Advance(1000 * time.Hour)
	f.queue.Drain(f.ctx)
	if f.gw.sendCount() != MaxRetries {
		t.Fatalf("sends = %d, want %d (no automatic attempt after terminal failure)", f.gw.sendCount(), MaxRetries)
	}
}

func TestQueue_ScenarioC_RetryFailed(t *testing.T) {
	f := newQueueFixture(t, true)
	f.net.SetOnline(false)
	f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)
	f.gw.fail(errTransport)
	for i := 0; i < MaxRetries; i++ {
		f.queue.Drain(f.ctx)
		f.clock.Advance(Backoff[len(Backoff)-1])
	}
	if f.queue.Stats().Failed != 1 {
		t.Fatalf("precondition: stats = %+v", f.queue.Stats())
	}

	f.net.SetOnline(false)
	f.events.reset()
	if n := f.queue.RetryFailedMessages(); n != 1 {
		t.Fatalf("RetryFailedMessages = %d, want 1", n)
	}
	m := f.queue.QueuedMessages()[0]
	if m.RetryCount != 0 {
		t.Fatalf("retryCount = %d, want 0", m.RetryCount)
	}
	if m.NextRetry.After(f.clock.Now()) {
		t.Fatalf("nextRetry %v is after now %v", m.NextRetry, f.clock.Now())
	}
	if m.Status != QueueStatusPending {
		t.Fatalf("status = %q", m.Status)
	}
	if f.events.count(EventQueueChanged) != 1 {
		t.Fatalf("queueChanged events = %d, want 1", f.events.count(EventQueueChanged))
	}

	if n := f.queue.RetryFailedMessages(); n != 0 {
		t.Fatalf("second RetryFailedMessages = %d, want 0", n)
	}
}

// ============================================================================
// Properties
// ============================================================================

func TestQueue_AtLeastOnce(t *testing.T) {
	f := newQueueFixture(t, false)
	for i := 0; i < 4; i++ {
		f.queue.Enqueue(f.message, 0)
	}
	f.net.SetOnline(true)

	// Every other attempt fails.
	var mu sync.Mutex
	calls := 0
	f.gw.sendFn = func(context.Context, SendRequest) (SendResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%2 == 0 {
			return SendResult{}, errTransport
		}
		return SendResult{Success: true}, nil
	}

	for i := 0; i < 20; i++ {
		f.queue.Drain(f.ctx)
		f.clock.Advance(Backoff[len(Backoff)-1])
	}
	for _, m := range f.queue.QueuedMessages() {
		if m.RetryCount != MaxRetries {
			t.Fatalf("message %s left with retryCount %d", m.ID, m.RetryCount)
		}
	}
}

func TestQueue_RetryMonotonic(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)
	f.gw.fail(errTransport)

	prev := 0
	for i := 0; i < 8; i++ {
		f.queue.Drain(f.ctx)
		got := f.queue.QueuedMessages()[0].RetryCount
		if got < prev {
			t.Fatalf("retryCount decreased from %d to %d", prev, got)
		}
		prev = got
		f.clock.Advance(30 * time.Second)
	}
}

func TestQueue_ClearIsIdempotent(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Enqueue(f.message, 0)
	f.queue.Enqueue(f.message, PriorityHigh)
	f.net.SetOnline(true)
	f.gw.fail(errTransport)
	f.queue.Drain(f.ctx)

	f.queue.ClearQueue()
	if got := f.queue.Stats(); got != (QueueStats{}) {
		t.Fatalf("stats after clear = %+v", got)
	}
	f.queue.ClearQueue()
	if got := f.queue.Stats(); got != (QueueStats{}) {
		t.Fatalf("stats after second clear = %+v", got)
	}

	reloaded := NewQueue(f.store, f.gw, f.net, nil, QueueOptions{Logger: discardLogger()})
	if got := reloaded.Stats(); got != (QueueStats{}) {
		t.Fatalf("persisted stats after clear = %+v", got)
	}
}

func TestQueue_DrainIsNonReentrant(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gw.sendFn = func(context.Context, SendRequest) (SendResult, error) {
		close(entered)
		<-release
		return SendResult{Success: true}, nil
	}

	first := make(chan bool)
	go func() { first <- f.queue.Drain(f.ctx) }()
	<-entered

	if f.queue.Drain(f.ctx) {
		t.Fatal("second drain ran while the first was in flight")
	}
	if _, err := f.queue.ForceProcess(f.ctx); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("ForceProcess err = %v, want ErrDrainInProgress", err)
	}

	close(release)
	if !<-first {
		t.Fatal("first drain reported skipped")
	}
	if f.gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.gw.sendCount())
	}
}

// ============================================================================
// Operations
// ============================================================================

func TestQueue_PriorityOrder(t *testing.T) {
	f := newQueueFixture(t, false)
	a := f.queue.Enqueue(f.message, PriorityNormal)
	b := f.queue.Enqueue(f.message, PriorityHigh)
	c := f.queue.Enqueue(f.message, 0)
	d := f.queue.Enqueue(f.message, PriorityHigh)

	var got []string
	for _, m := range f.queue.QueuedMessages() {
		got = append(got, m.ID)
	}
	want := []string{b, d, a, c}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if m := f.queue.QueuedMessages()[3]; m.Priority != PriorityNormal {
		t.Fatalf("default priority = %d, want %d", m.Priority, PriorityNormal)
	}

	f.net.SetOnline(true)
	f.queue.Drain(f.ctx)
	var sent []string
	for _, r := range f.gw.sends {
		sent = append(sent, r.ClientID)
	}
	if strings.Join(sent, ",") != strings.Join(want, ",") {
		t.Fatalf("send order = %v, want %v", sent, want)
	}
}

func TestQueue_EnqueueOnlineDrainsInBackground(t *testing.T) {
	f := newQueueFixture(t, true)
	f.queue.Enqueue(f.message, 0)
	f.queue.wg.Wait()
	if f.gw.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.gw.sendCount())
	}
	if f.queue.Stats().Total != 0 {
		t.Fatalf("stats = %+v, want empty", f.queue.Stats())
	}
}

func TestQueue_RemoveMessage(t *testing.T) {
	f := newQueueFixture(t, false)
	id := f.queue.Enqueue(f.message, 0)
	f.events.reset()

	t.Run("unknown id is a no-op", func(t *testing.T) {
		f.queue.RemoveMessage("missing")
		if f.events.count(EventQueueChanged) != 0 {
			t.Fatal("queueChanged emitted for unknown id")
		}
		if f.queue.Stats().Total != 1 {
			t.Fatal("queue changed")
		}
	})

	t.Run("known id", func(t *testing.T) {
		f.queue.RemoveMessage(id)
		if f.events.count(EventQueueChanged) != 1 {
			t.Fatalf("queueChanged = %d, want 1", f.events.count(EventQueueChanged))
		}
		if f.queue.Stats().Total != 0 {
			t.Fatal("message not removed")
		}
	})
}

func TestQueue_SweepNotifiesOnce(t *testing.T) {
	f := newQueueFixture(t, false)
	for i := 0; i < 3; i++ {
		f.queue.Enqueue(f.message, 0)
	}
	f.net.SetOnline(true)
	f.events.reset()

	f.queue.Drain(f.ctx)
	if n := f.events.count(EventQueueChanged); n != 1 {
		t.Fatalf("queueChanged = %d, want 1", n)
	}
	if n := f.events.count(EventDirectMessageSent); n != 3 {
		t.Fatalf("directMessageSent = %d, want 3", n)
	}
	if n := f.events.count(EventLastSyncUpdated); n != 1 {
		t.Fatalf("lastSyncUpdated = %d, want 1", n)
	}
	at, ok := f.queue.LastSyncAt()
	if !ok || !at.Equal(f.clock.Now()) {
		t.Fatalf("LastSyncAt = %v, %v", at, ok)
	}
}

func TestQueue_FailedSweepKeepsLastSync(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)
	f.gw.fail(errTransport)
	f.queue.Drain(f.ctx)
	if _, ok := f.queue.LastSyncAt(); ok {
		t.Fatal("last_sync_at written after a sweep without deliveries")
	}
	if f.events.count(EventLastSyncUpdated) != 0 {
		t.Fatal("lastSyncUpdated emitted")
	}
}

func TestQueue_RejectionCountsAsFailure(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)
	f.gw.sendFn = func(context.Context, SendRequest) (SendResult, error) {
		return SendResult{Success: false, Message: "unknown recipient"}, nil
	}
	f.queue.Drain(f.ctx)
	m := f.queue.QueuedMessages()[0]
	if m.RetryCount != 1 || !strings.Contains(m.LastError, "unknown recipient") {
		t.Fatalf("entry = %+v", m)
	}
}

func TestQueue_DrainSkippedOffline(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Enqueue(f.message, 0)
	if f.queue.Drain(f.ctx) {
		t.Fatal("drain ran while offline")
	}
	if f.gw.sendCount() != 0 {
		t.Fatal("gateway called while offline")
	}
}

func TestQueue_ForceProcess(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		f := newQueueFixture(t, false)
		f.queue.Enqueue(f.message, 0)
		if _, err := f.queue.ForceProcess(f.ctx); !errors.Is(err, ErrOffline) {
			t.Fatalf("err = %v, want ErrOffline", err)
		}
		if f.gw.sendCount() != 0 {
			t.Fatal("gateway called while offline")
		}
	})

	t.Run("ignores backoff", func(t *testing.T) {
		f := newQueueFixture(t, false)
		f.queue.Enqueue(f.message, 0)
		f.queue.Enqueue(f.message, 0)
		f.net.SetOnline(true)
		f.gw.fail(errTransport)
		f.queue.Drain(f.ctx)

		f.gw.succeed()
		f.queue.Drain(f.ctx)
		if f.gw.sendCount() != 2 {
			t.Fatalf("drain attempted entries still in backoff: sends = %d", f.gw.sendCount())
		}

		res, err := f.queue.ForceProcess(f.ctx)
		if err != nil {
			t.Fatalf("ForceProcess: %v", err)
		}
		if res != (ProcessResult{Processed: 2}) {
			t.Fatalf("result = %+v", res)
		}
		if f.queue.Stats().Total != 0 {
			t.Fatalf("stats = %+v", f.queue.Stats())
		}
	})

	t.Run("records failures", func(t *testing.T) {
		f := newQueueFixture(t, false)
		f.queue.Enqueue(f.message, 0)
		f.net.SetOnline(true)
		f.gw.fail(errTransport)
		res, err := f.queue.ForceProcess(f.ctx)
		if err != nil {
			t.Fatalf("ForceProcess: %v", err)
		}
		if res != (ProcessResult{Failed: 1}) {
			t.Fatalf("result = %+v", res)
		}
		m := f.queue.QueuedMessages()[0]
		if m.RetryCount != 1 || !m.NextRetry.Equal(f.clock.Now().Add(Backoff[0])) {
			t.Fatalf("entry = %+v", m)
		}
	})
}

func TestQueue_AttemptTimeout(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue = NewQueue(f.store, f.gw, f.net, f.bus, QueueOptions{
		AttemptTimeout: 20 * time.Millisecond,
		Logger:         discardLogger(),
		NowFunc:        f.clock.Now,
	})
	f.queue.Enqueue(f.message, 0)
	f.net.SetOnline(true)
	f.gw.sendFn = func(ctx context.Context, _ SendRequest) (SendResult, error) {
		<-ctx.Done()
		return SendResult{}, ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		f.queue.Drain(f.ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hung gateway stalled the sweep")
	}
	if m := f.queue.QueuedMessages()[0]; m.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", m.RetryCount)
	}
}

func TestQueue_StopMidAttemptKeepsRetryBudget(t *testing.T) {
	f := newQueueFixture(t, false)
	id := f.queue.Enqueue(f.message, 0)
	started := make(chan struct{})
	var once sync.Once
	f.gw.sendFn = func(ctx context.Context, _ SendRequest) (SendResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return SendResult{}, ctx.Err()
	}

	f.queue.Start(f.ctx)
	f.net.SetOnline(true)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never started")
	}
	f.queue.Stop()

	msgs := f.queue.QueuedMessages()
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("queue = %+v", msgs)
	}
	m := msgs[0]
	if m.RetryCount != 0 || m.LastError != "" || !m.LastAttempt.IsZero() || m.Status != QueueStatusPending {
		t.Fatalf("interrupted attempt was recorded: %+v", m)
	}
	if s := f.queue.Stats(); s.Pending != 1 || s.Retrying != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if f.events.count(EventDirectMessageFailed) != 0 {
		t.Fatal("interrupted attempt emitted a failure")
	}

	persisted, _, err := getJSON[[]QueuedMessage](f.store, KeyOfflineQueue)
	if err != nil || len(persisted) != 1 || persisted[0].RetryCount != 0 {
		t.Fatalf("persisted = %+v, %v", persisted, err)
	}
}

func TestQueue_PersistenceRoundTrip(t *testing.T) {
	f := newQueueFixture(t, false)
	f.message.DeliverAfter = f.clock.Now().Add(time.Hour)
	id := f.queue.Enqueue(f.message, PriorityHigh)
	f.net.SetOnline(true)
	f.gw.fail(errTransport)
	f.queue.Drain(f.ctx)
	before := f.queue.QueuedMessages()[0]

	reloaded := NewQueue(f.store, f.gw, f.net, nil, QueueOptions{Logger: discardLogger(), NowFunc: f.clock.Now})
	msgs := reloaded.QueuedMessages()
	if len(msgs) != 1 {
		t.Fatalf("reloaded %d messages, want 1", len(msgs))
	}
	after := msgs[0]
	if after.ID != id || after.RetryCount != 1 || after.Priority != PriorityHigh || after.Text != "hello" {
		t.Fatalf("reloaded = %+v", after)
	}
	for name, pair := range map[string][2]time.Time{
		"nextRetry":    {before.NextRetry, after.NextRetry},
		"lastAttempt":  {before.LastAttempt, after.LastAttempt},
		"createdAt":    {before.CreatedAt, after.CreatedAt},
		"deliverAfter": {before.DeliverAfter, after.DeliverAfter},
	} {
		if !pair[0].Equal(pair[1]) {
			t.Errorf("%s = %v after reload, want %v", name, pair[1], pair[0])
		}
	}
}

func TestQueue_StopFlushes(t *testing.T) {
	f := newQueueFixture(t, false)
	f.queue.Start(f.ctx)
	f.queue.Enqueue(f.message, 0)
	f.queue.Stop()
	f.queue.Stop()

	msgs, ok, err := getJSON[[]QueuedMessage](f.store, KeyOfflineQueue)
	if err != nil || !ok || len(msgs) != 1 {
		t.Fatalf("persisted = %v, %v, %v", msgs, ok, err)
	}
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, 60 * time.Minute},
		{5, 300 * time.Minute},
		{9, 300 * time.Minute},
	}
	for _, tt := range tests {
		if got := BackoffFor(tt.retries); got != tt.want {
			t.Errorf("BackoffFor(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}
