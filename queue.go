package courier

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Queue types
// ============================================================================

// MaxRetries is the number of failed attempts after which a queued message
// becomes a terminal failure.
const MaxRetries = 5

// Priorities. Lower values are serviced first.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
)

// Queued message statuses.
const (
	QueueStatusPending = "pending"
	QueueStatusFailed  = "failed"
)

// Backoff is the retry schedule indexed by min(retryCount-1, len-1).
var Backoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	300 * time.Minute,
}

// BackoffFor returns the delay before the next attempt after retryCount
// failures.
func BackoffFor(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	i := retryCount - 1
	if i > len(Backoff)-1 {
		i = len(Backoff) - 1
	}
	return Backoff[i]
}

// OutboundMessage is the payload of a message waiting to be sent.
type OutboundMessage struct {
	SenderID       string    `json:"senderId"`
	Recipient      string    `json:"recipient"`
	Text           string    `json:"text"`
	ConversationID string    `json:"conversationId,omitempty"`
	DeliverAfter   time.Time `json:"deliverAfter,omitzero"`
}

// QueuedMessage is one entry of the offline queue.
type QueuedMessage struct {
	ID string `json:"id"`
	OutboundMessage
	RetryCount  int       `json:"retryCount"`
	LastAttempt time.Time `json:"lastAttempt,omitzero"`
	NextRetry   time.Time `json:"nextRetry"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Terminal reports whether automatic retries are exhausted.
func (m QueuedMessage) Terminal() bool {
	return m.RetryCount >= MaxRetries
}

func (m QueuedMessage) sendRequest() SendRequest {
	return SendRequest{
		SenderID:       m.SenderID,
		Recipient:      m.Recipient,
		Text:           m.Text,
		ConversationID: m.ConversationID,
		DeliverAfter:   m.DeliverAfter,
		ClientID:       m.ID,
	}
}

// QueueStats summarises the queue. Pending is Total minus Failed minus
// Retrying.
type QueueStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
}

// ProcessResult reports the outcome of ForceProcess.
type ProcessResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// QueueOptions configures a Queue. Zero values select defaults.
type QueueOptions struct {
	// FlushInterval is the timer period of the drain loop. Default 30s.
	FlushInterval time.Duration
	// AttemptTimeout bounds a single gateway send. Default 30s.
	AttemptTimeout time.Duration
	Logger         *slog.Logger
	NowFunc        func() time.Time
}

// ============================================================================
// Queue
// ============================================================================

// Queue holds messages accepted while they could not be delivered and
// retries them with backoff. Public mutating operations never fail; store
// errors are logged and the in-memory queue keeps working.
type Queue struct {
	store   Store
	gateway Gateway
	network NetworkMonitor
	bus     *Bus

	flushInterval  time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	messages []QueuedMessage
	draining bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	unsubNet func()

	wg sync.WaitGroup
}

// NewQueue creates a queue and restores any persisted entries from store.
// network may be nil, meaning always online.
func NewQueue(store Store, gateway Gateway, network NetworkMonitor, bus *Bus, opts QueueOptions) *Queue {
	q := &Queue{
		store:          store,
		gateway:        gateway,
		network:        network,
		bus:            bus,
		flushInterval:  opts.FlushInterval,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
		now:            opts.NowFunc,
		ctx:            context.Background(),
	}
	if q.flushInterval <= 0 {
		q.flushInterval = 30 * time.Second
	}
	if q.attemptTimeout <= 0 {
		q.attemptTimeout = 30 * time.Second
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.load()
	return q
}

func (q *Queue) load() {
	msgs, _, err := getJSON[[]QueuedMessage](q.store, KeyOfflineQueue)
	if err != nil {
		q.logger.Error("queue_load_failed", slog.Any("err", err))
		return
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Priority < msgs[j].Priority })
	q.messages = msgs
	if len(msgs) > 0 {
		q.logger.Info("queue_restored", slog.Int("count", len(msgs)))
	}
}

// persist writes the queue through to the store. Caller holds q.mu.
func (q *Queue) persist() {
	if err := setJSON(q.store, KeyOfflineQueue, q.messages); err != nil {
		q.logger.Error("queue_persist_failed", slog.Any("err", err))
	}
}

func (q *Queue) online() bool {
	if q.network == nil {
		return true
	}
	return q.network.CurrentStatus().Online()
}

// ── Mutations ─────────────────────────────────────────────

// Enqueue appends msg and returns its id. priority <= 0 means PriorityNormal.
// When online a drain is started in the background.
func (q *Queue) Enqueue(msg OutboundMessage, priority int) string {
	return q.enqueue(uuid.New().String(), msg, priority)
}

func (q *Queue) enqueue(id string, msg OutboundMessage, priority int) string {
	if priority <= 0 {
		priority = PriorityNormal
	}
	now := q.now()
	q.mu.Lock()
	q.messages = append(q.messages, QueuedMessage{
		ID:              id,
		OutboundMessage: msg,
		NextRetry:       now,
		Priority:        priority,
		Status:          QueueStatusPending,
		CreatedAt:       now,
	})
	sort.SliceStable(q.messages, func(i, j int) bool { return q.messages[i].Priority < q.messages[j].Priority })
	q.persist()
	q.mu.Unlock()

	q.logger.Info("queue_enqueued", slog.String("id", id), slog.Int("priority", priority))
	q.bus.Emit(EventQueueChanged, q.Stats())
	if q.online() {
		q.drainAsync()
	}
	return id
}

// RemoveMessage drops the entry with id. Unknown ids are ignored.
func (q *Queue) RemoveMessage(id string) {
	q.mu.Lock()
	idx := q.indexOf(id)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
	q.persist()
	q.mu.Unlock()
	q.bus.Emit(EventQueueChanged, q.Stats())
}

// ClearQueue empties the queue.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	q.messages = nil
	q.persist()
	q.mu.Unlock()
	q.bus.Emit(EventQueueChanged, q.Stats())
}

// RetryFailedMessages makes every terminal entry eligible again and returns
// how many were reset.
func (q *Queue) RetryFailedMessages() int {
	now := q.now()
	q.mu.Lock()
	n := 0
	for i := range q.messages {
		if !q.messages[i].Terminal() {
			continue
		}
		q.messages[i].RetryCount = 0
		q.messages[i].NextRetry = now
		q.messages[i].Status = QueueStatusPending
		n++
	}
	if n > 0 {
		q.persist()
	}
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("queue_failed_reset", slog.Int("count", n))
		q.bus.Emit(EventQueueChanged, q.Stats())
		if q.online() {
			q.drainAsync()
		}
	}
	return n
}

// indexOf returns the position of id or -1. Caller holds q.mu.
func (q *Queue) indexOf(id string) int {
	for i := range q.messages {
		if q.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Readers ───────────────────────────────────────────────

// Stats counts entries by state.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueStats{Total: len(q.messages)}
	for _, m := range q.messages {
		switch {
		case m.RetryCount >= MaxRetries:
			s.Failed++
		case m.RetryCount > 0:
			s.Retrying++
		}
	}
	s.Pending = s.Total - s.Failed - s.Retrying
	return s
}

// QueuedMessages returns a copy of the queue in service order.
func (q *Queue) QueuedMessages() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.messages))
	copy(out, q.messages)
	return out
}

// LastSyncAt returns when a sweep last delivered something.
func (q *Queue) LastSyncAt() (time.Time, bool) {
	t, ok, err := getJSON[time.Time](q.store, KeyLastSyncAt)
	if err != nil {
		q.logger.Warn("queue_last_sync_read_failed", slog.Any("err", err))
		return time.Time{}, false
	}
	return t, ok
}

// ── Sweeps ────────────────────────────────────────────────

// Drain attempts every ready entry once. It returns false when skipped
// because a sweep is already running or the device is offline.
func (q *Queue) Drain(ctx context.Context) bool {
	if !q.online() {
		return false
	}
	ids, ok := q.begin(func(m QueuedMessage, now time.Time) bool {
		return !m.Terminal() && !now.Before(m.NextRetry)
	})
	if !ok {
		return false
	}
	q.sweep(ctx, "drain", ids)
	return true
}

// ForceProcess attempts every non-terminal entry regardless of its backoff.
func (q *Queue) ForceProcess(ctx context.Context) (ProcessResult, error) {
	if !q.online() {
		return ProcessResult{}, ErrOffline
	}
	ids, ok := q.begin(func(m QueuedMessage, _ time.Time) bool {
		return !m.Terminal()
	})
	if !ok {
		return ProcessResult{}, ErrDrainInProgress
	}
	return q.sweep(ctx, "force", ids), nil
}

// begin takes the sweep guard and selects ids in queue order.
func (q *Queue) begin(ready func(QueuedMessage, time.Time) bool) ([]string, bool) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return nil, false
	}
	q.draining = true
	var ids []string
	for _, m := range q.messages {
		if ready(m, now) {
			ids = append(ids, m.ID)
		}
	}
	return ids, true
}

type sweepEvent struct {
	name    string
	payload OptimisticEvent
}

func (q *Queue) sweep(ctx context.Context, mode string, ids []string) ProcessResult {
	ctx, span := tracer.Start(ctx, "courier.queue.drain",
		trace.WithAttributes(attribute.String("courier.mode", mode), attribute.Int("courier.selected", len(ids))))
	defer span.End()

	var (
		res    ProcessResult
		events []sweepEvent
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		q.mu.Lock()
		idx := q.indexOf(id)
		var msg QueuedMessage
		if idx >= 0 {
			msg = q.messages[idx]
		}
		q.mu.Unlock()
		if idx < 0 {
			continue
		}

		err := q.attempt(ctx, msg)
		if err != nil && ctx.Err() != nil {
			// Shutdown, not a delivery failure: the entry keeps its retry budget.
			q.logger.Info("queue_attempt_interrupted", slog.String("id", id))
			break
		}
		now := q.now()

		q.mu.Lock()
		idx = q.indexOf(id)
		if err == nil {
			res.Processed++
			if idx >= 0 {
				q.messages = append(q.messages[:idx], q.messages[idx+1:]...)
			}
			events = append(events, sweepEvent{EventDirectMessageSent, OptimisticEvent{MessageID: id}})
			q.mu.Unlock()
			continue
		}
		res.Failed++
		if idx >= 0 {
			m := &q.messages[idx]
			m.RetryCount++
			m.LastAttempt = now
			m.LastError = err.Error()
			if m.RetryCount >= MaxRetries {
				m.Status = QueueStatusFailed
				events = append(events, sweepEvent{EventDirectMessageFailed, OptimisticEvent{MessageID: id}})
				q.logger.Warn("queue_message_failed", slog.String("id", id), slog.Int("retry_count", m.RetryCount), slog.Any("err", err))
			} else {
				m.NextRetry = now.Add(BackoffFor(m.RetryCount))
				q.logger.Info("queue_attempt_failed",
					slog.String("id", id),
					slog.Int("retry_count", m.RetryCount),
					slog.Time("next_retry", m.NextRetry),
					slog.Any("err", err),
				)
			}
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.persist()
	q.draining = false
	q.mu.Unlock()

	span.SetAttributes(attribute.Int("courier.processed", res.Processed), attribute.Int("courier.failed", res.Failed))
	if len(ids) > 0 {
		q.logger.Info("queue_drain_done",
			slog.String("mode", mode),
			slog.Int("processed", res.Processed),
			slog.Int("failed", res.Failed),
		)
	}

	for _, ev := range events {
		q.bus.Emit(ev.name, ev.payload)
	}
	q.bus.Emit(EventQueueChanged, q.Stats())
	if res.Processed > 0 {
		now := q.now()
		if err := setJSON(q.store, KeyLastSyncAt, now); err != nil {
			q.logger.Error("queue_last_sync_write_failed", slog.Any("err", err))
		}
		q.bus.Emit(EventLastSyncUpdated, now)
	}
	return res
}

// attempt sends one message under the per-attempt timeout. A rejection is
// returned as *RejectedError.
func (q *Queue) attempt(ctx context.Context, m QueuedMessage) error {
	if q.gateway == nil {
		return ErrNoGateway
	}
	ctx, cancel := context.WithTimeout(ctx, q.attemptTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "courier.queue.attempt",
		trace.WithAttributes(attribute.String("courier.message_id", m.ID), attribute.Int("courier.retry_count", m.RetryCount)))
	defer span.End()

	res, err := q.gateway.Send(ctx, m.sendRequest())
	if err == nil && !res.Success {
		err = &RejectedError{Message: res.Message}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			q.logger.Warn("queue_attempt_timeout", slog.String("id", m.ID), slog.Duration("timeout", q.attemptTimeout))
		}
		return err
	}
	return nil
}

func (q *Queue) drainAsync() {
	q.mu.Lock()
	ctx := q.ctx
	q.mu.Unlock()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Drain(ctx)
	}()
}

// ── Lifecycle ─────────────────────────────────────────────

// Start runs the timer loop and drains whenever the network comes back.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.ctx = ctx
	q.cancel = cancel
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	if q.network != nil {
		unsub := q.network.OnChange(func(s NetworkStatus) {
			if s.Online() {
				q.logger.Info("queue_network_restored")
				q.drainAsync()
			}
		})
		q.mu.Lock()
		q.unsubNet = unsub
		q.mu.Unlock()
	}

	go q.flushLoop(ctx, done)
	if q.online() {
		q.drainAsync()
	}
}

func (q *Queue) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// Stop ends the loop, waits for in-flight sweeps and flushes the queue to the
// store.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done, unsub := q.cancel, q.done, q.unsubNet
	q.cancel, q.unsubNet = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		q.wg.Wait()
		return
	}
	if unsub != nil {
		unsub()
	}
	cancel()
	<-done
	q.wg.Wait()

	q.mu.Lock()
	q.persist()
	q.ctx = context.Background()
	q.mu.Unlock()
}
