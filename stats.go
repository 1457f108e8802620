package courier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ============================================================================
// Counters
// ============================================================================

// Counters is the display view of message counts. It is always derived and
// never stored.
type Counters struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Inbound   int `json:"inbound"`
	Total     int `json:"total"`
}

// add folds one outbound status into the bucket counters. Total and Inbound
// are the caller's business.
func (c *Counters) add(s RemoteStatus) {
	switch s.Bucket() {
	case BucketFailed:
		c.Failed++
	case BucketSent:
		c.Sent++
	default:
		c.Pending++
	}
	if s.Delivered() {
		c.Delivered++
	}
	if s.Read() {
		c.Read++
	}
}

type triple struct {
	pending, sent, failed int
}

func (c Counters) triple() triple {
	return triple{c.Pending, c.Sent, c.Failed}
}

// ClassifyRows turns raw backend rows into counters from userID's point of
// view. Rows received by userID from someone else count as inbound only.
// Unknown statuses count as pending and are logged with their raw value.
func ClassifyRows(rows []MessageRow, userID string, logger *slog.Logger) Counters {
	if logger == nil {
		logger = slog.Default()
	}
	var c Counters
	for _, row := range rows {
		c.Total++
		if row.RecipientID == userID && row.SenderID != userID {
			c.Inbound++
			continue
		}
		s := ParseRemoteStatus(row.Status)
		if !s.Known() {
			logger.Warn("stats_unknown_status",
				slog.String("message_id", row.ID),
				slog.String("raw_status", row.Status),
			)
		}
		c.add(s)
	}
	return c
}

// OptimisticDelta holds increments applied the instant a send is initiated,
// before the backend confirms anything.
type OptimisticDelta struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

func (d *OptimisticDelta) bucket(b Bucket) *int {
	switch b {
	case BucketPending:
		return &d.Pending
	case BucketSent:
		return &d.Sent
	case BucketFailed:
		return &d.Failed
	}
	return nil
}

// Snapshot is one published reconciliation result.
type Snapshot struct {
	Counters      Counters        `json:"counters"`
	Local         Counters        `json:"local"`
	Remote        Counters        `json:"remote"`
	Queue         QueueStats      `json:"queue"`
	Optimistic    OptimisticDelta `json:"optimistic"`
	RemoteOK      bool            `json:"remoteOk"`
	RemoteVersion uint64          `json:"remoteVersion"`
	ComputedAt    time.Time       `json:"computedAt"`
}

// Merge combines the three sources with the optimistic delta. Inbound comes
// from the remote side only.
func Merge(local, remote Counters, queue QueueStats, delta OptimisticDelta) Counters {
	return Counters{
		Pending:   local.Pending + remote.Pending + queue.Pending + delta.Pending,
		Sent:      local.Sent + remote.Sent + delta.Sent,
		Failed:    local.Failed + remote.Failed + delta.Failed,
		Delivered: local.Delivered + remote.Delivered,
		Read:      local.Read + remote.Read,
		Inbound:   remote.Inbound,
		Total:     local.Total + remote.Total,
	}
}

// ============================================================================
// Reconciler
// ============================================================================

// LocalCounter computes counters from the device's durable message set.
type LocalCounter interface {
	Counters(userID string) (Counters, error)
}

// QueueStatser exposes queue statistics. *Queue implements it.
type QueueStatser interface {
	Stats() QueueStats
}

// ReconcilerOptions configures a Reconciler. Zero values select defaults.
type ReconcilerOptions struct {
	UserID string
	// RefreshInterval is the fallback recompute period. Default 15s.
	RefreshInterval time.Duration
	// MinInterval bounds how often recomputes run. Default 500ms.
	MinInterval time.Duration
	Logger      *slog.Logger
	NowFunc     func() time.Time
}

var statsTriggerEvents = []string{
	EventMessagesChanged,
	EventQueueChanged,
	EventForceStatsRefresh,
	EventDirectMessageSent,
	EventDirectMessagePending,
	EventDirectMessageFailed,
}

// Reconciler merges local, remote, queued and optimistic counts into one view
// and keeps it fresh.
type Reconciler struct {
	local   LocalCounter
	gateway Gateway
	queue   QueueStatser
	bus     *Bus

	userID          string
	refreshInterval time.Duration
	minInterval     time.Duration
	logger          *slog.Logger
	now             func() time.Time

	version atomic.Uint64

	mu             sync.Mutex
	delta          OptimisticDelta
	lastObserved   triple
	appliedVersion uint64
	latest         Snapshot
	subs           map[int]func(Snapshot)
	nextSub        int

	invalidate chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	unsubs     []func()
	feedUnsub  func()
}

// NewReconciler wires a reconciler over its sources. gateway and queue may be
// nil, in which case they contribute zeros.
func NewReconciler(local LocalCounter, gateway Gateway, queue QueueStatser, bus *Bus, opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		local:           local,
		gateway:         gateway,
		queue:           queue,
		bus:             bus,
		userID:          opts.UserID,
		refreshInterval: opts.RefreshInterval,
		minInterval:     opts.MinInterval,
		logger:          opts.Logger,
		now:             opts.NowFunc,
		subs:            make(map[int]func(Snapshot)),
		invalidate:      make(chan struct{}, 1),
	}
	if r.refreshInterval <= 0 {
		r.refreshInterval = 15 * time.Second
	}
	if r.minInterval <= 0 {
		r.minInterval = 500 * time.Millisecond
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Apply folds an optimistic event into the delta. Unknown event names are
// ignored.
func (r *Reconciler) Apply(event string, ev OptimisticEvent) {
	r.mu.Lock()
	switch event {
	case EventDirectMessageSent:
		r.delta.Sent++
	case EventDirectMessagePending:
		r.delta.Pending++
	case EventDirectMessageFailed:
		if p := r.delta.bucket(ev.Retract); p != nil && *p > 0 {
			*p--
		}
		if !ev.Requeued {
			r.delta.Failed++
		}
	}
	r.mu.Unlock()
}

// Delta returns the current optimistic delta.
func (r *Reconciler) Delta() OptimisticDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delta
}

// Latest returns the most recently published snapshot.
func (r *Reconciler) Latest() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Subscribe registers fn for every published snapshot and returns a function
// that removes it.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Recompute fetches local and remote counters concurrently, applies the reset
// rule, merges, and publishes. A remote failure contributes zeros; only a
// local read failure is returned.
func (r *Reconciler) Recompute(ctx context.Context) (Snapshot, error) {
	version := r.version.Add(1)

	ctx, span := tracer.Start(ctx, "courier.stats.recompute")
	defer span.End()
	span.SetAttributes(attribute.Int64("courier.remote_version", int64(version)))

	var (
		local     Counters
		remote    Counters
		remoteErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if r.local == nil {
			return nil
		}
		c, err := r.local.Counters(r.userID)
		if err != nil {
			return fmt.Errorf("local counters: %w", err)
		}
		local = c
		return nil
	})
	g.Go(func() error {
		if r.gateway == nil {
			remoteErr = ErrNoGateway
			return nil
		}
		rows, err := r.gateway.FetchAggregateRows(gctx, r.userID)
		if err != nil {
			remoteErr = err
			return nil
		}
		remote = ClassifyRows(rows, r.userID, r.logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}

	remoteOK := remoteErr == nil
	if !remoteOK {
		remote = Counters{}
		r.logger.Warn("stats_remote_fetch_failed",
			slog.Uint64("version", version),
			slog.Any("err", remoteErr),
		)
	}

	var queue QueueStats
	if r.queue != nil {
		queue = r.queue.Stats()
	}

	r.mu.Lock()
	if remoteOK && version > r.appliedVersion {
		r.appliedVersion = version
		if t := remote.triple(); t != r.lastObserved {
			r.lastObserved = t
			r.delta = OptimisticDelta{}
		}
	}
	snap := Snapshot{
		Counters:      Merge(local, remote, queue, r.delta),
		Local:         local,
		Remote:        remote,
		Queue:         queue,
		Optimistic:    r.delta,
		RemoteOK:      remoteOK,
		RemoteVersion: version,
		ComputedAt:    r.now(),
	}
	publish := version > r.latest.RemoteVersion
	var subs []func(Snapshot)
	if publish {
		r.latest = snap
		subs = make([]func(Snapshot), 0, len(r.subs))
		for _, fn := range r.subs {
			subs = append(subs, fn)
		}
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.Bool("courier.remote_ok", remoteOK))
	for _, fn := range subs {
		fn(snap)
	}
	return snap, nil
}

// Invalidate requests a recompute. Requests made while one is already
// pending coalesce.
func (r *Reconciler) Invalidate() {
	select {
	case r.invalidate <- struct{}{}:
	default:
	}
}

// Start subscribes to the bus and the gateway change feed and runs the
// recompute loop until Stop or ctx is done. It recomputes once immediately.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	var unsubs []func()
	if r.bus != nil {
		for _, ev := range statsTriggerEvents {
			unsubs = append(unsubs, r.bus.On(ev, r.onBusEvent))
		}
	}
	r.mu.Lock()
	r.unsubs = unsubs
	r.mu.Unlock()
	r.subscribeFeed(ctx)

	r.Invalidate()
	go r.loop(ctx, done)
}

// subscribeFeed subscribes to the gateway change feed unless already
// subscribed. A failure is logged and retried on the next refresh tick.
func (r *Reconciler) subscribeFeed(ctx context.Context) {
	if r.gateway == nil {
		return
	}
	r.mu.Lock()
	have := r.feedUnsub != nil
	r.mu.Unlock()
	if have {
		return
	}
	unsub, err := r.gateway.Subscribe(ctx, ChangeScope{UserID: r.userID}, func(RowChange) {
		r.Invalidate()
	})
	if err != nil {
		r.logger.Warn("stats_change_feed_unavailable", slog.Any("err", err))
		return
	}
	r.mu.Lock()
	if r.cancel == nil || ctx.Err() != nil {
		r.mu.Unlock()
		unsub()
		return
	}
	r.feedUnsub = unsub
	r.mu.Unlock()
	r.logger.Debug("stats_change_feed_subscribed")
}

func (r *Reconciler) onBusEvent(event string, payload any) {
	switch ev := payload.(type) {
	case OptimisticEvent:
		r.Apply(event, ev)
	case *OptimisticEvent:
		if ev != nil {
			r.Apply(event, *ev)
		}
	}
	r.Invalidate()
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	limiter := rate.NewLimiter(rate.Every(r.minInterval), 1)
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.subscribeFeed(ctx)
			r.Invalidate()
		case <-r.invalidate:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			snap, err := r.Recompute(ctx)
			if err != nil {
				r.logger.Error("stats_recompute_failed", slog.Any("err", err))
				continue
			}
			r.logger.Debug("stats_recomputed",
				slog.Int("pending", snap.Counters.Pending),
				slog.Int("sent", snap.Counters.Sent),
				slog.Int("failed", snap.Counters.Failed),
				slog.Bool("remote_ok", snap.RemoteOK),
			)
		}
	}
}

// Stop ends the loop and drops every subscription made by Start.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done, unsubs := r.cancel, r.done, r.unsubs
	if r.feedUnsub != nil {
		unsubs = append(unsubs, r.feedUnsub)
	}
	r.cancel, r.unsubs, r.feedUnsub = nil, nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	for _, unsub := range unsubs {
		unsub()
	}
	cancel()
	<-done
}
