package courier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Options configures a Courier. UserID and Store are required.
type Options struct {
	UserID  string
	Store   Store
	Gateway Gateway
	// Network defaults to a monitor that always reports online.
	Network NetworkMonitor
	Logger  *slog.Logger

	Queue   QueueOptions
	Stats   ReconcilerOptions
	Compose ComposerOptions
}

// Courier owns every component of one user's session and their lifecycle.
type Courier struct {
	Bus        *Bus
	Messages   *MessageLog
	Queue      *Queue
	Reconciler *Reconciler
	Composer   *Composer

	network NetworkMonitor
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
}

// New constructs the components. Nothing runs until Start.
func New(opts Options) (*Courier, error) {
	if opts.UserID == "" {
		return nil, errors.New("courier: user id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("courier: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	network := opts.Network
	if network == nil {
		network = NewManualMonitor(true)
	}

	bus := NewBus(logger)
	messages := NewMessageLog(opts.Store, bus)

	qopts := opts.Queue
	if qopts.Logger == nil {
		qopts.Logger = logger
	}
	queue := NewQueue(opts.Store, opts.Gateway, network, bus, qopts)

	sopts := opts.Stats
	sopts.UserID = opts.UserID
	if sopts.Logger == nil {
		sopts.Logger = logger
	}
	reconciler := NewReconciler(messages, opts.Gateway, queue, bus, sopts)

	copts := opts.Compose
	copts.SenderID = opts.UserID
	if copts.Logger == nil {
		copts.Logger = logger
	}
	composer := NewComposer(queue, opts.Gateway, network, bus, copts)

	return &Courier{
		Bus:        bus,
		Messages:   messages,
		Queue:      queue,
		Reconciler: reconciler,
		Composer:   composer,
		network:    network,
		logger:     logger,
	}, nil
}

// Network returns the monitor in use.
func (c *Courier) Network() NetworkMonitor {
	return c.network
}

// Start runs the probe monitor (if any), the queue loop and the reconciler.
func (c *Courier) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	if p, ok := c.network.(*ProbeMonitor); ok {
		p.Start(ctx)
	}
	c.Queue.Start(ctx)
	c.Reconciler.Start(ctx)
	c.logger.Info("courier_started", slog.Bool("online", c.network.CurrentStatus().Online()))
}

// Stop tears down in reverse order and flushes the queue.
func (c *Courier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	c.Reconciler.Stop()
	c.Queue.Stop()
	if p, ok := c.network.(*ProbeMonitor); ok {
		p.Stop()
	}
	c.logger.Info("courier_stopped")
}
