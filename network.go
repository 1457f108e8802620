package courier

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// NetworkStatus describes current connectivity.
type NetworkStatus struct {
	IsConnected         bool   `json:"isConnected"`
	IsInternetReachable bool   `json:"isInternetReachable"`
	Type                string `json:"type"`
}

// Online reports whether the backend can be expected to be reachable.
func (s NetworkStatus) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

// NetworkMonitor observes connectivity transitions.
type NetworkMonitor interface {
	CurrentStatus() NetworkStatus
	// OnChange registers listener for every transition and returns a function
	// that unregisters it.
	OnChange(listener func(NetworkStatus)) func()
}

type statusListeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(NetworkStatus)
}

func (l *statusListeners) add(fn func(NetworkStatus)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(NetworkStatus))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *statusListeners) notify(s NetworkStatus) {
	l.mu.Lock()
	fns := make([]func(NetworkStatus), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// ============================================================================
// ManualMonitor
// ============================================================================

// ManualMonitor reports whatever status it was last given. Platform glue (or
// a test) feeds it with SetStatus.
type ManualMonitor struct {
	mu        sync.Mutex
	status    NetworkStatus
	listeners statusListeners
}

// NewManualMonitor creates a monitor with an initial online or offline state.
func NewManualMonitor(online bool) *ManualMonitor {
	m := &ManualMonitor{}
	m.status = statusFor(online, "manual")
	return m
}

func statusFor(online bool, typ string) NetworkStatus {
	if !online {
		return NetworkStatus{Type: "none"}
	}
	return NetworkStatus{IsConnected: true, IsInternetReachable: true, Type: typ}
}

func (m *ManualMonitor) CurrentStatus() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *ManualMonitor) OnChange(listener func(NetworkStatus)) func() {
	return m.listeners.add(listener)
}

// SetStatus records s and notifies listeners if it differs from the previous
// status.
func (m *ManualMonitor) SetStatus(s NetworkStatus) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()
	m.listeners.notify(s)
}

// SetOnline is shorthand for SetStatus with a fully connected or disconnected
// status.
func (m *ManualMonitor) SetOnline(online bool) {
	m.SetStatus(statusFor(online, "manual"))
}

// ============================================================================
// ProbeMonitor
// ============================================================================

// ProbeMonitor derives reachability from periodic HTTP probes of a health URL.
// Any response below 500 counts as reachable.
type ProbeMonitor struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	once      sync.Once
	mu        sync.Mutex
	status    NetworkStatus
	listeners statusListeners
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewProbeMonitor creates a monitor probing url. It starts out offline until
// the first probe completes.
func NewProbeMonitor(url string) *ProbeMonitor {
	return &ProbeMonitor{URL: url, status: statusFor(false, "")}
}

// defaults fills zero fields once. Fields must be set before the first
// Probe or Start.
func (p *ProbeMonitor) defaults() {
	p.once.Do(p.fill)
}

func (p *ProbeMonitor) fill() {
	if p.Interval <= 0 {
		p.Interval = 10 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	if p.HTTPClient == nil {
		p.HTTPClient = http.DefaultClient
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

func (p *ProbeMonitor) CurrentStatus() NetworkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *ProbeMonitor) OnChange(listener func(NetworkStatus)) func() {
	return p.listeners.add(listener)
}

// Probe performs one probe, records the result and returns it.
func (p *ProbeMonitor) Probe(ctx context.Context) NetworkStatus {
	p.defaults()
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	next := statusFor(false, "")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err == nil {
		resp, doErr := p.HTTPClient.Do(req)
		if doErr == nil {
			resp.Body.Close()
			// The link works even when the backend answers with an error.
			next = NetworkStatus{IsConnected: true, IsInternetReachable: resp.StatusCode < 500, Type: "http"}
		} else {
			p.Logger.Debug("network_probe_failed", slog.String("url", p.URL), slog.Any("err", doErr))
		}
	}

	p.mu.Lock()
	changed := p.status != next
	p.status = next
	p.mu.Unlock()
	if changed {
		p.Logger.Info("network_status_changed",
			slog.Bool("connected", next.IsConnected),
			slog.Bool("reachable", next.IsInternetReachable),
		)
		p.listeners.notify(next)
	}
	return next
}

// Start probes immediately and then every Interval until Stop.
func (p *ProbeMonitor) Start(ctx context.Context) {
	p.defaults()
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		p.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop.
func (p *ProbeMonitor) Stop() {
	p.mu.Lock()
	stopCh, doneCh := p.stopCh, p.doneCh
	p.stopCh = nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
