package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope types used by the change feed.
const (
	feedTypeAuthenticated = "authenticated"
	feedTypeSubscribe     = "changes.subscribe"
	feedTypeSubscribed    = "changes.subscribed"
	feedTypeRow           = "changes.row"
	feedTypePing          = "ping"
	feedTypePong          = "pong"
	feedTypeError         = "error"
)

// RealtimeEnvelope is the wire format for all change feed frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

type subscribePayload struct {
	Table  string `json:"table"`
	UserID string `json:"userId,omitempty"`
}

type feedErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the change feed.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter. A connection that stayed
// up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChangeFeed
// ============================================================================

// ChangeFeed is a websocket subscription to message row changes with
// auto-reconnect and heartbeat. The subscription is re-sent on every
// (re)connect.
type ChangeFeed struct {
	baseURL  string
	scope    ChangeScope
	onChange func(RowChange)
	config   *RealtimeConfig
	logger   *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	rootCtx          context.Context
	cancelFn         context.CancelFunc
	onState          []func(RealtimeState)

	pingCounter  int
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

// NewChangeFeed prepares a feed against baseURL. Connect starts it.
func NewChangeFeed(baseURL string, scope ChangeScope, onChange func(RowChange), config *RealtimeConfig) *ChangeFeed {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &ChangeFeed{
		baseURL:      strings.TrimRight(baseURL, "/"),
		scope:        scope,
		onChange:     onChange,
		config:       config,
		logger:       config.Logger,
		state:        StateDisconnected,
		recon:        newReconnector(config),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnState registers a handler for connection state transitions.
func (f *ChangeFeed) OnState(h func(RealtimeState)) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

// State returns the current connection state.
func (f *ChangeFeed) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ChangeFeed) setState(s RealtimeState) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	f.state = s
	handlers := append([]func(RealtimeState){}, f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (f *ChangeFeed) wsURL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/realtime/v1/websocket"
	if f.config.Token != "" {
		u += "?apikey=" + url.QueryEscape(f.config.Token)
	}
	return u
}

// Connect dials, waits for the authenticated frame and subscribes.
func (f *ChangeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.mu.Unlock()
		return nil
	}
	f.intentionalClose = false
	if f.rootCtx == nil {
		f.rootCtx = ctx
	}
	f.mu.Unlock()
	f.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, f.wsURL(), nil)
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != feedTypeAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", feedTypeAuthenticated, env.Type)
	}

	sub, err := json.Marshal(RealtimeCommand{
		Type:    feedTypeSubscribe,
		Payload: subscribePayload{Table: "messages", UserID: f.scope.UserID},
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		f.setState(StateDisconnected)
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("subscribe: %w", err)
	}

	connCtx, cancel := context.WithCancel(f.rootCtx)
	f.mu.Lock()
	f.conn = conn
	f.cancelFn = cancel
	f.recon.markConnected()
	f.mu.Unlock()
	f.setState(StateConnected)
	f.logger.Info("change_feed_connected", slog.String("user_id", f.scope.UserID))

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx)
	return nil
}

// Close ends the feed without reconnecting.
func (f *ChangeFeed) Close() error {
	f.mu.Lock()
	f.intentionalClose = true
	cancel := f.cancelFn
	f.cancelFn = nil
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	f.clearPendingPings()
	f.setState(StateDisconnected)
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func (f *ChangeFeed) send(ctx context.Context, cmd *RealtimeCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (f *ChangeFeed) Ping(ctx context.Context) (*PongPayload, error) {
	f.pendingMu.Lock()
	f.pingCounter++
	requestID := fmt.Sprintf("ping-%d", f.pingCounter)
	ch := make(chan PongPayload, 1)
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()

	drop := func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}

	err := f.send(ctx, &RealtimeCommand{
		Type:      feedTypePing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(f.config.PongTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (f *ChangeFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			if f.conn == conn {
				f.conn = nil
			}
			if f.cancelFn != nil {
				f.cancelFn()
				f.cancelFn = nil
			}
			f.mu.Unlock()
			if intentional {
				return
			}
			f.clearPendingPings()
			f.setState(StateDisconnected)
			f.logger.Warn("change_feed_disconnected", slog.Any("err", err))
			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		f.dispatch(env)
	}
}

func (f *ChangeFeed) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case feedTypeRow:
		var change RowChange
		if json.Unmarshal(env.Payload, &change) != nil {
			return
		}
		if f.onChange != nil && f.scope.Matches(change.Row) {
			f.onChange(change)
		}
	case feedTypePong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			f.pendingMu.Lock()
			ch, ok := f.pendingPings[p.RequestID]
			if ok {
				delete(f.pendingPings, p.RequestID)
			}
			f.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case feedTypeSubscribed:
		f.logger.Debug("change_feed_subscribed", slog.String("user_id", f.scope.UserID))
	case feedTypeError:
		var p feedErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		f.logger.Warn("change_feed_server_error", slog.String("message", p.Message))
	}
}

func (f *ChangeFeed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() != StateConnected {
				return
			}
			if _, err := f.Ping(ctx); err != nil {
				f.mu.Lock()
				conn := f.conn
				f.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (f *ChangeFeed) scheduleReconnect() {
	f.mu.Lock()
	root := f.rootCtx
	delay := f.recon.nextDelay()
	attempt := f.recon.attempt
	f.mu.Unlock()

	f.setState(StateReconnecting)
	f.logger.Info("change_feed_reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-root.Done():
		f.setState(StateDisconnected)
		return
	case <-timer.C:
	}

	f.mu.Lock()
	intentional := f.intentionalClose
	f.mu.Unlock()
	if intentional {
		return
	}

	if err := f.Connect(root); err != nil {
		f.mu.Lock()
		retry := f.config.AutoReconnect && f.recon.shouldReconnect()
		f.mu.Unlock()
		if retry {
			f.scheduleReconnect()
			return
		}
		f.logger.Error("change_feed_gave_up", slog.Any("err", err))
		f.setState(StateDisconnected)
	}
}

func (f *ChangeFeed) clearPendingPings() {
	f.pendingMu.Lock()
	for k, ch := range f.pendingPings {
		close(ch)
		delete(f.pendingPings, k)
	}
	f.pendingMu.Unlock()
}
