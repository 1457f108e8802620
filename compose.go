package courier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// OutcomeStatus says where a composed message ended up.
type OutcomeStatus string

const (
	OutcomeSent      OutcomeStatus = "sent"
	OutcomeScheduled OutcomeStatus = "scheduled"
	OutcomeQueued    OutcomeStatus = "queued"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// ComposeRequest is a message the user just composed.
type ComposeRequest struct {
	Recipient      string
	Text           string
	ConversationID string
	DeliverAfter   time.Time
	// Priority applies if the message ends up queued. Zero means normal.
	Priority int
}

// SendOutcome reports what happened to a composed message. ID is the client
// id, stable across the direct attempt and any queued retries.
type SendOutcome struct {
	ID             string        `json:"id"`
	Status         OutcomeStatus `json:"status"`
	MessageID      string        `json:"messageId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
}

// ComposerOptions configures a Composer.
type ComposerOptions struct {
	SenderID string
	// DedupeWindow drops repeats of the same message. Default 10s; negative
	// disables it.
	DedupeWindow time.Duration
	Logger       *slog.Logger
	NowFunc      func() time.Time
}

// Composer sends directly when online and falls back to the queue otherwise.
type Composer struct {
	queue   *Queue
	gateway Gateway
	network NetworkMonitor
	bus     *Bus

	senderID string
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewComposer wires a composer. network may be nil, meaning always online.
func NewComposer(queue *Queue, gateway Gateway, network NetworkMonitor, bus *Bus, opts ComposerOptions) *Composer {
	c := &Composer{
		queue:    queue,
		gateway:  gateway,
		network:  network,
		bus:      bus,
		senderID: opts.SenderID,
		window:   opts.DedupeWindow,
		logger:   opts.Logger,
		now:      opts.NowFunc,
		seen:     make(map[string]time.Time),
	}
	if c.window == 0 {
		c.window = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ValidateMessage checks recipient and text bounds.
func ValidateMessage(recipient, text string) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return fmt.Errorf("%w: text is %d characters, limit %d", ErrInvalidMessage, n, MaxTextLength)
	}
	return nil
}

func (c *Composer) dedupeKey(req ComposeRequest) string {
	var bucket int64
	if !req.DeliverAfter.IsZero() && c.window > 0 {
		bucket = req.DeliverAfter.UnixNano() / int64(c.window)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", c.senderID, req.Recipient, req.Text, bucket)
	return hex.EncodeToString(h.Sum(nil))
}

// remember records req and reports whether an identical request was seen
// inside the window.
func (c *Composer) remember(req ComposeRequest, now time.Time) bool {
	if c.window < 0 {
		return false
	}
	key := c.dedupeKey(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.seen {
		if now.Sub(t) >= c.window {
			delete(c.seen, k)
		}
	}
	if _, dup := c.seen[key]; dup {
		return true
	}
	c.seen[key] = now
	return false
}

// forget drops req from the dedupe window so it can be sent again.
func (c *Composer) forget(req ComposeRequest) {
	if c.window < 0 {
		return
	}
	key := c.dedupeKey(req)
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}

func (c *Composer) online() bool {
	return c.network == nil || c.network.CurrentStatus().Online()
}

// Send delivers req directly when online, otherwise queues it. A transport
// failure on the direct path queues the message too; a backend rejection is
// returned as *RejectedError.
func (c *Composer) Send(ctx context.Context, req ComposeRequest) (SendOutcome, error) {
	if err := ValidateMessage(req.Recipient, req.Text); err != nil {
		return SendOutcome{}, err
	}
	now := c.now()
	if c.remember(req, now) {
		c.logger.Info("compose_duplicate_dropped", slog.String("recipient", req.Recipient))
		return SendOutcome{}, ErrDuplicateMessage
	}

	id := uuid.New().String()
	msg := OutboundMessage{
		SenderID:       c.senderID,
		Recipient:      req.Recipient,
		Text:           req.Text,
		ConversationID: req.ConversationID,
		DeliverAfter:   req.DeliverAfter,
	}

	if !c.online() || c.gateway == nil {
		c.queue.enqueue(id, msg, req.Priority)
		return SendOutcome{ID: id, Status: OutcomeQueued}, nil
	}

	scheduled := req.DeliverAfter.After(now)
	optimistic, bucket := EventDirectMessageSent, BucketSent
	if scheduled {
		optimistic, bucket = EventDirectMessagePending, BucketPending
	}
	c.bus.Emit(optimistic, OptimisticEvent{MessageID: id})

	res, err := c.gateway.Send(ctx, SendRequest{
		SenderID:       msg.SenderID,
		Recipient:      msg.Recipient,
		Text:           msg.Text,
		ConversationID: msg.ConversationID,
		DeliverAfter:   msg.DeliverAfter,
		ClientID:       id,
	})
	if err != nil {
		c.bus.Emit(EventDirectMessageFailed, OptimisticEvent{MessageID: id, Retract: bucket, Requeued: true})
		c.logger.Warn("compose_send_requeued", slog.String("id", id), slog.Any("err", err))
		c.queue.enqueue(id, msg, req.Priority)
		return SendOutcome{ID: id, Status: OutcomeQueued}, nil
	}
	if !res.Success {
		c.bus.Emit(EventDirectMessageFailed, OptimisticEvent{MessageID: id, Retract: bucket})
		c.logger.Info("compose_send_rejected", slog.String("id", id), slog.String("reason", res.Message))
		c.forget(req)
		return SendOutcome{ID: id, Status: OutcomeRejected}, &RejectedError{Message: res.Message}
	}

	status := OutcomeSent
	if scheduled {
		status = OutcomeScheduled
	}
	return SendOutcome{
		ID:             id,
		Status:         status,
		MessageID:      res.MessageID,
		ConversationID: res.ConversationID,
	}, nil
}
