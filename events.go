package courier

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Event names
// ============================================================================

const (
	EventQueueChanged         = "queueChanged"
	EventMessagesChanged      = "messagesChanged"
	EventForceStatsRefresh    = "forceStatsRefresh"
	EventDirectMessageSent    = "directMessageSent"
	EventDirectMessagePending = "directMessagePending"
	EventDirectMessageFailed  = "directMessageFailed"
	EventLastSyncUpdated      = "lastSyncUpdated"
)

// OptimisticEvent is the payload of the three direct-message events.
type OptimisticEvent struct {
	MessageID string
	// Retract names the bucket whose earlier optimistic increment is withdrawn
	// (failed events only).
	Retract Bucket
	// Requeued marks a failed direct send that was handed to the offline queue;
	// it withdraws the optimism without counting a failure.
	Requeued bool
}

// ============================================================================
// Bus
// ============================================================================

// EventHandler handles a bus event.
type EventHandler func(event string, payload any)

// Bus is an in-process publish/subscribe hub. Handlers run synchronously on
// the emitting goroutine; a panicking handler is logged and skipped.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]EventHandler
	logger    *slog.Logger
}

// NewBus creates an empty bus. A nil logger means slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[string]map[uint64]EventHandler),
		logger:    logger,
	}
}

// On registers handler for event and returns a function that removes it.
func (b *Bus) On(event string, handler EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.listeners[event] == nil {
		b.listeners[event] = make(map[uint64]EventHandler)
	}
	b.listeners[event][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[event], id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers payload to every handler registered for event.
func (b *Bus) Emit(event string, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.listeners[event]))
	for _, h := range b.listeners[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus_handler_panic", slog.String("event", event), slog.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}

// Close drops every handler.
func (b *Bus) Close() {
	b.mu.Lock()
	b.listeners = make(map[string]map[uint64]EventHandler)
	b.mu.Unlock()
}
