package courier

import (
	"sort"
	"sync"
	"time"
)

// LocalMessage is a message kept in the device's durable message set.
type LocalMessage struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	ConversationID string    `json:"conversationId,omitempty"`
	Text           string    `json:"text"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageLog is the local message set, stored as one blob under
// KeyLocalMessages.
type MessageLog struct {
	store Store
	bus   *Bus
	mu    sync.Mutex
}

// NewMessageLog returns a message log over store. bus may be nil.
func NewMessageLog(store Store, bus *Bus) *MessageLog {
	return &MessageLog{store: store, bus: bus}
}

func (l *MessageLog) load() (map[string]LocalMessage, error) {
	msgs, _, err := getJSON[[]LocalMessage](l.store, KeyLocalMessages)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]LocalMessage, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return byID, nil
}

func (l *MessageLog) save(byID map[string]LocalMessage) error {
	msgs := make([]LocalMessage, 0, len(byID))
	for _, m := range byID {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return setJSON(l.store, KeyLocalMessages, msgs)
}

// Put inserts or replaces messages by id.
func (l *MessageLog) Put(msgs ...LocalMessage) error {
	l.mu.Lock()
	byID, err := l.load()
	if err == nil {
		for _, m := range msgs {
			byID[m.ID] = m
		}
		err = l.save(byID)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.bus.Emit(EventMessagesChanged, len(msgs))
	return nil
}

// Delete removes a message. Unknown ids are ignored.
func (l *MessageLog) Delete(id string) error {
	l.mu.Lock()
	byID, err := l.load()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if _, ok := byID[id]; !ok {
		l.mu.Unlock()
		return nil
	}
	delete(byID, id)
	err = l.save(byID)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.bus.Emit(EventMessagesChanged, 1)
	return nil
}

// List returns all messages, oldest first.
func (l *MessageLog) List() ([]LocalMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs, _, err := getJSON[[]LocalMessage](l.store, KeyLocalMessages)
	return msgs, err
}

// Counters classifies the local message set from userID's point of view.
func (l *MessageLog) Counters(userID string) (Counters, error) {
	msgs, err := l.List()
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	for _, m := range msgs {
		c.Total++
		if m.SenderID != userID {
			c.Inbound++
			continue
		}
		c.add(ParseRemoteStatus(m.Status))
	}
	return c, nil
}
