// Package events fans out submit outcomes to in-process subscribers.
package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types.
const (
	TypeChangeMerged   = "change-merged"
	TypeSubmitRejected = "submit-rejected"
)

// Event reports the outcome of one change in a submission.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	SubmissionID string    `json:"submission_id"`
	ChangeID     string    `json:"change_id"`
	Project      string    `json:"project"`
	Branch       string    `json:"branch"`
	Commit       string    `json:"commit,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Broker delivers events to subscribers without blocking publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroker returns a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}

	return ch, cancel
}

// Publish stamps evt with an id and time when missing and delivers it to every subscriber.
func (b *Broker) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is too slow.
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
