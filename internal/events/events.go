// Package events carries state-change notifications out of the engine.
//
// Emit never blocks the caller: emitters that talk to the network buffer
// internally and drop when full.
package events

import (
	"sync"
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	ListingCreated Kind = "listing_created"
	ListingExpired Kind = "listing_expired"
	BidPlaced      Kind = "bid_placed"
	WinnerChanged  Kind = "winner_changed"
	EscrowHeld     Kind = "escrow_held"
	EscrowReleased Kind = "escrow_released"
	EscrowFailed   Kind = "escrow_failed"
	PoolUpdated    Kind = "pool_updated"
)

// Event is a JSON-serializable notification. Unused identifiers are empty.
type Event struct {
	Kind      Kind      `json:"type"`
	ListingID string    `json:"listing_id,omitempty"`
	BidID     string    `json:"bid_id,omitempty"`
	PoolID    string    `json:"pool_id,omitempty"`
	Price     string    `json:"price,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Emitter receives events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}

// Recorder keeps every event in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Reset discards the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
