// Package watch implements the real-time change fan-out: an in-process
// registry of bounded subscriber channels with non-blocking publish, and a
// polling tail over the persisted changelog for cross-process readers.
package watch

import (
	"sync"
	"sync/atomic"

	"github.com/draco28/PulseDB/model"
)

// Subscription is a handle to a bounded event stream for one collective.
// Close it to stop receiving events; the registry holds no reference that
// keeps a closed subscription alive.
type Subscription struct {
	ch     chan model.WatchEvent
	filter *model.WatchFilter
	closed atomic.Bool
	lag    atomic.Uint64

	registry   *Registry
	collective model.CollectiveID
	id         uint64
}

// Events returns the receive side of the subscription's bounded channel.
// When the buffer is full at publish time the event is dropped for this
// subscriber (never blocking the writer) and the lag counter increments.
func (s *Subscription) Events() <-chan model.WatchEvent { return s.ch }

// Lag returns how many events were dropped because the buffer was full.
func (s *Subscription) Lag() uint64 { return s.lag.Load() }

// Close detaches the subscription and closes its channel. Idempotent.
// Events already buffered remain readable until drained.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.registry.remove(s.collective, s.id)
	}
}

// Registry fans committed events out to in-process subscribers, keyed by
// collective. Publish takes the read side of the lock so concurrent
// publishes from the (single) writer path and subscriber churn do not
// contend more than necessary.
type Registry struct {
	mu     sync.RWMutex
	subs   map[model.CollectiveID][]*Subscription
	nextID atomic.Uint64

	bufferSize int
	onDrop     func()
}

// NewRegistry creates a registry whose subscriptions buffer bufferSize
// events. Zero or negative falls back to 1000. onDrop, if non-nil, is
// invoked once per event dropped to backpressure.
func NewRegistry(bufferSize int, onDrop func()) *Registry {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Registry{
		subs:       make(map[model.CollectiveID][]*Subscription),
		bufferSize: bufferSize,
		onDrop:     onDrop,
	}
}

// Subscribe registers a new subscriber for a collective. filter may be nil
// to receive every event.
func (r *Registry) Subscribe(collective model.CollectiveID, filter *model.WatchFilter) *Subscription {
	sub := &Subscription{
		ch:         make(chan model.WatchEvent, r.bufferSize),
		filter:     filter,
		registry:   r,
		collective: collective,
		id:         r.nextID.Add(1),
	}
	r.mu.Lock()
	r.subs[collective] = append(r.subs[collective], sub)
	r.mu.Unlock()
	return sub
}

func (r *Registry) remove(collective model.CollectiveID, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[collective]
	for i, s := range subs {
		if s.id == id {
			r.subs[collective] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			break
		}
	}
	if len(r.subs[collective]) == 0 {
		delete(r.subs, collective)
	}
}

// Publish delivers an event to every matching subscriber of the event's
// collective without ever blocking: a full buffer drops the event for that
// subscriber and bumps its lag counter. exp is the experience the event
// refers to (its last known state for deletes), used for filter evaluation.
func (r *Registry) Publish(ev model.WatchEvent, exp *model.Experience) {
	// Sends stay under the read lock so a concurrent Close (write lock)
	// cannot close a channel mid-send. Sends never block, so the lock is
	// held only briefly.
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs[ev.CollectiveID] {
		if sub.closed.Load() {
			continue
		}
		if exp != nil && !sub.filter.MatchesExperience(exp) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.lag.Add(1)
			if r.onDrop != nil {
				r.onDrop()
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers for a collective.
func (r *Registry) SubscriberCount(collective model.CollectiveID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[collective])
}

// CloseAll detaches every subscription, closing their channels.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.subs
	r.subs = make(map[model.CollectiveID][]*Subscription)
	r.mu.Unlock()
	for _, subs := range all {
		for _, s := range subs {
			if s.closed.CompareAndSwap(false, true) {
				close(s.ch)
			}
		}
	}
}
