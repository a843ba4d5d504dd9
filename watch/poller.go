package watch

import (
	"sync"
	"time"

	"github.com/draco28/PulseDB/model"
)

// FetchFunc pulls committed events with CSN greater than since, returning
// the events in CSN order and the new high-water CSN. PulseDB wires this to
// the persisted changelog so pollers in other processes see the same stream
// as in-process subscribers.
type FetchFunc func(since uint64) ([]model.WatchEvent, uint64, error)

// Poller tails the changelog on a fixed interval, bridging cross-process
// readers to the same bounded-channel interface as in-process subscribers.
type Poller struct {
	fetch    FetchFunc
	interval time.Duration
	ch       chan model.WatchEvent
	lag      uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPoller starts polling from the given CSN. interval zero or negative
// falls back to 100ms.
func NewPoller(fetch FetchFunc, since uint64, interval time.Duration, buffer int) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if buffer <= 0 {
		buffer = 1000
	}
	p := &Poller{
		fetch:    fetch,
		interval: interval,
		ch:       make(chan model.WatchEvent, buffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run(since)
	return p
}

// Events returns the receive side of the poller's bounded channel. Events
// that do not fit are dropped, like in-process subscriptions under
// backpressure.
func (p *Poller) Events() <-chan model.WatchEvent { return p.ch }

// Lag returns how many polled events were dropped because the buffer was
// full. Only the polling goroutine writes it; read it after Stop for an
// exact value.
func (p *Poller) Lag() uint64 { return p.lag }

// Stop terminates the polling goroutine and closes the event channel.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		close(p.ch)
	})
}

func (p *Poller) run(since uint64) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			events, next, err := p.fetch(since)
			if err != nil {
				continue
			}
			for _, ev := range events {
				select {
				case p.ch <- ev:
				default:
					p.lag++
				}
			}
			since = next
		}
	}
}
