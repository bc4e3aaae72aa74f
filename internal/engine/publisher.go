package engine

import (
	"sync"

	"github.com/regbot/engine/internal/domain"
)

// subscriberBufferSize bounds how many undelivered events a slow subscriber
// can accumulate before the publisher starts dropping the oldest ones
// (spec.md §4.6 publishing contract).
const subscriberBufferSize = 64

type subscription struct {
	events chan domain.Event
}

// publisher is the Event Publisher (spec.md §4.6): a single-producer,
// many-consumer broadcast. It never blocks the producer on a slow
// subscriber — once a subscriber's buffer is full the oldest queued event
// is discarded to make room, except the terminal done event, which is never
// dropped.
type publisher struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func newPublisher() *publisher {
	return &publisher{subs: make(map[string]*subscription)}
}

func (p *publisher) subscribe(id string) <-chan domain.Event {
	ch := make(chan domain.Event, subscriberBufferSize)
	p.mu.Lock()
	p.subs[id] = &subscription{events: ch}
	p.mu.Unlock()
	return ch
}

func (p *publisher) unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		close(sub.events)
	}
}

func (p *publisher) publish(evt domain.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		if evt.Type == domain.EventDone {
			sub.deliverDone(evt)
		} else {
			sub.deliver(evt)
		}
	}
}

// deliver is a non-blocking send with drop-oldest-on-full semantics. It is
// best-effort under concurrent delivery: a subscriber draining its own
// channel concurrently with this call may see this discard a still-pending
// event instead of an already-consumed one, which is harmless since both
// are simply making room for evt.
func (s *subscription) deliver(evt domain.Event) {
	select {
	case s.events <- evt:
		return
	default:
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- evt:
	default:
	}
}

// deliverDone guarantees the terminal done event is never dropped (spec.md
// §4.6), unlike deliver. A publisher has exactly one producer per run, so
// draining this subscription's own buffer can only ever make room, never
// lose the race to a concurrent publish.
func (s *subscription) deliverDone(evt domain.Event) {
	for {
		select {
		case s.events <- evt:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}
