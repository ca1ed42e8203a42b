// Package eventbus carries lifecycle signals between gateway components
// (dispatch accepted, delivery sent/failed, verification verified, ...)
// without coupling them to each other.
package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-memory signal. Data should be JSON-serializable.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers lose events rather than stalling publishers.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	id int
	ch chan Event
}

type memBus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Subscriber is full; drop for them.
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, ch: ch})
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
