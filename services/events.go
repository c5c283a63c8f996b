package services

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/firemarkets/fmsession/core"
)

type subscription struct {
	fn      core.Listener
	removed atomic.Bool
}

// broadcaster delivers events to subscribers in enqueue order. Whoever
// finds the queue idle drains it; listeners that trigger new events while
// being called only append to the queue, so re-entrant calls never block.
type broadcaster struct {
	log zerolog.Logger

	mu       sync.Mutex
	subs     []*subscription
	queue    []core.Event
	draining bool
}

func newBroadcaster(log zerolog.Logger) *broadcaster {
	return &broadcaster{log: log}
}

func (b *broadcaster) subscribe(fn core.Listener) func() {
	sub := &subscription{fn: fn}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.removed.Store(true)

			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) enqueue(e core.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()
}

// drain delivers queued events unless another caller already is.
func (b *broadcaster) drain() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		e := b.queue[0]
		b.queue = b.queue[1:]
		subs := slices.Clone(b.subs)
		b.mu.Unlock()

		for _, sub := range subs {
			if sub.removed.Load() {
				continue
			}
			b.deliver(sub, e)
		}

		b.mu.Lock()
	}

	b.draining = false
	b.mu.Unlock()
}

func (b *broadcaster) deliver(sub *subscription, e core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("session listener panicked")
		}
	}()
	sub.fn(e)
}
