package broadcast

import (
	"log"
	"strings"
	"sync"
)

// Update is one observed price for one symbol.
// Price stays a string end to end to avoid float rounding on the wire.
type Update struct {
	Symbol           string `json:"symbol"`
	Price            string `json:"price"`
	ObservedAtMillis int64  `json:"observedAtMillis"`
}

// Subscription is one live delivery channel with an optional symbol filter.
type Subscription struct {
	filter string
	ch     chan Update

	dead     chan struct{}
	failOnce sync.Once
}

// Updates is the delivery channel. Closed on Unsubscribe or when the
// subscription is pruned after a delivery failure.
func (s *Subscription) Updates() <-chan Update { return s.ch }

// Done is closed once the subscription is dead, whether via Fail,
// Unsubscribe, or pruning.
func (s *Subscription) Done() <-chan struct{} { return s.dead }

// Fail marks the subscription dead, e.g. when its transport went away.
// The broadcaster prunes it on the next publish. Idempotent.
func (s *Subscription) Fail() {
	s.failOnce.Do(func() { close(s.dead) })
}

// Broadcaster owns the subscriber set and fans out every published update.
// A failing subscriber never blocks or drops delivery to the rest.
type Broadcaster struct {
	buffer int

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new delivery channel. An empty filter matches all
// symbols.
func (b *Broadcaster) Subscribe(filter string) *Subscription {
	sub := &Subscription{
		filter: strings.ToUpper(strings.TrimSpace(filter)),
		ch:     make(chan Update, b.buffer),
		dead:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.dropLocked(sub)
	b.mu.Unlock()
}

// Publish delivers u to every live subscription whose filter matches.
// Dead subscriptions and subscriptions whose buffer is full are pruned;
// pruning one never affects delivery to the others. Sends are ordered, so a
// given subscriber sees updates for a symbol in publish order.
func (b *Broadcaster) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.filter != "" && sub.filter != u.Symbol {
			continue
		}
		select {
		case <-sub.dead:
			b.dropLocked(sub)
			continue
		default:
		}
		select {
		case sub.ch <- u:
		default:
			// Buffer full: the consumer stopped draining. Treat it as a
			// delivery failure rather than stall everyone behind it.
			log.Printf("broadcast: dropping stalled subscriber (filter=%q)", sub.filter)
			b.dropLocked(sub)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) dropLocked(sub *Subscription) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.Fail()
	close(sub.ch)
}
