package broadcast

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return u
	case <-time.After(time.Second):
		t.Fatalf("no update within 1s")
	}
	return Update{}
}

func TestPublish_FIFOPerSubscriber(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("")
	b.Publish(Update{Symbol: "ETHUSD", Price: "3000.00", ObservedAtMillis: 1})
	b.Publish(Update{Symbol: "ETHUSD", Price: "3010.50", ObservedAtMillis: 2})

	if u := recv(t, sub); u.Price != "3000.00" {
		t.Fatalf("first update out of order: %+v", u)
	}
	if u := recv(t, sub); u.Price != "3010.50" {
		t.Fatalf("second update out of order: %+v", u)
	}
}

func TestPublish_DeadSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(8)
	dead := b.Subscribe("")
	alive := b.Subscribe("")

	dead.Fail() // transport went away before the publish
	b.Publish(Update{Symbol: "BTCUSD", Price: "50000.12"})

	if u := recv(t, alive); u.Price != "50000.12" {
		t.Fatalf("surviving subscriber missed the update: %+v", u)
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("dead subscription not pruned, count=%d", n)
	}
	if _, ok := <-dead.Updates(); ok {
		t.Fatalf("dead subscription channel should be closed")
	}
}

func TestPublish_SymbolFilter(t *testing.T) {
	b := New(8)
	eth := b.Subscribe("ethusd") // filters normalize like symbols do
	all := b.Subscribe("")

	b.Publish(Update{Symbol: "BTCUSD", Price: "50000.12"})
	b.Publish(Update{Symbol: "ETHUSD", Price: "3000.00"})

	if u := recv(t, eth); u.Symbol != "ETHUSD" {
		t.Fatalf("filtered subscriber got %+v", u)
	}
	if len(eth.Updates()) != 0 {
		t.Fatalf("filtered subscriber should have exactly one update")
	}
	if u := recv(t, all); u.Symbol != "BTCUSD" {
		t.Fatalf("unfiltered subscriber got %+v first", u)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("count=%d after unsubscribe", n)
	}
}

func TestPublish_StalledSubscriberPruned(t *testing.T) {
	b := New(1)
	stalled := b.Subscribe("")
	alive := b.Subscribe("")
	go func() {
		for range alive.Updates() {
		}
	}()

	b.Publish(Update{Symbol: "BTCUSD", Price: "1.00"})
	b.Publish(Update{Symbol: "BTCUSD", Price: "2.00"}) // stalled buffer is full now

	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("stalled subscription not pruned, count=%d", n)
	}
	// the stalled subscriber still gets what was buffered, then the close
	if u := recv(t, stalled); u.Price != "1.00" {
		t.Fatalf("unexpected buffered update: %+v", u)
	}
	if _, ok := <-stalled.Updates(); ok {
		t.Fatalf("stalled subscription channel should be closed")
	}
}
