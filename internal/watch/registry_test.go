package watch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"pricewatch/internal/broadcast"
	"pricewatch/internal/extract"
	"pricewatch/internal/surface"
	"pricewatch/internal/surface/surfacemock"
	"pricewatch/internal/watch"
)

// scriptedSurface serves a settable price through the selector probe and
// counts extraction reads.
type scriptedSurface struct {
	mu        sync.Mutex
	price     string
	reads     atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedSurface(price string) *scriptedSurface {
	return &scriptedSurface{price: price, closed: make(chan struct{})}
}

func (s *scriptedSurface) setPrice(p string) {
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

func (s *scriptedSurface) Navigate(_ context.Context, _ string) error { return nil }
func (s *scriptedSurface) QueryText(_ context.Context, _ string) (string, bool, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.price == "" {
		return "", false, nil
	}
	return s.price, true, nil
}
func (s *scriptedSurface) FullText(_ context.Context) (string, error) { return "", nil }
func (s *scriptedSurface) HTML(_ context.Context) (string, error)     { return "", nil }
func (s *scriptedSurface) Evaluate(_ context.Context, _ string, out any) error {
	return json.Unmarshal([]byte("[]"), out)
}
func (s *scriptedSurface) WaitFor(_ context.Context, _ string, _ time.Duration) error { return nil }
func (s *scriptedSurface) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
func (s *scriptedSurface) Closed() <-chan struct{} { return s.closed }

type scriptedOpener struct {
	mu    sync.Mutex
	surf  *scriptedSurface
	opens int
}

func (o *scriptedOpener) Open(_ context.Context) (surface.Surface, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	return o.surf, nil
}

func fastOptions() watch.Options {
	return watch.Options{
		URLTemplate:      "https://quotes.test/%s",
		PollInterval:     10 * time.Millisecond,
		ReadyTimeout:     100 * time.Millisecond,
		BootstrapRetries: 1,
		BootstrapBackoff: 5 * time.Millisecond,
	}
}

func recvUpdate(t *testing.T, sub *broadcast.Subscription) broadcast.Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("no update within 2s")
	}
	return broadcast.Update{}
}

func TestAdd_Idempotent(t *testing.T) {
	op := &scriptedOpener{surf: newScriptedSurface("50000.12")}
	reg := watch.NewRegistry(op, extract.New([]string{"#last"}), broadcast.New(8), fastOptions())
	defer reg.CloseAll(t.Context())

	require.True(t, reg.Add(t.Context(), "btcusd"))
	require.True(t, reg.Add(t.Context(), "BTCUSD"), "duplicate add must succeed")
	require.Equal(t, 1, op.opens, "duplicate add must not open a second surface")
	require.Equal(t, []string{"BTCUSD"}, reg.List())
}

func TestRemove_UnknownSymbol(t *testing.T) {
	op := &scriptedOpener{surf: newScriptedSurface("1.00")}
	reg := watch.NewRegistry(op, extract.New(nil), broadcast.New(8), fastOptions())

	require.False(t, reg.Remove("NOPE"))
	require.Empty(t, reg.List())
}

func TestAdd_NavigationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	surf := surfacemock.NewMockSurface(ctrl)
	opener := surfacemock.NewMockOpener(ctrl)

	opener.EXPECT().Open(gomock.Any()).Return(surf, nil)
	surf.EXPECT().Navigate(gomock.Any(), gomock.Any()).Return(errors.New("net::ERR_NAME_NOT_RESOLVED"))
	surf.EXPECT().Close().Return(nil)

	reg := watch.NewRegistry(opener, extract.New(nil), broadcast.New(8), fastOptions())
	require.False(t, reg.Add(t.Context(), "BTCUSD"), "navigation failure must fail the add")
	require.Empty(t, reg.List(), "no partial state may remain")
}

func TestAdd_ContentTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	surf := surfacemock.NewMockSurface(ctrl)
	opener := surfacemock.NewMockOpener(ctrl)

	opener.EXPECT().Open(gomock.Any()).Return(surf, nil)
	surf.EXPECT().Navigate(gomock.Any(), gomock.Any()).Return(nil)
	surf.EXPECT().WaitFor(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("polling timed out"))
	surf.EXPECT().Close().Return(nil)

	reg := watch.NewRegistry(opener, extract.New(nil), broadcast.New(8), fastOptions())
	require.False(t, reg.Add(t.Context(), "BTCUSD"))
	require.Empty(t, reg.List())
}

func TestWatch_EndToEnd(t *testing.T) {
	surf := newScriptedSurface("$50,000.12")
	op := &scriptedOpener{surf: surf}
	bc := broadcast.New(8)
	sub := bc.Subscribe("")
	reg := watch.NewRegistry(op, extract.New([]string{"#last"}), bc, fastOptions())

	require.True(t, reg.Add(t.Context(), "BTCUSD"))
	require.Equal(t, []string{"BTCUSD"}, reg.List())

	// bootstrap publishes the first extraction immediately, cleaned
	u := recvUpdate(t, sub)
	require.Equal(t, "BTCUSD", u.Symbol)
	require.Equal(t, "50000.12", u.Price)
	require.NotZero(t, u.ObservedAtMillis)

	// same value on later ticks produces no further publication
	select {
	case u := <-sub.Updates():
		t.Fatalf("unexpected duplicate publication: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	// a changed price publishes once, in order
	surf.setPrice("50100.00")
	require.Equal(t, "50100.00", recvUpdate(t, sub).Price)

	require.True(t, reg.Remove("BTCUSD"))
	require.Empty(t, reg.List())

	// polling stops: no extraction reads after the session is gone
	select {
	case <-surf.Closed():
	default:
		t.Fatalf("surface must be released on remove")
	}
	before := surf.reads.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, surf.reads.Load(), "extraction tick survived removal")
}

func TestWatch_SurfaceLossDropsSession(t *testing.T) {
	surf := newScriptedSurface("2.50")
	op := &scriptedOpener{surf: surf}
	reg := watch.NewRegistry(op, extract.New([]string{"#last"}), broadcast.New(8), fastOptions())

	require.True(t, reg.Add(t.Context(), "ETHUSD"))
	surf.Close() // the tab dies underneath the session

	require.Eventually(t, func() bool {
		return len(reg.List()) == 0
	}, 2*time.Second, 10*time.Millisecond, "registry must drop the symbol after surface loss")
}

func TestWatch_BootstrapExhaustionKeepsSessionOpen(t *testing.T) {
	surf := newScriptedSurface("") // every extraction misses
	op := &scriptedOpener{surf: surf}
	bc := broadcast.New(8)
	sub := bc.Subscribe("")
	opts := fastOptions()
	opts.BootstrapRetries = 2
	reg := watch.NewRegistry(op, extract.New([]string{"#last"}), bc, opts)
	defer reg.CloseAll(t.Context())

	require.True(t, reg.Add(t.Context(), "BTCUSD"), "a page with no price yet must still add")
	require.Equal(t, []string{"BTCUSD"}, reg.List())

	// the whole bootstrap budget misses, then regular ticks keep probing
	require.Eventually(t, func() bool {
		return surf.reads.Load() > int64(opts.BootstrapRetries+1)
	}, 2*time.Second, 10*time.Millisecond, "polling must continue past the bootstrap budget")
	require.Equal(t, []string{"BTCUSD"}, reg.List(), "an empty bootstrap must not close the session")
	select {
	case u := <-sub.Updates():
		t.Fatalf("nothing should publish before a price exists, got %+v", u)
	default:
	}

	// the price shows up later and goes out on a regular tick
	surf.setPrice("50000.12")
	require.Equal(t, "50000.12", recvUpdate(t, sub).Price)
}

func TestAdd_SurfaceLostDuringAdd(t *testing.T) {
	surf := newScriptedSurface("") // no price, so the session is still probing
	op := &scriptedOpener{surf: surf}
	reg := watch.NewRegistry(op, extract.New([]string{"#last"}), broadcast.New(8), fastOptions())

	surf.Close() // the tab dies before the session lands in the table
	require.True(t, reg.Add(t.Context(), "BTCUSD"))

	require.Eventually(t, func() bool {
		return len(reg.List()) == 0
	}, 2*time.Second, 10*time.Millisecond, "a session whose surface died mid-add must not stay listed")
}

func TestObserve_OneShot(t *testing.T) {
	op := &scriptedOpener{surf: newScriptedSurface("€1,234.56")}

	u, err := watch.Observe(t.Context(), op, extract.New([]string{"#last"}), "ethusd", fastOptions())
	require.NoError(t, err)
	require.Equal(t, "ETHUSD", u.Symbol)
	require.Equal(t, "1234.56", u.Price)

	select {
	case <-op.surf.Closed():
	default:
		t.Fatalf("observe must release its surface")
	}
}
