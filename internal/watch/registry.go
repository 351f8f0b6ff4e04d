package watch

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"pricewatch/internal/broadcast"
	"pricewatch/internal/extract"
	"pricewatch/internal/surface"
)

// Registry is the process-wide table of active sessions, keyed by normalized
// symbol. It is the single entry point for add/remove/list; nothing else
// mutates session state.
type Registry struct {
	opener  surface.Opener
	ex      *extract.Extractor
	publish func(broadcast.Update)
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Controller

	// Per-symbol locks serialize add/remove for the same symbol while
	// letting different symbols proceed concurrently. Entries are
	// refcounted and reclaimed once the last holder releases.
	locksMu sync.Mutex
	locks   map[string]*symbolLock
}

// symbolLock serializes mutations of one symbol. refs counts holders and
// waiters so the entry can be deleted when nobody needs it anymore.
type symbolLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry(opener surface.Opener, ex *extract.Extractor, bc *broadcast.Broadcaster, opts Options) *Registry {
	return &Registry{
		opener:   opener,
		ex:       ex,
		publish:  bc.Publish,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Controller),
		locks:    make(map[string]*symbolLock),
	}
}

// Add opens a session for symbol. Adding an already-watched symbol is a
// no-op returning true. On navigation or readiness failure no partial state
// remains and Add returns false; the failure never touches other sessions.
func (r *Registry) Add(ctx context.Context, symbol string) bool {
	sym := Normalize(symbol)
	if sym == "" {
		return false
	}
	lk := r.acquireSymbol(sym)
	defer r.releaseSymbol(sym, lk)

	r.mu.Lock()
	_, active := r.sessions[sym]
	r.mu.Unlock()
	if active {
		return true
	}

	surf, err := openSurface(ctx, r.opener, pageURL(r.opts.URLTemplate, sym), r.opts)
	if err != nil {
		log.Printf("watch: add %s: %v", sym, err)
		return false
	}

	ctl := startController(sym, surf, r.ex, r.publish, r.opts, func() { r.drop(sym) })
	r.mu.Lock()
	r.sessions[sym] = ctl
	r.mu.Unlock()

	// The surface may have died between start and insert. The loop closes
	// done before it notifies onClosed, so if the loss-triggered drop ran
	// too early to see the entry, done is observably closed here and the
	// drop lands now instead.
	select {
	case <-ctl.done:
		r.drop(sym)
	default:
	}
	return true
}

// Remove tears the session down: pending ticks are cancelled, the in-flight
// extraction is abandoned, and the surface released before Remove returns.
// Returns false when the symbol has no active session.
func (r *Registry) Remove(symbol string) bool {
	sym := Normalize(symbol)
	lk := r.acquireSymbol(sym)
	defer r.releaseSymbol(sym, lk)

	r.mu.Lock()
	ctl, ok := r.sessions[sym]
	if ok {
		delete(r.sessions, sym)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := ctl.Close(); err != nil {
		log.Printf("watch: remove %s: close surface: %v", sym, err)
	}
	return true
}

// List returns a point-in-time snapshot of watched symbols, ascending.
func (r *Registry) List() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.sessions))
	for sym := range r.sessions {
		out = append(out, sym)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// CloseAll shuts every session down. Only process-level shutdown calls this.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	ctls := make(map[string]*Controller, len(r.sessions))
	for sym, ctl := range r.sessions {
		ctls[sym] = ctl
	}
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for sym, ctl := range ctls {
		g.Go(func() error {
			if err := ctl.Close(); err != nil {
				log.Printf("watch: close %s: %v", sym, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// drop removes a session whose surface died underneath it.
func (r *Registry) drop(sym string) {
	r.mu.Lock()
	ctl, ok := r.sessions[sym]
	if ok {
		delete(r.sessions, sym)
	}
	r.mu.Unlock()
	if ok {
		_ = ctl.Close()
		log.Printf("watch: dropped %s after surface loss", sym)
	}
}

func (r *Registry) acquireSymbol(sym string) *symbolLock {
	r.locksMu.Lock()
	lk, ok := r.locks[sym]
	if !ok {
		lk = &symbolLock{}
		r.locks[sym] = lk
	}
	lk.refs++
	r.locksMu.Unlock()
	lk.mu.Lock()
	return lk
}

func (r *Registry) releaseSymbol(sym string, lk *symbolLock) {
	lk.mu.Unlock()
	r.locksMu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(r.locks, sym)
	}
	r.locksMu.Unlock()
}
