package watch

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/broadcast"
	"pricewatch/internal/extract"
	"pricewatch/internal/surface"
)

// Options tunes the per-session polling loop.
type Options struct {
	// URLTemplate is the quote page address with one %s for the symbol.
	URLTemplate string
	// PollInterval is the extraction tick.
	PollInterval time.Duration
	// SettleDelay is the pause after navigation before the readiness check.
	SettleDelay time.Duration
	// ReadyTimeout bounds the wait for any price-shaped text to appear.
	ReadyTimeout time.Duration
	// BootstrapRetries is how many extra attempts the first extraction gets.
	BootstrapRetries int
	// BootstrapBackoff separates bootstrap attempts.
	BootstrapBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.URLTemplate == "" {
		o.URLTemplate = "https://www.tradingview.com/symbols/%s/"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 15 * time.Second
	}
	if o.BootstrapRetries < 0 {
		o.BootstrapRetries = 0
	}
	if o.BootstrapBackoff <= 0 {
		o.BootstrapBackoff = time.Second
	}
	return o
}

// Normalize upper-cases and trims a symbol. The registry keys sessions by the
// normalized form.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func pageURL(template, symbol string) string {
	return fmt.Sprintf(template, url.PathEscape(symbol))
}

// openSurface walks a fresh surface through Opening and WaitingForContent:
// navigate, settle, then wait for any price-shaped text. On any failure the
// surface is released and an error returned; no partial state survives.
func openSurface(ctx context.Context, opener surface.Opener, addr string, opts Options) (surface.Surface, error) {
	surf, err := opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open surface: %w", err)
	}
	if err := surf.Navigate(ctx, addr); err != nil {
		_ = surf.Close()
		return nil, fmt.Errorf("navigate %s: %w", addr, err)
	}
	if opts.SettleDelay > 0 {
		if !sleep(ctx, opts.SettleDelay) {
			_ = surf.Close()
			return nil, ctx.Err()
		}
	}
	if err := surf.WaitFor(ctx, extract.ReadyScript, opts.ReadyTimeout); err != nil {
		_ = surf.Close()
		return nil, fmt.Errorf("waiting for content on %s: %w", addr, err)
	}
	return surf, nil
}

// Observe is the one-shot path: open a surface for symbol, extract once,
// close. Used by the peek tool.
func Observe(ctx context.Context, opener surface.Opener, ex *extract.Extractor, symbol string, opts Options) (broadcast.Update, error) {
	opts = opts.withDefaults()
	sym := Normalize(symbol)
	surf, err := openSurface(ctx, opener, pageURL(opts.URLTemplate, sym), opts)
	if err != nil {
		return broadcast.Update{}, err
	}
	defer surf.Close()
	price, ok := ex.Extract(ctx, surf)
	if !ok {
		return broadcast.Update{}, fmt.Errorf("no plausible price found for %s", sym)
	}
	return broadcast.Update{Symbol: sym, Price: price, ObservedAtMillis: time.Now().UnixMilli()}, nil
}

// Controller owns one session's polling loop and teardown. It never holds
// subscriber references; accepted prices leave through the injected publish
// capability only.
type Controller struct {
	symbol  string
	surf    surface.Surface
	ex      *extract.Extractor
	publish func(broadcast.Update)
	opts    Options

	det detector

	cancel context.CancelFunc
	done   chan struct{}

	// surfaceLost is set when the surface dies underneath the session.
	// Touched only by the run goroutine.
	surfaceLost bool

	closeOnce sync.Once
	closeErr  error

	// onClosed fires when the surface dies underneath the session, so the
	// owner can drop the symbol. Set before startController returns the
	// controller to anyone else.
	onClosed func()
}

// startController takes ownership of an already-opened surface and begins
// polling immediately.
func startController(symbol string, surf surface.Surface, ex *extract.Extractor, publish func(broadcast.Update), opts Options, onClosed func()) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		symbol:   symbol,
		surf:     surf,
		ex:       ex,
		publish:  publish,
		opts:     opts,
		cancel:   cancel,
		done:     make(chan struct{}),
		onClosed: onClosed,
	}
	go c.run(ctx)
	return c
}

// Close cancels the poll loop, waits for it to exit, and releases the
// surface. Idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.closeErr = c.surf.Close()
	})
	return c.closeErr
}

func (c *Controller) run(ctx context.Context) {
	// done closes before onClosed fires, so by the time the owner reacts to
	// a lost surface the controller is already observably finished and its
	// Close cannot block.
	defer func() {
		close(c.done)
		if c.surfaceLost && c.onClosed != nil {
			c.onClosed()
		}
	}()

	if !c.bootstrap(ctx) {
		return
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.surf.Closed():
			c.surfaceDied()
			return
		case <-ticker.C:
			// Steady state: misses are swallowed, only a changed price
			// publishes.
			if price, ok := c.ex.Extract(ctx, c.surf); ok {
				c.emit(price)
			}
		}
	}
}

// bootstrap publishes the first extraction immediately, retrying a bounded
// number of times. Exhausting the budget is a soft failure: the session stays
// open with no price yet. Returns false only when the session should stop.
func (c *Controller) bootstrap(ctx context.Context) bool {
	for attempt := 0; attempt <= c.opts.BootstrapRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if price, ok := c.ex.Extract(ctx, c.surf); ok {
			c.emit(price)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.surf.Closed():
			c.surfaceDied()
			return false
		case <-time.After(c.opts.BootstrapBackoff):
		}
	}
	log.Printf("watch: %s: no price after %d bootstrap attempts, will keep polling", c.symbol, c.opts.BootstrapRetries+1)
	return true
}

func (c *Controller) emit(price string) {
	if !c.det.shouldPublish(price) {
		return
	}
	c.publish(broadcast.Update{
		Symbol:           c.symbol,
		Price:            price,
		ObservedAtMillis: time.Now().UnixMilli(),
	})
}

func (c *Controller) surfaceDied() {
	log.Printf("watch: %s: surface closed underneath the session", c.symbol)
	c.surfaceLost = true
}

// sleep waits d or until ctx is done; reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
