// Package cdp implements the surface contract on top of a Chrome DevTools
// browser, either a remote one reached over CDP or a locally launched
// headless instance. One browser, one tab per watch session.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/chromedp"

	"pricewatch/internal/httpx"
	"pricewatch/internal/surface"
)

const (
	defaultEvalTimeout = 10 * time.Second
	navigateTimeout    = 30 * time.Second
	pollingInterval    = 200 * time.Millisecond
)

// Options configures the browser connection.
type Options struct {
	// URL is the DevTools endpoint: http(s)://host:port (resolved through
	// /json/version) or a ws:// debugger URL. Empty launches a local
	// headless browser.
	URL         string
	EvalTimeout time.Duration
}

// Opener owns the browser allocator and hands out one tab per Open call.
type Opener struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	evalTimeout time.Duration
}

// NewOpener connects to (or launches) the browser. client is used only for
// the DevTools endpoint probe.
func NewOpener(ctx context.Context, opts Options, client *httpx.Client) (*Opener, error) {
	evalTimeout := opts.EvalTimeout
	if evalTimeout <= 0 {
		evalTimeout = defaultEvalTimeout
	}

	var allocCtx context.Context
	var cancel context.CancelFunc
	switch {
	case opts.URL == "":
		allocCtx, cancel = chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	case strings.HasPrefix(opts.URL, "ws://"), strings.HasPrefix(opts.URL, "wss://"):
		allocCtx, cancel = chromedp.NewRemoteAllocator(ctx, opts.URL)
	default:
		wsURL, err := resolveWebSocketURL(ctx, client, opts.URL)
		if err != nil {
			return nil, fmt.Errorf("resolve DevTools endpoint %s: %w", opts.URL, err)
		}
		allocCtx, cancel = chromedp.NewRemoteAllocator(ctx, wsURL)
	}

	return &Opener{allocCtx: allocCtx, allocCancel: cancel, evalTimeout: evalTimeout}, nil
}

// Open creates a fresh tab and verifies the browser actually responds.
func (o *Opener) Open(ctx context.Context) (surface.Surface, error) {
	tabCtx, cancel := chromedp.NewContext(o.allocCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start tab: %w", err)
	}

	t := &tab{
		ctx:         tabCtx,
		cancel:      cancel,
		evalTimeout: o.evalTimeout,
		closed:      make(chan struct{}),
	}
	// The inspector detaches when the tab dies or the browser goes away;
	// surface consumers observe that through Closed.
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventDetached); ok {
			cancel()
		}
	})
	go func() {
		<-tabCtx.Done()
		t.closeOnce.Do(func() { close(t.closed) })
	}()
	return t, nil
}

// Close shuts the browser allocator down; any open tabs die with it.
func (o *Opener) Close() error {
	o.allocCancel()
	return nil
}

// resolveWebSocketURL asks the DevTools HTTP endpoint for its debugger URL.
func resolveWebSocketURL(ctx context.Context, client *httpx.Client, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools probe: status %d", resp.StatusCode)
	}
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("devtools probe: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools probe: no webSocketDebuggerUrl in response")
	}
	return v.WebSocketDebuggerURL, nil
}

// tab is one render target.
type tab struct {
	ctx         context.Context
	cancel      context.CancelFunc
	evalTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, navigateTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (t *tab) QueryText(ctx context.Context, selector string) (string, bool, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return el ? el.textContent : null;
	})()`, selector)
	var out *string
	if err := t.Evaluate(ctx, script, &out); err != nil {
		return "", false, err
	}
	if out == nil {
		return "", false, nil
	}
	return *out, true, nil
}

func (t *tab) FullText(ctx context.Context) (string, error) {
	var out string
	err := t.Evaluate(ctx, `document.body ? document.body.innerText : ""`, &out)
	return out, err
}

func (t *tab) HTML(ctx context.Context) (string, error) {
	var out string
	err := t.run(ctx, t.evalTimeout, chromedp.OuterHTML("html", &out, chromedp.ByQuery))
	return out, err
}

func (t *tab) Evaluate(ctx context.Context, script string, out any) error {
	return t.run(ctx, t.evalTimeout, chromedp.Evaluate(script, out))
}

func (t *tab) WaitFor(ctx context.Context, predicate string, timeout time.Duration) error {
	var ready bool
	return t.run(ctx, timeout+time.Second, chromedp.Poll(predicate, &ready,
		chromedp.WithPollingInterval(pollingInterval),
		chromedp.WithPollingTimeout(timeout),
	))
}

func (t *tab) Close() error {
	t.cancel()
	return nil
}

func (t *tab) Closed() <-chan struct{} { return t.closed }

// run executes actions against the tab with a deadline, honoring the
// caller's cancellation as well as the tab's own lifetime.
func (t *tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
