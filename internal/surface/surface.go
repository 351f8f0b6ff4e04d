package surface

import (
	"context"
	"time"
)

// Surface is the capability contract for one rendered, navigable page.
// Implementations own the underlying render target; everything above this
// interface treats the page as opaque.
//
//go:generate mockgen -package=surfacemock -destination=surfacemock/mock_surface.go -source=surface.go Surface Opener
type Surface interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// QueryText returns the text content of the first element matching
	// selector. ok is false when nothing matches; that is not an error.
	QueryText(ctx context.Context, selector string) (text string, ok bool, err error)
	// FullText returns the page's visible text.
	FullText(ctx context.Context) (string, error)
	// HTML returns the page's outer HTML.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs script in the page and JSON-decodes the result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// WaitFor polls predicate (a JS expression) until it is truthy or
	// timeout elapses.
	WaitFor(ctx context.Context, predicate string, timeout time.Duration) error
	// Close releases the render target. Idempotent.
	Close() error
	// Closed is closed when the target goes away, whether via Close or
	// because the underlying page died.
	Closed() <-chan struct{}
}

// Opener hands out fresh surfaces, one per watch session.
type Opener interface {
	Open(ctx context.Context) (Surface, error)
}
