package watch

import "sync"

// detector gates publication: a candidate goes out iff it is non-empty and
// differs, as a string, from the last published price. The compare is exact,
// with no numeric tolerance, so formatting churn ("100.0" vs "100.00")
// counts as a change. The source feed behaves this way and suppressing it
// would hide real feed behavior.
type detector struct {
	mu   sync.Mutex
	last string
}

// shouldPublish reports whether price is a new value, updating the stored
// last-published price in the same step when it is.
func (d *detector) shouldPublish(price string) bool {
	if price == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if price == d.last {
		return false
	}
	d.last = price
	return true
}
