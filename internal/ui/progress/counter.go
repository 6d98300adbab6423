package progress

import (
	"sync/atomic"
	"time"
)

// Counter tracks a value against a maximum and periodically reports both,
// plus a final report once Done is called. The zero value is not usable;
// use NewCounter. A nil *Counter is valid and every method on it is a
// no-op, so progress reporting can be wired optionally without branching
// at every call site.
type Counter struct {
	value uint64
	max   uint64

	updater *Updater
	report  func(value uint64, total uint64, runtime time.Duration, final bool)
}

// NewCounter returns a new Counter that reports roughly every interval, and
// once more when Done is called. max is the initial total; it can be
// changed later with SetMax.
func NewCounter(interval time.Duration, max uint64, report func(value uint64, total uint64, runtime time.Duration, final bool)) *Counter {
	c := &Counter{
		max:    max,
		report: report,
	}

	c.updater = NewUpdater(interval, func(runtime time.Duration, final bool) {
		c.report(atomic.LoadUint64(&c.value), atomic.LoadUint64(&c.max), runtime, final)
	})

	return c
}

// Add increments the counter's value by n.
func (c *Counter) Add(n uint64) {
	if c == nil {
		return
	}
	atomic.AddUint64(&c.value, n)
}

// SetMax sets the counter's total.
func (c *Counter) SetMax(n uint64) {
	if c == nil {
		return
	}
	atomic.StoreUint64(&c.max, n)
}

// Get returns the current value and total.
func (c *Counter) Get() (value, total uint64) {
	if c == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&c.value), atomic.LoadUint64(&c.max)
}

// Done stops periodic reporting and makes a final report.
func (c *Counter) Done() {
	if c == nil {
		return
	}
	c.updater.Done()
}
