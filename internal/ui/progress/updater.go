// Package progress implements a periodic callback primitive used to drive
// progress bars and similar status output without coupling the reporting
// code to any particular presentation.
package progress

import (
	"sync"
	"time"
)

// Updater triggers a report function periodically, and once more (with
// final set to true) when Done is called.
type Updater struct {
	report func(runtime time.Duration, final bool)

	done  chan struct{}
	closeOnce sync.Once
	wg    sync.WaitGroup

	start time.Time
}

// NewUpdater starts a new Updater that calls report roughly every interval.
// An interval of zero disables periodic reporting; report is still called
// once, with final set to true, when Done is called.
func NewUpdater(interval time.Duration, report func(runtime time.Duration, final bool)) *Updater {
	u := &Updater{
		report: report,
		done:   make(chan struct{}),
		start:  time.Now(),
	}

	if interval <= 0 {
		return u
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				u.report(time.Since(u.start), false)
			case <-u.done:
				return
			}
		}
	}()

	return u
}

// Done stops the periodic reporting and makes a final call to report. It
// can be called more than once; only the first call has an effect.
func (u *Updater) Done() {
	if u == nil {
		return
	}

	u.closeOnce.Do(func() {
		close(u.done)
		u.wg.Wait()
		u.report(time.Since(u.start), true)
	})
}
