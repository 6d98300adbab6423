package repository

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/objects"
)

// locker acquires and then keeps a repository lock refreshed in the
// background, cancelling the context it hands back if the refresh can no
// longer keep up with staleness.
type locker struct {
	retrySleepStart       time.Duration
	retrySleepMax         time.Duration
	refreshInterval       time.Duration
	refreshabilityTimeout time.Duration
}

// lockerInst is the locker used by the package-level Lock function; tests
// construct their own locker with shorter intervals.
var lockerInst = &locker{
	retrySleepStart:       5 * time.Millisecond,
	retrySleepMax:         500 * time.Millisecond,
	refreshInterval:       5 * time.Minute,
	refreshabilityTimeout: objects.StaleLockTimeout / 2,
}

// lockInfo is the live state behind an Unlocker.
type lockInfo struct {
	lock   *objects.Lock
	cancel context.CancelFunc
}

// Unlocker releases a lock acquired by Lock.
type Unlocker struct {
	info lockInfo
}

// Unlock removes the lock from the repository and cancels the context
// handed back alongside it. Errors removing the (possibly already gone)
// lock file are logged, not returned: Unlock is usually deferred and has
// no one to report to.
func (u *Unlocker) Unlock() {
	u.info.cancel()
	if err := u.info.lock.Unlock(context.Background()); err != nil {
		debug.Log("error while unlocking repository: %v", err)
	}
}

// Lock locks the repository using the default locker, retrying for up to
// retryLock if a conflicting lock is already held. failf is called once,
// from the background refresh goroutine, if the lock can no longer be
// refreshed in time; verbosef is called to report retry progress.
func Lock(ctx context.Context, repo *Repository, exclusive bool, retryLock time.Duration, failf func(string), verbosef func(string, ...interface{})) (*Unlocker, context.Context, error) {
	return lockerInst.Lock(ctx, repo, exclusive, retryLock, failf, verbosef)
}

func (l *locker) Lock(ctx context.Context, repo *Repository, exclusive bool, retryLock time.Duration, failf func(string), verbosef func(string, ...interface{})) (*Unlocker, context.Context, error) {
	lock, err := l.lockRepo(ctx, repo, exclusive, retryLock, verbosef)
	if err != nil {
		return nil, nil, err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	go l.refreshLock(refreshCtx, lock, cancel, failf)

	wrappedCtx, wrappedCancel := contextWithParentCancel(ctx, refreshCtx)

	return &Unlocker{info: lockInfo{lock: lock, cancel: func() {
		cancel()
		wrappedCancel()
	}}}, wrappedCtx, nil
}

// contextWithParentCancel returns a context that is canceled when either
// parent or refreshCtx is canceled, plus a cancel func for the caller's own
// use (e.g. on Unlock).
func contextWithParentCancel(parent, refreshCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-refreshCtx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}

func (l *locker) lockRepo(ctx context.Context, repo *Repository, exclusive bool, retryLock time.Duration, verbosef func(string, ...interface{})) (*objects.Lock, error) {
	newLock := objects.NewLock
	if exclusive {
		newLock = objects.NewExclusiveLock
	}

	lock, err := newLock(ctx, repo)
	if err == nil || retryLock == 0 {
		return lock, err
	}
	if !objects.IsAlreadyLocked(err) {
		return nil, err
	}

	verbosef("repo already locked, waiting up to %s for the lock\n", retryLock)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retrySleepStart
	b.MaxInterval = l.retrySleepMax
	b.MaxElapsedTime = retryLock

	err = backoff.Retry(func() error {
		lock, err = newLock(ctx, repo)
		if err == nil {
			return nil
		}
		if objects.IsAlreadyLocked(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))

	if err != nil {
		return nil, err
	}

	return lock, nil
}

// refreshLock refreshes lock every l.refreshInterval until refreshCtx is
// canceled. If no refresh succeeds within l.refreshabilityTimeout of the
// last success, cancel is called and failf is invoked once.
func (l *locker) refreshLock(refreshCtx context.Context, lock *objects.Lock, cancel context.CancelFunc, failf func(string)) {
	ticker := time.NewTicker(l.refreshInterval)
	defer ticker.Stop()

	var once sync.Once
	lastSuccess := time.Now()

	for {
		select {
		case <-refreshCtx.Done():
			return
		case <-ticker.C:
			err := lock.Refresh(refreshCtx)
			if err != nil {
				debug.Log("unable to refresh lock: %v", err)
			} else {
				lastSuccess = time.Now()
			}

			if time.Since(lastSuccess) > l.refreshabilityTimeout {
				once.Do(func() {
					failf("unable to refresh repository lock in time")
				})
				cancel()
				return
			}
		}
	}
}
