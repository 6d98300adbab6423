package objects

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/errors"
)

// StaleLockTimeout is the default duration after which a lock is
// considered stale if its process cannot be confirmed alive on the
// current host.
var StaleLockTimeout = 30 * time.Minute

// lockCheckGracePeriod is how long NewLock waits after writing its own
// lock file before re-listing locks to detect a concurrently created
// conflicting lock. Tests shrink this via TestSetLockTimeout so the suite
// doesn't take half a minute to run.
var lockCheckGracePeriod = 2 * time.Second

// TestSetLockTimeout reduces the grace period NewLock/NewExclusiveLock
// wait for concurrently created locks, and restores it when the test
// completes. It exists only for tests.
func TestSetLockTimeout(t testing.TB, d time.Duration) {
	t.Helper()
	old := lockCheckGracePeriod
	lockCheckGracePeriod = d
	t.Cleanup(func() { lockCheckGracePeriod = old })
}

// ErrAlreadyLocked is returned by NewLock and NewExclusiveLock when the
// repository is already locked in a conflicting way.
type ErrAlreadyLocked struct {
	otherLock *Lock
	exclusive bool
}

func (e *ErrAlreadyLocked) Error() string {
	kind := "non-exclusively"
	if e.exclusive {
		kind = "exclusively"
	}
	return fmt.Sprintf("repository is already locked %s by %v", kind, e.otherLock)
}

// IsAlreadyLocked returns true if err is (or wraps) an ErrAlreadyLocked.
func IsAlreadyLocked(err error) bool {
	var e *ErrAlreadyLocked
	return errors.As(err, &e)
}

// ErrRemovedLock is returned when a lock is refreshed but the lock file has
// disappeared from the backend in the meantime.
var ErrRemovedLock = errors.New("lock file removed in the meantime")

// RemoverUnpacked removes unpacked files (config, snapshots, index, locks)
// from a repository.
type RemoverUnpacked interface {
	RemoveUnpacked(ctx context.Context, t FileType, id ID) error
}

// lockRepository is the minimal set of capabilities Lock needs from a
// repository.
type lockRepository interface {
	SaverUnpacked
	LoaderUnpacked
	RemoverUnpacked
	Lister
}

// Lock represents a process locking the repository for an operation.
//
// There are two types of locks: exclusive and non-exclusive. There may be
// many different non-exclusive locks, but at most one exclusive lock, which
// can only be acquired while no non-exclusive locks exist.
type Lock struct {
	Time      time.Time `json:"time"`
	Exclusive bool      `json:"exclusive"`
	Hostname  string    `json:"hostname"`
	Username  string    `json:"username"`
	PID       int       `json:"pid"`
	UID       uint32    `json:"uid,omitempty"`
	GID       uint32    `json:"gid,omitempty"`

	repo   lockRepository
	lockID *ID

	mu sync.Mutex
}

func (l *Lock) String() string {
	hostname := l.Hostname
	if hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s@%s, PID %d", l.Username, hostname, l.PID)
}

// NewLock creates a new non-exclusive lock for the repository. If an
// exclusive lock is already held by someone else, an error is returned that
// IsAlreadyLocked recognizes.
func NewLock(ctx context.Context, repo lockRepository) (*Lock, error) {
	return newLock(ctx, repo, false)
}

// NewExclusiveLock creates a new exclusive lock for the repository. If any
// other lock (exclusive or not) is already held by someone else, an error
// is returned that IsAlreadyLocked recognizes.
func NewExclusiveLock(ctx context.Context, repo lockRepository) (*Lock, error) {
	return newLock(ctx, repo, true)
}

func newLock(ctx context.Context, repo lockRepository, exclusive bool) (*Lock, error) {
	lock, err := newUnwrittenLock(exclusive)
	if err != nil {
		return nil, err
	}
	lock.repo = repo

	if err := lock.checkForOtherLocks(ctx); err != nil {
		return nil, err
	}

	id, err := SaveJSONUnpacked(ctx, repo, LockFile, lock)
	if err != nil {
		return nil, err
	}
	lock.lockID = &id

	if lockCheckGracePeriod > 0 {
		select {
		case <-time.After(lockCheckGracePeriod):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := lock.checkForOtherLocks(ctx); err != nil {
		_ = repo.RemoveUnpacked(ctx, LockFile, id)
		return nil, err
	}

	return lock, nil
}

func newUnwrittenLock(exclusive bool) (*Lock, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "Hostname")
	}

	var username string
	if u, err := userCurrent(); err == nil {
		username = u
	}

	return &Lock{
		Time:      time.Now(),
		PID:       os.Getpid(),
		Exclusive: exclusive,
		Hostname:  hostname,
		Username:  username,
	}, nil
}

// checkForOtherLocks lists all locks in the repository (other than the
// receiver's own, if already written) and fails if any conflict with the
// lock being acquired: an exclusive lock conflicts with everything, a
// non-exclusive lock only conflicts with an exclusive one.
func (l *Lock) checkForOtherLocks(ctx context.Context) error {
	return l.repo.List(ctx, LockFile, func(id ID, size int64) error {
		if l.lockID != nil && id.Equal(*l.lockID) {
			return nil
		}

		other, err := LoadLock(ctx, l.repo, id)
		if err != nil {
			return errors.Wrapf(err, "unable to read lock %v", id.Str())
		}

		if other.Stale() {
			return nil
		}

		if l.Exclusive || other.Exclusive {
			return &ErrAlreadyLocked{otherLock: other, exclusive: other.Exclusive}
		}

		return nil
	})
}

// Stale returns true if the lock is stale: its process is known not to be
// running anymore (on the same host), or the lock is far older than
// StaleLockTimeout.
func (l *Lock) Stale() bool {
	debug.Log("testing if lock %v is stale", l)
	if time.Since(l.Time) > StaleLockTimeout {
		debug.Log("lock is stale, timestamp is too old: %v\n", l.Time)
		return true
	}

	hn, err := os.Hostname()
	if err != nil {
		debug.Log("unable to find current hostname: %v", err)
		// can't find hostname, assume not stale
		return false
	}

	if hn != l.Hostname {
		// lock is from a different host, we cannot check if the process is
		// still running, so assume not stale
		return false
	}

	if !processExists(l.PID) {
		debug.Log("could not find process check for PID %d\n", l.PID)
		return true
	}

	return false
}

// Refresh replaces the lock's timestamp with the current time and writes a
// new lock file, removing the old one.
func (l *Lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	debug.Log("refreshing lock %v", l.lockID)
	l.Time = time.Now()

	id, err := SaveJSONUnpacked(ctx, l.repo, LockFile, l)
	if err != nil {
		return err
	}

	oldID := l.lockID
	l.lockID = &id

	if oldID != nil {
		if err := l.repo.RemoveUnpacked(ctx, LockFile, *oldID); err != nil {
			return err
		}
	}

	return nil
}

// RefreshStaleLock is like Refresh, but used when the caller suspects its
// own lock may have been removed as stale by another process. It fails
// with ErrRemovedLock if the lock file is indeed gone, instead of silently
// writing a fresh one.
func (l *Lock) RefreshStaleLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockID != nil {
		if _, err := LoadLock(ctx, l.repo, *l.lockID); err != nil {
			return ErrRemovedLock
		}
	}

	debug.Log("refreshing stale lock %v", l.lockID)
	l.Time = time.Now()

	id, err := SaveJSONUnpacked(ctx, l.repo, LockFile, l)
	if err != nil {
		return err
	}

	oldID := l.lockID
	l.lockID = &id

	if oldID != nil {
		if err := l.repo.RemoveUnpacked(ctx, LockFile, *oldID); err != nil {
			return err
		}
	}

	return nil
}

// Unlock removes the lock from the repository.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockID == nil {
		return errors.New("lock already unlocked")
	}

	id := *l.lockID
	l.lockID = nil

	return l.repo.RemoveUnpacked(ctx, LockFile, id)
}

// LoadLock loads and unmarshals a lock from a repository.
func LoadLock(ctx context.Context, repo LoaderUnpacked, id ID) (*Lock, error) {
	lock := &Lock{}
	if err := repo.LoadJSONUnpacked(ctx, LockFile, id, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// RemoveStaleLocks deletes all stale locks from the repository and returns
// the number of locks that were removed.
func RemoveStaleLocks(ctx context.Context, repo lockRepository) (int, error) {
	processed := 0

	err := repo.List(ctx, LockFile, func(id ID, size int64) error {
		lock, err := LoadLock(ctx, repo, id)
		if err != nil {
			// already gone or corrupt, nothing we can do about it
			return nil
		}

		if lock.Stale() {
			if err := repo.RemoveUnpacked(ctx, LockFile, id); err != nil {
				return err
			}
			processed++
		}

		return nil
	})

	return processed, err
}

// RemoveAllLocks removes all locks forcefully, regardless of their
// staleness, and returns the number of locks removed.
func RemoveAllLocks(ctx context.Context, repo lockRepository) (int, error) {
	processed := 0

	err := repo.List(ctx, LockFile, func(id ID, size int64) error {
		if err := repo.RemoveUnpacked(ctx, LockFile, id); err != nil {
			return err
		}
		processed++
		return nil
	})

	return processed, err
}

// SaveJSONUnpacked saves arg as an unpacked file of the given type. The
// repository implementation is responsible for the actual JSON encoding.
func SaveJSONUnpacked(_ context.Context, repo SaverUnpacked, t FileType, arg interface{}) (ID, error) {
	return repo.SaveJSONUnpacked(t, arg)
}

func userCurrent() (string, error) {
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	return strconv.Itoa(os.Getuid()), nil
}
