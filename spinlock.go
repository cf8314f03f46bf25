package spinmap

import (
	"sync/atomic"
)

// SpinLock is a one-word spin lock with a configurable back-off discipline.
//
// The word holds 0 when free and 1 while held; values >= 2 are caller
// sentinels written through Store or TryLockAsState (the concurrent map
// uses TryLockAsState to mark a bucket with 2 under structural rebuild). Contending acquirers spin-read before
// attempting the CAS, so a held lock generates no store traffic and no
// cache-line invalidation from its waiters.
//
// Properties:
//   - Not reentrant; no owner tracking.
//   - Not fair; acquisition order under contention is arbitrary.
//   - 4 bytes. Zero value is an unlocked lock.
//
// Copying a SpinLock is forbidden (go vet -copylocks).
type SpinLock struct {
	_ noCopy
	v atomic.Uint32
}

// TryLock acquires the lock if it is free, without blocking.
// It loads before attempting the CAS so that contention stays read-only.
func (l *SpinLock) TryLock() bool {
	if l.v.Load() != 0 {
		return false
	}
	return l.v.CompareAndSwap(0, 1)
}

// TryLockState is TryLock, but on failure due to a non-free observation it
// writes the observed word into *state so the caller can react to which
// non-free value holds the lock.
func (l *SpinLock) TryLockState(state *uint32) bool {
	if t := l.v.Load(); t != 0 {
		*state = t
		return false
	}
	return l.v.CompareAndSwap(0, 1)
}

// TryLockAsState acquires the lock directly into the given non-free state
// (the map uses this to plant the structural-rebuild value in one step).
// On failure due to a non-free observation it writes the observed word
// into *observed.
func (l *SpinLock) TryLockAsState(state uint32, observed *uint32) bool {
	if t := l.v.Load(); t != 0 {
		*observed = t
		return false
	}
	return l.v.CompareAndSwap(0, state)
}

// Lock acquires the lock, backing off with DefaultPolicy between attempts.
func (l *SpinLock) Lock() {
	l.LockWith(nil)
}

// LockWith acquires the lock, backing off with p between attempts.
// A nil policy means DefaultPolicy. It does not time out.
func (l *SpinLock) LockWith(p *SpinPolicy) {
	for n := uint32(0); ; n++ {
		if l.TryLock() {
			return
		}
		p.Backoff(n)
	}
}

// LockIfNot acquires the lock unless the word is observed equal to sentinel,
// in which case it returns false without acquiring. Used by the map to bail
// out of a bucket that has entered the structural-rebuild state.
func (l *SpinLock) LockIfNot(sentinel uint32) bool {
	return l.LockIfNotWith(sentinel, nil)
}

// LockIfNotWith is LockIfNot with an explicit back-off policy.
func (l *SpinLock) LockIfNotWith(sentinel uint32, p *SpinPolicy) bool {
	for n := uint32(0); ; n++ {
		var observed uint32
		if l.TryLockState(&observed) {
			return true
		}
		if observed == sentinel {
			return false
		}
		p.Backoff(n)
	}
}

// Unlock releases the lock. It performs a plain release store of zero and
// does not verify ownership.
func (l *SpinLock) Unlock() {
	l.v.Store(0)
}

// Load returns the raw lock word.
func (l *SpinLock) Load() uint32 {
	return l.v.Load()
}

// Store writes the raw lock word. Callers use this to plant sentinel states;
// storing 0 releases the lock.
func (l *SpinLock) Store(v uint32) {
	l.v.Store(v)
}

// Locked reports whether the lock word is non-free.
func (l *SpinLock) Locked() bool {
	return l.v.Load() != 0
}
