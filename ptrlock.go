package spinmap

import (
	"sync/atomic"
	"unsafe"
)

const ptrLockBit uintptr = 1

// PtrLock lets a pointer-sized slot double as a spin lock: bits [msb..1]
// hold a *T and bit 0 is the lock flag, so data structures that already
// carry a pointer under a lock (intrusive list roots, handle slots) save a
// machine word. Go heap objects are at least 8-byte aligned, which keeps
// bit 0 of any real pointer clear; Set panics on an odd-aligned pointer.
//
// The tagged word always points into the original allocation (the tag is a
// one-byte interior offset), so the referenced object stays live for the
// garbage collector regardless of lock state.
//
// Zero value: nil pointer, unlocked. Copying is forbidden.
type PtrLock[T any] struct {
	_ noCopy
	p unsafe.Pointer
}

// Get returns the pointer part of the word, with the lock bit masked off.
//
//go:nosplit
//go:nocheckptr
func (l *PtrLock[T]) Get() *T {
	return (*T)(unsafe.Pointer(uintptr(atomic.LoadPointer(&l.p)) &^ ptrLockBit))
}

// Set installs a new pointer value while preserving the current lock bit.
// It CAS-loops so a concurrent lock or unlock is never clobbered.
//
//go:nocheckptr
func (l *PtrLock[T]) Set(p *T) {
	w := uintptr(unsafe.Pointer(p))
	if w&ptrLockBit != 0 {
		panic("spinmap: PtrLock.Set of an odd-aligned pointer")
	}
	for {
		cur := atomic.LoadPointer(&l.p)
		next := unsafe.Pointer(w | uintptr(cur)&ptrLockBit)
		if atomic.CompareAndSwapPointer(&l.p, cur, next) {
			return
		}
	}
}

// TryLock acquires the lock if the flag bit is clear, without blocking.
// Contention stays read-only: the CAS is attempted only after a clear bit
// is observed.
//
//go:nocheckptr
func (l *PtrLock[T]) TryLock() bool {
	cur := atomic.LoadPointer(&l.p)
	if uintptr(cur)&ptrLockBit != 0 {
		return false
	}
	return atomic.CompareAndSwapPointer(&l.p, cur, unsafe.Pointer(uintptr(cur)|ptrLockBit))
}

// Lock acquires the lock, backing off with DefaultPolicy between attempts.
func (l *PtrLock[T]) Lock() {
	l.LockWith(nil)
}

// LockWith acquires the lock, backing off with p between attempts.
func (l *PtrLock[T]) LockWith(p *SpinPolicy) {
	for n := uint32(0); ; n++ {
		if l.TryLock() {
			return
		}
		p.Backoff(n)
	}
}

// Unlock releases the lock by clearing the flag bit. The pointer part
// cannot change while the lock is held, so a bare store is sufficient.
// Unlocking a lock that is not held panics.
//
//go:nocheckptr
func (l *PtrLock[T]) Unlock() {
	cur := atomic.LoadPointer(&l.p)
	if uintptr(cur)&ptrLockBit == 0 {
		panic("spinmap: PtrLock.Unlock of an unlocked lock")
	}
	atomic.StorePointer(&l.p, unsafe.Pointer(uintptr(cur)&^ptrLockBit))
}

// Load returns the raw word, lock bit included.
//
//go:nosplit
func (l *PtrLock[T]) Load() unsafe.Pointer {
	return atomic.LoadPointer(&l.p)
}

// Store writes the pointer as the raw word, clearing the lock bit.
// Unlike Set it does not preserve lockedness; it is the raw accessor.
func (l *PtrLock[T]) Store(p *T) {
	atomic.StorePointer(&l.p, unsafe.Pointer(p))
}

// Locked reports whether the flag bit is set.
//
//go:nosplit
func (l *PtrLock[T]) Locked() bool {
	return uintptr(atomic.LoadPointer(&l.p))&ptrLockBit != 0
}
