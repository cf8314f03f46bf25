package spinmap

import (
	"unsafe"

	"github.com/hexira/spinmap/internal/opt"
)

// Atomic discipline of the package.
//
// Go's sync/atomic is sequentially consistent, the strongest ordering in the
// acquire/release model: a Load observing a prior Store to the same word
// synchronizes with it, which covers every acquire/release pair the locks
// rely on. Where a relaxed read would do — re-reading a word the current
// goroutine already owns, or loading the published table pointer on a TSO
// machine — the opt.LoadPtr/StorePtr helpers drop to plain accesses unless
// the race detector is active.

const cacheLineSize = opt.CacheLineSize_

//go:nosplit
func loadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	return opt.LoadPtr(addr)
}

//go:nosplit
func storePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	opt.StorePtr(addr, val)
}

// noescape hides a pointer from escape analysis. noescape is
// the identity function, but escape analysis doesn't think the
// output depends on the input. noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:all
	return unsafe.Pointer(x ^ 0)
}

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
