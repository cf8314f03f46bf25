//go:build !race

package opt

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

const Race_ = false

// IsTSO_ detects TSO architectures; on TSO, plain reads/writes are safe for
// pointers and native word-sized integers.
const IsTSO_ = runtime.GOARCH == "amd64" ||
	runtime.GOARCH == "386" ||
	runtime.GOARCH == "s390x"

// LoadPtr loads a pointer atomically on non-TSO architectures.
// On TSO architectures, it performs a plain pointer load.
//
//go:nosplit
func LoadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	if IsTSO_ {
		return *addr
	}
	return atomic.LoadPointer(addr)
}

// StorePtr stores a pointer atomically on non-TSO architectures.
// On TSO architectures, it performs a plain pointer store.
//
//go:nosplit
func StorePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	if IsTSO_ {
		*addr = val
	} else {
		atomic.StorePointer(addr, val)
	}
}
