//go:build race

package opt

import (
	"sync/atomic"
	"unsafe"
)

const Race_ = true

// IsTSO_ under race detector, disable TSO optimizations and use conservative
// atomic loads/stores
const IsTSO_ = false

// LoadPtr conservative: atomic pointer load to satisfy race detector
//
//go:nosplit
func LoadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(addr)
}

// StorePtr conservative: atomic pointer store to satisfy race detector
//
//go:nosplit
func StorePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	atomic.StorePointer(addr, val)
}
