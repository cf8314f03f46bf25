package spinmap

import (
	"unsafe"
)

// HashFunc hashes the key a pointer refers to, mixing in a per-map seed.
// The function must be pure and safe to call from many goroutines at once:
// the map invokes it under per-bucket locks but never under a global one.
type HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr

// wrapHash reserves 0 as the "empty slot" sentinel: a caller hash of 0 is
// remapped to all-ones so every occupied slot stores a nonzero hash.
//
//go:nosplit
func wrapHash(h uintptr) uintptr {
	if h == 0 {
		return ^uintptr(0)
	}
	return h
}

// defaultKeyHasher picks a hash function for K. Native integer keys hash as
// themselves; everything else goes through the runtime's built-in hasher
// for the type, obtained from the map type descriptor.
func defaultKeyHasher[K comparable]() HashFunc {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return hashWord
	case uint64, int64:
		if unsafe.Sizeof(uintptr(0)) == 8 {
			return hashWord64
		}
		return hashWord64Folded
	case uint32, int32:
		return hashWord32
	default:
		return builtInHasher[K]()
	}
}

//go:nosplit
func hashWord(ptr unsafe.Pointer, _ uintptr) uintptr {
	return *(*uintptr)(ptr)
}

//go:nosplit
func hashWord64(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint64)(ptr))
}

//go:nosplit
func hashWord64Folded(ptr unsafe.Pointer, _ uintptr) uintptr {
	v := *(*uint64)(ptr)
	return uintptr(v) ^ uintptr(v>>32)
}

//go:nosplit
func hashWord32(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint32)(ptr))
}

// builtInHasher digs Go's hash function for K out of the runtime's map type
// descriptor. This relies on the runtime's internal type representation and
// should be re-verified on Go version upgrades.
func builtInHasher[K comparable]() HashFunc {
	var m map[K]struct{}
	return iTypeOf(m).MapType().Hasher
}

type (
	iTFlag   uint8
	iKind    uint8
	iNameOff int32
	iTypeOff int32
)

// iType mirrors the runtime type descriptor far enough to reach the map
// type's Hasher field.
type iType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       iTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       iKind
	Equal       func(unsafe.Pointer, unsafe.Pointer) bool
	GCData      *byte
	Str         iNameOff
	PtrToThis   iTypeOff
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Type descriptors are either static or permanently reachable; there is
	// no need to let a escape just to read one.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
