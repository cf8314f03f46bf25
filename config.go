package spinmap

import (
	"unsafe"
)

// EqualFunc compares the two keys its pointers refer to. Like HashFunc it
// must be pure and thread-safe: the map calls it under per-bucket locks
// only.
type EqualFunc func(a, b unsafe.Pointer) bool

// MapConfig defines the construction-time options of a Map.
// All knobs are fixed once the map is built.
type MapConfig struct {
	// bucketCount is the number of hash partitions. It stays fixed until an
	// explicit Rehash. If zero or negative, the default of 13 is used.
	bucketCount int

	// maxLoadFactor is advisory; the map never rehashes on its own.
	// Defaults to 1.0.
	maxLoadFactor float64

	// keyHash overrides the built-in hash function for keys.
	keyHash HashFunc

	// keyEqual overrides == as the key equality predicate.
	keyEqual EqualFunc

	// policy is the back-off discipline for every lock the map takes.
	// nil means DefaultPolicy.
	policy *SpinPolicy
}

// MapOption configures a Map at construction.
type MapOption func(*MapConfig)

// WithBucketCount sets the initial number of buckets (minimum 1,
// default 13). The count is fixed until an explicit Rehash.
func WithBucketCount(n int) MapOption {
	return func(c *MapConfig) {
		c.bucketCount = n
	}
}

// WithMaxLoadFactor sets the advisory maximum load factor (default 1.0).
func WithMaxLoadFactor(f float64) MapOption {
	return func(c *MapConfig) {
		c.maxLoadFactor = f
	}
}

// WithKeyHasher sets a custom key hashing function. A hash of 0 is legal;
// the map remaps it internally to keep 0 as the empty-slot sentinel.
//
// The function must be deterministic and thread-safe.
func WithKeyHasher[K comparable](keyHash func(key K, seed uintptr) uintptr) MapOption {
	return func(c *MapConfig) {
		if keyHash != nil {
			c.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
				return keyHash(*(*K)(ptr), seed)
			}
		}
	}
}

// WithKeyHasherUnsafe sets a low-level key hashing function operating on
// the key's memory directly. The high-performance variant of WithKeyHasher.
func WithKeyHasherUnsafe(keyHash HashFunc) MapOption {
	return func(c *MapConfig) {
		c.keyHash = keyHash
	}
}

// WithKeyEqual sets a custom key equality predicate (default: ==).
// It must be consistent with the hash function: equal keys must hash alike.
func WithKeyEqual[K comparable](eq func(a, b K) bool) MapOption {
	return func(c *MapConfig) {
		if eq != nil {
			c.keyEqual = func(a, b unsafe.Pointer) bool {
				return eq(*(*K)(a), *(*K)(b))
			}
		}
	}
}

// WithSpinPolicy sets the back-off discipline used by all of the map's
// locks. Pass &NullPolicy for a pure hot spin.
func WithSpinPolicy(p *SpinPolicy) MapOption {
	return func(c *MapConfig) {
		c.policy = p
	}
}
