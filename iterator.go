package spinmap

import (
	"unsafe"
)

// Iterator is a forward-only cursor over a Map.
//
// An iterator is bound to its map by the identity of the bucket array it
// was born under plus a (bucket index, slot offset) pair. Increment is
// lazy: Next only bumps a pending-advance counter, and the walk to the
// next occupied slot happens at the next dereference or comparison. Erase
// advances the caller's iterator purely for the sake of chaining, so
// deferring the walk keeps erase-heavy loops cheap.
//
// Any operation that replaces the map's bucket array (Rehash, Swap)
// invalidates every live iterator; Entry, Key, Value, Map.Erase and the
// catch-up of pending advances detect the replaced array and panic, since
// no safe continuation exists.
//
// Iterators are not safe for concurrent use by multiple goroutines.
type Iterator[K comparable, V any] struct {
	m       *Map[K, V]
	data    unsafe.Pointer // bucket array identity at birth
	n       int            // bucket count at birth
	bidx    int            // n means past-the-end
	offset  int
	pending int
}

// Next advances the iterator by one position, lazily. The walk is deferred
// until the next Entry, Key, Value, AtEnd or Equal call.
func (it *Iterator[K, V]) Next() *Iterator[K, V] {
	if it.bidx < it.n {
		it.pending++
	}
	return it
}

// catchUp realises pending advances. For each step it locks the current
// bucket with the not-rebuild guard, scans forward for the next occupied
// slot and spills into the following bucket when the scan falls off the
// end. A refused section (bucket rebuilding) retries the same bucket.
func (it *Iterator[K, V]) catchUp() {
	for n := uint32(0); it.pending > 0 && it.bidx < it.n; n++ {
		t := it.m.loadTable()
		if it.data != t.data() {
			panic("spinmap: stale iterator")
		}
		b := &t.buckets[it.bidx]
		if !transactUnless(&b.lock, bucketRebuild, it.m.policy, func() {
			for it.offset++; it.offset < len(b.items); it.offset++ {
				if b.items[it.offset].hash != 0 {
					it.pending--
					if it.pending == 0 {
						return
					}
				}
			}
			// Fell off this bucket; resume from the top of the next one.
			it.bidx++
			it.offset = -1
		}) {
			it.m.policy.Backoff(n)
		}
	}
}

// AtEnd reports whether the iterator, after realising pending advances,
// is past the last occupied slot.
func (it *Iterator[K, V]) AtEnd() bool {
	it.catchUp()
	return it.bidx >= it.n
}

// Entry returns the key and value of the slot the iterator refers to.
// It panics on a past-the-end iterator.
func (it *Iterator[K, V]) Entry() (k K, v V) {
	it.catchUp()
	if it.bidx >= it.n {
		panic("spinmap: dereference of end iterator")
	}
	t := it.m.loadTable()
	if it.data != t.data() {
		panic("spinmap: stale iterator")
	}
	b := &t.buckets[it.bidx]
	for n := uint32(0); ; n++ {
		if transactUnless(&b.lock, bucketRebuild, it.m.policy, func() {
			if it.offset < len(b.items) {
				s := &b.items[it.offset]
				k, v = s.key, s.value
			}
		}) {
			return k, v
		}
		it.m.policy.Backoff(n)
	}
}

// Key returns the key of the slot the iterator refers to.
func (it *Iterator[K, V]) Key() K {
	k, _ := it.Entry()
	return k
}

// Value returns the value of the slot the iterator refers to.
func (it *Iterator[K, V]) Value() V {
	_, v := it.Entry()
	return v
}

// Equal reports whether two iterators over the same map refer to the same
// position. Both sides realise their pending advances first; two
// past-the-end iterators compare equal regardless of how they got there.
func (it *Iterator[K, V]) Equal(o *Iterator[K, V]) bool {
	if it == nil || o == nil {
		return it == o
	}
	it.catchUp()
	o.catchUp()
	if it.bidx >= it.n && o.bidx >= o.n {
		return it.m == o.m
	}
	return it.m == o.m && it.bidx == o.bidx && it.offset == o.offset
}
