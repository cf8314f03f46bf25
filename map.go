package spinmap

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// Bucket lock states. Ordinary critical sections (find, emplace scans,
// iterator walks) hold bucketHeld; sections that modify the item vector
// (emplace writes, erases, clear, rehash) hold bucketRebuild, and every
// ordinary user observing bucketRebuild abandons its view of the bucket and
// retries.
const (
	bucketFree    uint32 = 0
	bucketHeld    uint32 = 1
	bucketRebuild uint32 = 2
)

// item is one slot of a bucket. A slot is occupied iff hash != 0; erase
// tombstones by zeroing the whole slot, which also releases the key and
// value to the garbage collector.
type item[K comparable, V any] struct {
	key   K
	value V
	hash  uintptr
}

type bucket[K comparable, V any] struct {
	lock  SpinLock
	count atomic.Uint32 // occupied slots; lets readers skip the lock when 0
	items []item[K, V]
	_     [bucketPadSize]byte
}

// bucketPadSize rounds the bucket header up to a cache line so neighbouring
// bucket locks never share one. The item vectors themselves live off-slice.
const bucketPadSize = (cacheLineSize - unsafe.Sizeof(struct {
	lock  SpinLock
	count atomic.Uint32
	items []struct{}
}{})%cacheLineSize) % cacheLineSize

// mapTable is the replaceable identity of a Map: the bucket array plus the
// hashing state that produced its layout. Rehash and Swap install a new
// *mapTable with one pointer store, so the hasher always travels with the
// buckets it hashed.
type mapTable[K comparable, V any] struct {
	buckets  []bucket[K, V]
	seed     uintptr
	keyHash  HashFunc
	keyEqual EqualFunc // nil means ==
}

//go:nosplit
func (t *mapTable[K, V]) data() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(t.buckets))
}

// hash wraps the caller hash so 0 stays reserved for empty slots.
func (t *mapTable[K, V]) hash(k *K) uintptr {
	return wrapHash(t.keyHash(noescape(unsafe.Pointer(k)), t.seed))
}

func (t *mapTable[K, V]) equalKey(a, b *K) bool {
	if t.keyEqual != nil {
		return t.keyEqual(noescape(unsafe.Pointer(a)), noescape(unsafe.Pointer(b)))
	}
	return *a == *b
}

// Map is a bucketed concurrent hash map. Lookups, inserts and erases on
// distinct buckets are fully independent; on the same bucket they exclude
// each other only for the duration of a bounded scan, and only structural
// work (slot-vector reallocation, rehash, swap) excludes everything.
//
// Concurrency model:
//   - Every externally supplied hash is wrapped (0 becomes all-ones) and
//     stored per slot; bucket selection is wrapped-hash mod bucket count.
//   - Per-bucket three-state spin lock: free, held for an ordinary scan,
//     or held for structural rebuild. Ordinary sections enter with a
//     not-rebuild guard and retry their outer loop when refused.
//   - A bucket's occupied count is an atomic hint that lets readers skip
//     empty buckets without locking. It is incremented only after the slot
//     contents are planted.
//   - The bucket array is replaced only by Rehash and Swap, both of which
//     hold the top-level rehash lock. Iterators detect a replaced array
//     and panic rather than walk freed state.
//
// The caller-supplied hasher and equality predicate run under per-bucket
// locks without any global lock; they must be pure and thread-safe.
//
// Map must not be copied after first use.
type Map[K comparable, V any] struct {
	_          noCopy
	rehashLock SpinLock
	table      unsafe.Pointer // *mapTable[K, V]
	maxLoad    atomic.Uint64  // float64 bits; advisory only
	policy     *SpinPolicy
}

// NewMap builds a map with the given options. The zero option set means
// 13 buckets, the default hasher for K (see defaultKeyHasher), == as the
// predicate, a max load factor of 1.0 and DefaultPolicy back-off.
func NewMap[K comparable, V any](options ...MapOption) *Map[K, V] {
	var cfg MapConfig
	for _, o := range options {
		o(&cfg)
	}
	if cfg.bucketCount < 1 {
		cfg.bucketCount = 13
	}
	if cfg.maxLoadFactor <= 0 {
		cfg.maxLoadFactor = 1.0
	}
	if cfg.keyHash == nil {
		cfg.keyHash = defaultKeyHasher[K]()
	}
	m := &Map[K, V]{policy: cfg.policy}
	t := &mapTable[K, V]{
		buckets:  make([]bucket[K, V], cfg.bucketCount),
		seed:     uintptr(rand.Uint64()),
		keyHash:  cfg.keyHash,
		keyEqual: cfg.keyEqual,
	}
	storePtr(&m.table, unsafe.Pointer(t))
	m.maxLoad.Store(math.Float64bits(cfg.maxLoadFactor))
	return m
}

//go:nosplit
func (m *Map[K, V]) loadTable() *mapTable[K, V] {
	return (*mapTable[K, V])(loadPtr(&m.table))
}

// lockRebuild acquires l in the rebuild state, waiting out any holder.
func (m *Map[K, V]) lockRebuild(l *SpinLock) {
	for n := uint32(0); ; n++ {
		var observed uint32
		if l.TryLockAsState(bucketRebuild, &observed) {
			return
		}
		m.policy.Backoff(n)
	}
}

// lockRebuildUnless acquires l in the rebuild state, but refuses as soon
// as a racing rebuild holder is observed. Ordinary holders are waited out.
func (m *Map[K, V]) lockRebuildUnless(l *SpinLock) bool {
	for n := uint32(0); ; n++ {
		var observed uint32
		if l.TryLockAsState(bucketRebuild, &observed) {
			return true
		}
		if observed == bucketRebuild {
			return false
		}
		m.policy.Backoff(n)
	}
}

// Find returns an iterator bound to the slot holding k, or the end
// iterator. Finds and emplace scans on the same bucket take the bucket lock
// in the ordinary state, so they wait for each other but never retry; only
// a structural rebuild forces a retry.
func (m *Map[K, V]) Find(k K) *Iterator[K, V] {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		h := t.hash(&k)
		bidx := int(h % uintptr(len(t.buckets)))
		b := &t.buckets[bidx]
		if b.count.Load() == 0 {
			return m.end(t)
		}
		found := -1
		if !transactUnless(&b.lock, bucketRebuild, m.policy, func() {
			for off := 0; off < len(b.items); off++ {
				s := &b.items[off]
				if s.hash != h {
					continue
				}
				if t.equalKey(&s.key, &k) {
					found = off
					return
				}
			}
		}) {
			m.policy.Backoff(n)
			continue // bucket rebuilding; reload the table and retry
		}
		if found < 0 {
			return m.end(t)
		}
		return &Iterator[K, V]{m: m, data: t.data(), n: len(t.buckets), bidx: bidx, offset: found}
	}
}

// Get is the load-only fast path: like Find, but it copies the value out
// inside the critical section instead of materialising an iterator.
func (m *Map[K, V]) Get(k K) (value V, ok bool) {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		h := t.hash(&k)
		b := &t.buckets[h%uintptr(len(t.buckets))]
		if b.count.Load() == 0 {
			return value, false
		}
		if transactUnless(&b.lock, bucketRebuild, m.policy, func() {
			for off := 0; off < len(b.items); off++ {
				s := &b.items[off]
				if s.hash == h && t.equalKey(&s.key, &k) {
					value, ok = s.value, true
					return
				}
			}
		}) {
			return value, ok
		}
		m.policy.Backoff(n)
	}
}

// Insert inserts (k, v) if k is absent. Equivalent to Emplace.
func (m *Map[K, V]) Insert(k K, v V) (*Iterator[K, V], bool) {
	return m.Emplace(k, v)
}

// Emplace inserts (k, v) if no equal key is present. It returns an
// iterator to the inserted or existing slot and whether an insert
// happened.
//
// The optimistic pass scans under the ordinary lock state, top-down to
// minimise cache-line sharing with Find's bottom-up scan, remembering the
// highest empty slot it saw. Only if the key is absent does it escalate to
// the rebuild state, which excludes every concurrent reader of the bucket;
// the escalated hold re-checks for a duplicate planted between the two
// passes before writing.
func (m *Map[K, V]) Emplace(k K, v V) (*Iterator[K, V], bool) {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		h := t.hash(&k)
		bidx := int(h % uintptr(len(t.buckets)))
		b := &t.buckets[bidx]

		emptyIdx := -1
		found := -1
		if b.count.Load() > 0 {
			if !transactUnless(&b.lock, bucketRebuild, m.policy, func() {
				for off := len(b.items) - 1; off >= 0; off-- {
					s := &b.items[off]
					if s.hash == h {
						if t.equalKey(&s.key, &k) {
							found = off
							return
						}
						continue
					}
					if s.hash == 0 && emptyIdx < 0 {
						emptyIdx = off
					}
				}
			}) {
				m.policy.Backoff(n)
				continue
			}
			if found >= 0 {
				return &Iterator[K, V]{m: m, data: t.data(), n: len(t.buckets), bidx: bidx, offset: found}, false
			}
		} else if len(b.items) > 0 {
			emptyIdx = 0
		}

		m.lockRebuild(&b.lock)
		if m.loadTable() != t {
			// The table was rehashed or swapped after the scan; this bucket
			// no longer belongs to the map.
			b.lock.Unlock()
			continue
		}
		// A racing emplace may have planted the key between the optimistic
		// scan and this exclusive hold.
		for off := 0; off < len(b.items); off++ {
			s := &b.items[off]
			if s.hash == h && t.equalKey(&s.key, &k) {
				b.lock.Unlock()
				return &Iterator[K, V]{m: m, data: t.data(), n: len(t.buckets), bidx: bidx, offset: off}, false
			}
		}
		var off int
		if emptyIdx >= 0 && emptyIdx < len(b.items) && b.items[emptyIdx].hash == 0 {
			b.items[emptyIdx] = item[K, V]{key: k, value: v, hash: h}
			off = emptyIdx
		} else {
			if len(b.items) == cap(b.items) {
				b.grow()
			}
			b.items = append(b.items, item[K, V]{key: k, value: v, hash: h})
			off = len(b.items) - 1
		}
		b.count.Add(1)
		b.lock.Unlock()
		return &Iterator[K, V]{m: m, data: t.data(), n: len(t.buckets), bidx: bidx, offset: off}, true
	}
}

// grow doubles the slot vector's capacity (to 1 from zero). Reallocation
// is legal here because the caller holds the bucket in the rebuild state.
func (b *bucket[K, V]) grow() {
	newCap := cap(b.items) * 2
	if newCap == 0 {
		newCap = 1
	}
	items := make([]item[K, V], len(b.items), newCap)
	copy(items, b.items)
	b.items = items
}

// eraseSlot tombstones the slot, pops trailing empties and adjusts the
// count. Caller holds the bucket in the rebuild state.
func (b *bucket[K, V]) eraseSlot(off int) {
	b.items[off] = item[K, V]{}
	if off == len(b.items)-1 {
		n := len(b.items)
		for n > 0 && b.items[n-1].hash == 0 {
			n--
		}
		b.items = b.items[:n]
	}
	b.count.Add(^uint32(0))
}

// Erase removes the slot an iterator is bound to and returns an iterator
// to the following element (lazily advanced), or the end iterator if the
// slot was already gone. Using an iterator that outlived a rehash or swap
// of its map panics.
func (m *Map[K, V]) Erase(it *Iterator[K, V]) *Iterator[K, V] {
	if it != nil && it.m == m {
		it.catchUp() // realise a lazily advanced iterator before unbinding it
	}
	t := m.loadTable()
	if it == nil || it.m != m || it.bidx >= it.n || it.offset < 0 {
		return m.end(t)
	}
	if it.data != t.data() {
		panic("spinmap: stale iterator")
	}
	b := &t.buckets[it.bidx]
	if !m.lockRebuildUnless(&b.lock) {
		// A structural rebuild is in flight; the iterator's view of the
		// bucket cannot be trusted.
		panic("spinmap: stale iterator")
	}
	if m.loadTable() != t {
		b.lock.Unlock()
		panic("spinmap: stale iterator")
	}
	ret := m.end(t)
	if it.offset < len(b.items) && b.items[it.offset].hash != 0 {
		b.eraseSlot(it.offset)
		next := *it
		next.pending++
		ret = &next
	}
	b.lock.Unlock()
	return ret
}

// EraseKey removes the slot holding k, if any, and returns the number of
// slots removed (0 or 1).
func (m *Map[K, V]) EraseKey(k K) int {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		h := t.hash(&k)
		b := &t.buckets[h%uintptr(len(t.buckets))]
		if b.count.Load() == 0 {
			return 0
		}
		if !m.lockRebuildUnless(&b.lock) {
			m.policy.Backoff(n)
			continue // racing rebuild; reload the table and retry
		}
		if m.loadTable() != t {
			b.lock.Unlock()
			continue
		}
		erased := 0
		for off := 0; off < len(b.items); off++ {
			s := &b.items[off]
			if s.hash == h && t.equalKey(&s.key, &k) {
				b.eraseSlot(off)
				erased = 1
				break
			}
		}
		b.lock.Unlock()
		return erased
	}
}

// Clear truncates every bucket. It restarts from the first bucket whenever
// a racing structural hold or a table replacement is observed.
func (m *Map[K, V]) Clear() {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		done := true
		for i := range t.buckets {
			b := &t.buckets[i]
			if !m.lockRebuildUnless(&b.lock) {
				done = false
				break
			}
			if m.loadTable() != t {
				b.lock.Unlock()
				done = false
				break
			}
			clear(b.items)
			b.items = b.items[:0]
			b.count.Store(0)
			b.lock.Unlock()
		}
		if done {
			return
		}
		m.policy.Backoff(n)
	}
}

// Swap exchanges the contents of two maps: bucket arrays, hashers, seeds
// and equality predicates all travel together as one table pointer each.
// The two top-level rehash locks are taken in address order so concurrent
// cross swaps cannot deadlock. Every iterator into either map becomes
// stale.
func (m *Map[K, V]) Swap(o *Map[K, V]) {
	if m == o {
		return
	}
	first, second := m, o
	if uintptr(unsafe.Pointer(o)) < uintptr(unsafe.Pointer(m)) {
		first, second = o, m
	}
	first.rehashLock.LockWith(first.policy)
	second.rehashLock.LockWith(second.policy)
	mt, ot := m.loadTable(), o.loadTable()
	storePtr(&m.table, unsafe.Pointer(ot))
	storePtr(&o.table, unsafe.Pointer(mt))
	second.rehashLock.Unlock()
	first.rehashLock.Unlock()
}

// Rehash resizes the bucket array to n buckets and redistributes every
// item by its stored hash mod n. It acquires the top-level rehash lock,
// then every bucket in the rebuild state, so all concurrent operations
// either drain first or retry against the new table.
func (m *Map[K, V]) Rehash(n int) {
	if n < 1 {
		n = 1
	}
	m.rehashLock.LockWith(m.policy)
	defer m.rehashLock.Unlock()
	t := m.loadTable()
	if n == len(t.buckets) {
		return
	}
	for i := range t.buckets {
		m.lockRebuild(&t.buckets[i].lock)
	}
	nt := &mapTable[K, V]{
		buckets:  make([]bucket[K, V], n),
		seed:     t.seed,
		keyHash:  t.keyHash,
		keyEqual: t.keyEqual,
	}
	m.redistribute(t, nt)
	storePtr(&m.table, unsafe.Pointer(nt))
	// Release the drained buckets so a parked catch-up can run ahead and
	// trip its stale check instead of waiting forever.
	for i := range t.buckets {
		t.buckets[i].lock.Unlock()
	}
}

// minBucketsPerChunk is the per-goroutine floor below which a parallel
// redistribution is not worth the fan-out.
const minBucketsPerChunk = 64

// redistribute moves all occupied slots of t into nt. Source buckets are
// already drained and exclusively held; destination buckets are guarded by
// their own locks because parallel chunks race on them. The new table is
// still private to the caller, so those locks are nearly free.
func (m *Map[K, V]) redistribute(t, nt *mapTable[K, V]) {
	n := uintptr(len(nt.buckets))
	chunks := min(runtime.GOMAXPROCS(0), len(t.buckets)/minBucketsPerChunk)
	if chunks < 2 {
		for i := range t.buckets {
			moveBucket(&t.buckets[i], nt, n, m.policy)
		}
		return
	}
	chunkSz := (len(t.buckets) + chunks - 1) / chunks
	var g errgroup.Group
	for c := 0; c < chunks; c++ {
		start := c * chunkSz
		end := min(start+chunkSz, len(t.buckets))
		g.Go(func() error {
			for i := start; i < end; i++ {
				moveBucket(&t.buckets[i], nt, n, m.policy)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func moveBucket[K comparable, V any](src *bucket[K, V], nt *mapTable[K, V], n uintptr, p *SpinPolicy) {
	for off := range src.items {
		s := &src.items[off]
		if s.hash == 0 {
			continue
		}
		d := &nt.buckets[s.hash%n]
		d.lock.LockWith(p)
		d.items = append(d.items, *s)
		d.count.Add(1)
		d.lock.Unlock()
	}
}

// Reserve rehashes so that n items fit within the advisory max load
// factor.
func (m *Map[K, V]) Reserve(n int) {
	m.Rehash(int(math.Ceil(float64(n) / m.MaxLoadFactor())))
}

// Empty reports whether the map holds no items. The scan restarts whenever
// a bucket is observed under structural rebuild.
func (m *Map[K, V]) Empty() bool {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		restart := false
		for i := range t.buckets {
			b := &t.buckets[i]
			if b.lock.Load() == bucketRebuild {
				restart = true
				break
			}
			if b.count.Load() != 0 {
				return false
			}
		}
		if !restart {
			return true
		}
		m.policy.Backoff(n)
	}
}

// Size sums the per-bucket occupied counts. It is a best-effort snapshot
// and is not linearizable with respect to concurrent mutators.
func (m *Map[K, V]) Size() int {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		if sz, ok := tableSize(t); ok {
			return sz
		}
		m.policy.Backoff(n)
	}
}

func tableSize[K comparable, V any](t *mapTable[K, V]) (int, bool) {
	sum := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		if b.lock.Load() == bucketRebuild {
			return 0, false
		}
		sum += int(b.count.Load())
	}
	return sum, true
}

// BucketCount returns the current number of buckets.
func (m *Map[K, V]) BucketCount() int {
	return len(m.loadTable().buckets)
}

// Bucket returns the index of the bucket k maps to.
func (m *Map[K, V]) Bucket(k K) int {
	t := m.loadTable()
	return int(t.hash(&k) % uintptr(len(t.buckets)))
}

// BucketSize returns the occupied count of bucket n.
func (m *Map[K, V]) BucketSize(n int) int {
	return int(m.loadTable().buckets[n].count.Load())
}

// LoadFactor returns items per bucket over one consistent table.
func (m *Map[K, V]) LoadFactor() float64 {
	for n := uint32(0); ; n++ {
		t := m.loadTable()
		if sz, ok := tableSize(t); ok {
			return float64(sz) / float64(len(t.buckets))
		}
		m.policy.Backoff(n)
	}
}

// MaxLoadFactor returns the advisory maximum load factor.
func (m *Map[K, V]) MaxLoadFactor() float64 {
	return math.Float64frombits(m.maxLoad.Load())
}

// SetMaxLoadFactor sets the advisory maximum load factor. It influences
// Reserve only; the map never rehashes on its own.
func (m *Map[K, V]) SetMaxLoadFactor(f float64) {
	if f > 0 {
		m.maxLoad.Store(math.Float64bits(f))
	}
}

// Hasher returns the (unwrapped) key hash function in use: the one set by
// WithKeyHasher or WithKeyHasherUnsafe, or the default hasher for K.
func (m *Map[K, V]) Hasher() HashFunc {
	return m.loadTable().keyHash
}

// KeyEq returns the key equality predicate, or nil when the map compares
// keys with ==.
func (m *Map[K, V]) KeyEq() EqualFunc {
	return m.loadTable().keyEqual
}

// DumpBuckets writes one line per bucket with its slot-vector length and
// occupied count. Unsynchronized; debugging only.
func (m *Map[K, V]) DumpBuckets(w io.Writer) {
	t := m.loadTable()
	for i := range t.buckets {
		b := &t.buckets[i]
		fmt.Fprintf(w, "Bucket %d: size=%d count=%d\n", i, len(b.items), b.count.Load())
	}
}

// Begin returns an iterator lazily positioned at the first occupied slot.
func (m *Map[K, V]) Begin() *Iterator[K, V] {
	t := m.loadTable()
	return &Iterator[K, V]{m: m, data: t.data(), n: len(t.buckets), bidx: 0, offset: -1, pending: 1}
}

// End returns the past-the-end iterator.
func (m *Map[K, V]) End() *Iterator[K, V] {
	return m.end(m.loadTable())
}

func (m *Map[K, V]) end(t *mapTable[K, V]) *Iterator[K, V] {
	return &Iterator[K, V]{m: m, data: t.data(), n: len(t.buckets), bidx: len(t.buckets), offset: -1}
}
