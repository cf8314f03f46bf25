package spinmap

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/llxisdsh/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// identityU64 pins bucket placement for the literal-value scenarios.
func identityU64() MapOption {
	return WithKeyHasher(func(k uint64, _ uintptr) uintptr {
		return uintptr(k)
	})
}

func TestMapInsertFindErase(t *testing.T) {
	m := NewMap[uint64, string](WithBucketCount(3), identityU64())

	it, inserted := m.Insert(0, "a")
	require.True(t, inserted)
	assert.Equal(t, "a", it.Value())

	found := m.Find(0)
	require.False(t, found.AtEnd())
	assert.Equal(t, "a", found.Value())

	assert.Equal(t, 1, m.EraseKey(0))
	assert.True(t, m.Find(0).AtEnd())
	assert.Equal(t, 0, m.EraseKey(0))
}

func TestMapBucketPlacement(t *testing.T) {
	m := NewMap[uint64, string](WithBucketCount(3), identityU64())

	_, ok := m.Insert(3, "x")
	require.True(t, ok)
	_, ok = m.Insert(6, "y")
	require.True(t, ok)

	assert.Equal(t, 2, m.Size())
	assert.Equal(t, 0, m.Bucket(3))
	assert.Equal(t, 0, m.Bucket(6))
	assert.Equal(t, 2, m.BucketSize(0))

	assert.Equal(t, 1, m.EraseKey(3))
	v, ok := m.Get(6)
	require.True(t, ok)
	assert.Equal(t, "y", v)
}

func TestMapZeroHashWrapping(t *testing.T) {
	// The hasher returns 0 for key 42; the map must remap it to all-ones
	// so the slot still reads as occupied.
	m := NewMap[uint64, string](WithBucketCount(3), WithKeyHasher(
		func(k uint64, _ uintptr) uintptr {
			if k == 42 {
				return 0
			}
			return uintptr(k)
		}))

	_, ok := m.Insert(42, "zero")
	require.True(t, ok)

	v, ok := m.Get(42)
	require.True(t, ok)
	assert.Equal(t, "zero", v)
	assert.Equal(t, int(^uintptr(0)%3), m.Bucket(42))
	assert.Equal(t, 1, m.EraseKey(42))
}

func TestMapDuplicateEmplace(t *testing.T) {
	m := NewMap[string, int]()

	_, inserted := m.Emplace("k", 1)
	require.True(t, inserted)
	it, inserted := m.Emplace("k", 2)
	assert.False(t, inserted)
	assert.Equal(t, 1, it.Value()) // existing value wins
	assert.Equal(t, 1, m.Size())
}

func TestMapSlotReuse(t *testing.T) {
	// All keys land in one bucket; erasing from the middle leaves a
	// tombstone that the next emplace reuses instead of appending.
	m := NewMap[uint64, int](WithBucketCount(1), identityU64())

	for k := uint64(1); k <= 3; k++ {
		m.Insert(k, int(k))
	}
	require.Equal(t, 1, m.EraseKey(2))
	require.Equal(t, 2, m.Size())

	_, inserted := m.Insert(9, 9)
	require.True(t, inserted)
	assert.Equal(t, 3, m.BucketSize(0))

	var sb strings.Builder
	m.DumpBuckets(&sb)
	// Slot vector length stayed at 3: the tombstone was reused.
	assert.Equal(t, "Bucket 0: size=3 count=3\n", sb.String())
}

func TestMapTrailingTombstonesPopped(t *testing.T) {
	m := NewMap[uint64, int](WithBucketCount(1), identityU64())

	for k := uint64(1); k <= 4; k++ {
		m.Insert(k, int(k))
	}
	// Erase the tail; trailing empties must be popped.
	require.Equal(t, 1, m.EraseKey(4))
	require.Equal(t, 1, m.EraseKey(3))

	var sb strings.Builder
	m.DumpBuckets(&sb)
	assert.Equal(t, "Bucket 0: size=2 count=2\n", sb.String())
}

func TestMapEmptyAndClear(t *testing.T) {
	m := NewMap[string, int]()
	assert.True(t, m.Empty())
	assert.Equal(t, 0, m.Size())

	for i := range 100 {
		m.Insert(fmt.Sprintf("key-%d", i), i)
	}
	assert.False(t, m.Empty())
	assert.Equal(t, 100, m.Size())

	m.Clear()
	assert.True(t, m.Empty())
	assert.Equal(t, 0, m.Size())
	_, ok := m.Get("key-0")
	assert.False(t, ok)

	// The map stays usable after Clear.
	_, inserted := m.Insert("key-0", 1)
	assert.True(t, inserted)
}

func TestMapAgainstReference(t *testing.T) {
	m := NewMap[uint64, uint64]()
	ref := make(map[uint64]uint64)
	rng := rand.New(rand.NewPCG(7, 13))

	for range 20_000 {
		k := rng.Uint64N(512)
		switch rng.Uint64N(3) {
		case 0:
			_, inserted := m.Insert(k, k*3)
			_, present := ref[k]
			require.Equal(t, !present, inserted, "insert key %d", k)
			if !present {
				ref[k] = k * 3
			}
		case 1:
			v, ok := m.Get(k)
			rv, rok := ref[k]
			require.Equal(t, rok, ok, "find key %d", k)
			if ok {
				require.Equal(t, rv, v, "find key %d", k)
			}
		case 2:
			n := m.EraseKey(k)
			if _, present := ref[k]; present {
				require.Equal(t, 1, n, "erase key %d", k)
				delete(ref, k)
			} else {
				require.Equal(t, 0, n, "erase key %d", k)
			}
		}
	}
	require.Equal(t, len(ref), m.Size())
	for k, v := range ref {
		got, ok := m.Get(k)
		require.True(t, ok, "key %d missing", k)
		require.Equal(t, v, got)
	}
}

func TestMapRehashRedistributes(t *testing.T) {
	m := NewMap[uint64, int](WithBucketCount(3), identityU64())
	for k := uint64(1); k <= 100; k++ {
		m.Insert(k, int(k))
	}

	m.Rehash(7)
	assert.Equal(t, 7, m.BucketCount())
	assert.Equal(t, 100, m.Size())
	for k := uint64(1); k <= 100; k++ {
		v, ok := m.Get(k)
		require.True(t, ok, "key %d lost in rehash", k)
		require.Equal(t, int(k), v)
		require.Equal(t, int(k%7), m.Bucket(k))
	}

	// Shrinking redistributes too.
	m.Rehash(2)
	assert.Equal(t, 2, m.BucketCount())
	assert.Equal(t, 100, m.Size())
	v, ok := m.Get(51)
	require.True(t, ok)
	assert.Equal(t, 51, v)
}

func TestMapReserve(t *testing.T) {
	m := NewMap[uint64, int]()
	require.Equal(t, 13, m.BucketCount())
	require.InDelta(t, 1.0, m.MaxLoadFactor(), 1e-9)

	m.Reserve(100)
	assert.Equal(t, 100, m.BucketCount())

	m.SetMaxLoadFactor(0.5)
	m.Reserve(100)
	assert.Equal(t, 200, m.BucketCount())
}

func TestMapLoadFactor(t *testing.T) {
	m := NewMap[uint64, int](WithBucketCount(4), identityU64())
	for k := uint64(1); k <= 10; k++ {
		m.Insert(k, 0)
	}
	assert.InDelta(t, 2.5, m.LoadFactor(), 1e-9)
}

func TestMapSwap(t *testing.T) {
	a := NewMap[uint64, string](WithBucketCount(3), identityU64())
	b := NewMap[uint64, string](WithBucketCount(5), identityU64())
	a.Insert(1, "from-a")
	b.Insert(2, "from-b")

	itA := a.Find(1)
	require.False(t, itA.AtEnd())

	a.Swap(b)

	v, ok := a.Get(2)
	require.True(t, ok)
	assert.Equal(t, "from-b", v)
	v, ok = b.Get(1)
	require.True(t, ok)
	assert.Equal(t, "from-a", v)
	assert.Equal(t, 5, a.BucketCount())
	assert.Equal(t, 3, b.BucketCount())

	// The pre-swap iterator's bucket array no longer belongs to a.
	assert.Panics(t, func() { itA.Value() })
}

func TestMapSwapWithSelf(t *testing.T) {
	m := NewMap[uint64, string](identityU64())
	m.Insert(1, "x")
	m.Swap(m)
	v, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestMapCustomKeyEqual(t *testing.T) {
	// Keys are equal mod 10; the hasher agrees with the predicate.
	m := NewMap[uint64, string](
		WithKeyHasher(func(k uint64, _ uintptr) uintptr { return uintptr(k % 10) }),
		WithKeyEqual(func(a, b uint64) bool { return a%10 == b%10 }),
	)

	_, inserted := m.Insert(5, "five")
	require.True(t, inserted)
	_, inserted = m.Insert(15, "fifteen")
	assert.False(t, inserted)

	v, ok := m.Get(25)
	require.True(t, ok)
	assert.Equal(t, "five", v)
	require.NotNil(t, m.KeyEq())
	require.NotNil(t, m.Hasher())
}

func TestMapDumpBuckets(t *testing.T) {
	m := NewMap[uint64, int](WithBucketCount(2), identityU64())
	m.Insert(1, 1)
	m.Insert(2, 2)

	var sb strings.Builder
	m.DumpBuckets(&sb)
	assert.Equal(t, "Bucket 0: size=1 count=1\nBucket 1: size=1 count=1\n", sb.String())
}

func TestMapConcurrentInsertErase(t *testing.T) {
	m := NewMap[uint64, uint64]()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := uint64(0); k < 1000; k++ {
			m.Insert(k, k*2)
		}
	}()
	go func() {
		defer wg.Done()
		for k := uint64(0); k < 1000; k++ {
			m.EraseKey(k)
		}
	}()
	wg.Wait()

	size := m.Size()
	require.LessOrEqual(t, size, 1000)
	survivors := 0
	for k := uint64(0); k < 1000; k++ {
		if v, ok := m.Get(k); ok {
			require.Equal(t, k*2, v, "key %d has wrong value", k)
			survivors++
		}
	}
	require.Equal(t, survivors, size)
}

func TestMapConcurrentDisjointInserts(t *testing.T) {
	m := NewMap[uint64, uint64]()
	m.Rehash(1024)

	var g errgroup.Group
	const (
		workers = 8
		perW    = 10_000
	)
	for w := range uint64(workers) {
		g.Go(func() error {
			base := w * perW
			for i := uint64(0); i < perW; i++ {
				if _, inserted := m.Insert(base+i, i); !inserted {
					return fmt.Errorf("key %d already present", base+i)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, workers*perW, m.Size())
	assert.InDelta(t, 78.125, m.LoadFactor(), 1e-9)
	for w := range uint64(workers) {
		v, ok := m.Get(w * perW)
		require.True(t, ok)
		assert.Equal(t, uint64(0), v)
	}
}

// Membership must be stable between an insert's return and the first
// erase: whenever the oracle has witnessed a key, the map must report it.
func TestMapMembershipAgainstOracle(t *testing.T) {
	m := NewMap[uint64, uint64]()
	var oracle pb.MapOf[uint64, uint64]

	var g errgroup.Group
	stop := make(chan struct{})
	for w := range uint64(4) {
		g.Go(func() error {
			for i := uint64(0); i < 5000; i++ {
				k := w*5000 + i
				m.Insert(k, k)
				oracle.Store(k, k)
			}
			return nil
		})
	}
	for range 4 {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(3, 9))
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				k := rng.Uint64N(20_000)
				if _, witnessed := oracle.Load(k); witnessed {
					if _, ok := m.Get(k); !ok {
						return fmt.Errorf("key %d witnessed by oracle but absent", k)
					}
				}
			}
		})
	}
	go func() {
		// Writers finish first; readers drain shortly after.
		for m.Size() < 20_000 {
			runtime_doSpin()
		}
		close(stop)
	}()
	require.NoError(t, g.Wait())
	assert.Equal(t, 20_000, m.Size())
}

func TestMapConcurrentFindDuringEmplace(t *testing.T) {
	// Hammer one bucket from finders and emplacers at once; every find
	// must return either a hit with the right value or a clean miss.
	m := NewMap[uint64, uint64](WithBucketCount(1), identityU64())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := uint64(1); k <= 2000; k++ {
			m.Insert(k, k+7)
		}
	}()
	go func() {
		defer wg.Done()
		for k := uint64(1); k <= 2000; k++ {
			if v, ok := m.Get(k); ok && v != k+7 {
				t.Errorf("key %d: got %d, want %d", k, v, k+7)
				return
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 2000, m.Size())
}
