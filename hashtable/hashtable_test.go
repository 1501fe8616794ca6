package hashtable

import "sync"
import "testing"

const SZ = 10

func fill(t *testing.T, ht *Hashtable_t, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k := int32(i)
		ht.Set(k, i)
		v, ok := ht.Get(k)
		if !ok {
			t.Fatalf("%v key", k)
		}
		if v != i {
			t.Fatalf("%v val", k)
		}
	}
}

func TestSimple(t *testing.T) {
	ht := MkHash(SZ)
	fill(t, ht, 100)
	for i := 0; i < 100; i++ {
		v, ok := ht.Get(int32(i))
		if !ok || v != i {
			t.Fatalf("lost key %v", i)
		}
	}
}

func TestDel(t *testing.T) {
	ht := MkHash(SZ)
	fill(t, ht, 32)
	for i := 0; i < 32; i += 2 {
		ht.Del(int32(i))
	}
	for i := 0; i < 32; i++ {
		_, ok := ht.Get(int32(i))
		if ok != (i%2 == 1) {
			t.Fatalf("key %v present=%v", i, ok)
		}
	}
}

func TestIter(t *testing.T) {
	ht := MkHash(SZ)
	fill(t, ht, 50)
	seen := make(map[int32]bool)
	ht.Iter(func(k int32, v interface{}) bool {
		if seen[k] {
			t.Fatalf("key %v twice", k)
		}
		seen[k] = true
		return true
	})
	if len(seen) != 50 {
		t.Fatalf("iter saw %v keys", len(seen))
	}
}

// lookups are lock-free; hammer them against concurrent inserts.
func TestConcurrent(t *testing.T) {
	ht := MkHash(SZ)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				k := int32(base*1000 + i)
				ht.Set(k, int(k))
				if v, ok := ht.Get(k); !ok || v != int(k) {
					t.Errorf("key %v", k)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}
