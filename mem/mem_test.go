package mem

import "testing"

const tnpg = 256

func mkphys(t *testing.T) *Physmem_t {
	t.Helper()
	w := make([]uint8, tnpg*PGSIZE)
	return Phys_init(0x8000_0000, tnpg, w)
}

func TestBuddyRoundtrip(t *testing.T) {
	phys := mkphys(t)
	start := phys.Freepgs()
	if start != tnpg {
		t.Fatalf("pool %v, expected %v", start, tnpg)
	}
	type run struct {
		pa    Pa_t
		order int
	}
	var runs []run
	for _, order := range []int{0, 0, 3, 1, 5, 2, 0, 4} {
		pa, ok := phys.Alloc(order)
		if !ok {
			t.Fatalf("alloc order %v failed", order)
		}
		if pa&Pa_t((1<<uint(order))*PGSIZE-1) != 0 {
			t.Fatalf("order %v run at %#x not aligned", order, pa)
		}
		runs = append(runs, run{pa, order})
	}
	// free in a different order than allocated
	for i := len(runs)/2 - 1; i >= 0; i-- {
		phys.Free(runs[i].pa, runs[i].order)
	}
	for i := len(runs) / 2; i < len(runs); i++ {
		phys.Free(runs[i].pa, runs[i].order)
	}
	if got := phys.Freepgs(); got != start {
		t.Fatalf("leaked: %v free, started with %v", got, start)
	}
	// after full coalescing a max-order run must be allocatable again
	if _, ok := phys.Alloc(8); !ok {
		t.Fatalf("pool did not coalesce")
	}
}

func TestBuddySplit(t *testing.T) {
	phys := mkphys(t)
	pa1, ok := phys.Alloc(0)
	if !ok {
		t.Fatalf("alloc")
	}
	pa2, ok := phys.Alloc(0)
	if !ok {
		t.Fatalf("alloc")
	}
	if pa1 == pa2 {
		t.Fatalf("same frame twice")
	}
	phys.Free(pa1, 0)
	phys.Free(pa2, 0)
}

func TestBuddyExhaust(t *testing.T) {
	phys := mkphys(t)
	var pas []Pa_t
	for {
		pa, ok := phys.Alloc(0)
		if !ok {
			break
		}
		pas = append(pas, pa)
	}
	if len(pas) != tnpg {
		t.Fatalf("gave out %v frames from a pool of %v", len(pas), tnpg)
	}
	seen := make(map[Pa_t]bool)
	for _, pa := range pas {
		if seen[pa] {
			t.Fatalf("frame %#x allocated twice", pa)
		}
		seen[pa] = true
	}
	for _, pa := range pas {
		phys.Free(pa, 0)
	}
	if got := phys.Freepgs(); got != tnpg {
		t.Fatalf("free pages %v after releasing all", got)
	}
}

func TestRefcounts(t *testing.T) {
	phys := mkphys(t)
	_, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatalf("refpg_new")
	}
	phys.Refup(pa)
	phys.Refup(pa)
	if phys.Refcnt(pa) != 2 {
		t.Fatalf("refcnt %v", phys.Refcnt(pa))
	}
	if phys.Refdown(pa) {
		t.Fatalf("freed with a ref outstanding")
	}
	if !phys.Refdown(pa) {
		t.Fatalf("last ref did not free")
	}
	if got := phys.Freepgs(); got != tnpg {
		t.Fatalf("frame not returned: %v free", got)
	}
}

func TestSlab(t *testing.T) {
	mkphys(t)
	Kheap_init()
	var objs []Pa_t
	for i := 0; i < 1000; i++ {
		pa, ok := Kmem.Allocate(48, 8)
		if !ok {
			t.Fatalf("kmalloc %v", i)
		}
		objs = append(objs, pa)
	}
	seen := make(map[Pa_t]bool)
	for _, pa := range objs {
		if seen[pa] {
			t.Fatalf("object %#x handed out twice", pa)
		}
		seen[pa] = true
	}
	for _, pa := range objs {
		Kmem.Deallocate(pa, 48, 8)
	}
	if got := Physmem.Freepgs(); got != tnpg {
		t.Fatalf("slab retained frames: %v free", got)
	}
}

func TestSlabLarge(t *testing.T) {
	mkphys(t)
	Kheap_init()
	pa, ok := Kmem.Allocate(3*PGSIZE+100, 8)
	if !ok {
		t.Fatalf("large alloc")
	}
	if pa&PGOFFSET != 0 {
		t.Fatalf("large alloc not page aligned")
	}
	Kmem.Deallocate(pa, 3*PGSIZE+100, 8)
	if got := Physmem.Freepgs(); got != tnpg {
		t.Fatalf("large alloc leaked: %v free", got)
	}
}
