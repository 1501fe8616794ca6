package mem

import "sync"
import "unsafe"

import "rvkern/util"

// slab-backed kernel heap. sizes up to CACHE_MAX are served from
// per-size caches; each cache carves whole frames into equal objects
// with the free list threaded through the free objects themselves.
// a stricter alignment is met by the first class at least that large;
// anything larger than CACHE_MAX, or aligned beyond it, falls through to
// a direct buddy allocation.

const CACHE_MAX = 2048

var classes = [8]int{16, 32, 64, 128, 256, 512, 1024, 2048}

const slabend uint32 = ^uint32(0)

type slabpg_t struct {
	pa    Pa_t
	freeh uint32
	nfree int
	next  *slabpg_t
	prev  *slabpg_t
}

type slabcache_t struct {
	sync.Mutex
	objsz   int
	perpg   int
	partial *slabpg_t
	pages   map[Pa_t]*slabpg_t
}

func (sc *slabcache_t) init(objsz int) {
	sc.objsz = objsz
	sc.perpg = PGSIZE / objsz
	sc.pages = make(map[Pa_t]*slabpg_t)
}

func (sc *slabcache_t) obj(sp *slabpg_t, off uint32) *uint32 {
	b := Physmem.Dmap8(sp.pa)
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// grow takes one frame from the buddy pool and threads its free list.
func (sc *slabcache_t) grow() bool {
	pa, ok := Physmem.Alloc(0)
	if !ok {
		return false
	}
	sp := &slabpg_t{pa: pa, nfree: sc.perpg}
	for i := 0; i < sc.perpg; i++ {
		off := uint32(i * sc.objsz)
		if i == sc.perpg-1 {
			*sc.obj(sp, off) = slabend
		} else {
			*sc.obj(sp, off) = off + uint32(sc.objsz)
		}
	}
	sp.freeh = 0
	sc.pages[pa] = sp
	sc.pushpartial(sp)
	return true
}

func (sc *slabcache_t) pushpartial(sp *slabpg_t) {
	sp.next = sc.partial
	sp.prev = nil
	if sc.partial != nil {
		sc.partial.prev = sp
	}
	sc.partial = sp
}

func (sc *slabcache_t) unlinkpartial(sp *slabpg_t) {
	if sp.prev != nil {
		sp.prev.next = sp.next
	} else {
		sc.partial = sp.next
	}
	if sp.next != nil {
		sp.next.prev = sp.prev
	}
	sp.next, sp.prev = nil, nil
}

func (sc *slabcache_t) alloc() (Pa_t, bool) {
	sc.Lock()
	defer sc.Unlock()

	if sc.partial == nil {
		if !sc.grow() {
			return 0, false
		}
	}
	sp := sc.partial
	off := sp.freeh
	sp.freeh = *sc.obj(sp, off)
	sp.nfree--
	if sp.nfree == 0 {
		sc.unlinkpartial(sp)
	}
	return sp.pa + Pa_t(off), true
}

func (sc *slabcache_t) free(pa Pa_t) {
	sc.Lock()
	defer sc.Unlock()

	pga := pa & PGMASK
	sp, ok := sc.pages[pga]
	if !ok {
		panic("free of non-slab object")
	}
	off := uint32(pa - pga)
	*sc.obj(sp, off) = sp.freeh
	sp.freeh = off
	wasfull := sp.nfree == 0
	sp.nfree++
	if sp.nfree == sc.perpg {
		// whole page idle again; hand the frame back
		if !wasfull {
			sc.unlinkpartial(sp)
		}
		delete(sc.pages, pga)
		Physmem.Free(pga, 0)
		return
	}
	if wasfull {
		sc.pushpartial(sp)
	}
}

type Kheap_t struct {
	caches [len(classes)]slabcache_t
}

var Kmem Kheap_t

func Kheap_init() {
	for i, c := range classes {
		Kmem.caches[i].init(c)
	}
}

func sizeclass(sz, align int) int {
	for i, c := range classes {
		if sz <= c && align <= c {
			return i
		}
	}
	return -1
}

func orderfor(bytes int) int {
	order := 0
	for 1<<uint(order)*PGSIZE < bytes {
		order++
	}
	return order
}

// Allocate returns the pa of a kernel-heap object. align must be a
// power of two.
func (kh *Kheap_t) Allocate(sz, align int) (Pa_t, bool) {
	if sz <= 0 || align&(align-1) != 0 {
		panic("bad kmalloc")
	}
	if ci := sizeclass(sz, align); ci != -1 {
		return kh.caches[ci].alloc()
	}
	return Physmem.Alloc(orderfor(util.Roundup(sz, PGSIZE)))
}

func (kh *Kheap_t) Deallocate(pa Pa_t, sz, align int) {
	if ci := sizeclass(sz, align); ci != -1 {
		kh.caches[ci].free(pa)
		return
	}
	Physmem.Free(pa&PGMASK, orderfor(util.Roundup(sz, PGSIZE)))
}
