package mem

import "sync"
import "sync/atomic"
import "unsafe"

import "rvkern/riscv"

const PGSHIFT uint = riscv.PGSHIFT
const PGSIZE int = riscv.PGSIZE
const PGOFFSET Pa_t = 0xfff
const PGMASK Pa_t = ^(PGOFFSET)

type Pa_t uintptr
type Bytepg_t [PGSIZE]uint8
type Pg_t [512]uintptr

// Pmap_t is one level of an sv39 table: 512 ptes.
type Pmap_t [512]Pa_t

type Unpin_i interface {
	Unpin(Pa_t)
}

type Mmapinfo_t struct {
	Pg   *Pg_t
	Phys Pa_t
}

type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

func Roundpg(sz int) int {
	return (sz + PGSIZE - 1) &^ (PGSIZE - 1)
}

// MAXORDER covers a 1GB ram window with order-0 == one 4K frame.
const MAXORDER = 18

type Physpg_t struct {
	Refcnt int32
	// buddy state: the order of the block this frame heads, and
	// whether that block is on a free list.
	order   uint8
	free    bool
	nextidx uint32
	previdx uint32
}

const nilidx uint32 = ^uint32(0)

// Physmem_t owns the frame pool. frames live in a contiguous window
// starting at base; the window is reachable through the kernel linear
// mapping, which hosted tests stand in for with a heap slice.
type Physmem_t struct {
	Pgs    []Physpg_t
	base   Pa_t
	npg    uint32
	window []uint8
	// buddy free lists, one per order
	frees   [MAXORDER + 1]uint32
	freepgs int
	sync.Mutex
}

var Physmem *Physmem_t

// Phys_init takes over a window of npg frames backed by w. w must be
// page-aligned and at least npg pages long.
func Phys_init(base Pa_t, npg int, w []uint8) *Physmem_t {
	if base&PGOFFSET != 0 || npg <= 0 || len(w) < npg*PGSIZE {
		panic("bad phys window")
	}
	phys := &Physmem_t{base: base, npg: uint32(npg), window: w}
	phys.Pgs = make([]Physpg_t, npg)
	for i := range phys.Pgs {
		phys.Pgs[i].nextidx = nilidx
		phys.Pgs[i].previdx = nilidx
	}
	for i := range phys.frees {
		phys.frees[i] = nilidx
	}
	// seed the free lists with maximal aligned runs
	idx := uint32(0)
	for idx < uint32(npg) {
		order := 0
		for order < MAXORDER {
			no := order + 1
			if idx&((1<<uint(no))-1) != 0 {
				break
			}
			if idx+1<<uint(no) > uint32(npg) {
				break
			}
			order = no
		}
		phys.pushfree(idx, order)
		phys.freepgs += 1 << uint(order)
		idx += 1 << uint(order)
	}
	Physmem = phys
	return phys
}

func (phys *Physmem_t) pgidx(pa Pa_t) uint32 {
	if pa < phys.base {
		panic("pa below window")
	}
	idx := uint32((pa - phys.base) >> PGSHIFT)
	if idx >= phys.npg {
		panic("pa past window")
	}
	return idx
}

func (phys *Physmem_t) idxpa(idx uint32) Pa_t {
	return phys.base + Pa_t(idx)<<PGSHIFT
}

func (phys *Physmem_t) pushfree(idx uint32, order int) {
	p := &phys.Pgs[idx]
	p.order = uint8(order)
	p.free = true
	p.previdx = nilidx
	p.nextidx = phys.frees[order]
	if p.nextidx != nilidx {
		phys.Pgs[p.nextidx].previdx = idx
	}
	phys.frees[order] = idx
}

func (phys *Physmem_t) unlink(idx uint32) {
	p := &phys.Pgs[idx]
	if !p.free {
		panic("not free")
	}
	if p.previdx != nilidx {
		phys.Pgs[p.previdx].nextidx = p.nextidx
	} else {
		phys.frees[p.order] = p.nextidx
	}
	if p.nextidx != nilidx {
		phys.Pgs[p.nextidx].previdx = p.previdx
	}
	p.free = false
	p.nextidx = nilidx
	p.previdx = nilidx
}

// Alloc returns the pa of 2^order contiguous frames, each with refcnt 0.
func (phys *Physmem_t) Alloc(order int) (Pa_t, bool) {
	if order < 0 || order > MAXORDER {
		panic("bad order")
	}
	phys.Lock()
	defer phys.Unlock()

	co := order
	for co <= MAXORDER && phys.frees[co] == nilidx {
		co++
	}
	if co > MAXORDER {
		return 0, false
	}
	idx := phys.frees[co]
	phys.unlink(idx)
	// split down to the requested order, freeing the upper halves
	for co > order {
		co--
		buddy := idx + 1<<uint(co)
		phys.pushfree(buddy, co)
	}
	phys.Pgs[idx].order = uint8(order)
	phys.freepgs -= 1 << uint(order)
	return phys.idxpa(idx), true
}

// Free returns a run to the pool, coalescing with its buddy while the
// buddy is free and of equal order.
func (phys *Physmem_t) Free(pa Pa_t, order int) {
	if order < 0 || order > MAXORDER {
		panic("bad order")
	}
	phys.Lock()
	defer phys.Unlock()

	idx := phys.pgidx(pa)
	if idx&((1<<uint(order))-1) != 0 {
		panic("unaligned free")
	}
	if phys.Pgs[idx].free {
		panic("double free")
	}
	phys.freepgs += 1 << uint(order)
	for order < MAXORDER {
		buddy := idx ^ (1 << uint(order))
		if buddy >= phys.npg {
			break
		}
		b := &phys.Pgs[buddy]
		if !b.free || int(b.order) != order {
			break
		}
		phys.unlink(buddy)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	phys.pushfree(idx, order)
}

// Freepgs returns the number of frames on the free lists.
func (phys *Physmem_t) Freepgs() int {
	phys.Lock()
	defer phys.Unlock()
	return phys.freepgs
}

func (phys *Physmem_t) Refaddr(pa Pa_t) *int32 {
	return &phys.Pgs[phys.pgidx(pa)].Refcnt
}

func (phys *Physmem_t) Refcnt(pa Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(pa)))
}

func (phys *Physmem_t) Refup(pa Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(pa), 1)
	// XXXPANIC
	if c <= 0 {
		panic("wut")
	}
}

// Refdown drops a reference; the frame goes back to the buddy pool on
// the last drop. returns true if the frame was freed.
func (phys *Physmem_t) Refdown(pa Pa_t) bool {
	pa &= PGMASK
	c := atomic.AddInt32(phys.Refaddr(pa), -1)
	if c < 0 {
		panic("wut")
	}
	if c == 0 {
		phys.Free(pa, 0)
		return true
	}
	return false
}

// Dmap gives the kernel-window view of a frame.
func (phys *Physmem_t) Dmap(pa Pa_t) *Pg_t {
	off := int(pa&PGMASK) - int(phys.base)
	return (*Pg_t)(unsafe.Pointer(&phys.window[off]))
}

func (phys *Physmem_t) Dmap8(pa Pa_t) []uint8 {
	off := int(pa) - int(phys.base)
	pgend := int(riscv.Pgroundup(uintptr(off) + 1))
	return phys.window[off:pgend]
}

func (phys *Physmem_t) Dmap_pmap(pa Pa_t) *Pmap_t {
	return pg2pmap(phys.Dmap(pa))
}

var Zeropg Pg_t

// Refpg_new hands out a zeroed frame with refcnt 0; callers take their
// reference via Refup (usually from page_insert).
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pa, ok := phys.Alloc(0)
	if !ok {
		return nil, 0, false
	}
	pg := phys.Dmap(pa)
	*pg = Zeropg
	return pg, pa, true
}

func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	pa, ok := phys.Alloc(0)
	if !ok {
		return nil, 0, false
	}
	return phys.Dmap(pa), pa, true
}

// Pmap_new is Refpg_new for page-table frames.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	pg, pa, ok := phys.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	return pg2pmap(pg), pa, true
}
