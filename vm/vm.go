package vm

import "fmt"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/mem"
import "rvkern/riscv"

// sv39 pte bits, as mem.Pa_t for direct use in ptes
const PTE_V mem.Pa_t = mem.Pa_t(riscv.PTE_V)
const PTE_R mem.Pa_t = mem.Pa_t(riscv.PTE_R)
const PTE_W mem.Pa_t = mem.Pa_t(riscv.PTE_W)
const PTE_X mem.Pa_t = mem.Pa_t(riscv.PTE_X)
const PTE_U mem.Pa_t = mem.Pa_t(riscv.PTE_U)
const PTE_G mem.Pa_t = mem.Pa_t(riscv.PTE_G)
const PTE_A mem.Pa_t = mem.Pa_t(riscv.PTE_A)
const PTE_D mem.Pa_t = mem.Pa_t(riscv.PTE_D)
const PTE_COW mem.Pa_t = mem.Pa_t(riscv.PTE_COW)

const PTE_FLAGS mem.Pa_t = 0x3ff
const PTE_ADDR mem.Pa_t = ^PTE_FLAGS

const PGSIZEW uintptr = uintptr(mem.PGSIZE)
const PGSHIFT uint = riscv.PGSHIFT
const PGOFFSET mem.Pa_t = 0xfff
const PGMASK mem.Pa_t = ^(PGOFFSET)
const IPGMASK int = ^(int(PGOFFSET))

// user address space layout: the trampoline page sits in the top page of
// the va range and the trap-context page directly below it, in
// every address space, so trap entry works before satp is switched.
const (
	VAMAX      uintptr = riscv.MAXVA
	TRAMPOLINE uintptr = VAMAX - PGSIZEW
	TRAPFRAME  uintptr = TRAMPOLINE - PGSIZEW

	USERMIN   int     = mem.PGSIZE
	USTACKTOP uintptr = TRAPFRAME - PGSIZEW
	// default user stack reservation: 8MB of growable VMA
	USTACKPAGES int = 2048
)

type mtype_t uint

// types of mappings
const (
	// anonymous, zero-fill-on-demand
	VANON mtype_t = 1 << iota
	// shared or private file
	VFILE mtype_t = 1 << iota
	// shared anonymous
	VSANON mtype_t = 1 << iota
)

type Mfile_t struct {
	mfops fdops.Fdops_i
	// once mapcount is 0, close mfops
	mapcount int
}

type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
	file  struct {
		foff   int
		mfile  *Mfile_t
		shared bool
	}
}

type Vmregion_t struct {
	rb     Rbh_t
	_pglen int
	Novma  uint
}

func (vmi *Vminfo_t) Filepage(va uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if vmi.Mtype != VFILE {
		panic("must be file mapping")
	}
	voff := int(va - (vmi.Pgn << PGSHIFT))
	foff := vmi.file.foff + voff
	mmapi, err := vmi.file.mfile.mfops.Mmapi(foff, 1, vmi.file.shared)
	if err != 0 {
		return nil, 0, err
	}
	return mmapi[0].Pg, mmapi[0].Phys, 0
}

func (m *Vmregion_t) _canmerge(a, b *Vminfo_t) bool {
	aend := a.Pgn + uintptr(a.Pglen)
	bend := b.Pgn + uintptr(b.Pglen)
	if a.Pgn != bend && b.Pgn != aend {
		return false
	}
	if a.Mtype != b.Mtype {
		return false
	}
	if a.Perms != b.Perms {
		return false
	}
	if a.Mtype == VFILE {
		if a.file.shared != b.file.shared {
			return false
		}
		if a.file.mfile.mfops.Pathi() != b.file.mfile.mfops.Pathi() {
			return false
		}
		afend := a.file.foff + (a.Pglen << PGSHIFT)
		bfend := b.file.foff + (b.Pglen << PGSHIFT)
		if a.file.foff != bfend && b.file.foff != afend {
			return false
		}
	}
	return true
}

func (m *Vmregion_t) _merge(dst, src *Vminfo_t) {
	// XXXPANIC
	if !m._canmerge(dst, src) {
		panic("cannot merge")
	}
	if src.Pgn < dst.Pgn {
		dst.Pgn = src.Pgn
	}
	if src.Mtype == VFILE {
		if src.file.foff < dst.file.foff {
			dst.file.foff = src.file.foff
		}
		dst.file.mfile.mapcount += src.file.mfile.mapcount
	}
	dst.Pglen += src.Pglen
}

// looks for an adjacent mapping of the same type which can be merged into
// nn.
func (m *Vmregion_t) _trymerge(nn *Rbn_t, larger bool) {
	var n *Rbn_t
	if larger {
		n = nn.r
	} else {
		n = nn.l
	}
	for n != nil {
		if m._canmerge(&nn.vmi, &n.vmi) {
			m._merge(&nn.vmi, &n.vmi)
			m.rb.remove(n)
			m.Novma--
			return
		}
		if larger {
			n = n.l
		} else {
			n = n.r
		}
	}
}

// insert a new mapping, merging into the mapping both adjacent mappings, if
// they exist. there must not be a mapping in the range of the new mapping.
func (m *Vmregion_t) insert(vmi *Vminfo_t) {
	// increase opencount for the file, if any
	if vmi.Mtype == VFILE {
		// XXXPANIC
		if vmi.file.mfile.mapcount != vmi.Pglen {
			panic("bad mapcount")
		}
		vmi.file.mfile.mfops.Reopen()
	}
	// adjust the rb tree
	m._pglen += vmi.Pglen
	m.Novma++
	nn := m.rb._insert(vmi)
	m._trymerge(nn, true)
	m._trymerge(nn, false)
}

func (m *Vmregion_t) _clear(vmi *Vminfo_t, pglen int) {
	// decrement mapcounts, close file if necessary
	if vmi.Mtype != VFILE {
		return
	}
	vmi.file.mfile.mapcount -= pglen
	// XXXPANIC
	if vmi.file.mfile.mapcount < 0 {
		panic("negative ref count")
	}
	if vmi.file.mfile.mapcount == 0 {
		vmi.file.mfile.mfops.Close()
	}
}

func (m *Vmregion_t) Clear() {
	m.Iter(func(vmi *Vminfo_t) {
		m._clear(vmi, vmi.Pglen)
	})
}

func (m *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	n := m.rb.lookup(pgn)
	if n == nil {
		return nil, false
	}
	return &n.vmi, true
}

func (m *Vmregion_t) _copy1(par, src *Rbn_t) *Rbn_t {
	if src == nil {
		return nil
	}
	ret := &Rbn_t{}
	*ret = *src
	// create per-process mfile objects and increase opencount for file
	// mappings
	if ret.vmi.Mtype == VFILE {
		nmf := &Mfile_t{}
		*nmf = *src.vmi.file.mfile
		ret.vmi.file.mfile = nmf
		nmf.mfops.Reopen()
	}
	ret.p = par
	ret.l = m._copy1(ret, src.l)
	ret.r = m._copy1(ret, src.r)
	return ret
}

func (m *Vmregion_t) Copy() Vmregion_t {
	var ret Vmregion_t
	ret._pglen, ret.Novma = m._pglen, m.Novma
	ret.rb.root = m._copy1(nil, m.rb.root)
	return ret
}

func (m *Vmregion_t) Dump() {
	fmt.Printf("novma: %v\n", m.Novma)
	m.Iter(func(vmi *Vminfo_t) {
		start := int(vmi.Pgn << PGSHIFT)
		end := start + vmi.Pglen*mem.PGSIZE
		fmt.Printf("%#x-%#x (%v)  ", start, end, vmi.Mtype)
	})
	fmt.Printf("\n")
}

func (m *Vmregion_t) _iter1(n *Rbn_t, f func(*Vminfo_t)) {
	if n == nil {
		return
	}
	m._iter1(n.l, f)
	f(&n.vmi)
	m._iter1(n.r, f)
}

func (m *Vmregion_t) Iter(f func(*Vminfo_t)) {
	m._iter1(m.rb.root, f)
}

func (m *Vmregion_t) Pglen() int {
	return m._pglen
}

func (m *Vmregion_t) End() uintptr {
	last := uintptr(0)
	n := m.rb.root
	for n != nil {
		last = n.vmi.Pgn + uintptr(n.vmi.Pglen)
		n = n.r
	}
	return last << PGSHIFT
}

// Remove carves [start, start+len) out of the region set, splitting
// mappings that straddle either boundary.
func (m *Vmregion_t) Remove(start, len int, novma uint) defs.Err_t {
	pgn := uintptr(start) >> PGSHIFT
	pglen := mem.Roundpg(len) >> PGSHIFT
	m._pglen -= pglen
	n := m.rb.lookup(pgn)
	if n == nil {
		// XXXPANIC
		panic("no such vma")
	}
	vmi := &n.vmi
	oend := vmi.Pgn + uintptr(vmi.Pglen)
	// remove the whole mapping?
	if vmi.Pgn == pgn && vmi.Pglen == pglen {
		m._clear(vmi, pglen)
		vmi.Pglen = 0
		m.rb.remove(n)
		m.Novma--
		// XXXPANIC
		if m.Novma < 0 {
			panic("shaish!")
		}
		return 0
	}

	// if we are removing the beginning or end of the mapping, we can
	// simply adjust the mapping.
	pgend := pgn + uintptr(pglen)
	if pgn == vmi.Pgn || pgend == oend {
		if pgn == vmi.Pgn {
			if vmi.Mtype == VFILE {
				vmi.file.foff += int(pglen << PGSHIFT)
			}
			vmi.Pgn = pgend
		}
		vmi.Pglen -= pglen
		m._clear(vmi, pglen)
		return 0
	}

	// too many vma objects
	if m.Novma >= novma {
		return -defs.ENOMEM
	}

	// removing middle of a mapping; must add a new mapping
	avmi := &Vminfo_t{}
	*avmi = *vmi

	vmi.Pglen = int(pgn - vmi.Pgn)
	avmi.Pgn = pgend
	avmi.Pglen = int(oend - pgend)
	if vmi.Mtype == VFILE {
		avmi.file.foff += int((pgend - vmi.Pgn) << PGSHIFT)
	}
	m._clear(vmi, pglen)
	m.rb._insert(avmi)
	m.Novma++
	return 0
}
