package vm

import "sync"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/mem"
import "rvkern/riscv"
import "rvkern/ustr"

// Vm_t is one address space: a set of vmas over an sv39 table. it is
// shared by all threads of a process and guarded by its own lock.
type Vm_t struct {
	// lock for vmregion, pmap, and p_pmap
	sync.Mutex

	Vmregion Vmregion_t

	// pmap root
	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	// brk line for sbrk; page aligned
	brkend uintptr

	pgfltaken bool
}

// Tlbshootf broadcasts a shootdown to harts that may cache stale
// translations for p_pmap. the kernel installs the IPI version at boot;
// the default only fences the local hart.
var Tlbshootf = func(p_pmap mem.Pa_t, startva uintptr, pgcount int) {
	riscv.Machine.SfenceVMA()
}

func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("pgfl lock must be held")
	}
}

// Vm_init allocates the root table and installs the high mappings every
// address space carries at the same vas: the trampoline page and the
// trap-context page. trap entry relies on them being present before
// satp is switched.
func (as *Vm_t) Vm_init() defs.Err_t {
	pmap, p_pmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return -defs.ENOMEM
	}
	as.Pmap, as.P_pmap = pmap, p_pmap
	mem.Physmem.Refup(p_pmap)

	highs := []struct {
		va    uintptr
		perms mem.Pa_t
	}{
		{TRAMPOLINE, PTE_R | PTE_X | PTE_G},
		{TRAPFRAME, PTE_R | PTE_W | PTE_G},
	}
	for _, h := range highs {
		_, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			return -defs.ENOMEM
		}
		if err := Pmap_map(as.Pmap, int(h.va), pa, h.perms); err != 0 {
			mem.Physmem.Free(pa, 0)
			return err
		}
		mem.Physmem.Refup(pa)
	}
	return 0
}

func (as *Vm_t) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	as.Lockassert_pmap()
	Tlbshootf(as.P_pmap, startva, pgcount)
}

// Userdmap8_inner returns a kernel view of the page backing va,
// faulting the page in if needed. k2u means the caller will write.
func (as *Vm_t) Userdmap8_inner(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & int(PGOFFSET)
	uva := uintptr(va)
	vmi, ok := as.Vmregion.Lookup(uva)
	if !ok {
		return nil, -defs.EFAULT
	}
	pte, ok := vmi.Ptefor(as.Pmap, uva)
	if !ok {
		return nil, -defs.ENOMEM
	}
	ecode := uintptr(riscv.PTE_U)
	needfault := true
	isp := *pte&PTE_V != 0
	if k2u {
		ecode |= uintptr(riscv.PTE_W)
		iscow := *pte&PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else {
		if isp {
			needfault = false
		}
	}

	if needfault {
		if err := Sys_pgfault(as, vmi, uva, ecode); err != 0 {
			return nil, err
		}
	}

	bpg := mem.Pg2bytes(mem.Physmem.Dmap(mem.Pa_t(riscv.Pte2pa(uintptr(*pte)))))
	return bpg[voff:], 0
}

func (as *Vm_t) _userdmap8(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	ret, err := as.Userdmap8_inner(va, k2u)
	as.Unlock_pmap()
	return ret, err
}

func (as *Vm_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	return as._userdmap8(va, false)
}

func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	a, b := as.userreadn_inner(va, n)
	as.Unlock_pmap()
	return a, b
}

func (as *Vm_t) userreadn_inner(va, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("large n")
	}
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = as.Userdmap8_inner(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		v := 0
		for j := 0; j < l; j++ {
			v |= int(src[j]) << (8 * uint(i+j))
		}
		ret |= v
	}
	return ret, 0
}

func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := as.Userdmap8_inner(va+i, true)
		dst = t
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		for j := 0; j < l; j++ {
			dst[j] = uint8(v >> (8 * uint(j)))
		}
	}
	return 0
}

// Userstr copies a nul-terminated string of at most lenmax bytes out of
// user memory.
func (as *Vm_t) Userstr(uva int, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax == 0 {
		return nil, 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	i := 0
	var s ustr.Ustr
	for {
		str, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			return nil, err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				return s, 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}

func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.K2user_inner(src, uva)
}

func (as *Vm_t) K2user_inner(src []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	l := len(src)
	for cnt != l {
		dst, err := as.Userdmap8_inner(uva+cnt, true)
		if err != 0 {
			return err
		}
		ub := len(src)
		if ub > len(dst) {
			ub = len(dst)
		}
		copy(dst, src)
		src = src[ub:]
		cnt += ub
	}
	return 0
}

// Kwrite_inner populates user pages through the kernel window, faulting
// them in readably first; used by the loaders to fill read-only segments.
func (as *Vm_t) Kwrite_inner(src []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	for cnt != len(src) {
		va := uva + cnt
		if _, err := as.Userdmap8_inner(va, false); err != 0 {
			return err
		}
		pte := Pmap_lookup(as.Pmap, va)
		if pte == nil || *pte&PTE_V == 0 {
			panic("just faulted in")
		}
		bpg := mem.Pg2bytes(mem.Physmem.Dmap(mem.Pa_t(riscv.Pte2pa(uintptr(*pte)))))
		voff := va & int(PGOFFSET)
		did := copy(bpg[voff:], src[cnt:])
		cnt += did
	}
	return 0
}

func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.User2k_inner(dst, uva)
}

func (as *Vm_t) User2k_inner(dst []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	for len(dst) != 0 {
		src, err := as.Userdmap8_inner(uva+cnt, false)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return 0
}

// Unusedva_inner finds len bytes of unused va space at or above startva.
func (as *Vm_t) Unusedva_inner(startva, len int) int {
	as.Lockassert_pmap()
	if len < 0 || startva > int(VAMAX) {
		panic("weird vas")
	}
	if startva < USERMIN {
		startva = USERMIN
	}
	pgn := uintptr(startva) >> PGSHIFT
	pglen := mem.Roundpg(len) >> PGSHIFT
	for {
		n := as.Vmregion.rb.lookup(pgn)
		if n == nil {
			return int(pgn << PGSHIFT)
		}
		// try right after this mapping
		pgn = n.vmi.Pgn + uintptr(n.vmi.Pglen)
		nxt := as.Vmregion.rb.lookup(pgn + uintptr(pglen) - 1)
		if nxt == nil {
			ok := true
			for i := uintptr(0); i < uintptr(pglen); i++ {
				if _, found := as.Vmregion.Lookup((pgn + i) << PGSHIFT); found {
					ok = false
					break
				}
			}
			if ok {
				return int(pgn << PGSHIFT)
			}
		}
	}
}

func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	vn := (va >> PGSHIFT) - vmi.Pgn
	if vn >= uintptr(vmi.Pglen) {
		panic("uh oh")
	}
	pte, err := pmap_walk(pmap, int(va))
	if err != 0 {
		return nil, false
	}
	return pte, true
}

// the first return value is true if a present mapping was modified (need
// to flush TLB). the second is false if the insertion failed for lack of
// frames. p_pg's ref count is increased so the caller can simply
// Physmem.Refdown().
func (as *Vm_t) Page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as._page_insert(va, p_pg, perms, vempty, true, pte)
}

// like Page_insert, but for pages whose reference the filesystem already
// took on the caller's behalf.
func (as *Vm_t) Blockpage_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as._page_insert(va, p_pg, perms, vempty, false, pte)
}

func (as *Vm_t) _page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t,
	vempty, refup bool, pte *mem.Pa_t) (bool, bool) {
	as.Lockassert_pmap()
	if refup {
		mem.Physmem.Refup(p_pg)
	}
	if pte == nil {
		var err defs.Err_t
		pte, err = pmap_walk(as.Pmap, va)
		if err != 0 {
			mem.Physmem.Refdown(p_pg)
			return false, false
		}
	}
	ninval := false
	if *pte&PTE_V != 0 {
		if vempty {
			panic("pte not empty")
		}
		ninval = true
		p_old := mem.Pa_t(riscv.Pte2pa(uintptr(*pte)))
		mem.Physmem.Refdown(p_old)
	}
	*pte = mem.Pa_t(riscv.Pa2pte(uintptr(p_pg))) | perms | PTE_V
	return ninval, true
}

func (as *Vm_t) Page_remove(va int) bool {
	as.Lockassert_pmap()
	pte := Pmap_lookup(as.Pmap, va)
	if pte != nil && *pte&PTE_V != 0 {
		p_old := mem.Pa_t(riscv.Pte2pa(uintptr(*pte)))
		mem.Physmem.Refdown(p_old)
		*pte = 0
		return true
	}
	return false
}

// Pgfault handles a user page fault on fa. valid faults: zero-fill of a
// lazily mapped page, write to a COW-shared page, file page-in, and
// stack growth within the stack vma.
func (as *Vm_t) Pgfault(fa, ecode uintptr) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	vmi, ok := as.Vmregion.Lookup(fa)
	if !ok {
		return -defs.EFAULT
	}
	return Sys_pgfault(as, vmi, fa, ecode)
}

// returns 0 if the fault was handled successfully
func Sys_pgfault(as *Vm_t, vmi *Vminfo_t, faultaddr, ecode uintptr) defs.Err_t {
	isguard := vmi.Perms == 0
	iswrite := ecode&uintptr(riscv.PTE_W) != 0
	writeok := vmi.Perms&uint(riscv.PTE_W) != 0
	if isguard || (iswrite && !writeok) {
		return -defs.EFAULT
	}
	if ecode&uintptr(riscv.PTE_U) == 0 {
		// kernel faults are crashed upon in the trap handler
		panic("kernel page fault")
	}
	if vmi.Mtype == VSANON {
		panic("shared anon pages should always be mapped")
	}

	pte, ok := vmi.Ptefor(as.Pmap, faultaddr)
	if !ok {
		return -defs.ENOMEM
	}
	if (iswrite && *pte&PTE_W != 0) || (!iswrite && *pte&PTE_V != 0) {
		// two threads simultaneously faulted on the same page
		return 0
	}

	var p_pg mem.Pa_t
	perms := PTE_U
	isblockpage := false
	isempty := true

	if vmi.Mtype == VFILE && vmi.file.shared {
		var err defs.Err_t
		_, p_pg, err = vmi.Filepage(faultaddr)
		if err != 0 {
			return err
		}
		isblockpage = true
		if vmi.Perms&uint(riscv.PTE_W) != 0 {
			perms |= PTE_W | PTE_D
		}
	} else if iswrite {
		// XXXPANIC
		if *pte&PTE_W != 0 {
			panic("bad state")
		}
		var pgsrc *mem.Pg_t
		var p_bpg mem.Pa_t
		cow := *pte&PTE_COW != 0
		if cow {
			pgsrc = mem.Physmem.Dmap(mem.Pa_t(riscv.Pte2pa(uintptr(*pte))))
			isempty = false
		} else {
			// XXXPANIC
			if *pte != 0 {
				panic("no")
			}
			switch vmi.Mtype {
			case VANON:
				pgsrc = &mem.Zeropg
			case VFILE:
				var err defs.Err_t
				pgsrc, p_bpg, err = vmi.Filepage(faultaddr)
				if err != 0 {
					return err
				}
				defer mem.Physmem.Refdown(p_bpg)
			default:
				panic("wut")
			}
		}
		var pg *mem.Pg_t
		var ok bool
		pg, p_pg, ok = mem.Physmem.Refpg_new_nozero()
		if !ok {
			return -defs.ENOMEM
		}
		*pg = *pgsrc
		perms |= PTE_W | PTE_D
		if !isempty {
			// replacing the COW mapping; drop its reference
			old := mem.Pa_t(riscv.Pte2pa(uintptr(*pte)))
			mem.Physmem.Refdown(old)
			*pte = 0
			isempty = true
		}
	} else {
		if *pte != 0 {
			panic("must be 0")
		}
		switch vmi.Mtype {
		case VANON:
			// read of a never-written anon page: map a fresh
			// zero frame, writable at once if the vma allows writes
			var ok bool
			_, p_pg, ok = mem.Physmem.Refpg_new()
			if !ok {
				return -defs.ENOMEM
			}
			if vmi.Perms&uint(riscv.PTE_W) != 0 {
				perms |= PTE_W | PTE_D
			}
		case VFILE:
			var err defs.Err_t
			_, p_pg, err = vmi.Filepage(faultaddr)
			if err != 0 {
				return err
			}
			isblockpage = true
			if vmi.Perms&uint(riscv.PTE_W) != 0 {
				perms |= PTE_W | PTE_D
			}
		default:
			panic("wut")
		}
	}
	perms |= PTE_A | PTE_R
	if vmi.Perms&uint(riscv.PTE_X) != 0 {
		perms |= PTE_X
	}

	var tshoot, ok2 bool
	if isblockpage {
		tshoot, ok2 = as.Blockpage_insert(int(faultaddr), p_pg, perms, isempty, pte)
	} else {
		tshoot, ok2 = as.Page_insert(int(faultaddr), p_pg, perms, isempty, pte)
	}
	if !ok2 {
		mem.Physmem.Refdown(p_pg)
		return -defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

// Uvmfree drops every mapped frame and the table frames; called on the
// last thread's exit or on exec.
func (as *Vm_t) Uvmfree() {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	as.Vmregion.Iter(func(vmi *Vminfo_t) {
		start := int(vmi.Pgn << PGSHIFT)
		for i := 0; i < vmi.Pglen; i++ {
			as.Page_remove(start + i*mem.PGSIZE)
		}
	})
	as.Vmregion.Clear()
	as.Vmregion = Vmregion_t{}
	if as.Pmap != nil {
		// the high mappings are not vmas; drop them explicitly
		as.Page_remove(int(TRAMPOLINE))
		as.Page_remove(int(TRAPFRAME))
		Pmap_free(as.P_pmap)
		as.Pmap, as.P_pmap = nil, 0
	}
}

func (as *Vm_t) Vmadd_anon(start, len int, perms mem.Pa_t) {
	vmi := as._mkvmi(VANON, start, len, perms, 0, nil, false)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) Vmadd_file(start, len int, perms mem.Pa_t, fops fdops.Fdops_i,
	foff int) {
	vmi := as._mkvmi(VFILE, start, len, perms, foff, fops, false)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) Vmadd_shareanon(start, len int, perms mem.Pa_t) {
	vmi := as._mkvmi(VSANON, start, len, perms, 0, nil, false)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) Vmadd_sharefile(start, len int, perms mem.Pa_t, fops fdops.Fdops_i,
	foff int) {
	vmi := as._mkvmi(VFILE, start, len, perms, foff, fops, true)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) _mkvmi(mt mtype_t, start, len int, perms mem.Pa_t, foff int,
	fops fdops.Fdops_i, shared bool) *Vminfo_t {
	if len <= 0 {
		panic("bad vmi len")
	}
	// XXXPANIC
	if uintptr(start)&uintptr(PGOFFSET) != 0 {
		panic("start and len must be aligned")
	}
	len = mem.Roundpg(len)
	pgn := uintptr(start) >> PGSHIFT
	pglen := len >> PGSHIFT
	vmi := &Vminfo_t{Mtype: mt, Pgn: pgn, Pglen: pglen, Perms: uint(perms)}
	if mt == VFILE {
		vmi.file.foff = foff
		vmi.file.mfile = &Mfile_t{mfops: fops, mapcount: pglen}
		vmi.file.shared = shared
	}
	return vmi
}

// Fork_child clones as into child. frames are copied eagerly; VSANON
// mappings share the frame.
func (as *Vm_t) Fork_child(child *Vm_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	if err := child.Vm_init(); err != 0 {
		return err
	}
	child.Vmregion = as.Vmregion.Copy()
	child.brkend = as.brkend

	var ferr defs.Err_t
	as.Vmregion.Iter(func(vmi *Vminfo_t) {
		if ferr != 0 {
			return
		}
		start := int(vmi.Pgn << PGSHIFT)
		for i := 0; i < vmi.Pglen; i++ {
			va := start + i*mem.PGSIZE
			pte := Pmap_lookup(as.Pmap, va)
			if pte == nil || *pte&PTE_V == 0 {
				continue
			}
			oldpa := mem.Pa_t(riscv.Pte2pa(uintptr(*pte)))
			perms := *pte & PTE_FLAGS
			if vmi.Mtype == VSANON {
				if _, k := child.page_insert_locked(va, oldpa, perms); !k {
					ferr = -defs.ENOMEM
					return
				}
				continue
			}
			_, npa, ok := mem.Physmem.Refpg_new_nozero()
			if !ok {
				ferr = -defs.ENOMEM
				return
			}
			*mem.Physmem.Dmap(npa) = *mem.Physmem.Dmap(oldpa)
			if _, k := child.page_insert_locked(va, npa, perms); !k {
				mem.Physmem.Free(npa, 0)
				ferr = -defs.ENOMEM
				return
			}
		}
	})
	if ferr != 0 {
		child.Uvmfree()
		return ferr
	}
	return 0
}

func (as *Vm_t) page_insert_locked(va int, p_pg mem.Pa_t,
	perms mem.Pa_t) (bool, bool) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.Page_insert(va, p_pg, perms, false, nil)
}

// Sbrk grows the heap vma by inc bytes and returns the old break; a
// negative inc is rejected with EINVAL, so the heap never shrinks.
func (as *Vm_t) Sbrk(inc int) (int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if as.brkend == 0 {
		as.brkend = as.Vmregion.End()
	}
	old := int(as.brkend)
	if inc == 0 {
		return old, 0
	}
	if inc < 0 {
		return 0, -defs.EINVAL
	}
	nend := mem.Roundpg(old + inc)
	if nend > old {
		as.Vmregion.insert(as._mkvmi(VANON, old, nend-old,
			PTE_U|PTE_R|PTE_W, 0, nil, false))
	}
	as.brkend = uintptr(nend)
	return old, 0
}

func (as *Vm_t) Brkend() uintptr {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if as.brkend == 0 {
		as.brkend = as.Vmregion.End()
	}
	return as.brkend
}
