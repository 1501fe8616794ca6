package vm

import "rvkern/defs"
import "rvkern/mem"
import "rvkern/riscv"

// the sv39 page-table engine. three levels of 512-entry tables; interior
// entries carry PTE_V only, leaves carry at least one of R/W/X.

func _instpg(pg *mem.Pmap_t, idx int) (mem.Pa_t, bool) {
	_, p_np, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, false
	}
	mem.Physmem.Refup(p_np)
	npte := mem.Pa_t(riscv.Pa2pte(uintptr(p_np))) | PTE_V
	pg[idx] = npte
	return npte, true
}

// walks the interior levels for va, optionally creating them, and
// returns the leaf table and the leaf slot. returns nil if 1) create was
// false and an interior level is missing or 2) create was true but a
// table frame could not be allocated.
func pmap_pgtbl(root *mem.Pmap_t, v int, create bool) (*mem.Pmap_t, int) {
	va := uintptr(v)
	if va >= riscv.MAXVA {
		panic("va out of sv39 range")
	}
	pg := root
	for lvl := riscv.LEVELS - 1; lvl > 0; lvl-- {
		idx := riscv.Px(lvl, va)
		pe := pg[idx]
		if pe&PTE_V == 0 {
			if !create {
				return nil, 0
			}
			var ok bool
			pe, ok = _instpg(pg, idx)
			if !ok {
				return nil, 0
			}
		} else if pe&(PTE_R|PTE_W|PTE_X) != 0 {
			panic("walk into leaf")
		}
		pg = mem.Physmem.Dmap_pmap(mem.Pa_t(riscv.Pte2pa(uintptr(pe))))
	}
	return pg, riscv.Px(0, va)
}

func _pmap_walk(root *mem.Pmap_t, v int, create bool) *mem.Pa_t {
	pgtbl, slot := pmap_pgtbl(root, v, create)
	if pgtbl == nil {
		return nil
	}
	return &pgtbl[slot]
}

func pmap_walk(root *mem.Pmap_t, v int) (*mem.Pa_t, defs.Err_t) {
	ret := _pmap_walk(root, v, true)
	if ret == nil {
		// create was set; failed to allocate a table frame
		return nil, -defs.ENOMEM
	}
	return ret, 0
}

func Pmap_lookup(root *mem.Pmap_t, v int) *mem.Pa_t {
	return _pmap_walk(root, v, false)
}

// Pmap_map installs a leaf. fails with EEXIST if a distinct leaf is
// already present.
func Pmap_map(root *mem.Pmap_t, va int, pa mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	pte, err := pmap_walk(root, va)
	if err != 0 {
		return err
	}
	npte := mem.Pa_t(riscv.Pa2pte(uintptr(pa))) | perms | PTE_V
	if *pte&PTE_V != 0 && *pte != npte {
		return -defs.EEXIST
	}
	*pte = npte
	return 0
}

// Pmap_unmap clears the leaf for va; the interior tables are left in
// place (reclaimed wholesale at address-space teardown).
func Pmap_unmap(root *mem.Pmap_t, va int) bool {
	pte := Pmap_lookup(root, va)
	if pte == nil || *pte&PTE_V == 0 {
		return false
	}
	*pte = 0
	return true
}

// Pmap_translate returns the pa and flags of the leaf for va.
func Pmap_translate(root *mem.Pmap_t, va int) (mem.Pa_t, mem.Pa_t, bool) {
	pte := Pmap_lookup(root, va)
	if pte == nil || *pte&PTE_V == 0 {
		return 0, 0, false
	}
	pa := mem.Pa_t(riscv.Pte2pa(uintptr(*pte))) + mem.Pa_t(va)&PGOFFSET
	return pa, *pte & PTE_FLAGS, true
}

// Pmap_activate points satp at root and fences the local hart.
func Pmap_activate(p_pmap mem.Pa_t) {
	riscv.Machine.SatpWrite(riscv.MakeSatp(uintptr(p_pmap)))
	riscv.Machine.SfenceVMA()
}

// pmfree_walk releases the table frames of one interior level.
func pmfree_walk(pa mem.Pa_t, lvl int) {
	pg := mem.Physmem.Dmap_pmap(pa)
	if lvl > 0 {
		for i := range pg {
			pe := pg[i]
			if pe&PTE_V != 0 && pe&(PTE_R|PTE_W|PTE_X) == 0 {
				pmfree_walk(mem.Pa_t(riscv.Pte2pa(uintptr(pe))), lvl-1)
			}
		}
	}
	mem.Physmem.Refdown(pa)
}

// Pmap_free releases every interior table frame reachable from the root,
// including the root itself. leaf frames are the vmregion's to release.
func Pmap_free(p_pmap mem.Pa_t) {
	pmfree_walk(p_pmap, riscv.LEVELS-1)
}
