package vm

import "testing"

import "rvkern/mem"
import "rvkern/riscv"

func mkas(t *testing.T) *Vm_t {
	t.Helper()
	w := make([]uint8, 1024*mem.PGSIZE)
	mem.Phys_init(0x8000_0000, 1024, w)
	as := &Vm_t{}
	if err := as.Vm_init(); err != 0 {
		t.Fatalf("vm_init: %v", err)
	}
	return as
}

func TestPmapMapTranslate(t *testing.T) {
	as := mkas(t)
	pa, ok := mem.Physmem.Alloc(0)
	if !ok {
		t.Fatalf("alloc")
	}
	va := 0x10000
	if err := Pmap_map(as.Pmap, va, pa, PTE_U|PTE_R|PTE_W); err != 0 {
		t.Fatalf("map: %v", err)
	}
	gpa, flags, ok := Pmap_translate(as.Pmap, va+0x123)
	if !ok {
		t.Fatalf("translate failed")
	}
	if gpa != pa+0x123 {
		t.Fatalf("translate %#x, expected %#x", gpa, pa+0x123)
	}
	if flags&PTE_W == 0 || flags&PTE_U == 0 {
		t.Fatalf("flags %#x", flags)
	}
	// remapping the same va to a different frame must fail
	pa2, _ := mem.Physmem.Alloc(0)
	if err := Pmap_map(as.Pmap, va, pa2, PTE_U|PTE_R); err == 0 {
		t.Fatalf("double map allowed")
	}
	if !Pmap_unmap(as.Pmap, va) {
		t.Fatalf("unmap")
	}
	if _, _, ok := Pmap_translate(as.Pmap, va); ok {
		t.Fatalf("translate after unmap")
	}
}

// after any sequence of vma map/unmap operations the mapped vpns must be
// the disjoint union of the area ranges.
func TestVmregionNoOverlap(t *testing.T) {
	as := mkas(t)
	as.Lock_pmap()
	as.Vmadd_anon(0x10000, 4*mem.PGSIZE, PTE_U|PTE_R|PTE_W)
	as.Vmadd_anon(0x20000, 8*mem.PGSIZE, PTE_U|PTE_R)
	as.Vmadd_anon(0x40000, 2*mem.PGSIZE, PTE_U|PTE_R|PTE_W)
	// punch a hole in the middle of the second mapping
	if err := as.Vmregion.Remove(0x22000, 2*mem.PGSIZE, 100); err != 0 {
		t.Fatalf("remove: %v", err)
	}
	as.Unlock_pmap()

	type rng struct{ s, e uintptr }
	var got []rng
	as.Vmregion.Iter(func(vmi *Vminfo_t) {
		got = append(got, rng{vmi.Pgn, vmi.Pgn + uintptr(vmi.Pglen)})
	})
	for i := 1; i < len(got); i++ {
		if got[i].s < got[i-1].e {
			t.Fatalf("overlapping vmas: %#x < %#x", got[i].s, got[i-1].e)
		}
	}
	if _, ok := as.Vmregion.Lookup(0x22000); ok {
		t.Fatalf("hole still mapped")
	}
	if _, ok := as.Vmregion.Lookup(0x21000); !ok {
		t.Fatalf("left split lost")
	}
	if _, ok := as.Vmregion.Lookup(0x24000); !ok {
		t.Fatalf("right split lost")
	}
}

func TestUserCopy(t *testing.T) {
	as := mkas(t)
	as.Lock_pmap()
	as.Vmadd_anon(0x8000, 2*mem.PGSIZE, PTE_U|PTE_R|PTE_W)
	as.Unlock_pmap()

	msg := []uint8("hello, sv39")
	if err := as.K2user(msg, 0x8ffc); err != 0 {
		t.Fatalf("k2user: %v", err)
	}
	back := make([]uint8, len(msg))
	if err := as.User2k(back, 0x8ffc); err != 0 {
		t.Fatalf("user2k: %v", err)
	}
	if string(back) != string(msg) {
		t.Fatalf("got %q", string(back))
	}
	// unmapped va must fault
	if err := as.K2user(msg, 0x100000); err == 0 {
		t.Fatalf("copy to unmapped va succeeded")
	}
}

func TestForkIsolation(t *testing.T) {
	parent := mkas(t)
	parent.Lock_pmap()
	parent.Vmadd_anon(0x8000, mem.PGSIZE, PTE_U|PTE_R|PTE_W)
	parent.Unlock_pmap()
	if err := parent.K2user([]uint8{0x41}, 0x8000); err != 0 {
		t.Fatalf("k2user: %v", err)
	}

	child := &Vm_t{}
	if err := parent.Fork_child(child); err != 0 {
		t.Fatalf("fork: %v", err)
	}
	// write in the child; the parent's view must not change
	if err := child.K2user([]uint8{0x42}, 0x8000); err != 0 {
		t.Fatalf("child write: %v", err)
	}
	var pv, cv [1]uint8
	if err := parent.User2k(pv[:], 0x8000); err != 0 {
		t.Fatalf("parent read: %v", err)
	}
	if err := child.User2k(cv[:], 0x8000); err != 0 {
		t.Fatalf("child read: %v", err)
	}
	if pv[0] != 0x41 {
		t.Fatalf("parent saw child's write: %#x", pv[0])
	}
	if cv[0] != 0x42 {
		t.Fatalf("child lost its write: %#x", cv[0])
	}
}

func TestPgfaultGuard(t *testing.T) {
	as := mkas(t)
	as.Lock_pmap()
	// guard page: perms 0
	as.Vmadd_anon(0x6000, mem.PGSIZE, 0)
	as.Vmadd_anon(0x7000, mem.PGSIZE, PTE_U|PTE_R|PTE_W)
	as.Unlock_pmap()

	if err := as.Pgfault(0x6000, uintptr(riscv.PTE_U)); err == 0 {
		t.Fatalf("guard page fault handled")
	}
	if err := as.Pgfault(0x7010, uintptr(riscv.PTE_U|riscv.PTE_W)); err != 0 {
		t.Fatalf("valid fault not handled: %v", err)
	}
	if _, _, ok := Pmap_translate(as.Pmap, 0x7010); !ok {
		t.Fatalf("fault did not install mapping")
	}
}

func TestUvmfreeReleasesFrames(t *testing.T) {
	as := mkas(t)
	as.Lock_pmap()
	as.Vmadd_anon(0x8000, 8*mem.PGSIZE, PTE_U|PTE_R|PTE_W)
	as.Unlock_pmap()
	big := make([]uint8, 8*mem.PGSIZE)
	if err := as.K2user(big, 0x8000); err != 0 {
		t.Fatalf("k2user: %v", err)
	}
	as.Uvmfree()
	// data frames, table frames, the high trampoline/trap-context
	// pages, and the root are all gone: the whole pool is free again
	if got := mem.Physmem.Freepgs(); got != 1024 {
		t.Fatalf("leak: %v of 1024 frames free", got)
	}
}

func TestHighMappings(t *testing.T) {
	as := mkas(t)
	if _, flags, ok := Pmap_translate(as.Pmap, int(TRAMPOLINE)); !ok ||
		flags&PTE_X == 0 || flags&PTE_U != 0 {
		t.Fatalf("trampoline mapping wrong: %v %#x", ok, flags)
	}
	if _, flags, ok := Pmap_translate(as.Pmap, int(TRAPFRAME)); !ok ||
		flags&PTE_W == 0 {
		t.Fatalf("trap-context mapping wrong: %v %#x", ok, flags)
	}
	// both live at the same va in a forked space, backed by its own
	// frames
	child := &Vm_t{}
	if err := as.Fork_child(child); err != 0 {
		t.Fatalf("fork: %v", err)
	}
	ppa, _, _ := Pmap_translate(as.Pmap, int(TRAPFRAME))
	cpa, _, ok := Pmap_translate(child.Pmap, int(TRAPFRAME))
	if !ok || ppa == cpa {
		t.Fatalf("trap-context page shared across fork")
	}
}
