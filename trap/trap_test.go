package trap

import "testing"

import "rvkern/defs"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/vm"

func mktestproc(t *testing.T) *proc.Proc_t {
	t.Helper()
	w := make([]uint8, 1024*mem.PGSIZE)
	mem.Phys_init(0x8000_0000, 1024, w)
	p := &proc.Proc_t{}
	p.Threadi.Init()
	if err := p.Vm.Vm_init(); err != 0 {
		t.Fatalf("vm_init: %v", err)
	}
	return p
}

// a user program touching an address below its stack pointer but inside
// the stack vma gets the page mapped and continues without SIGSEGV.
func TestStackGrowth(t *testing.T) {
	p := mktestproc(t)
	stktop := 0x80000
	nstk := 8
	p.Vm.Lock_pmap()
	// guard page below the growable stack
	p.Vm.Vmadd_anon(stktop-(nstk+1)*mem.PGSIZE, mem.PGSIZE, 0)
	p.Vm.Vmadd_anon(stktop-nstk*mem.PGSIZE, nstk*mem.PGSIZE,
		vm.PTE_U|vm.PTE_R|vm.PTE_W)
	p.Vm.Unlock_pmap()

	var tf [defs.TFSIZE]uintptr
	sp := uintptr(stktop - 2*mem.PGSIZE)
	tf[defs.TF_SP] = sp
	fa := sp - 2048

	act := Trap_proc(p, 1, &tf, defs.EXC_PGFAULT_S, fa)
	if act != A_RETURN {
		t.Fatalf("action %v", act)
	}
	if p.Sigs.Pending.Ismember(defs.SIGSEGV) {
		t.Fatalf("valid stack touch raised SIGSEGV")
	}
	if _, _, ok := vm.Pmap_translate(p.Vm.Pmap, int(fa)); !ok {
		t.Fatalf("stack page not mapped after fault")
	}
}

// a write to the guard page (or unmapped space) raises SIGSEGV.
func TestIllegalAccess(t *testing.T) {
	p := mktestproc(t)
	var tf [defs.TFSIZE]uintptr
	Trap_proc(p, 1, &tf, defs.EXC_PGFAULT_S, 0)
	if !p.Sigs.Pending.Ismember(defs.SIGSEGV) {
		t.Fatalf("write to address 0 did not raise SIGSEGV")
	}
}

func TestBreakpointSignal(t *testing.T) {
	p := mktestproc(t)
	var tf [defs.TFSIZE]uintptr
	tf[defs.TF_SEPC] = 0x1000
	Trap_proc(p, 1, &tf, defs.EXC_BREAK, 0)
	if tf[defs.TF_SEPC] != 0x1004 {
		t.Fatalf("sepc not advanced: %#x", tf[defs.TF_SEPC])
	}
	if !p.Sigs.Pending.Ismember(defs.SIGTRAP) {
		t.Fatalf("no SIGTRAP")
	}
}

// sigreturn must restore the exact trap frame saved at delivery.
func TestSigreturnIntegrity(t *testing.T) {
	p := mktestproc(t)
	th := &proc.Thread_t{Tid: 1, Proc: p}

	p.Sigs.Acts[defs.SIGUSR1].Handler = 0x5000

	var tf [defs.TFSIZE]uintptr
	for i := range tf {
		tf[i] = uintptr(0x1000 + i)
	}
	saved := tf

	p.Sigs.Post(defs.SIGUSR1)
	if act := Sigcheck(p, th, &tf); act != A_RETURN {
		t.Fatalf("sigcheck: %v", act)
	}
	if tf[defs.TF_SEPC] != 0x5000 {
		t.Fatalf("not entering handler: %#x", tf[defs.TF_SEPC])
	}
	if tf[defs.TF_A0] != defs.SIGUSR1 {
		t.Fatalf("a0 %v", tf[defs.TF_A0])
	}
	if tf[defs.TF_RA] != SIGRET_TRAMP {
		t.Fatalf("ra %#x", tf[defs.TF_RA])
	}
	if !p.Sigs.Blocked.Ismember(defs.SIGUSR1) {
		t.Fatalf("signal not blocked during handler")
	}

	ret := Sigreturn(p, th, &tf)
	if tf != saved {
		t.Fatalf("frame not restored verbatim")
	}
	if uintptr(ret) != saved[defs.TF_A0] {
		t.Fatalf("a0 clobbered by sigreturn: %v", ret)
	}
	if p.Sigs.Blocked.Ismember(defs.SIGUSR1) {
		t.Fatalf("blocked mask not restored")
	}
	// a second sigreturn with nothing staged is an error
	if Sigreturn(p, th, &tf) != int(-defs.EINVAL) {
		t.Fatalf("stray sigreturn accepted")
	}
}

// signals whose default disposition is ignore are discarded quietly.
func TestDefaultIgnore(t *testing.T) {
	p := mktestproc(t)
	th := &proc.Thread_t{Tid: 1, Proc: p}
	p.Sigs.Post(defs.SIGCHLD)
	var tf [defs.TFSIZE]uintptr
	if act := Sigcheck(p, th, &tf); act != A_RETURN {
		t.Fatalf("sigcheck: %v", act)
	}
	if tf[defs.TF_SEPC] != 0 {
		t.Fatalf("frame touched for ignored signal")
	}
}
