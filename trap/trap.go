package trap

import "fmt"
import "sync"

import "rvkern/defs"
import "rvkern/proc"
import "rvkern/riscv"
import "rvkern/sig"
import "rvkern/vm"

// what the low-level trap return path should do next.
type Action_t int

const (
	A_RETURN Action_t = iota
	A_RESCHED
	A_EXIT
)

// handler_t is a registered driver's external-interrupt handler; the plic
// table below routes each irq to one.
type handler_t func()

var plic struct {
	sync.Mutex
	handlers map[int]handler_t
}

func Plic_register(irq int, h handler_t) {
	plic.Lock()
	if plic.handlers == nil {
		plic.handlers = make(map[int]handler_t)
	}
	plic.handlers[irq] = h
	plic.Unlock()
}

// Plic_claim is installed by the board layer: it returns the pending irq
// and completes it after dispatch.
var Plic_claim = func() int { return 0 }
var Plic_complete = func(irq int) {}

// Ipi_handler runs cross-cpu work (tlb shootdowns, resched kicks).
var Ipi_handler = func(hart int) {}

// Timer_tick is installed by the kernel: charges the tick to the current
// entity and reports whether to reschedule.
var Timer_tick = func(hart int) bool { return false }

func plic_dispatch() {
	irq := Plic_claim()
	if irq == 0 {
		return
	}
	plic.Lock()
	h := plic.handlers[irq]
	plic.Unlock()
	if h != nil {
		h()
	}
	Plic_complete(irq)
}

// Trap_proc handles a trap taken from user mode on behalf of tid. tf is
// the thread's trap frame (Thread_t.Tf), filled by the entry stub.
// returns what the exit path should do.
func Trap_proc(p *proc.Proc_t, tid defs.Tid_t, tf *[defs.TFSIZE]uintptr,
	cause, tval uintptr) Action_t {
	if cause&defs.CAUSE_INT != 0 {
		switch int(cause &^ defs.CAUSE_INT) {
		case defs.IRQ_STIMER:
			if Timer_tick(riscv.Machine.Id()) {
				return A_RESCHED
			}
			return A_RETURN
		case defs.IRQ_SEXT:
			plic_dispatch()
			return A_RETURN
		case defs.IRQ_SSOFT:
			Ipi_handler(riscv.Machine.Id())
			return A_RETURN
		default:
			panic(fmt.Sprintf("weird interrupt: %d", cause))
		}
	}

	switch cause {
	case defs.EXC_ECALL_U:
		// resume past the ecall
		tf[defs.TF_SEPC] += 4
		ret := p.Syscall().Syscall(p, tid, tf)
		tf[defs.TF_A0] = uintptr(ret)
	case defs.EXC_PGFAULT_I, defs.EXC_PGFAULT_L, defs.EXC_PGFAULT_S:
		ecode := uintptr(riscv.PTE_U)
		if cause == defs.EXC_PGFAULT_S {
			ecode |= uintptr(riscv.PTE_W)
		}
		if err := p.Vm.Pgfault(tval, ecode); err != 0 {
			fmt.Printf("*** fault *** %v: addr %#x, pc %#x. killing...\n",
				p.Name, tval, tf[defs.TF_SEPC])
			p.Signal(defs.SIGSEGV)
		}
	case defs.EXC_ILLEGAL:
		fmt.Printf("*** illegal instruction at %#x. killing...\n",
			tf[defs.TF_SEPC])
		p.Signal(defs.SIGILL)
	case defs.EXC_BREAK:
		tf[defs.TF_SEPC] += 4
		p.Signal(defs.SIGTRAP)
	case defs.EXC_LACCESS, defs.EXC_SACCESS, defs.EXC_IACCESS:
		p.Signal(defs.SIGBUS)
	default:
		panic(fmt.Sprintf("weird trap: %d", cause))
	}
	if p.Doomed() {
		return A_EXIT
	}
	return A_RETURN
}

// the trampoline page holds the sigreturn stub; its va is identical in
// every address space.
const SIGRET_TRAMP uintptr = vm.TRAMPOLINE + 0x80

// redzone skipped below the interrupted sp before the handler frame.
const redzone = 128

// Sigcheck runs on every trap-return-to-user: if a pending, non-blocked
// signal exists, either apply the default disposition or stage the user
// handler frame. returns A_EXIT if the process should die.
func Sigcheck(p *proc.Proc_t, th *proc.Thread_t, tf *[defs.TFSIZE]uintptr) Action_t {
	for {
		signo := p.Sigs.Next()
		if signo == 0 {
			return A_RETURN
		}
		p.Sigs.Lock()
		act := p.Sigs.Acts[signo]
		p.Sigs.Unlock()
		if act.Handler == defs.SIG_IGN {
			continue
		}
		if act.Handler == defs.SIG_DFL {
			switch sig.Defaction(signo) {
			case sig.D_IGN, sig.D_CONT, sig.D_STOP:
				// job control is not implemented; stop and
				// continue are ignored
				continue
			case sig.D_TERM, sig.D_CORE:
				p.Doomall()
				p.Syscall().Sys_exit(p, th.Tid,
					defs.Mkexitsig(signo))
				return A_EXIT
			}
			continue
		}
		if th.Sigpending {
			// already running a handler; leave the signal for
			// sigreturn to pick up
			p.Sigs.Post(signo)
			return A_RETURN
		}
		stage_handler(p, th, tf, signo, &act)
		return A_RETURN
	}
}

// stage_handler builds the synthetic user frame: the saved trap frame is
// remembered in the thread struct and the frame is rewritten so that
// sret enters the handler with a return address pointing at the
// sigreturn trampoline.
func stage_handler(p *proc.Proc_t, th *proc.Thread_t, tf *[defs.TFSIZE]uintptr,
	signo int, act *sig.Sigaction_t) {
	th.Sigtf = *tf
	th.Sigpending = true

	sp := tf[defs.TF_SP]
	p.Sigs.Lock()
	th.Sigmask = p.Sigs.Blocked
	if act.Flags&defs.SA_ONSTACK != 0 && p.Sigs.Alt.Sp != 0 &&
		!p.Sigs.Alt.Inuse {
		sp = p.Sigs.Alt.Sp + uintptr(p.Sigs.Alt.Size)
		p.Sigs.Alt.Inuse = true
	}
	// block the signal for the duration of the handler
	p.Sigs.Blocked.Addset(signo)
	p.Sigs.Blocked |= act.Mask
	p.Sigs.Unlock()

	sp -= redzone
	sp &^= 15

	tf[defs.TF_SEPC] = act.Handler
	tf[defs.TF_SP] = sp
	tf[defs.TF_A0] = uintptr(signo)
	ra := SIGRET_TRAMP
	if act.Restorer != 0 {
		ra = act.Restorer
	}
	tf[defs.TF_RA] = ra
}

// Sigreturn restores the trap frame saved at delivery, verbatim; the
// thread resumes at the interrupted instruction.
func Sigreturn(p *proc.Proc_t, th *proc.Thread_t, tf *[defs.TFSIZE]uintptr) int {
	if !th.Sigpending {
		return int(-defs.EINVAL)
	}
	*tf = th.Sigtf
	th.Sigpending = false
	p.Sigs.Lock()
	p.Sigs.Blocked = th.Sigmask
	p.Sigs.Alt.Inuse = false
	p.Sigs.Unlock()
	// the syscall return value must not clobber the restored a0
	return int(tf[defs.TF_A0])
}
