package proc

import "rvkern/defs"
import "rvkern/fdops"

// the dispatch layer implements this; keeping it an interface lets the
// task layer call back into syscalls (exit on fault, close on exec)
// without an import cycle.
type Syscall_i interface {
	Syscall(p *Proc_t, tid defs.Tid_t, tf *[defs.TFSIZE]uintptr) int
	Sys_close(proc *Proc_t, fdn int) int
	Sys_exit(proc *Proc_t, tid defs.Tid_t, status int)
}

type Cons_i interface {
	Cons_poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t)
	Cons_read(ub fdops.Userio_i, offset int) (int, defs.Err_t)
	Cons_write(src fdops.Userio_i, off int) (int, defs.Err_t)
}
