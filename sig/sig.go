package sig

import "sync"

import "rvkern/defs"

// what a signal does when the process has not installed a handler.
type Defact_t int

const (
	D_TERM Defact_t = iota
	D_CORE
	D_IGN
	D_STOP
	D_CONT
)

// the conventional POSIX disposition table.
func Defaction(sig int) Defact_t {
	switch sig {
	case defs.SIGCHLD, defs.SIGURG, defs.SIGWINCH:
		return D_IGN
	case defs.SIGSTOP, defs.SIGTSTP, defs.SIGTTIN, defs.SIGTTOU:
		return D_STOP
	case defs.SIGCONT:
		return D_CONT
	case defs.SIGQUIT, defs.SIGILL, defs.SIGTRAP, defs.SIGABRT,
		defs.SIGBUS, defs.SIGFPE, defs.SIGSEGV:
		return D_CORE
	default:
		return D_TERM
	}
}

func Unblockable(sig int) bool {
	return sig == defs.SIGKILL || sig == defs.SIGSTOP
}

type Sigaction_t struct {
	Handler  uintptr
	Flags    uint
	Restorer uintptr
	Mask     defs.Sigset_t
}

type Altstack_t struct {
	Sp    uintptr
	Size  int
	Inuse bool
}

// per-process signal state: pending and blocked masks, the disposition
// table, and the alternate stack descriptor.
type Sigstate_t struct {
	sync.Mutex
	Pending defs.Sigset_t
	Blocked defs.Sigset_t
	Acts    [defs.NSIG + 1]Sigaction_t
	Alt     Altstack_t
}

func (ss *Sigstate_t) Post(sig int) {
	if sig <= 0 || sig > defs.NSIG {
		panic("bad signal")
	}
	ss.Lock()
	// ignored signals with default disposition are never queued
	act := ss.Acts[sig]
	if act.Handler == defs.SIG_IGN ||
		(act.Handler == defs.SIG_DFL && Defaction(sig) == D_IGN) {
		ss.Unlock()
		return
	}
	ss.Pending.Addset(sig)
	ss.Unlock()
}

// Next returns the lowest pending, unblocked signal and removes it from
// the pending set, or 0.
func (ss *Sigstate_t) Next() int {
	ss.Lock()
	defer ss.Unlock()
	for sig := 1; sig <= defs.NSIG; sig++ {
		if !ss.Pending.Ismember(sig) {
			continue
		}
		if ss.Blocked.Ismember(sig) && !Unblockable(sig) {
			continue
		}
		ss.Pending.Delset(sig)
		return sig
	}
	return 0
}

func (ss *Sigstate_t) Sigaction(sig int, act *Sigaction_t) (Sigaction_t, defs.Err_t) {
	if sig <= 0 || sig > defs.NSIG {
		return Sigaction_t{}, -defs.EINVAL
	}
	if act != nil && Unblockable(sig) {
		return Sigaction_t{}, -defs.EINVAL
	}
	ss.Lock()
	defer ss.Unlock()
	old := ss.Acts[sig]
	if act != nil {
		ss.Acts[sig] = *act
	}
	return old, 0
}

func (ss *Sigstate_t) Procmask(how int, set defs.Sigset_t, useset bool) (defs.Sigset_t, defs.Err_t) {
	ss.Lock()
	defer ss.Unlock()
	old := ss.Blocked
	if !useset {
		return old, 0
	}
	// SIGKILL and SIGSTOP are silently left unblockable
	set.Delset(defs.SIGKILL)
	set.Delset(defs.SIGSTOP)
	switch how {
	case defs.SIG_BLOCK:
		ss.Blocked |= set
	case defs.SIG_UNBLOCK:
		ss.Blocked &^= set
	case defs.SIG_SETMASK:
		ss.Blocked = set
	default:
		return old, -defs.EINVAL
	}
	return old, 0
}

// Fork_copy gives the child the dispositions and blocked mask but not
// the pending set.
func (ss *Sigstate_t) Fork_copy(child *Sigstate_t) {
	ss.Lock()
	defer ss.Unlock()
	child.Blocked = ss.Blocked
	child.Acts = ss.Acts
	child.Alt = Altstack_t{}
}

// Exec_reset restores default dispositions, keeping the blocked mask.
func (ss *Sigstate_t) Exec_reset() {
	ss.Lock()
	defer ss.Unlock()
	for i := range ss.Acts {
		if ss.Acts[i].Handler != defs.SIG_IGN {
			ss.Acts[i] = Sigaction_t{}
		}
	}
	ss.Alt = Altstack_t{}
	ss.Pending = 0
}
