package proc

import "sync"

import "rvkern/defs"
import "rvkern/mem"
import "rvkern/sched"
import "rvkern/tinfo"

// kernel stacks are four frames with a guard page below.
const KSTACKPAGES = 4

// Thread_t is one schedulable thread: the saved context for the switch
// primitive, the trap frame, and the scheduling entity. the trap frame
// is held in the struct itself; no kernel stack is allocated for it.
type Thread_t struct {
	Tid  defs.Tid_t
	Proc *Proc_t

	// the user trap frame, saved and restored by the entry stub and
	// read by the dispatch layer.
	Tf [defs.TFSIZE]uintptr
	// saved callee-saved state for the context switch
	Ctx sched.Ctx_t
	// the trap frame and blocked mask saved at signal delivery,
	// restored by sigreturn
	Sigtf      [defs.TFSIZE]uintptr
	Sigmask    defs.Sigset_t
	Sigpending bool

	// kernel stack frames
	Kstack mem.Pa_t

	Ent_ sched.Ent_t

	note *tinfo.Tnote_t
}

func (t *Thread_t) Ent() *sched.Ent_t {
	return &t.Ent_
}

func (t *Thread_t) Note() *tinfo.Tnote_t {
	return t.note
}

func (p *Proc_t) _thread_new(tid defs.Tid_t) *Thread_t {
	p.Threadi.Lock()
	tnote := tinfo.Mknote()
	tnote.State = p
	p.Threadi.Notes[tid] = tnote
	t := &Thread_t{Tid: tid, Proc: p, note: tnote}
	t.Ent_.Class = sched.C_CFS
	p.threads[tid] = t
	p.Threadi.Unlock()
	return t
}

func (p *Proc_t) Thread_new() (defs.Tid_t, bool) {
	ret, ok := tid_new()
	if !ok {
		return 0, false
	}
	p._thread_new(ret)
	return ret, true
}

// undo thread_new(); the thread must not have been scheduled.
func (p *Proc_t) Thread_undo(t defs.Tid_t) {
	Tid_del()

	p.Threadi.Lock()
	delete(p.Threadi.Notes, t)
	delete(p.threads, t)
	p.Threadi.Unlock()
}

func (p *Proc_t) Thread_count() int {
	p.Threadi.Lock()
	ret := len(p.Threadi.Notes)
	p.Threadi.Unlock()
	return ret
}

func (p *Proc_t) Thread(tid defs.Tid_t) (*Thread_t, bool) {
	p.Threadi.Lock()
	t, ok := p.threads[tid]
	p.Threadi.Unlock()
	return t, ok
}

func (p *Proc_t) Thread0() *Thread_t {
	t, ok := p.Thread(p.tid0)
	if !ok {
		panic("no thread0")
	}
	return t
}

// Thread_dead terminates a single thread. when the last thread dies the
// process is torn down.
func (p *Proc_t) Thread_dead(tid defs.Tid_t, status int, usestatus bool) {
	tinfo.ClearCurrent()
	p.Threadi.Lock()
	ti := &p.Threadi
	mynote, ok := ti.Notes[tid]
	if !ok {
		panic("note must exist")
	}
	mynote.Alive = false
	delete(ti.Notes, tid)
	delete(p.threads, tid)
	destroy := len(ti.Notes) == 0

	if usestatus {
		p.exitstatus = status
	}
	p.Threadi.Unlock()

	// put thread status in this process's wait info; threads don't
	// have rusage for now.
	p.Mywait.puttid(int(tid), status, nil)

	if destroy {
		p.terminate()
	}
	Tid_del()
}

func (p *Proc_t) Reap_doomed(tid defs.Tid_t) {
	if !p.doomed {
		panic("p not doomed")
	}
	p.Thread_dead(tid, 0, false)
}

// KillableWait blocks on cond until a wakeup or until this thread is
// killed; the cond's locker must be held.
func KillableWait(cond *sync.Cond) defs.Err_t {
	mynote := tinfo.Current()

	mynote.Lock()
	if mynote.Killed {
		ret := mynote.Killnaps.Kerr
		mynote.Unlock()
		if ret == 0 {
			panic("must be non-zero")
		}
		return ret
	}
	mynote.Killnaps.Cond = cond
	mynote.Unlock()

	cond.Wait()

	mynote.Lock()
	mynote.Killnaps.Cond = nil
	ret := defs.Err_t(0)
	if mynote.Killed {
		ret = mynote.Killnaps.Kerr
	}
	mynote.Unlock()
	return ret
}
