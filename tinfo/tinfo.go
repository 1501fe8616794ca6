package tinfo

import "sync"

import "rvkern/defs"
import "rvkern/riscv"

// Tnote_t is the kernel-side notepad of one thread: liveness, pending
// kill, and the channel an interruptible sleep selects on.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

func Mknote() *Tnote_t {
	n := &Tnote_t{Alive: true}
	n.Killnaps.Killch = make(chan bool, 1)
	return n
}

func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

func (t *Threadinfo_t) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.Notes)
}

// the current thread's note, one slot per hart. trap entry fills the
// slot before running any kernel code that might sleep.
var curnote [defs.MAXCPUS]*Tnote_t
var curlock sync.Mutex

func Current() *Tnote_t {
	curlock.Lock()
	ret := curnote[riscv.Machine.Id()]
	curlock.Unlock()
	if ret == nil {
		panic("no current")
	}
	return ret
}

func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("nil note")
	}
	curlock.Lock()
	curnote[riscv.Machine.Id()] = p
	curlock.Unlock()
}

func ClearCurrent() {
	curlock.Lock()
	curnote[riscv.Machine.Id()] = nil
	curlock.Unlock()
}
