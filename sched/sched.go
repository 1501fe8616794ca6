package sched

import "sync"

// Ctx_t is the register set the context switch saves and restores: the
// callee-saved registers plus ra and sp. the trap frame holds the rest,
// in the thread struct (proc.Thread_t.Tf).
type Ctx_t struct {
	Ra uintptr
	Sp uintptr
	S  [12]uintptr
}

// Swtch is the context-switch primitive: save the callee-saved set and
// return pc into old, load new, and continue on new's kernel stack. the
// boot stubs install the assembly implementation; paging is switched by
// the caller only when the address space differs.
var Swtch = func(old, new *Ctx_t) {
	panic("no swtch stub")
}

type Class_t int

const (
	C_CFS Class_t = iota
	C_FIFO
	C_RR
)

type State_t int

const (
	S_READY State_t = iota
	S_RUNNING
	S_BLOCKED
	S_ZOMBIE
)

// rr tasks get RR_SLICE ticks before rotating within their priority.
// cfs entities never run for less than MINGRAN ticks.
const RR_SLICE = 4
const MINGRAN = 1

// Ent_t is the per-policy scheduling state attached to a thread.
type Ent_t struct {
	Class Class_t
	// rt priority; higher wins. unused for cfs.
	Prio int
	Nice int
	// remaining slice in ticks; rr and cfs
	Slice    int
	Vruntime uint64
	Pinned   bool
	Cpu      int
	State    State_t
	// set while the entity sits in some runqueue
	queued bool
	// heap slot in the cfs tree
	hidx int
}

func (e *Ent_t) Weight() int {
	return niceweight(e.Nice)
}

// the cfs nice-to-weight table; weight of nice 0 is 1024 and each nice
// step scales by ~1.25.
var prio_to_weight = [40]int{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

func niceweight(nice int) int {
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	return prio_to_weight[nice+20]
}

const weight_nice_0 = 1024

// Runnable_i is what the runqueues hold; the task layer implements it.
type Runnable_i interface {
	Ent() *Ent_t
}

type rtbucket_t struct {
	prio  int
	tasks []Runnable_i
}

// Runq_t is one cpu's runqueue: rt buckets by descending priority plus a
// cfs heap. guarded by its mutex; taking it does not mask interrupts.
type Runq_t struct {
	sync.Mutex
	cpu int
	rt  []rtbucket_t
	cfs cfstree_t
	n   int
	// highest vruntime of any entity taken off this queue; woken
	// entities are raised to it so sleepers do not hog the cpu
	minvrt uint64
}

func (rq *Runq_t) rtfind(prio int) int {
	for i := range rq.rt {
		if rq.rt[i].prio == prio {
			return i
		}
	}
	return -1
}

func (rq *Runq_t) enq(t Runnable_i) {
	e := t.Ent()
	if e.queued {
		panic("already queued")
	}
	e.queued = true
	e.State = S_READY
	e.Cpu = rq.cpu
	rq.n++
	switch e.Class {
	case C_FIFO, C_RR:
		bi := rq.rtfind(e.Prio)
		if bi == -1 {
			// keep buckets sorted by descending priority
			pos := 0
			for pos < len(rq.rt) && rq.rt[pos].prio > e.Prio {
				pos++
			}
			rq.rt = append(rq.rt, rtbucket_t{})
			copy(rq.rt[pos+1:], rq.rt[pos:])
			rq.rt[pos] = rtbucket_t{prio: e.Prio}
			bi = pos
		}
		rq.rt[bi].tasks = append(rq.rt[bi].tasks, t)
		if e.Class == C_RR && e.Slice <= 0 {
			e.Slice = RR_SLICE
		}
	case C_CFS:
		if e.Vruntime < rq.minvrt {
			e.Vruntime = rq.minvrt
		}
		rq.cfs.insert(t)
	default:
		panic("wut")
	}
}

func (rq *Runq_t) Enqueue(t Runnable_i) {
	rq.Lock()
	rq.enq(t)
	rq.Unlock()
}

// deq removes and returns the best runnable entity: highest-priority rt
// first, then leftmost cfs.
func (rq *Runq_t) deq() Runnable_i {
	for bi := 0; bi < len(rq.rt); bi++ {
		b := &rq.rt[bi]
		if len(b.tasks) == 0 {
			continue
		}
		t := b.tasks[0]
		copy(b.tasks, b.tasks[1:])
		b.tasks = b.tasks[:len(b.tasks)-1]
		t.Ent().queued = false
		rq.n--
		return t
	}
	if t := rq.cfs.popleft(); t != nil {
		e := t.Ent()
		e.queued = false
		if e.Vruntime > rq.minvrt {
			rq.minvrt = e.Vruntime
		}
		rq.n--
		return t
	}
	return nil
}

func (rq *Runq_t) Dequeue() Runnable_i {
	rq.Lock()
	t := rq.deq()
	rq.Unlock()
	return t
}

// Remove takes a specific entity out of the queue (wake-on-other-cpu,
// migration). returns false if it was not queued here.
func (rq *Runq_t) Remove(t Runnable_i) bool {
	rq.Lock()
	defer rq.Unlock()
	e := t.Ent()
	if !e.queued {
		return false
	}
	switch e.Class {
	case C_FIFO, C_RR:
		bi := rq.rtfind(e.Prio)
		if bi != -1 {
			b := &rq.rt[bi]
			for i := range b.tasks {
				if b.tasks[i] == t {
					b.tasks = append(b.tasks[:i], b.tasks[i+1:]...)
					e.queued = false
					rq.n--
					return true
				}
			}
		}
	case C_CFS:
		if rq.cfs.remove(t) {
			e.queued = false
			rq.n--
			return true
		}
	}
	return false
}

func (rq *Runq_t) Len() int {
	rq.Lock()
	defer rq.Unlock()
	return rq.n
}

// Preempts reports whether newcomer should preempt cur right now.
// rt beats cfs strictly; within rt, strictly higher priority wins.
func Preempts(cur, newcomer *Ent_t) bool {
	if cur == nil {
		return true
	}
	curt := cur.Class == C_FIFO || cur.Class == C_RR
	newrt := newcomer.Class == C_FIFO || newcomer.Class == C_RR
	if newrt && !curt {
		return true
	}
	if !newrt {
		return false
	}
	return newcomer.Prio > cur.Prio
}

// Tick charges one timer tick to cur and reports whether the cpu should
// reschedule.
func (rq *Runq_t) Tick(cur *Ent_t) bool {
	if cur == nil {
		return rq.Len() > 0
	}
	switch cur.Class {
	case C_FIFO:
		// fifo runs until it blocks, yields, or is preempted by a
		// higher priority; check for one
		rq.Lock()
		defer rq.Unlock()
		for bi := range rq.rt {
			if len(rq.rt[bi].tasks) > 0 {
				return rq.rt[bi].prio > cur.Prio
			}
		}
		return false
	case C_RR:
		cur.Slice--
		if cur.Slice > 0 {
			// higher rt prio still preempts mid-slice
			rq.Lock()
			defer rq.Unlock()
			for bi := range rq.rt {
				if len(rq.rt[bi].tasks) > 0 {
					return rq.rt[bi].prio > cur.Prio
				}
			}
			return false
		}
		cur.Slice = RR_SLICE
		return rq.Len() > 0
	case C_CFS:
		cur.Slice--
		cur.Vruntime += uint64(weight_nice_0) * 1024 / uint64(cur.Weight())
		if cur.Slice > 0 {
			return false
		}
		rq.Lock()
		defer rq.Unlock()
		for bi := range rq.rt {
			if len(rq.rt[bi].tasks) > 0 {
				return true
			}
		}
		if l := rq.cfs.leftmost(); l != nil {
			return l.Ent().Vruntime < cur.Vruntime
		}
		return false
	}
	panic("wut")
}

// Cfsslice computes the slice, in ticks, a cfs entity gets when it goes
// on cpu: a fair share of the latency target, never under MINGRAN.
func (rq *Runq_t) Cfsslice() int {
	const latency = 12
	rq.Lock()
	nr := rq.n + 1
	rq.Unlock()
	s := latency / nr
	if s < MINGRAN {
		s = MINGRAN
	}
	return s
}
