package sched

import "sync"

import "rvkern/defs"

// per-cpu run state: the runqueue, the running entity, and the idle
// entity the cpu falls back to.
type Cpu_t struct {
	Num  int
	Runq Runq_t
	// protected by Runq's lock
	Cur  Runnable_i
	Idle Runnable_i
}

var cpus [defs.MAXCPUS]Cpu_t
var ncpu = 1
var cpuinit sync.Once

func Cpu_init(n int) {
	cpuinit.Do(func() {
		if n <= 0 || n > defs.MAXCPUS {
			panic("bad cpu count")
		}
		ncpu = n
		for i := 0; i < n; i++ {
			cpus[i].Num = i
			cpus[i].Runq.cpu = i
		}
	})
}

func Cpu(n int) *Cpu_t {
	return &cpus[n]
}

func Ncpu() int {
	return ncpu
}

// Leastloaded picks the cpu with the shortest runqueue; used for wakeups
// and fork placement.
func Leastloaded() *Cpu_t {
	best := &cpus[0]
	bl := best.Runq.Len()
	for i := 1; i < ncpu; i++ {
		if l := cpus[i].Runq.Len(); l < bl {
			best, bl = &cpus[i], l
		}
	}
	return best
}

// migration bound per balance pass
const MAXPULL = 2

// Balance runs periodically from hart 0: the least-loaded cpu pulls
// runnable, non-pinned entities from the most-loaded one. returns the
// number of migrations.
func Balance() int {
	if ncpu == 1 {
		return 0
	}
	min, max := &cpus[0], &cpus[0]
	minl, maxl := min.Runq.Len(), max.Runq.Len()
	for i := 1; i < ncpu; i++ {
		l := cpus[i].Runq.Len()
		if l < minl {
			min, minl = &cpus[i], l
		}
		if l > maxl {
			max, maxl = &cpus[i], l
		}
	}
	if max == min || maxl-minl < 2 {
		return 0
	}
	moved := 0
	for moved < MAXPULL && max.Runq.Len()-min.Runq.Len() >= 2 {
		t := max.steal()
		if t == nil {
			break
		}
		min.Runq.Enqueue(t)
		moved++
	}
	return moved
}

// steal removes one migratable entity from this cpu's queue.
func (c *Cpu_t) steal() Runnable_i {
	rq := &c.Runq
	rq.Lock()
	defer rq.Unlock()
	// scan rt buckets from the low-priority end, then cfs; pinned
	// tasks never migrate
	for bi := len(rq.rt) - 1; bi >= 0; bi-- {
		b := &rq.rt[bi]
		for i := len(b.tasks) - 1; i >= 0; i-- {
			t := b.tasks[i]
			if t.Ent().Pinned {
				continue
			}
			b.tasks = append(b.tasks[:i], b.tasks[i+1:]...)
			t.Ent().queued = false
			rq.n--
			return t
		}
	}
	for i := len(rq.cfs.ents) - 1; i >= 0; i-- {
		t := rq.cfs.ents[i]
		if t.Ent().Pinned {
			continue
		}
		rq.cfs.remove(t)
		t.Ent().queued = false
		rq.n--
		return t
	}
	return nil
}
