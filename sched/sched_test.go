package sched

import "testing"

type ttask_t struct {
	name string
	ent  Ent_t
	ran  int
}

func (t *ttask_t) Ent() *Ent_t {
	return &t.ent
}

func mkcfs(name string, nice int) *ttask_t {
	return &ttask_t{name: name, ent: Ent_t{Class: C_CFS, Nice: nice}}
}

func mkrt(name string, class Class_t, prio int) *ttask_t {
	return &ttask_t{name: name, ent: Ent_t{Class: class, Prio: prio}}
}

// drive one cpu's queue for a number of ticks, accounting ticks to the
// entity on cpu and rescheduling the way the timer path does.
func simulate(rq *Runq_t, ticks int) {
	var cur *ttask_t
	pick := func() {
		if cur != nil {
			rq.Enqueue(cur)
		}
		n := rq.Dequeue()
		if n == nil {
			cur = nil
			return
		}
		cur = n.(*ttask_t)
		if cur.ent.Class == C_CFS {
			cur.ent.Slice = rq.Cfsslice()
		}
	}
	pick()
	for i := 0; i < ticks; i++ {
		if cur == nil {
			pick()
			continue
		}
		cur.ran++
		if rq.Tick(&cur.ent) {
			pick()
		}
	}
}

// for N cpu-bound equal-weight threads on one cpu, each thread's running
// time must be within eps of T/N.
func TestCfsFairness(t *testing.T) {
	rq := &Runq_t{}
	tasks := []*ttask_t{mkcfs("a", 0), mkcfs("b", 0), mkcfs("c", 0), mkcfs("d", 0)}
	for _, tk := range tasks {
		rq.Enqueue(tk)
	}
	const total = 4000
	simulate(rq, total)
	share := total / len(tasks)
	eps := share / 5
	for _, tk := range tasks {
		if tk.ran < share-eps || tk.ran > share+eps {
			t.Fatalf("%s ran %v ticks, fair share %v", tk.name, tk.ran, share)
		}
	}
}

// a heavier (lower nice) entity must accumulate more cpu than a lighter
// one.
func TestCfsWeights(t *testing.T) {
	rq := &Runq_t{}
	heavy := mkcfs("heavy", -5)
	light := mkcfs("light", 5)
	rq.Enqueue(heavy)
	rq.Enqueue(light)
	simulate(rq, 3000)
	if heavy.ran <= light.ran {
		t.Fatalf("heavy %v, light %v", heavy.ran, light.ran)
	}
}

// a higher-priority fifo thread preempts a lower-priority one within one
// tick of becoming runnable.
func TestFifoStrictness(t *testing.T) {
	rq := &Runq_t{}
	lo := mkrt("lo", C_FIFO, 1)
	rq.Enqueue(lo)
	cur := rq.Dequeue().(*ttask_t)
	if cur != lo {
		t.Fatalf("picked %v", cur.name)
	}
	// lo runs; no preemption among equals or empty queue
	if rq.Tick(&cur.ent) {
		t.Fatalf("fifo rescheduled with empty queue")
	}
	hi := mkrt("hi", C_FIFO, 7)
	rq.Enqueue(hi)
	if !rq.Tick(&cur.ent) {
		t.Fatalf("higher fifo prio did not preempt")
	}
	rq.Enqueue(cur)
	next := rq.Dequeue().(*ttask_t)
	if next != hi {
		t.Fatalf("picked %v over hi", next.name)
	}
}

// fifo among equals: first-come-first-served, no slice preemption.
func TestFifoEqualPrio(t *testing.T) {
	rq := &Runq_t{}
	a := mkrt("a", C_FIFO, 3)
	b := mkrt("b", C_FIFO, 3)
	rq.Enqueue(a)
	rq.Enqueue(b)
	cur := rq.Dequeue().(*ttask_t)
	if cur != a {
		t.Fatalf("not fcfs")
	}
	for i := 0; i < 100; i++ {
		if rq.Tick(&cur.ent) {
			t.Fatalf("equal fifo prio preempted at tick %v", i)
		}
	}
}

// rr rotates among equals when the slice expires.
func TestRRSlice(t *testing.T) {
	rq := &Runq_t{}
	a := mkrt("a", C_RR, 3)
	b := mkrt("b", C_RR, 3)
	rq.Enqueue(a)
	rq.Enqueue(b)
	simulate(rq, 20*RR_SLICE)
	if a.ran == 0 || b.ran == 0 {
		t.Fatalf("rr starved: a %v b %v", a.ran, b.ran)
	}
	diff := a.ran - b.ran
	if diff < 0 {
		diff = -diff
	}
	if diff > RR_SLICE {
		t.Fatalf("rr unfair: a %v b %v", a.ran, b.ran)
	}
}

// rt strictly beats cfs.
func TestRtBeatsCfs(t *testing.T) {
	rq := &Runq_t{}
	cpuhog := mkcfs("hog", -20)
	rt := mkrt("rt", C_RR, 1)
	rq.Enqueue(cpuhog)
	rq.Enqueue(rt)
	got := rq.Dequeue().(*ttask_t)
	if got != rt {
		t.Fatalf("cfs beat rt")
	}
}

func TestPreempts(t *testing.T) {
	cfse := &mkcfs("c", 0).ent
	fifo3 := &mkrt("f3", C_FIFO, 3).ent
	fifo5 := &mkrt("f5", C_FIFO, 5).ent
	if !Preempts(cfse, fifo3) {
		t.Fatalf("rt must preempt cfs")
	}
	if Preempts(fifo3, cfse) {
		t.Fatalf("cfs preempted rt")
	}
	if !Preempts(fifo3, fifo5) {
		t.Fatalf("higher rt prio must preempt")
	}
	if Preempts(fifo5, fifo3) {
		t.Fatalf("lower rt prio preempted")
	}
}

func TestBalance(t *testing.T) {
	Cpu_init(2)
	c0, c1 := Cpu(0), Cpu(1)
	var tasks []*ttask_t
	for i := 0; i < 6; i++ {
		tk := mkcfs("t", 0)
		tasks = append(tasks, tk)
		c0.Runq.Enqueue(tk)
	}
	pinned := mkcfs("pin", 0)
	pinned.ent.Pinned = true
	c0.Runq.Enqueue(pinned)

	moved := Balance()
	if moved == 0 {
		t.Fatalf("no migrations")
	}
	if moved > MAXPULL {
		t.Fatalf("migration bound exceeded: %v", moved)
	}
	if pinned.ent.Cpu != 0 {
		t.Fatalf("pinned task migrated")
	}
	if c1.Runq.Len() != moved {
		t.Fatalf("pulled %v but queue has %v", moved, c1.Runq.Len())
	}
}
