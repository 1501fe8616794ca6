package main

import "sync"
import "time"

import "rvkern/defs"
import "rvkern/proc"
import "rvkern/riscv"
import "rvkern/tinfo"

// the timer wheel: one-shot callbacks keyed by deadline, driven from the
// supervisor timer interrupt. alarm(2) and nanosleep(2) ride on it.

const HZ = 100

// timebase frequency of the platform clock; qemu virt uses 10MHz.
var Timebase uint64 = 10_000_000

type tevent_t struct {
	when uint64
	f    func()
	next *tevent_t
}

type twheel_t struct {
	sync.Mutex
	events *tevent_t
}

var twheel twheel_t

func (tw *twheel_t) enqueue(when uint64, f func()) *tevent_t {
	tw.Lock()
	defer tw.Unlock()
	ev := &tevent_t{when: when, f: f}
	var prev *tevent_t
	n := tw.events
	for n != nil && n.when <= when {
		prev = n
		n = n.next
	}
	ev.next = n
	if prev == nil {
		tw.events = ev
	} else {
		prev.next = ev
	}
	return ev
}

func (tw *twheel_t) cancel(ev *tevent_t) bool {
	tw.Lock()
	defer tw.Unlock()
	var prev *tevent_t
	for n := tw.events; n != nil; n = n.next {
		if n == ev {
			if prev == nil {
				tw.events = n.next
			} else {
				prev.next = n.next
			}
			return true
		}
		prev = n
	}
	return false
}

// advance fires every event whose deadline passed.
func (tw *twheel_t) advance(now uint64) {
	for {
		tw.Lock()
		ev := tw.events
		if ev == nil || ev.when > now {
			tw.Unlock()
			return
		}
		tw.events = ev.next
		tw.Unlock()
		ev.f()
	}
}

func timer_intr(hart int) {
	now := riscv.Machine.Rdtime()
	twheel.advance(now)
	riscv.Machine.SetTimer(now + Timebase/HZ)
}

// alarms holds each process's pending alarm. sys_alarm arms a one-shot
// SIGALRM for p, replacing any previous alarm, and returns the seconds
// that were remaining.
type alarmstate_t struct {
	sync.Mutex
	evs map[int]*tevent_t
}

var alarms = alarmstate_t{evs: make(map[int]*tevent_t)}

func sys_alarm(p *proc.Proc_t, secs int) int {
	alarms.Lock()
	defer alarms.Unlock()
	old := 0
	if ev, ok := alarms.evs[p.Pid]; ok {
		now := riscv.Machine.Rdtime()
		if ev.when > now {
			old = int((ev.when - now) / Timebase)
		}
		twheel.cancel(ev)
		delete(alarms.evs, p.Pid)
	}
	if secs > 0 {
		when := riscv.Machine.Rdtime() + uint64(secs)*Timebase
		pid := p.Pid
		alarms.evs[pid] = twheel.enqueue(when, func() {
			if tp, ok := proc.Proc_check(pid); ok {
				tp.Signal(defs.SIGALRM)
			}
			alarms.Lock()
			delete(alarms.evs, pid)
			alarms.Unlock()
		})
	}
	return old
}

// sleeps block on a channel armed by the timer wheel; a kill interrupts
// and reports the remaining time.
func sys_nanosleep(p *proc.Proc_t, tsn, remn int) int {
	secs, err := p.Vm.Userreadn(tsn, 8)
	if err != 0 {
		return int(err)
	}
	nsecs, err := p.Vm.Userreadn(tsn+8, 8)
	if err != 0 {
		return int(err)
	}
	if secs < 0 || nsecs < 0 || nsecs > 1_000_000_000 {
		return int(-defs.EINVAL)
	}
	tot := time.Duration(secs)*time.Second + time.Duration(nsecs)
	start := time.Now()

	wake := make(chan bool, 1)
	ticks := uint64(tot.Nanoseconds()) * (Timebase / 1_000_000) / 1000
	ev := twheel.enqueue(riscv.Machine.Rdtime()+ticks, func() {
		wake <- true
	})
	kn := &tinfo.Current().Killnaps
	select {
	case <-wake:
		return 0
	case <-kn.Killch:
		twheel.cancel(ev)
		if remn != 0 {
			left := tot - time.Since(start)
			if left < 0 {
				left = 0
			}
			p.Vm.Userwriten(remn, 8, int(left/time.Second))
			p.Vm.Userwriten(remn+8, 8, int(left%time.Second))
		}
		return int(-defs.EINTR)
	}
}

func sys_gettimeofday(p *proc.Proc_t, tvn int) int {
	now := time.Now()
	if err := p.Vm.Userwriten(tvn, 8, int(now.Unix())); err != 0 {
		return int(err)
	}
	usec := now.Nanosecond() / 1000
	if err := p.Vm.Userwriten(tvn+8, 8, usec); err != 0 {
		return int(err)
	}
	return 0
}

func sys_clock_gettime(p *proc.Proc_t, clkid, tsn int) int {
	switch clkid {
	case defs.CLOCK_REALTIME, defs.CLOCK_MONOTONIC:
	default:
		return int(-defs.EINVAL)
	}
	now := time.Now()
	if err := p.Vm.Userwriten(tsn, 8, int(now.Unix())); err != 0 {
		return int(err)
	}
	if err := p.Vm.Userwriten(tsn+8, 8, now.Nanosecond()); err != 0 {
		return int(err)
	}
	return 0
}
