package main

import "fmt"
import "sync"

import "rvkern/defs"
import "rvkern/proc"
import "rvkern/riscv"

// a software watchdog: once enabled it must be fed within its timeout
// or the kernel reports the starving interval and, if configured hard,
// panics. one global instance, serialized by its lock.
type watchdog_t struct {
	sync.Mutex
	enabled bool
	hard    bool
	timeout uint64
	lastfed uint64
}

var watchdog watchdog_t

func (wd *watchdog_t) enable(secs int, hard bool) defs.Err_t {
	if secs <= 0 {
		return -defs.EINVAL
	}
	wd.Lock()
	wd.enabled = true
	wd.hard = hard
	wd.timeout = uint64(secs) * Timebase
	wd.lastfed = riscv.Machine.Rdtime()
	wd.Unlock()
	return 0
}

func (wd *watchdog_t) disable() {
	wd.Lock()
	wd.enabled = false
	wd.Unlock()
}

func (wd *watchdog_t) feed() {
	wd.Lock()
	wd.lastfed = riscv.Machine.Rdtime()
	wd.Unlock()
}

// checked from the timer tick
func (wd *watchdog_t) check(now uint64) {
	wd.Lock()
	defer wd.Unlock()
	if !wd.enabled || now-wd.lastfed < wd.timeout {
		return
	}
	if wd.hard {
		panic("watchdog expired")
	}
	fmt.Printf("watchdog: starved for %v ticks\n", now-wd.lastfed)
	wd.lastfed = now
}

// remaining ticks until expiry, or -1 when disabled
func (wd *watchdog_t) status() int {
	wd.Lock()
	defer wd.Unlock()
	if !wd.enabled {
		return -1
	}
	now := riscv.Machine.Rdtime()
	left := wd.lastfed + wd.timeout
	if left <= now {
		return 0
	}
	return int(left - now)
}

func sys_watchdog(p *proc.Proc_t, sysno, a0, a1 int) int {
	switch sysno {
	case defs.SYS_WD_ENABLE:
		return int(watchdog.enable(a0, a1 != 0))
	case defs.SYS_WD_DISABLE:
		watchdog.disable()
		return 0
	case defs.SYS_WD_FEED:
		watchdog.feed()
		return 0
	case defs.SYS_WD_STATUS:
		return watchdog.status()
	}
	return int(-defs.ENOSYS)
}
