package main

import "sync"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/proc"
import "rvkern/riscv"

// the small devices the vfs exposes besides the console and the
// framebuffer: a prng and the input event queue.

// xorshift64 seeded from the timebase; not for cryptography.
type rngdev_t struct {
	sync.Mutex
	state uint64
}

func mkrng() *rngdev_t {
	seed := riscv.Machine.Rdtime() | 1
	return &rngdev_t{state: seed}
}

func (rd *rngdev_t) next() uint64 {
	x := rd.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	rd.state = x
	return x
}

func (rd *rngdev_t) Dread(dst []uint8, off int) (int, defs.Err_t) {
	rd.Lock()
	defer rd.Unlock()
	for i := range dst {
		dst[i] = uint8(rd.next())
	}
	return len(dst), 0
}

func (rd *rngdev_t) Dwrite(src []uint8, off int) (int, defs.Err_t) {
	// writes stir the pool
	rd.Lock()
	for _, b := range src {
		rd.state ^= uint64(b)
		rd.next()
	}
	rd.Unlock()
	return len(src), 0
}

func (rd *rngdev_t) Dioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (rd *rngdev_t) Dpoll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return pm.Events & fdops.R_READ, 0
}

// input events are fixed 16-byte records queued by the driver layer.
const inevsz = 16

type inputdev_t struct {
	sync.Mutex
	cond    *sync.Cond
	evs     []uint8
	pollers fdops.Pollers_t
}

var inputdev = mkinput()

func mkinput() *inputdev_t {
	id := &inputdev_t{}
	id.cond = sync.NewCond(id)
	return id
}

// Input_post is called by the driver layer with one event record.
func Input_post(ev [inevsz]uint8) {
	id := inputdev
	id.Lock()
	id.evs = append(id.evs, ev[:]...)
	id.cond.Broadcast()
	id.pollers.Wakeready(fdops.R_READ)
	id.Unlock()
}

func (id *inputdev_t) Dread(dst []uint8, off int) (int, defs.Err_t) {
	id.Lock()
	for len(id.evs) == 0 {
		if err := proc.KillableWait(id.cond); err != 0 {
			id.Unlock()
			return 0, err
		}
	}
	// whole events only
	n := len(dst) - len(dst)%inevsz
	if n > len(id.evs) {
		n = len(id.evs)
	}
	copy(dst, id.evs[:n])
	id.evs = id.evs[n:]
	id.Unlock()
	return n, 0
}

func (id *inputdev_t) Dwrite(src []uint8, off int) (int, defs.Err_t) {
	return 0, -defs.EPERM
}

func (id *inputdev_t) Dioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (id *inputdev_t) Dpoll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	id.Lock()
	defer id.Unlock()
	if len(id.evs) > 0 && pm.Events&fdops.R_READ != 0 {
		return fdops.R_READ, 0
	}
	if pm.Dowait {
		return 0, id.pollers.Addpoller(&pm)
	}
	return 0, 0
}
