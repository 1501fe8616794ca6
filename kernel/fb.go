package main

import "sync"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/util"
import "rvkern/vm"

func vmperms() mem.Pa_t {
	return vm.PTE_U | vm.PTE_R | vm.PTE_W
}

// the framebuffer device node. the driver layer hands the kernel a
// pixel buffer; the gui syscalls expose info/flush/map over it.

const (
	FBIOGET_INFO = 0x4600
	FBIO_FLUSH   = 0x4601
)

type fbdev_t struct {
	sync.Mutex
	width  int
	height int
	pitch  int
	// backing frames so user mappings can share them
	pgs []mem.Pa_t
	// driver flush callback
	flush func()
}

var fbdev *fbdev_t

func fb_init(width, height int, flush func()) bool {
	pitch := width * 4
	npgs := (pitch*height + mem.PGSIZE - 1) / mem.PGSIZE
	fb := &fbdev_t{width: width, height: height, pitch: pitch, flush: flush}
	for i := 0; i < npgs; i++ {
		_, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			for _, opa := range fb.pgs {
				mem.Physmem.Free(opa, 0)
			}
			return false
		}
		mem.Physmem.Refup(pa)
		fb.pgs = append(fb.pgs, pa)
	}
	fbdev = fb
	return true
}

func (fb *fbdev_t) Dread(dst []uint8, off int) (int, defs.Err_t) {
	fb.Lock()
	defer fb.Unlock()
	sz := fb.pitch * fb.height
	if off >= sz {
		return 0, 0
	}
	if off+len(dst) > sz {
		dst = dst[:sz-off]
	}
	did := 0
	for len(dst) != 0 {
		pa := fb.pgs[(off+did)/mem.PGSIZE]
		poff := (off + did) % mem.PGSIZE
		b := mem.Pg2bytes(mem.Physmem.Dmap(pa))
		c := copy(dst, b[poff:])
		dst = dst[c:]
		did += c
	}
	return did, 0
}

func (fb *fbdev_t) Dwrite(src []uint8, off int) (int, defs.Err_t) {
	fb.Lock()
	defer fb.Unlock()
	sz := fb.pitch * fb.height
	if off >= sz {
		return 0, -defs.ENOSPC
	}
	if off+len(src) > sz {
		src = src[:sz-off]
	}
	did := 0
	for len(src) != 0 {
		pa := fb.pgs[(off+did)/mem.PGSIZE]
		poff := (off + did) % mem.PGSIZE
		b := mem.Pg2bytes(mem.Physmem.Dmap(pa))
		c := copy(b[poff:], src)
		src = src[c:]
		did += c
	}
	return did, 0
}

func (fb *fbdev_t) Dioctl(cmd, arg int) (int, defs.Err_t) {
	switch cmd {
	case FBIO_FLUSH:
		if fb.flush != nil {
			fb.flush()
		}
		return 0, 0
	}
	return 0, -defs.EINVAL
}

func (fb *fbdev_t) Dpoll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return pm.Events & fdops.R_WRITE, 0
}

func sys_gui(p *proc.Proc_t, sysno, a0, a1 int) int {
	if fbdev == nil {
		return int(-defs.ENODEV)
	}
	switch sysno {
	case defs.SYS_GUI_INFO:
		// {width, height, pitch} as three 8-byte words
		buf := make([]uint8, 24)
		util.Writen(buf, 8, 0, fbdev.width)
		util.Writen(buf, 8, 8, fbdev.height)
		util.Writen(buf, 8, 16, fbdev.pitch)
		if err := p.Vm.K2user(buf, a0); err != 0 {
			return int(err)
		}
		return 0
	case defs.SYS_GUI_FLUSH:
		if fbdev.flush != nil {
			fbdev.flush()
		}
		return 0
	case defs.SYS_GUI_MAP:
		// map the pixel frames shared into the address space
		p.Vm.Lock_pmap()
		defer p.Vm.Unlock_pmap()
		sz := len(fbdev.pgs) * mem.PGSIZE
		va := p.Vm.Unusedva_inner(p.Mmapi, sz)
		p.Vm.Vmadd_shareanon(va, sz, vmperms())
		for i, pa := range fbdev.pgs {
			_, ok := p.Vm.Page_insert(va+i*mem.PGSIZE, pa,
				vmperms(), false, nil)
			if !ok {
				return int(-defs.ENOMEM)
			}
		}
		p.Mmapi = va + sz
		return va
	}
	return int(-defs.ENOSYS)
}
