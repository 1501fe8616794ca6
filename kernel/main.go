package main

import "fmt"
import "sync/atomic"

import "rvkern/defs"
import "rvkern/fd"
import "rvkern/fs"
import "rvkern/ipc"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/riscv"
import "rvkern/sched"
import "rvkern/tinfo"
import "rvkern/trap"
import "rvkern/ustr"
import "rvkern/vm"

// the boot stubs fill these in before kmain runs: the usable ram window
// (past the kernel image), the root block device, and the low-level
// user-mode entry/exit primitive.
var Bootmem struct {
	Base   mem.Pa_t
	Npg    int
	Window []uint8
}

var Rootdev fs.Blockdev_i

// Userrun enters user mode with tf and the given satp and returns at
// the next trap: scause and stval. the trap frame is refilled with the
// interrupted register state.
var Userrun = func(tf *[defs.TFSIZE]uintptr, satp uintptr) (uintptr, uintptr) {
	panic("no userrun stub")
}

var nhart int32 = 1
var bootdone int32

func Set_nhart(n int) {
	nhart = int32(n)
}

// kmain is the supervisor entry: the boot stub calls it with the hart id
// and the device-tree pointer after setting up a boot stack and clearing
// bss. hart 0 initializes every subsystem; the others park until the
// boot flag flips and then enter the scheduler.
func kmain(hartid int, dtb uintptr) {
	if hartid != 0 {
		for atomic.LoadInt32(&bootdone) == 0 {
		}
		fmt.Printf("hart %v up\n", hartid)
		schedloop(hartid)
		return
	}

	fmt.Printf("rvkern booting, %v harts\n", nhart)

	// leaves first: frames, kernel heap, cpus
	mem.Phys_init(Bootmem.Base, Bootmem.Npg, Bootmem.Window)
	mem.Kheap_init()
	sched.Cpu_init(int(nhart))

	// vfs: fat32 root over the boot block device, devfs at /dev
	rootfs, err := fs.MkFat(Rootdev, 1)
	if err != 0 {
		panic("no root filesystem")
	}
	thefs = fs.MkVfs(rootfs)
	devfs := fs.MkDevfs(thefs.Nextfsid())
	devfs.Register(ustr.Ustr("console"), defs.D_CONSOLE, &consdev_t{})
	devfs.Register(ustr.Ustr("random"), defs.D_RNG, mkrng())
	devfs.Register(ustr.Ustr("input"), defs.D_INPUT, inputdev)
	if fbdev != nil {
		devfs.Register(ustr.Ustr("fb0"), defs.D_FB, fbdev)
	}
	if rootdir, merr := thefs.Namei(ustr.Ustr("/dev")); merr != 0 {
		r := rootfs.Root()
		devino, cerr := r.Create(ustr.Ustr("dev"), fs.I_DIR)
		if cerr != 0 {
			panic("mkdir /dev")
		}
		devino.Refdown()
	} else {
		rootdir.Refdown()
	}
	if merr := thefs.Mount(ustr.Ustr("/dev"), devfs); merr != 0 {
		panic("mount /dev")
	}

	// sockets bind into the namespace through the vfs hooks
	ipc.Mksocknode = func(path ustr.Ustr) defs.Err_t {
		dir, fn, err := thefs.Nameiparent(path)
		if err != 0 {
			return err
		}
		nn, cerr := dir.Create(fn, fs.I_FILE)
		dir.Refdown()
		if cerr != 0 {
			return cerr
		}
		nn.Refdown()
		return 0
	}
	ipc.Rmsocknode = func(path ustr.Ustr) {
		if dir, fn, err := thefs.Nameiparent(path); err == 0 {
			dir.Unlink(fn)
			dir.Refdown()
		}
	}

	cons_init(10)
	trap.Timer_tick = kern_tick
	vm.Tlbshootf = tlbshoot_ipi
	trap.Ipi_handler = ipi_handle

	// init: /bin/init if present, else the shell
	inames := []string{"/bin/init", "/bin/shell"}
	var img []uint8
	var iname string
	for _, n := range inames {
		f, ferr := thefs.Fs_open(ustr.Ustr(n), defs.O_RDONLY, flocks)
		if ferr != 0 {
			continue
		}
		sz := f.Inode().Size()
		img = make([]uint8, sz)
		if _, rerr := f.Inode().Read(img, 0); rerr != 0 {
			f.Close()
			continue
		}
		f.Close()
		iname = n
		break
	}
	if img == nil {
		panic("no init binary on the root filesystem")
	}

	rootops, ferr := thefs.Fs_open(ustr.MkUstrRoot(), defs.O_RDONLY, flocks)
	if ferr != 0 {
		panic("open root")
	}
	cwd := fd.MkRootCwd(&fd.Fd_t{Fops: rootops})
	consops, cerr := thefs.Fs_open(ustr.Ustr("/dev/console"),
		defs.O_RDWR, flocks)
	if cerr != 0 {
		panic("open console")
	}
	consfd := &fd.Fd_t{Fops: consops, Perms: fd.FD_READ | fd.FD_WRITE}
	stdfds := []*fd.Fd_t{consfd, consfd, consfd}
	if _, merr := Mkinit(img, cwd, stdfds, iname); merr != 0 {
		panic("spawn init")
	}

	riscv.Machine.SetTimer(riscv.Machine.Rdtime() + Timebase/HZ)
	atomic.StoreInt32(&bootdone, 1)
	schedloop(0)
}

// kern_tick runs from the timer interrupt: time accounting, timer
// wheel, watchdog, and the scheduling decision.
func kern_tick(hart int) bool {
	now := riscv.Machine.Rdtime()
	watchdog.check(now)
	if hart == 0 {
		timer_intr(hart)
	}
	cpu := sched.Cpu(hart)
	var ent *sched.Ent_t
	if cur, ok := cpu.Cur.(*proc.Thread_t); ok && cur != nil {
		ent = cur.Ent()
		cur.Proc.Atime.Utadd(1_000_000_000 / HZ)
	}
	resched := cpu.Runq.Tick(ent)
	// periodic pull-based load balancing from the bootstrap hart
	if hart == 0 {
		sched.Balance()
	}
	return resched
}

// tlbshoot_ipi fences locally and kicks every other hart; their ipi
// handlers fence their own tlbs.
func tlbshoot_ipi(p_pmap mem.Pa_t, startva uintptr, pgcount int) {
	riscv.Machine.SfenceVMA()
	for i := 0; i < sched.Ncpu(); i++ {
		if i != riscv.Machine.Id() {
			riscv.Machine.SendIPI(i)
		}
	}
}

func ipi_handle(hart int) {
	riscv.Machine.SfenceVMA()
}

// schedloop is a hart's life after boot: pick a thread, run it until it
// traps, dispatch, repeat. blocked queues are drained by wakeups that
// re-enqueue threads.
func schedloop(hart int) {
	cpu := sched.Cpu(hart)
	for {
		th := cpu.Runq.Dequeue()
		if th == nil {
			// the idle loop; interrupts will deliver work
			continue
		}
		t := th.(*proc.Thread_t)
		ent := t.Ent()
		ent.State = sched.S_RUNNING
		if ent.Class == sched.C_CFS {
			ent.Slice = cpu.Runq.Cfsslice()
		}
		cpu.Cur = t
		runthread(cpu, t)
		cpu.Cur = nil
	}
}

// runthread drives one thread until it blocks, exits, or is preempted.
func runthread(cpu *sched.Cpu_t, t *proc.Thread_t) {
	p := t.Proc
	tinfo.SetCurrent(t.Note())
	vm.Pmap_activate(p.Vm.P_pmap)
	for {
		if act := trap.Sigcheck(p, t, &t.Tf); act == trap.A_EXIT {
			return
		}
		cause, tval := Userrun(&t.Tf, riscv.MakeSatp(uintptr(p.Vm.P_pmap)))
		act := trap.Trap_proc(p, t.Tid, &t.Tf, cause, tval)
		switch act {
		case trap.A_EXIT:
			// the exiting syscall may have reaped this thread
			// already
			if _, alive := p.Thread(t.Tid); alive {
				p.Reap_doomed(t.Tid)
			}
			return
		case trap.A_RESCHED:
			ent := t.Ent()
			ent.State = sched.S_READY
			cpu.Runq.Enqueue(t)
			tinfo.ClearCurrent()
			return
		}
	}
}

func main() {
	kmain(riscv.Machine.Id(), 0)
}
