package main

import "rvkern/defs"
import "rvkern/fd"
import "rvkern/proc"
import "rvkern/sched"
import "rvkern/ustr"
import "rvkern/util"
import "rvkern/vm"

// fork: duplicate the address space eagerly, clone the fd table, copy
// signal dispositions, and hand the child a trap frame identical to the
// parent's except that its syscall returns 0.
func sys_fork(p *proc.Proc_t, tf *[defs.TFSIZE]uintptr) int {
	p.Fdl.Lock()
	child, ok := proc.Proc_new(p.Name, p.Cwd, p.Fds, sys)
	p.Fdl.Unlock()
	if !ok {
		return int(-defs.ENOMEM)
	}
	child.Ppid = p.Pid
	child.Pwait = &p.Mywait
	if !p.Start_proc(child.Pid) {
		proc.Tid_del()
		proc.Proc_del(child.Pid)
		return int(-defs.ENOMEM)
	}

	if err := p.Vm.Fork_child(&child.Vm); err != 0 {
		proc.Proc_del(child.Pid)
		return int(err)
	}
	p.Sigs.Fork_copy(&child.Sigs)
	// the working directory is per process; the child starts with a
	// copy, not a share
	p.Cwd.Lock()
	child.Cwd = &fd.Cwd_t{Fd: child.Cwd.Fd,
		Path: append(ustr.MkUstr(), p.Cwd.Path...)}
	p.Cwd.Unlock()
	child.Uid, child.Gid = p.Uid, p.Gid
	child.Euid, child.Egid = p.Euid, p.Egid
	child.Mmapi = p.Mmapi

	ct := child.Thread0()
	ct.Tf = *tf
	ct.Tf[defs.TF_A0] = 0
	ct.Tf[defs.TF_SEPC] = tf[defs.TF_SEPC]
	// the child inherits the parent's scheduling parameters
	pent := p.Thread0().Ent()
	cent := ct.Ent()
	cent.Class = pent.Class
	cent.Prio = pent.Prio
	cent.Nice = pent.Nice

	Sched_add(ct)
	return child.Pid
}

// Sched_add places a runnable thread on the least-loaded cpu's queue.
func Sched_add(th *proc.Thread_t) {
	sched.Leastloaded().Runq.Enqueue(th)
}

func sys_exec(p *proc.Proc_t, tf *[defs.TFSIZE]uintptr, pathn int) int {
	return sys_execve(p, tf, pathn, 0, 0)
}

func sys_execve(p *proc.Proc_t, tf *[defs.TFSIZE]uintptr, pathn, argn,
	envn int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	args, err := p.Userargs(argn)
	if err != 0 {
		return int(err)
	}
	envs, err := p.Userargs(envn)
	if err != 0 {
		return int(err)
	}
	return sys_execv1(p, tf, path, args, envs)
}

func sys_execv1(p *proc.Proc_t, tf *[defs.TFSIZE]uintptr, paths ustr.Ustr,
	args, envs []ustr.Ustr) int {
	if p.Thread_count() > 1 {
		// all other threads must terminate before exec replaces the
		// address space
		return int(-defs.EINVAL)
	}

	// read the whole image
	file, ferr := thefs.Fs_open(paths, defs.O_RDONLY, flocks)
	if ferr != 0 {
		return int(ferr)
	}
	sz := file.Inode().Size()
	img := make([]uint8, sz)
	if _, err := file.Inode().Read(img, 0); err != 0 {
		file.Close()
		return int(err)
	}
	file.Close()

	elf := vm.Mkelf(img)
	if !elf.Sanity() {
		return int(-defs.EPERM)
	}

	// build the fresh address space; restore the old one on failure
	var nvm vm.Vm_t
	if err := nvm.Vm_init(); err != 0 {
		return int(err)
	}
	nvm.Lock_pmap()
	if err := elf.Elf_load(&nvm); err != 0 {
		nvm.Unlock_pmap()
		nvm.Uvmfree()
		return int(err)
	}

	// guard page + growable user stack below the trap pages
	stktop := int(vm.USTACKTOP)
	stkpages := vm.USTACKPAGES
	nvm.Vmadd_anon(stktop-(stkpages+1)*pgsize(), pgsize(), 0)
	nvm.Vmadd_anon(stktop-stkpages*pgsize(), stkpages*pgsize(),
		vm.PTE_U|vm.PTE_R|vm.PTE_W)

	// argv/envp layout on the initial stack
	sp, argc, argv, serr := insertargs(&nvm, stktop, args, envs)
	if serr != 0 {
		nvm.Unlock_pmap()
		nvm.Uvmfree()
		return int(serr)
	}
	nvm.Unlock_pmap()

	// the exec must succeed now; swap in the new space and drop the old
	p.Vm.Uvmfree()
	p.Vm.Lock_pmap()
	p.Vm.Pmap, p.Vm.P_pmap = nvm.Pmap, nvm.P_pmap
	p.Vm.Vmregion = nvm.Vmregion
	p.Vm.Unlock_pmap()
	p.Mmapi = vm.USERMIN

	// close fds marked close-on-exec
	p.Fdl.Lock()
	for fdn, f := range p.Fds {
		if f == nil {
			continue
		}
		if f.Perms&fd.FD_CLOEXEC != 0 {
			p.Fdl.Unlock()
			if sys.Sys_close(p, fdn) != 0 {
				panic("close")
			}
			p.Fdl.Lock()
		}
	}
	p.Fdl.Unlock()

	// dispositions reset to default; the blocked mask survives
	p.Sigs.Exec_reset()
	p.Name = paths

	tf[defs.TF_SP] = uintptr(sp)
	tf[defs.TF_SEPC] = elf.Entry()
	tf[defs.TF_A0] = uintptr(argc)
	tf[defs.TF_A1] = uintptr(argv)
	tf[defs.TF_SSTATUS] = defs.TF_SSTATUS_SPIE | defs.TF_SSTATUS_SUM
	return 0
}

func pgsize() int {
	return 1 << vm.PGSHIFT
}

// insertargs writes argv and envp strings plus their pointer arrays onto
// the new stack; returns the final sp, argc, and the argv va.
func insertargs(as *vm.Vm_t, stktop int, args, envs []ustr.Ustr) (int, int,
	int, defs.Err_t) {
	sp := stktop
	writestrs := func(strs []ustr.Ustr) ([]int, defs.Err_t) {
		ptrs := make([]int, 0, len(strs))
		for _, s := range strs {
			sp -= len(s) + 1
			buf := make([]uint8, len(s)+1)
			copy(buf, s)
			if err := as.Kwrite_inner(buf, sp); err != 0 {
				return nil, err
			}
			ptrs = append(ptrs, sp)
		}
		return ptrs, 0
	}
	argptrs, err := writestrs(args)
	if err != 0 {
		return 0, 0, 0, err
	}
	envptrs, err := writestrs(envs)
	if err != 0 {
		return 0, 0, 0, err
	}
	sp = util.Rounddown(sp, 16)

	// envp array (nil terminated), then argv array (nil terminated)
	words := len(argptrs) + 1 + len(envptrs) + 1
	sp -= words * 8
	sp = util.Rounddown(sp, 16)
	buf := make([]uint8, words*8)
	off := 0
	for _, ptr := range argptrs {
		util.Writen(buf, 8, off, ptr)
		off += 8
	}
	util.Writen(buf, 8, off, 0)
	off += 8
	for _, ptr := range envptrs {
		util.Writen(buf, 8, off, ptr)
		off += 8
	}
	util.Writen(buf, 8, off, 0)
	if err := as.Kwrite_inner(buf, sp); err != 0 {
		return 0, 0, 0, err
	}
	return sp, len(argptrs), sp, 0
}

func (s *syscall_t) Sys_exit(p *proc.Proc_t, tid defs.Tid_t, status int) {
	// set doomed so all other threads die
	p.Doomall()
	flocks.Exitlocks(p.Pid)
	p.Thread_dead(tid, status, true)
}

func sys_wait4(p *proc.Proc_t, wpid, statusn, options int) int {
	if wpid == defs.WAIT_MYPGRP {
		return int(-defs.ENOSYS)
	}
	noblk := options&defs.WNOHANG != 0
	resp, err := p.Mywait.Reappid(wpid, noblk)
	if err != 0 {
		return int(err)
	}
	if !resp.Valid {
		// WNOHANG and no zombie yet
		return 0
	}
	if statusn != 0 {
		if err := p.Vm.Userwriten(statusn, 4, resp.Status); err != 0 {
			return int(err)
		}
	}
	p.Catime.Add(&resp.Atime)
	return resp.Pid
}

// Mkinit builds pid 1 from an executable image already in memory and
// queues its first thread.
func Mkinit(img []uint8, cwd *fd.Cwd_t, stdfds []*fd.Fd_t,
	name string) (*proc.Proc_t, defs.Err_t) {
	ip, ok := proc.Proc_new(ustr.Ustr(name), cwd, stdfds, sys)
	if !ok {
		return nil, -defs.ENOMEM
	}
	if ip.Pid != 1 {
		panic("init must be pid 1")
	}
	ip.Pwait = &ip.Mywait

	if err := ip.Vm.Vm_init(); err != 0 {
		return nil, err
	}
	elf := vm.Mkelf(img)
	if !elf.Sanity() {
		return nil, -defs.EPERM
	}
	ip.Vm.Lock_pmap()
	if err := elf.Elf_load(&ip.Vm); err != 0 {
		ip.Vm.Unlock_pmap()
		return nil, err
	}
	stktop := int(vm.USTACKTOP)
	ip.Vm.Vmadd_anon(stktop-(vm.USTACKPAGES+1)*pgsize(), pgsize(), 0)
	ip.Vm.Vmadd_anon(stktop-vm.USTACKPAGES*pgsize(),
		vm.USTACKPAGES*pgsize(), vm.PTE_U|vm.PTE_R|vm.PTE_W)
	sp, argc, argv, serr := insertargs(&ip.Vm, stktop,
		[]ustr.Ustr{ustr.Ustr(name)}, nil)
	if serr != 0 {
		ip.Vm.Unlock_pmap()
		return nil, serr
	}
	ip.Vm.Unlock_pmap()

	t0 := ip.Thread0()
	t0.Tf[defs.TF_SP] = uintptr(sp)
	t0.Tf[defs.TF_SEPC] = elf.Entry()
	t0.Tf[defs.TF_A0] = uintptr(argc)
	t0.Tf[defs.TF_A1] = uintptr(argv)
	t0.Tf[defs.TF_SSTATUS] = defs.TF_SSTATUS_SPIE | defs.TF_SSTATUS_SUM
	Sched_add(t0)
	return ip, 0
}
