package main

import "fmt"
import "sync"

import "rvkern/defs"
import "rvkern/fd"
import "rvkern/fdops"
import "rvkern/fs"
import "rvkern/ipc"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/sched"
import "rvkern/sig"
import "rvkern/stat"
import "rvkern/tinfo"
import "rvkern/trap"
import "rvkern/ustr"
import "rvkern/vm"

// the syscall dispatcher. the number arrives in a7, arguments in a0-a5,
// and the (possibly negative) result goes back in a0.

// Implements proc.Syscall_i
type syscall_t struct {
}

var sys = &syscall_t{}

var thefs *fs.Vfs_t
var flocks = fs.MkFlockmgr()

type statbuf_t struct {
	st stat.Stat_t
}

// Yieldf is installed by the hart scheduler loop.
var Yieldf = func() {}

// Shutdownf is installed by the board layer (sbi system reset).
var Shutdownf = func() {}

func (s *syscall_t) Syscall(p *proc.Proc_t, tid defs.Tid_t,
	tf *[defs.TFSIZE]uintptr) int {

	if p.Doomed() {
		// this process has been killed
		p.Reap_doomed(tid)
		return 0
	}

	sysno := int(tf[defs.TF_A7])
	a0 := int(tf[defs.TF_A0])
	a1 := int(tf[defs.TF_A1])
	a2 := int(tf[defs.TF_A2])
	a3 := int(tf[defs.TF_A3])
	a4 := int(tf[defs.TF_A4])

	var ret int
	switch sysno {
	case defs.SYS_READ:
		ret = sys_read(p, a0, a1, a2)
	case defs.SYS_WRITE:
		ret = sys_write(p, a0, a1, a2)
	case defs.SYS_OPEN:
		ret = sys_open(p, a0, a1, a2)
	case defs.SYS_CLOSE:
		ret = s.Sys_close(p, a0)
	case defs.SYS_STAT:
		ret = sys_stat(p, a0, a1)
	case defs.SYS_FSTAT:
		ret = sys_fstat(p, a0, a1)
	case defs.SYS_LSEEK:
		ret = sys_lseek(p, a0, a1, a2)
	case defs.SYS_DUP:
		ret = sys_dup(p, a0)
	case defs.SYS_DUP2:
		ret = sys_dup2(p, a0, a1)
	case defs.SYS_PIPE2:
		ret = sys_pipe2(p, a0, a1)
	case defs.SYS_MKDIR:
		ret = sys_mkdir(p, a0)
	case defs.SYS_REMOVE:
		ret = sys_remove(p, a0)
	case defs.SYS_LISTDIR:
		ret = sys_listdir(p, a0, a1, a2)
	case defs.SYS_READFILE:
		ret = sys_readfile(p, a0, a1, a2)
	case defs.SYS_CHDIR:
		ret = sys_chdir(p, a0)
	case defs.SYS_GETCWD:
		ret = sys_getcwd(p, a0, a1)
	case defs.SYS_MKFIFO:
		ret = sys_mkfifo(p, a0)
	case defs.SYS_CHMOD:
		ret = sys_chmod(p, a0, a1)
	case defs.SYS_CHOWN:
		ret = sys_chown(p, a0, a1, a2)
	case defs.SYS_FLOCK:
		ret = sys_flock(p, a0, a1, a2, a3)
	case defs.SYS_FORK:
		ret = sys_fork(p, tf)
	case defs.SYS_EXEC:
		ret = sys_exec(p, tf, a0)
	case defs.SYS_EXECVE:
		ret = sys_execve(p, tf, a0, a1, a2)
	case defs.SYS_EXIT:
		s.Sys_exit(p, tid, defs.Mkexitcode(a0))
	case defs.SYS_WAIT4:
		ret = sys_wait4(p, a0, a1, a2)
	case defs.SYS_GETPID:
		ret = p.Pid
	case defs.SYS_GETPPID:
		ret = p.Ppid
	case defs.SYS_YIELD:
		Yieldf()
		ret = 0
	case defs.SYS_KILL:
		ret = sys_kill(p, a0, a1)
	case defs.SYS_SIGNAL:
		ret = sys_signal(p, a0, a1)
	case defs.SYS_SIGACT:
		ret = sys_sigaction(p, a0, a1, a2)
	case defs.SYS_SIGPROCMASK:
		ret = sys_sigprocmask(p, a0, a1, a2)
	case defs.SYS_SIGRETURN:
		ret = sys_sigreturn(p, tid, tf)
	case defs.SYS_PAUSE:
		ret = sys_pause(p)
	case defs.SYS_ALARM:
		ret = sys_alarm(p, a0)
	case defs.SYS_NANOSLEEP:
		ret = sys_nanosleep(p, a0, a1)
	case defs.SYS_GETTOD:
		ret = sys_gettimeofday(p, a0)
	case defs.SYS_CLOCKGET:
		ret = sys_clock_gettime(p, a0, a1)
	case defs.SYS_BRK:
		ret = sys_brk(p, a0)
	case defs.SYS_SBRK:
		ret = sys_sbrk(p, a0)
	case defs.SYS_MMAP:
		ret = sys_mmap(p, a0, a1, a2, a3)
	case defs.SYS_MUNMAP:
		ret = sys_munmap(p, a0, a1)
	case defs.SYS_SOCKPAIR:
		ret = sys_socketpair(p, a0, a1, a2, a3)
	case defs.SYS_BIND:
		ret = sys_bind(p, a0, a1, a2)
	case defs.SYS_LISTEN:
		ret = sys_listen(p, a0, a1)
	case defs.SYS_ACCEPT:
		ret = sys_accept(p, a0)
	case defs.SYS_CONNECT:
		ret = sys_connect(p, a0, a1)
	case defs.SYS_SENDTO:
		ret = sys_sendto(p, a0, a1, a2, a4)
	case defs.SYS_RECVFROM:
		ret = sys_recvfrom(p, a0, a1, a2, a4)
	case defs.SYS_GETPRIO:
		ret = sys_getpriority(p, a0, a1)
	case defs.SYS_SETPRIO:
		ret = sys_setpriority(p, a0, a1, a2)
	case defs.SYS_SCHED_GETSCHED:
		ret = sys_sched_getscheduler(p, a0)
	case defs.SYS_SCHED_SETSCHED:
		ret = sys_sched_setscheduler(p, a0, a1, a2)
	case defs.SYS_GETUID:
		ret = int(p.Uid)
	case defs.SYS_GETGID:
		ret = int(p.Gid)
	case defs.SYS_GETEUID:
		ret = int(p.Euid)
	case defs.SYS_GETEGID:
		ret = int(p.Egid)
	case defs.SYS_SETUID:
		ret = sys_setuid(p, a0, false)
	case defs.SYS_SETGID:
		ret = sys_setgid(p, a0, false)
	case defs.SYS_SETEUID:
		ret = sys_setuid(p, a0, true)
	case defs.SYS_SETEGID:
		ret = sys_setgid(p, a0, true)
	case defs.SYS_GUI_INFO, defs.SYS_GUI_FLUSH, defs.SYS_GUI_MAP:
		ret = sys_gui(p, sysno, a0, a1)
	case defs.SYS_WD_ENABLE, defs.SYS_WD_DISABLE, defs.SYS_WD_FEED,
		defs.SYS_WD_STATUS:
		ret = sys_watchdog(p, sysno, a0, a1)
	case defs.SYS_DLOPEN, defs.SYS_DLSYM, defs.SYS_DLCLOSE:
		// no loadable objects
		ret = int(-defs.ENOSYS)
	case defs.SYS_SHUTDOWN:
		thefs.Sync()
		Shutdownf()
		ret = 0
	default:
		fmt.Printf("unexpected syscall %v, pid: %v\n", sysno, p.Pid)
		s.Sys_exit(p, tid, defs.SIGNALED|defs.Mkexitsig(31))
	}
	return ret
}

func _fd_read(p *proc.Proc_t, fdn int) (*fd.Fd_t, defs.Err_t) {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return nil, -defs.EBADF
	}
	if f.Perms&fd.FD_READ == 0 {
		return nil, -defs.EPERM
	}
	return f, 0
}

func _fd_write(p *proc.Proc_t, fdn int) (*fd.Fd_t, defs.Err_t) {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return nil, -defs.EBADF
	}
	if f.Perms&fd.FD_WRITE == 0 {
		return nil, -defs.EPERM
	}
	return f, 0
}

func sys_read(p *proc.Proc_t, fdn int, bufp int, sz int) int {
	if sz == 0 {
		return 0
	}
	f, err := _fd_read(p, fdn)
	if err != 0 {
		return int(err)
	}
	userbuf := p.Vm.Mkuserbuf(bufp, sz)
	ret, err := f.Fops.Read(userbuf)
	if err != 0 {
		return int(err)
	}
	vm.Ubpool.Put(userbuf)
	return ret
}

func sys_write(p *proc.Proc_t, fdn int, bufp int, sz int) int {
	if sz == 0 {
		return 0
	}
	f, err := _fd_write(p, fdn)
	if err != 0 {
		return int(err)
	}
	userbuf := p.Vm.Mkuserbuf(bufp, sz)
	ret, err := f.Fops.Write(userbuf)
	if err != 0 {
		return int(err)
	}
	vm.Ubpool.Put(userbuf)
	return ret
}

func badpath(path ustr.Ustr) defs.Err_t {
	if len(path) == 0 {
		return -defs.ENOENT
	}
	if len(path) > NAME_MAX*8 {
		return -defs.ENAMETOOLONG
	}
	return 0
}

const NAME_MAX = fs.NAME_MAX

func usrpath(p *proc.Proc_t, pathn int) (ustr.Ustr, defs.Err_t) {
	path, err := p.Vm.Userstr(pathn, NAME_MAX)
	if err != 0 {
		return nil, err
	}
	if err := badpath(path); err != 0 {
		return nil, err
	}
	return p.Cwd.Canonicalpath(path), 0
}

// the fifo registry: named pipes bound into the namespace.
var fifol sync.Mutex
var fifos = make(map[string]*ipc.Pipe_t)

func sys_open(p *proc.Proc_t, pathn, _flags, mode int) int {
	flags := defs.Fdopt_t(_flags)
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	fdperms := 0
	switch flags & (defs.O_RDONLY | defs.O_WRONLY | defs.O_RDWR) {
	case defs.O_RDONLY:
		fdperms = fd.FD_READ
	case defs.O_WRONLY:
		fdperms = fd.FD_WRITE
	case defs.O_RDWR:
		fdperms = fd.FD_READ | fd.FD_WRITE
	default:
		fdperms = fd.FD_READ
	}
	// named pipes first
	fifol.Lock()
	pp, isfifo := fifos[path.String()]
	fifol.Unlock()
	if isfifo {
		nfd := pp.Mkend(fdperms&fd.FD_WRITE != 0, flags)
		fdn, ok := p.Fd_insert(nfd, fdperms)
		if !ok {
			fd.Close_panic(nfd)
			return int(-defs.EMFILE)
		}
		return fdn
	}
	fops, ferr := thefs.Fs_open(path, flags, flocks)
	if ferr != 0 {
		return int(ferr)
	}
	if flags&defs.O_CLOEXEC != 0 {
		fdperms |= fd.FD_CLOEXEC
	}
	nfd := &fd.Fd_t{Fops: fops}
	fdn, ok := p.Fd_insert(nfd, fdperms)
	if !ok {
		fd.Close_panic(nfd)
		return int(-defs.EMFILE)
	}
	return fdn
}

func (s *syscall_t) Sys_close(p *proc.Proc_t, fdn int) int {
	f, ok := p.Fd_del(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	ret := f.Fops.Close()
	return int(ret)
}

func sys_stat(p *proc.Proc_t, pathn, statn int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	ino, err := thefs.Namei(path)
	if err != 0 {
		return int(err)
	}
	var st statbuf_t
	err = ino.Stat(&st.st)
	ino.Refdown()
	if err != 0 {
		return int(err)
	}
	if err := p.Vm.K2user(st.st.Bytes(), statn); err != 0 {
		return int(err)
	}
	return 0
}

func sys_fstat(p *proc.Proc_t, fdn int, statn int) int {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	var st statbuf_t
	if err := f.Fops.Fstat(&st.st); err != 0 {
		return int(err)
	}
	if err := p.Vm.K2user(st.st.Bytes(), statn); err != 0 {
		return int(err)
	}
	return 0
}

func sys_lseek(p *proc.Proc_t, fdn, off, whence int) int {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	ret, err := f.Fops.Lseek(off, whence)
	if err != 0 {
		return int(err)
	}
	return ret
}

func sys_dup(p *proc.Proc_t, fdn int) int {
	nfd, err := p.Fd_dup(fdn, 0)
	if err != 0 {
		return int(err)
	}
	return nfd
}

func sys_dup2(p *proc.Proc_t, oldn, newn int) int {
	nfd, err := p.Fd_dup2(oldn, newn)
	if err != 0 {
		return int(err)
	}
	return nfd
}

func sys_pipe2(p *proc.Proc_t, pipen, _flags int) int {
	rfp := fd.FD_READ
	wfp := fd.FD_WRITE

	flags := defs.Fdopt_t(_flags)
	var opts defs.Fdopt_t
	if flags&defs.O_NONBLOCK != 0 {
		opts |= defs.O_NONBLOCK
	}
	if flags&defs.O_CLOEXEC != 0 {
		rfp |= fd.FD_CLOEXEC
		wfp |= fd.FD_CLOEXEC
	}

	rpipe, wpipe, err := ipc.Mkpipe(opts)
	if err != 0 {
		return int(err)
	}
	rfd, wfd, ok := p.Fd_insert2(rpipe, rfp, wpipe, wfp)
	if !ok {
		fd.Close_panic(rpipe)
		fd.Close_panic(wpipe)
		return int(-defs.EMFILE)
	}

	uerr := p.Vm.Userwriten(pipen, 4, rfd)
	if uerr != 0 {
		goto bail
	}
	uerr = p.Vm.Userwriten(pipen+4, 4, wfd)
	if uerr != 0 {
		goto bail
	}
	return 0

bail:
	err1 := sys.Sys_close(p, rfd)
	err2 := sys.Sys_close(p, wfd)
	if err1 != 0 || err2 != 0 {
		panic("must succeed")
	}
	return int(uerr)
}

func sys_mkdir(p *proc.Proc_t, pathn int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	dir, fn, err := thefs.Nameiparent(path)
	if err != 0 {
		return int(err)
	}
	nn, err := dir.Create(fn, fs.I_DIR)
	dir.Refdown()
	if err != 0 {
		return int(err)
	}
	nn.Refdown()
	return 0
}

func sys_remove(p *proc.Proc_t, pathn int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	dir, fn, err := thefs.Nameiparent(path)
	if err != 0 {
		return int(err)
	}
	err = dir.Unlink(fn)
	dir.Refdown()
	return int(err)
}

// listdir fills buf with nul-terminated names, getdents style.
func sys_listdir(p *proc.Proc_t, pathn, bufn, sz int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	ino, err := thefs.Namei(path)
	if err != 0 {
		return int(err)
	}
	des, err := ino.Readdir()
	ino.Refdown()
	if err != 0 {
		return int(err)
	}
	var out []uint8
	for _, d := range des {
		if len(out)+len(d.Name)+1 > sz {
			break
		}
		out = append(out, d.Name...)
		out = append(out, 0)
	}
	if err := p.Vm.K2user(out, bufn); err != 0 {
		return int(err)
	}
	return len(out)
}

func sys_readfile(p *proc.Proc_t, pathn, bufn, sz int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	fops, ferr := thefs.Fs_open(path, defs.O_RDONLY, flocks)
	if ferr != 0 {
		return int(ferr)
	}
	ub := p.Vm.Mkuserbuf(bufn, sz)
	did, rerr := fops.Read(ub)
	fops.Close()
	if rerr != 0 {
		return int(rerr)
	}
	return did
}

func sys_chdir(p *proc.Proc_t, pathn int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	p.Cwd.Lock()
	defer p.Cwd.Unlock()

	ino, err := thefs.Namei(path)
	if err != 0 {
		return int(err)
	}
	if ino.Itype() != fs.I_DIR {
		ino.Refdown()
		return int(-defs.ENOTDIR)
	}
	ino.Refdown()
	p.Cwd.Path = path
	return 0
}

func sys_getcwd(p *proc.Proc_t, bufn, sz int) int {
	p.Cwd.Lock()
	path := make([]uint8, 0, len(p.Cwd.Path)+1)
	path = append(path, p.Cwd.Path...)
	p.Cwd.Unlock()
	path = append(path, 0)
	if len(path) > sz {
		return int(-defs.ERANGE)
	}
	if err := p.Vm.K2user(path, bufn); err != 0 {
		return int(err)
	}
	return 0
}

func sys_mkfifo(p *proc.Proc_t, pathn int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	fifol.Lock()
	defer fifol.Unlock()
	if _, ok := fifos[path.String()]; ok {
		return int(-defs.EEXIST)
	}
	fifos[path.String()] = ipc.Mkrawpipe()
	return 0
}

// permission words are accepted and discarded: neither fat32 nor the
// credential model carries them through.
func sys_chmod(p *proc.Proc_t, pathn, mode int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	ino, err := thefs.Namei(path)
	if err != 0 {
		return int(err)
	}
	ino.Refdown()
	return 0
}

func sys_chown(p *proc.Proc_t, pathn, uid, gid int) int {
	return sys_chmod(p, pathn, 0)
}

func sys_flock(p *proc.Proc_t, fdn, op, start, length int) int {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	return int(f.Fops.Flock(op, p.Pid, start, length))
}

func sys_kill(p *proc.Proc_t, pid, signo int) int {
	if signo < 0 || signo > defs.NSIG {
		return int(-defs.EINVAL)
	}
	tp, ok := proc.Proc_check(pid)
	if !ok {
		return int(-defs.ESRCH)
	}
	if signo != 0 {
		tp.Signal(signo)
	}
	return 0
}

func sys_signal(p *proc.Proc_t, signo, handler int) int {
	act := sig.Sigaction_t{Handler: uintptr(handler)}
	old, err := p.Sigs.Sigaction(signo, &act)
	if err != 0 {
		return int(err)
	}
	return int(old.Handler)
}

func sys_sigaction(p *proc.Proc_t, signo, actn, oactn int) int {
	var nact *sig.Sigaction_t
	if actn != 0 {
		handler, err := p.Vm.Userreadn(actn, 8)
		if err != 0 {
			return int(err)
		}
		mask, err := p.Vm.Userreadn(actn+8, 8)
		if err != 0 {
			return int(err)
		}
		flags, err := p.Vm.Userreadn(actn+16, 8)
		if err != 0 {
			return int(err)
		}
		nact = &sig.Sigaction_t{Handler: uintptr(handler),
			Mask: defs.Sigset_t(mask), Flags: uint(flags)}
	}
	old, serr := p.Sigs.Sigaction(signo, nact)
	if serr != 0 {
		return int(serr)
	}
	if oactn != 0 {
		if err := p.Vm.Userwriten(oactn, 8, int(old.Handler)); err != 0 {
			return int(err)
		}
		if err := p.Vm.Userwriten(oactn+8, 8, int(old.Mask)); err != 0 {
			return int(err)
		}
		if err := p.Vm.Userwriten(oactn+16, 8, int(old.Flags)); err != 0 {
			return int(err)
		}
	}
	return 0
}

func sys_sigprocmask(p *proc.Proc_t, how, setn, osetn int) int {
	var set defs.Sigset_t
	useset := setn != 0
	if useset {
		v, err := p.Vm.Userreadn(setn, 8)
		if err != 0 {
			return int(err)
		}
		set = defs.Sigset_t(v)
	}
	old, serr := p.Sigs.Procmask(how, set, useset)
	if serr != 0 {
		return int(serr)
	}
	if osetn != 0 {
		if err := p.Vm.Userwriten(osetn, 8, int(old)); err != 0 {
			return int(err)
		}
	}
	return 0
}

func sys_sigreturn(p *proc.Proc_t, tid defs.Tid_t, tf *[defs.TFSIZE]uintptr) int {
	th, ok := p.Thread(tid)
	if !ok {
		return int(-defs.ESRCH)
	}
	return trap.Sigreturn(p, th, tf)
}

func sys_pause(p *proc.Proc_t) int {
	kn := &tinfo.Current().Killnaps
	<-kn.Killch
	return int(-defs.EINTR)
}

func sys_brk(p *proc.Proc_t, newbrk int) int {
	cur := int(p.Vm.Brkend())
	if newbrk <= cur {
		return cur
	}
	if _, err := p.Vm.Sbrk(newbrk - cur); err != 0 {
		return int(err)
	}
	return int(p.Vm.Brkend())
}

func sys_sbrk(p *proc.Proc_t, inc int) int {
	old, err := p.Vm.Sbrk(inc)
	if err != 0 {
		return int(err)
	}
	return old
}

func sys_mmap(p *proc.Proc_t, addrn, lenn, prot, flagsn int) int {
	flags := uint(flagsn)
	if flags&defs.MAP_ANON == 0 {
		return int(-defs.ENOSYS)
	}
	if lenn <= 0 {
		return int(-defs.EINVAL)
	}
	lenn = mem.Roundpg(lenn)
	perms := vm.PTE_U | vm.PTE_R
	if uint(prot)&defs.PROT_WRITE != 0 {
		perms |= vm.PTE_W
	}
	if uint(prot)&defs.PROT_EXEC != 0 {
		perms |= vm.PTE_X
	}
	p.Vm.Lock_pmap()
	defer p.Vm.Unlock_pmap()
	va := p.Vm.Unusedva_inner(p.Mmapi, lenn)
	if flags&defs.MAP_SHARED != 0 {
		p.Vm.Vmadd_shareanon(va, lenn, perms)
		// shared anon pages are mapped eagerly
		for i := 0; i < lenn; i += mem.PGSIZE {
			_, pa, ok := mem.Physmem.Refpg_new()
			if !ok {
				return int(-defs.ENOMEM)
			}
			if _, k := p.Vm.Page_insert(va+i, pa, perms|vm.PTE_D, true, nil); !k {
				return int(-defs.ENOMEM)
			}
		}
	} else {
		p.Vm.Vmadd_anon(va, lenn, perms)
	}
	p.Mmapi = va + lenn
	return va
}

func sys_munmap(p *proc.Proc_t, addrn, len int) int {
	if addrn&int(vm.PGOFFSET) != 0 || addrn < vm.USERMIN {
		return int(-defs.EINVAL)
	}
	p.Vm.Lock_pmap()
	defer p.Vm.Unlock_pmap()
	len = mem.Roundpg(len)
	if err := p.Vm.Vmregion.Remove(addrn, len, p.Ulim.Novma); err != 0 {
		return int(err)
	}
	for i := 0; i < len; i += mem.PGSIZE {
		p.Vm.Page_remove(addrn + i)
	}
	pgs := len >> vm.PGSHIFT
	p.Vm.Tlbshoot(uintptr(addrn), pgs)
	return 0
}

func sys_socketpair(p *proc.Proc_t, domain, typ, proto, sockn int) int {
	if domain != defs.AF_UNIX {
		return int(-defs.EOPNOTSUPP)
	}
	var fa, fb *fd.Fd_t
	switch {
	case typ&defs.SOCK_STREAM != 0:
		fa, fb = ipc.Mksockpair()
	case typ&defs.SOCK_DGRAM != 0:
		fa, fb = ipc.Mkdgrampair()
	default:
		return int(-defs.EOPNOTSUPP)
	}
	perms := fd.FD_READ | fd.FD_WRITE
	fd1, fd2, ok := p.Fd_insert2(fa, perms, fb, perms)
	if !ok {
		fd.Close_panic(fa)
		fd.Close_panic(fb)
		return int(-defs.EMFILE)
	}
	if err := p.Vm.Userwriten(sockn, 4, fd1); err != 0 {
		return int(err)
	}
	if err := p.Vm.Userwriten(sockn+4, 4, fd2); err != 0 {
		return int(err)
	}
	return 0
}

// bind(path, type, backlog) creates a socket bound at path: a stream
// listener, or a datagram mailbox.
func sys_bind(p *proc.Proc_t, pathn, typ, backlog int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	var sops fdops.Fdops_i
	var serr defs.Err_t
	perms := fd.FD_READ
	if typ&defs.SOCK_DGRAM != 0 {
		sops, serr = ipc.Usbind_dgram(path)
		perms |= fd.FD_WRITE
	} else {
		sops, serr = ipc.Usbind_stream(path, backlog)
	}
	if serr != 0 {
		return int(serr)
	}
	nfd := &fd.Fd_t{Fops: sops}
	fdn, ok := p.Fd_insert(nfd, perms)
	if !ok {
		fd.Close_panic(nfd)
		return int(-defs.EMFILE)
	}
	return fdn
}

func sys_listen(p *proc.Proc_t, fdn, backlog int) int {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	nops, err := f.Fops.Listen(backlog)
	if err != 0 {
		return int(err)
	}
	p.Fdl.Lock()
	f.Fops = nops
	p.Fdl.Unlock()
	return 0
}

func sys_accept(p *proc.Proc_t, fdn int) int {
	f, ok := p.Fd_get(fdn)
	if !ok {
		return int(-defs.EBADF)
	}
	nops, _, err := f.Fops.Accept(nil)
	if err != 0 {
		return int(err)
	}
	nfd := &fd.Fd_t{Fops: nops}
	newfd, ok := p.Fd_insert(nfd, fd.FD_READ|fd.FD_WRITE)
	if !ok {
		fd.Close_panic(nfd)
		return int(-defs.EMFILE)
	}
	return newfd
}

func sys_connect(p *proc.Proc_t, pathn, typ int) int {
	path, err := usrpath(p, pathn)
	if err != 0 {
		return int(err)
	}
	var cops fdops.Fdops_i
	var serr defs.Err_t
	if typ&defs.SOCK_DGRAM != 0 {
		cops, serr = ipc.Usconnect_dgram(path)
	} else {
		cops, serr = ipc.Usconnect_stream(path)
	}
	if serr != 0 {
		return int(serr)
	}
	nfd := &fd.Fd_t{Fops: cops}
	fdn, ok := p.Fd_insert(nfd, fd.FD_READ|fd.FD_WRITE)
	if !ok {
		fd.Close_panic(nfd)
		return int(-defs.EMFILE)
	}
	return fdn
}

// sendto with a destination address reaches the socket's Sendmsg; with
// none it degenerates to write.
func sys_sendto(p *proc.Proc_t, fdn, bufn, sz, addrn int) int {
	if addrn == 0 {
		return sys_write(p, fdn, bufn, sz)
	}
	f, err := _fd_write(p, fdn)
	if err != 0 {
		return int(err)
	}
	dst, err := usrpath(p, addrn)
	if err != 0 {
		return int(err)
	}
	ub := p.Vm.Mkuserbuf(bufn, sz)
	did, serr := f.Fops.Sendmsg(ub, []uint8(dst), nil, 0)
	vm.Ubpool.Put(ub)
	if serr != 0 {
		return int(serr)
	}
	return did
}

// recvfrom writes the sender's address, if any, into addrn.
func sys_recvfrom(p *proc.Proc_t, fdn, bufn, sz, addrn int) int {
	if addrn == 0 {
		return sys_read(p, fdn, bufn, sz)
	}
	f, err := _fd_read(p, fdn)
	if err != 0 {
		return int(err)
	}
	ub := p.Vm.Mkuserbuf(bufn, sz)
	fromub := p.Vm.Mkuserbuf(addrn, NAME_MAX)
	did, _, _, _, rerr := f.Fops.Recvmsg(ub, fromub, nil, 0)
	vm.Ubpool.Put(ub)
	vm.Ubpool.Put(fromub)
	if rerr != 0 {
		return int(rerr)
	}
	return did
}

func sys_getpriority(p *proc.Proc_t, which, pid int) int {
	tp := p
	if pid != 0 {
		var ok bool
		tp, ok = proc.Proc_check(pid)
		if !ok {
			return int(-defs.ESRCH)
		}
	}
	return tp.Thread0().Ent().Nice
}

func sys_setpriority(p *proc.Proc_t, which, pid, nice int) int {
	if nice < -20 || nice > 19 {
		return int(-defs.EINVAL)
	}
	tp := p
	if pid != 0 {
		var ok bool
		tp, ok = proc.Proc_check(pid)
		if !ok {
			return int(-defs.ESRCH)
		}
	}
	tp.Thread0().Ent().Nice = nice
	return 0
}

func sys_sched_getscheduler(p *proc.Proc_t, pid int) int {
	tp := p
	if pid != 0 {
		var ok bool
		tp, ok = proc.Proc_check(pid)
		if !ok {
			return int(-defs.ESRCH)
		}
	}
	switch tp.Thread0().Ent().Class {
	case sched.C_FIFO:
		return defs.SCHED_FIFO
	case sched.C_RR:
		return defs.SCHED_RR
	}
	return defs.SCHED_CFS
}

func sys_sched_setscheduler(p *proc.Proc_t, pid, policy, prio int) int {
	tp := p
	if pid != 0 {
		var ok bool
		tp, ok = proc.Proc_check(pid)
		if !ok {
			return int(-defs.ESRCH)
		}
	}
	ent := tp.Thread0().Ent()
	switch policy {
	case defs.SCHED_CFS:
		ent.Class = sched.C_CFS
	case defs.SCHED_FIFO:
		if prio < 1 || prio > 99 {
			return int(-defs.EINVAL)
		}
		ent.Class = sched.C_FIFO
		ent.Prio = prio
	case defs.SCHED_RR:
		if prio < 1 || prio > 99 {
			return int(-defs.EINVAL)
		}
		ent.Class = sched.C_RR
		ent.Prio = prio
	default:
		return int(-defs.EINVAL)
	}
	return 0
}

func sys_setuid(p *proc.Proc_t, id int, eff bool) int {
	if p.Euid != 0 {
		return int(-defs.EPERM)
	}
	if eff {
		p.Euid = uint32(id)
	} else {
		p.Uid = uint32(id)
		p.Euid = uint32(id)
	}
	return 0
}

func sys_setgid(p *proc.Proc_t, id int, eff bool) int {
	if p.Euid != 0 {
		return int(-defs.EPERM)
	}
	if eff {
		p.Egid = uint32(id)
	} else {
		p.Gid = uint32(id)
		p.Egid = uint32(id)
	}
	return 0
}
