package proc

import "fmt"
import "sync"
import "sync/atomic"

import "rvkern/accnt"
import "rvkern/defs"
import "rvkern/fd"
import "rvkern/hashtable"
import "rvkern/limits"
import "rvkern/sig"
import "rvkern/tinfo"
import "rvkern/ustr"
import "rvkern/vm"

// per-process limits
type Ulimit_t struct {
	Pages  int
	Nofile uint
	Novma  uint
	Noproc uint
}

type Proc_t struct {
	Pid  int
	Ppid int
	// first thread id
	tid0 defs.Tid_t
	Name ustr.Ustr

	// waitinfo for my child processes
	Mywait Wait_t
	// waitinfo of my parent
	Pwait *Wait_t

	// thread tids of this process
	Threadi tinfo.Threadinfo_t

	// the threads themselves; protected by Threadi's lock
	threads map[defs.Tid_t]*Thread_t

	// Address space
	Vm vm.Vm_t

	// mmap next virtual address hint
	Mmapi int

	// a process is marked doomed when it has been killed but may have
	// threads currently running on another processor
	doomed     bool
	exitstatus int

	Fds []*fd.Fd_t
	// where to start scanning for free fds
	fdstart int
	// fds, fdstart, nfds protected by fdl
	Fdl sync.Mutex
	// number of valid file descriptors
	nfds int

	Cwd *fd.Cwd_t

	// signal state: pending/blocked masks, dispositions, altstack
	Sigs sig.Sigstate_t

	// credentials
	Uid, Gid   uint32
	Euid, Egid uint32

	Ulim Ulimit_t

	// this proc's rusage
	Atime accnt.Accnt_t
	// total child rusage
	Catime accnt.Accnt_t

	syscall Syscall_i
}

type ptable_t struct {
	ht *hashtable.Hashtable_t
}

func (pt *ptable_t) Get(pid int32) (*Proc_t, bool) {
	ret, ok := pt.ht.Get(pid)
	if ok {
		return ret.(*Proc_t), true
	}
	return nil, false
}

func (pt *ptable_t) Set(pid int32, p *Proc_t) {
	pt.ht.Set(pid, p)
}

func (pt *ptable_t) Del(pid int32) {
	pt.ht.Del(pid)
}

// Iter may execute concurrently with other lookups, inserts, and deletes
func (pt *ptable_t) Iter(f func(int32, *Proc_t) bool) {
	pt.ht.Iter(func(key int32, value interface{}) bool {
		return f(key, value.(*Proc_t))
	})
}

var Ptable = ptable_t{
	ht: hashtable.MkHash(limits.Syslimit.Sysprocs),
}

func (p *Proc_t) Tid0() defs.Tid_t {
	return p.tid0
}

func (p *Proc_t) Doomed() bool {
	return p.doomed
}

func (p *Proc_t) Exitstatus() int {
	return p.exitstatus
}

// an fd table invariant: every fd must have its file field set. thus the
// caller cannot set an fd's file field without holding fdl. otherwise you
// will race with a forking thread when it copies the fd table.
func (p *Proc_t) Fd_insert(f *fd.Fd_t, perms int) (int, bool) {
	p.Fdl.Lock()
	a, b := p.fd_insert_inner(f, perms)
	p.Fdl.Unlock()
	return a, b
}

func (p *Proc_t) fd_insert_inner(f *fd.Fd_t, perms int) (int, bool) {
	if uint(p.nfds) >= p.Ulim.Nofile {
		return -1, false
	}
	// find free fd
	newfd := p.fdstart
	found := false
	for newfd < len(p.Fds) {
		if p.Fds[newfd] == nil {
			p.fdstart = newfd + 1
			found = true
			break
		}
		newfd++
	}
	if !found {
		// grow the fd table
		ol := len(p.Fds)
		nl := 2 * ol
		if nl < 8 {
			nl = 8
		}
		for nl <= newfd {
			nl *= 2
		}
		if p.Ulim.Nofile != defs.RLIM_INFINITY && nl > int(p.Ulim.Nofile) {
			nl = int(p.Ulim.Nofile)
			if nl < ol {
				panic("how")
			}
		}
		nfdt := make([]*fd.Fd_t, nl, nl)
		copy(nfdt, p.Fds)
		p.Fds = nfdt
	}
	fdn := newfd
	fd := f
	fd.Perms = perms
	if p.Fds[fdn] != nil {
		panic(fmt.Sprintf("new fd exists %d", fdn))
	}
	p.Fds[fdn] = fd
	if fd.Fops == nil {
		panic("wtf!")
	}
	p.nfds++
	return fdn, true
}

// returns the fd numbers and success
func (p *Proc_t) Fd_insert2(f1 *fd.Fd_t, perms1 int,
	f2 *fd.Fd_t, perms2 int) (int, int, bool) {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	var fd2 int
	var ok2 bool
	fd1, ok1 := p.fd_insert_inner(f1, perms1)
	if !ok1 {
		goto out
	}
	fd2, ok2 = p.fd_insert_inner(f2, perms2)
	if !ok2 {
		p.fd_del_inner(fd1)
		goto out
	}
	return fd1, fd2, true
out:
	return 0, 0, false
}

// fdn must be an open fd
func (p *Proc_t) Fd_get_inner(fdn int) (*fd.Fd_t, bool) {
	if fdn < 0 || fdn >= len(p.Fds) {
		return nil, false
	}
	ret := p.Fds[fdn]
	ok := ret != nil
	return ret, ok
}

func (p *Proc_t) Fd_get(fdn int) (*fd.Fd_t, bool) {
	p.Fdl.Lock()
	ret, ok := p.Fd_get_inner(fdn)
	p.Fdl.Unlock()
	return ret, ok
}

// fdn must be an open fd. returns the fd and whether it exists.
func (p *Proc_t) Fd_del(fdn int) (*fd.Fd_t, bool) {
	p.Fdl.Lock()
	a, b := p.fd_del_inner(fdn)
	p.Fdl.Unlock()
	return a, b
}

func (p *Proc_t) fd_del_inner(fdn int) (*fd.Fd_t, bool) {
	if fdn < 0 || fdn >= len(p.Fds) {
		return nil, false
	}
	ret := p.Fds[fdn]
	p.Fds[fdn] = nil
	ok := ret != nil
	if ok {
		p.nfds--
		if p.nfds < 0 {
			panic("neg nfds")
		}
		if fdn < p.fdstart {
			p.fdstart = fdn
		}
	}
	return ret, ok
}

// fdn must be an open fd. dups fd to the lowest free fd number >= mino.
func (p *Proc_t) Fd_dup(fdn, mino int) (int, defs.Err_t) {
	p.Fdl.Lock()
	defer p.Fdl.Unlock()

	ofd, ok := p.Fd_get_inner(fdn)
	if !ok {
		return 0, -defs.EBADF
	}
	nfd, err := fd.Copyfd(ofd)
	if err != 0 {
		return 0, err
	}
	nfd.Perms &^= fd.FD_CLOEXEC
	rfd := -1
	for i := mino; i < len(p.Fds); i++ {
		if p.Fds[i] == nil {
			rfd = i
			break
		}
	}
	if rfd == -1 {
		rfd = len(p.Fds)
		nt := make([]*fd.Fd_t, len(p.Fds)+1)
		copy(nt, p.Fds)
		p.Fds = nt
	}
	p.Fds[rfd] = nfd
	p.nfds++
	return rfd, 0
}

// dup2: dup fdn onto newn, closing newn first if open.
func (p *Proc_t) Fd_dup2(fdn, newn int) (int, defs.Err_t) {
	if fdn == newn {
		if _, ok := p.Fd_get(fdn); !ok {
			return 0, -defs.EBADF
		}
		return newn, 0
	}
	p.Fdl.Lock()
	defer p.Fdl.Unlock()
	ofd, ok := p.Fd_get_inner(fdn)
	if !ok {
		return 0, -defs.EBADF
	}
	nfd, err := fd.Copyfd(ofd)
	if err != 0 {
		return 0, err
	}
	nfd.Perms &^= fd.FD_CLOEXEC
	if newn < 0 || newn > 1024 {
		return 0, -defs.EBADF
	}
	for newn >= len(p.Fds) {
		nl := 2 * len(p.Fds)
		if nl < 8 {
			nl = 8
		}
		nt := make([]*fd.Fd_t, nl)
		copy(nt, p.Fds)
		p.Fds = nt
	}
	if old := p.Fds[newn]; old != nil {
		fd.Close_panic(old)
		p.nfds--
	}
	p.Fds[newn] = nfd
	p.nfds++
	return newn, 0
}

func Proc_check(pid int) (*Proc_t, bool) {
	p, ok := Ptable.Get(int32(pid))
	return p, ok
}

func Proc_del(pid int) {
	Ptable.Del(int32(pid))
}

var _deflimits = Ulimit_t{
	Pages:  0x7fffffffffffffff,
	Nofile: defs.RLIM_INFINITY,
	Novma:  defs.RLIM_INFINITY,
	Noproc: (1 << 10),
}

// returns the new proc and success; can fail if the system-wide limit of
// procs/threads has been reached. the parent's fdtable must be locked.
func Proc_new(name ustr.Ustr, cwd *fd.Cwd_t, fds []*fd.Fd_t,
	sys Syscall_i) (*Proc_t, bool) {
	if atomic.AddInt64(&nthreads, 1) >= int64(limits.Syslimit.Sysprocs) {
		atomic.AddInt64(&nthreads, -1)
		return nil, false
	}

	t0 := atomic.AddInt32(&atomic_pid, 2)
	np := t0 - 1
	tid0 := defs.Tid_t(t0)
	if _, ok := Ptable.Get(np); ok {
		panic("pid exists")
	}
	ret := &Proc_t{}
	Ptable.Set(np, ret)

	ret.Name = name
	ret.Pid = int(np)
	ret.Fds = make([]*fd.Fd_t, len(fds))
	ret.fdstart = 3
	for i := range fds {
		if fds[i] == nil {
			continue
		}
		tfd, err := fd.Copyfd(fds[i])
		// copying an fd may fail if another thread closes the fd out
		// from under us
		if err == 0 {
			ret.Fds[i] = tfd
			ret.nfds++
		}
	}
	ret.Cwd = cwd
	if ret.Cwd.Fd.Fops.Reopen() != 0 {
		panic("must succeed")
	}
	ret.Mmapi = vm.USERMIN
	ret.Ulim = _deflimits

	ret.Threadi.Init()
	ret.threads = make(map[defs.Tid_t]*Thread_t)
	ret.tid0 = tid0
	ret._thread_new(tid0)

	ret.Mywait.Wait_init(ret.Pid)
	if !ret.Start_thread(ret.tid0) {
		panic("silly noproc")
	}

	ret.syscall = sys
	return ret, true
}

func (p *Proc_t) Syscall() Syscall_i {
	return p.syscall
}

// Doomall marks every thread killed and wakes interruptible sleepers.
func (p *Proc_t) Doomall() {
	p.doomed = true

	p.Threadi.Lock()
	for _, tnote := range p.Threadi.Notes {
		tnote.Lock()

		tnote.Killed = true
		tnote.Isdoomed = true
		kn := &tnote.Killnaps
		if kn.Kerr == 0 {
			kn.Kerr = -defs.EINTR
		}
		select {
		case kn.Killch <- false:
		default:
		}
		if tmp := kn.Cond; tmp != nil {
			tmp.Broadcast()
		}

		tnote.Unlock()
	}
	p.Threadi.Unlock()
}

func (p *Proc_t) Userargs(uva int) ([]ustr.Ustr, defs.Err_t) {
	if uva == 0 {
		return nil, 0
	}
	isnull := func(cptr []uint8) bool {
		for _, b := range cptr {
			if b != 0 {
				return false
			}
		}
		return true
	}
	ret := make([]ustr.Ustr, 0, 12)
	argmax := 64
	addarg := func(cptr []uint8) defs.Err_t {
		if len(ret) > argmax {
			return -defs.ENAMETOOLONG
		}
		var uva int
		// cptr is little-endian
		for i, b := range cptr {
			uva = uva | int(uint(b))<<uint(i*8)
		}
		lenmax := 128
		str, err := p.Vm.Userstr(uva, lenmax)
		if err != 0 {
			return err
		}
		ret = append(ret, str)
		return 0
	}
	uoff := 0
	const psz = 8
	curaddr := make([]uint8, 0, 8)
	for {
		ptrs, err := p.Vm.Userdmap8r(uva + uoff)
		if err != 0 {
			return nil, err
		}
		for _, ab := range ptrs {
			uoff++
			curaddr = append(curaddr, ab)
			if len(curaddr) == psz {
				break
			}
		}
		if len(curaddr) == psz {
			if isnull(curaddr) {
				break
			}
			if err := addarg(curaddr); err != 0 {
				return nil, err
			}
			curaddr = curaddr[0:0]
		}
	}
	return ret, 0
}

// Signal posts sig to the process; SIGKILL dooms it outright. SIGCONT
// would resume a stopped process.
func (p *Proc_t) Signal(signo int) {
	if signo == defs.SIGKILL {
		p.Doomall()
		p.exitstatus = defs.Mkexitsig(signo)
		return
	}
	p.Sigs.Post(signo)
	// wake interruptible sleepers so delivery happens promptly
	p.Threadi.Lock()
	for _, tnote := range p.Threadi.Notes {
		tnote.Lock()
		kn := &tnote.Killnaps
		if kn.Kerr == 0 {
			kn.Kerr = -defs.EINTR
		}
		select {
		case kn.Killch <- false:
		default:
		}
		if tmp := kn.Cond; tmp != nil {
			tmp.Broadcast()
		}
		tnote.Unlock()
	}
	p.Threadi.Unlock()
}

// terminate a process. must only be called when the process has no more
// running threads.
func (p *Proc_t) terminate() {
	if p.Pid == 1 {
		panic("killed init")
	}

	p.Threadi.Lock()
	ti := &p.Threadi
	if len(ti.Notes) != 0 {
		panic("terminate, but threads alive")
	}
	p.Threadi.Unlock()

	// close open fds; this drops any advisory locks the process still
	// holds
	p.Fdl.Lock()
	for i := range p.Fds {
		if p.Fds[i] == nil {
			continue
		}
		fd.Close_panic(p.Fds[i])
	}
	p.Fdl.Unlock()
	fd.Close_panic(p.Cwd.Fd)

	// orphans are reparented to init
	p.Mywait.Pid = 1
	Reparent(p.Pid)

	p.Vm.Uvmfree()

	// send status to parent
	if p.Pwait == nil {
		panic("nil pwait")
	}

	// combine total child rusage with ours, send to parent
	na := accnt.Accnt_t{Userns: p.Atime.Userns, Sysns: p.Atime.Sysns}
	na.Userns += p.Catime.Userns
	na.Sysns += p.Catime.Sysns

	// put process exit status in parent's wait info and notify with
	// SIGCHLD
	p.Pwait.putpid(p.Pid, p.exitstatus, &na)
	if par, ok := Proc_check(p.Ppid); ok {
		par.Sigs.Post(defs.SIGCHLD)
	}
	p.Pwait = nil
	Proc_del(p.Pid)
}

// Reparent moves dead's live children under init's wait info so they
// can still be reaped.
func Reparent(deadpid int) {
	initp, ok := Proc_check(1)
	if !ok || deadpid == 1 {
		return
	}
	Ptable.Iter(func(pid int32, cp *Proc_t) bool {
		if cp.Ppid == deadpid {
			cp.Ppid = 1
			cp.Pwait = &initp.Mywait
			initp.Mywait._start(int(pid), true, uint(1<<30))
		}
		return true
	})
}

// returns false if the number of running threads or unreaped child
// statuses is larger than noproc.
func (p *Proc_t) Start_proc(pid int) bool {
	return p.Mywait._start(pid, true, p.Ulim.Noproc)
}

func (p *Proc_t) Start_thread(t defs.Tid_t) bool {
	return p.Mywait._start(int(t), false, p.Ulim.Noproc)
}

// total number of all threads
var nthreads int64
var atomic_pid int32

// returns false if system-wide limit is hit.
func tid_new() (defs.Tid_t, bool) {
	if atomic.AddInt64(&nthreads, 1) > int64(limits.Syslimit.Sysprocs) {
		atomic.AddInt64(&nthreads, -1)
		return 0, false
	}
	ret := atomic.AddInt32(&atomic_pid, 1)
	return defs.Tid_t(ret), true
}

func Tid_del() {
	if atomic.AddInt64(&nthreads, -1) < 0 {
		panic("oh shite")
	}
}

func CurrentProc() *Proc_t {
	st := tinfo.Current().State
	proc := st.(*Proc_t)
	return proc
}
