package ipc

import "sync"

import "rvkern/circbuf"
import "rvkern/defs"
import "rvkern/fd"
import "rvkern/fdops"
import "rvkern/limits"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/stat"

// a pipe: a page-sized ring buffer under a lock with reader and writer
// wait queues. the ring is a frame from the physical pool.
type Pipe_t struct {
	sync.Mutex
	cbuf    circbuf.Circbuf_t
	rcond   *sync.Cond
	wcond   *sync.Cond
	readers int
	writers int
	closed  bool
	pollers fdops.Pollers_t
	// if true, this pipe was allocated against the pipe limit; raise
	// it on termination.
	lraise bool
}

func (o *Pipe_t) Pipe_start() {
	pipesz := mem.PGSIZE
	o.cbuf.Cb_init(pipesz, mem.Physmem)
	o.readers, o.writers = 1, 1
	o.rcond = sync.NewCond(o)
	o.wcond = sync.NewCond(o)
}

func (o *Pipe_t) Op_write(src fdops.Userio_i, noblock bool) (int, defs.Err_t) {
	// atomic writes must fit the buffer; bigger writes may be partial
	pipe_buf := mem.PGSIZE
	need := src.Remain()
	if need > pipe_buf {
		if noblock {
			need = 1
		} else {
			need = pipe_buf
		}
	}
	o.Lock()
	for {
		if o.closed {
			o.Unlock()
			return 0, -defs.EBADF
		}
		if o.readers == 0 {
			o.Unlock()
			return 0, -defs.EPIPE
		}
		if o.cbuf.Left() >= need {
			break
		}
		if noblock {
			o.Unlock()
			return 0, -defs.EWOULDBLOCK
		}
		if err := proc.KillableWait(o.wcond); err != 0 {
			o.Unlock()
			return 0, err
		}
	}
	ret, err := o.cbuf.Copyin(src)
	if err != 0 {
		o.Unlock()
		return 0, err
	}
	o.rcond.Signal()
	o.pollers.Wakeready(fdops.R_READ)
	o.Unlock()

	return ret, 0
}

func (o *Pipe_t) Op_read(dst fdops.Userio_i, noblock bool) (int, defs.Err_t) {
	o.Lock()
	for {
		if o.closed {
			o.Unlock()
			return 0, -defs.EBADF
		}
		if o.writers == 0 || !o.cbuf.Empty() {
			break
		}
		if noblock {
			o.Unlock()
			return 0, -defs.EWOULDBLOCK
		}
		if err := proc.KillableWait(o.rcond); err != 0 {
			o.Unlock()
			return 0, err
		}
	}
	ret, err := o.cbuf.Copyout(dst)
	if err != 0 {
		o.Unlock()
		return 0, err
	}
	o.wcond.Signal()
	o.pollers.Wakeready(fdops.R_WRITE)
	o.Unlock()

	return ret, 0
}

func (o *Pipe_t) Op_poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	o.Lock()

	if o.closed {
		o.Unlock()
		return 0, 0
	}

	var r fdops.Ready_t
	readable := false
	if !o.cbuf.Empty() || o.writers == 0 {
		readable = true
	}
	writeable := false
	if !o.cbuf.Full() || o.readers == 0 {
		writeable = true
	}
	if pm.Events&fdops.R_READ != 0 && readable {
		r |= fdops.R_READ
	}
	if pm.Events&fdops.R_HUP != 0 && o.writers == 0 {
		r |= fdops.R_HUP
	} else if pm.Events&fdops.R_WRITE != 0 && writeable {
		r |= fdops.R_WRITE
	}
	if r != 0 || !pm.Dowait {
		o.Unlock()
		return r, 0
	}
	err := o.pollers.Addpoller(&pm)
	o.Unlock()
	return 0, err
}

func (o *Pipe_t) Op_reopen(rd, wd int) defs.Err_t {
	o.Lock()
	if o.closed {
		o.Unlock()
		return -defs.EBADF
	}
	o.readers += rd
	o.writers += wd
	if o.writers == 0 {
		o.rcond.Broadcast()
	}
	if o.readers == 0 {
		o.wcond.Broadcast()
	}
	if o.readers == 0 && o.writers == 0 {
		o.closed = true
		o.cbuf.Cb_release()
		if o.lraise {
			limits.Syslimit.Pipes.Give()
		}
	}
	o.Unlock()
	return 0
}

type Pipefops_t struct {
	pipe *Pipe_t
	// true iff this fops is for the write end
	writer  bool
	options defs.Fdopt_t
}

// Mkpipe allocates a pipe and its two ends against the system pipe
// limit.
func Mkpipe(opts defs.Fdopt_t) (*fd.Fd_t, *fd.Fd_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, nil, -defs.ENOMEM
	}
	pp := &Pipe_t{lraise: true}
	pp.Pipe_start()
	rops := &Pipefops_t{pipe: pp, writer: false, options: opts}
	wops := &Pipefops_t{pipe: pp, writer: true, options: opts}
	rpipe := &fd.Fd_t{Fops: rops}
	wpipe := &fd.Fd_t{Fops: wops}
	return rpipe, wpipe, 0
}

// Mkrawpipe makes a pipe whose ends are created on demand; used for
// named fifos, where the registry reference keeps the object alive.
func Mkrawpipe() *Pipe_t {
	pp := &Pipe_t{}
	pp.Pipe_start()
	return pp
}

// Mkend opens one more end of an existing pipe.
func (o *Pipe_t) Mkend(writer bool, opts defs.Fdopt_t) *fd.Fd_t {
	if writer {
		o.Op_reopen(0, 1)
	} else {
		o.Op_reopen(1, 0)
	}
	return &fd.Fd_t{Fops: &Pipefops_t{pipe: o, writer: writer, options: opts}}
}

func (of *Pipefops_t) Close() defs.Err_t {
	var rd, wd int
	if of.writer {
		wd--
	} else {
		rd--
	}
	return of.pipe.Op_reopen(rd, wd)
}

func (of *Pipefops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	// linux and openbsd give same mode for all pipes
	st.Wdev(0)
	pipemode := uint(3 << 16)
	st.Wmode(pipemode)
	return 0
}

func (of *Pipefops_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (of *Pipefops_t) Mmapi(int, int, bool) ([]mem.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (of *Pipefops_t) Pathi() defs.Inum_t {
	panic("pipe cwd")
}

func (of *Pipefops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	noblk := of.options&defs.O_NONBLOCK != 0
	return of.pipe.Op_read(dst, noblk)
}

func (of *Pipefops_t) Reopen() defs.Err_t {
	var rd, wd int
	if of.writer {
		wd++
	} else {
		rd++
	}
	return of.pipe.Op_reopen(rd, wd)
}

func (of *Pipefops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	noblk := of.options&defs.O_NONBLOCK != 0
	ret, err := of.pipe.Op_write(src, noblk)
	if err == -defs.EPIPE {
		// writing with no readers left raises SIGPIPE too
		proc.CurrentProc().Signal(defs.SIGPIPE)
	}
	return ret, err
}

func (of *Pipefops_t) Truncate(uint) defs.Err_t {
	return -defs.EINVAL
}

func (of *Pipefops_t) Pread(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (of *Pipefops_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (of *Pipefops_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (of *Pipefops_t) Flock(int, int, int, int) defs.Err_t {
	return -defs.EINVAL
}

func (of *Pipefops_t) Accept(fdops.Userio_i) (fdops.Fdops_i, int, defs.Err_t) {
	return nil, 0, -defs.ENOTSOCK
}

func (of *Pipefops_t) Bind([]uint8) defs.Err_t {
	return -defs.ENOTSOCK
}

func (of *Pipefops_t) Connect([]uint8) defs.Err_t {
	return -defs.ENOTSOCK
}

func (of *Pipefops_t) Listen(int) (fdops.Fdops_i, defs.Err_t) {
	return nil, -defs.ENOTSOCK
}

func (of *Pipefops_t) Sendmsg(fdops.Userio_i, []uint8, []uint8,
	int) (int, defs.Err_t) {
	return 0, -defs.ENOTSOCK
}

func (of *Pipefops_t) Recvmsg(fdops.Userio_i, fdops.Userio_i,
	fdops.Userio_i, int) (int, int, int, defs.Msgfl_t, defs.Err_t) {
	return 0, 0, 0, 0, -defs.ENOTSOCK
}

func (of *Pipefops_t) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	if of.writer {
		pm.Events &^= fdops.R_READ
	} else {
		pm.Events &^= fdops.R_WRITE
	}
	return of.pipe.Op_poll(pm)
}

func (of *Pipefops_t) Fcntl(cmd, opt int) int {
	switch cmd {
	case defs.F_GETFL:
		return int(of.options)
	case defs.F_SETFL:
		of.options = defs.Fdopt_t(opt)
		return 0
	default:
		panic("weird cmd")
	}
}

func (of *Pipefops_t) Getsockopt(int, fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ENOTSOCK
}

func (of *Pipefops_t) Setsockopt(int, int, fdops.Userio_i, int) defs.Err_t {
	return -defs.ENOTSOCK
}

func (of *Pipefops_t) Shutdown(read, write bool) defs.Err_t {
	return -defs.ENOTCONN
}
