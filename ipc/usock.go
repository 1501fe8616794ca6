package ipc

import "sync"

import "rvkern/defs"
import "rvkern/fd"
import "rvkern/fdops"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/stat"
import "rvkern/ustr"

// unix-domain sockets. a bound path maps to a listener in the global
// binding table; connect finds the listener, enqueues a half-open
// connection, and returns at once: it does not wait for accept to pick
// the connection up. a connected stream
// pair is two pipes, one per direction. the datagram variant keeps
// message boundaries in a queue of buffers.

// Mksocknode is installed by the vfs layer: it creates (and removes) the
// path-bound inode that makes the socket visible in the namespace.
var Mksocknode = func(path ustr.Ustr) defs.Err_t { return 0 }
var Rmsocknode = func(path ustr.Ustr) {}

type bindtable_t struct {
	sync.Mutex
	streams map[string]*Uslistener_t
	dgrams  map[string]*Usdgram_t
}

var binds = bindtable_t{
	streams: make(map[string]*Uslistener_t),
	dgrams:  make(map[string]*Usdgram_t),
}

// one half of a connected stream socket.
type Usconn_t struct {
	rx *Pipe_t
	tx *Pipe_t
}

func mkconnpair() (*Usconn_t, *Usconn_t) {
	p1 := &Pipe_t{}
	p1.Pipe_start()
	p2 := &Pipe_t{}
	p2.Pipe_start()
	a := &Usconn_t{rx: p1, tx: p2}
	b := &Usconn_t{rx: p2, tx: p1}
	return a, b
}

type Uslistener_t struct {
	sync.Mutex
	path    ustr.Ustr
	cond    *sync.Cond
	backlog []*Usconn_t
	maxbl   int
	closed  bool
}

func (ul *Uslistener_t) queue(c *Usconn_t) defs.Err_t {
	ul.Lock()
	defer ul.Unlock()
	if ul.closed {
		return -defs.ECONNREFUSED
	}
	if len(ul.backlog) >= ul.maxbl {
		return -defs.ECONNREFUSED
	}
	ul.backlog = append(ul.backlog, c)
	ul.cond.Signal()
	return 0
}

// Usbind_stream binds path and returns listener fops.
func Usbind_stream(path ustr.Ustr, backlog int) (fdops.Fdops_i, defs.Err_t) {
	if backlog <= 0 {
		backlog = 16
	}
	binds.Lock()
	if _, ok := binds.streams[path.String()]; ok {
		binds.Unlock()
		return nil, -defs.EADDRINUSE
	}
	ul := &Uslistener_t{path: path, maxbl: backlog}
	ul.cond = sync.NewCond(ul)
	binds.streams[path.String()] = ul
	binds.Unlock()
	if err := Mksocknode(path); err != 0 {
		binds.Lock()
		delete(binds.streams, path.String())
		binds.Unlock()
		return nil, err
	}
	return &Uslfops_t{l: ul}, 0
}

// Usconnect_stream finds the listener for path, enqueues a connection,
// and returns the connecting side's fops.
func Usconnect_stream(path ustr.Ustr) (fdops.Fdops_i, defs.Err_t) {
	binds.Lock()
	ul, ok := binds.streams[path.String()]
	binds.Unlock()
	if !ok {
		return nil, -defs.ECONNREFUSED
	}
	ours, theirs := mkconnpair()
	if err := ul.queue(theirs); err != 0 {
		ours.close()
		theirs.close()
		return nil, err
	}
	return &Usfops_t{conn: ours}, 0
}

func (c *Usconn_t) close() {
	c.rx.Op_reopen(-1, 0)
	c.tx.Op_reopen(0, -1)
}

// listener fops: only accept, poll, and close work.
type Uslfops_t struct {
	l *Uslistener_t
}

func (uf *Uslfops_t) Accept(fdops.Userio_i) (fdops.Fdops_i, int, defs.Err_t) {
	ul := uf.l
	ul.Lock()
	for len(ul.backlog) == 0 {
		if ul.closed {
			ul.Unlock()
			return nil, 0, -defs.EBADF
		}
		if err := proc.KillableWait(ul.cond); err != 0 {
			ul.Unlock()
			return nil, 0, err
		}
	}
	c := ul.backlog[0]
	copy(ul.backlog, ul.backlog[1:])
	ul.backlog = ul.backlog[:len(ul.backlog)-1]
	ul.Unlock()
	return &Usfops_t{conn: c}, 0, 0
}

func (uf *Uslfops_t) Close() defs.Err_t {
	ul := uf.l
	ul.Lock()
	ul.closed = true
	for _, c := range ul.backlog {
		c.close()
	}
	ul.backlog = nil
	ul.cond.Broadcast()
	ul.Unlock()
	binds.Lock()
	delete(binds.streams, ul.path.String())
	binds.Unlock()
	Rmsocknode(ul.path)
	return 0
}

func (uf *Uslfops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(uint(1 << 17))
	return 0
}

func (uf *Uslfops_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Uslfops_t) Mmapi(int, int, bool) ([]mem.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (uf *Uslfops_t) Pathi() defs.Inum_t {
	panic("socket cwd")
}

func (uf *Uslfops_t) Read(fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTCONN
}

func (uf *Uslfops_t) Reopen() defs.Err_t {
	return 0
}

func (uf *Uslfops_t) Write(fdops.Userio_i) (int, defs.Err_t) {
	return 0, -defs.ENOTCONN
}

func (uf *Uslfops_t) Truncate(uint) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Uslfops_t) Pread(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Uslfops_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Uslfops_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (uf *Uslfops_t) Flock(int, int, int, int) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Uslfops_t) Bind([]uint8) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Uslfops_t) Connect([]uint8) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Uslfops_t) Listen(int) (fdops.Fdops_i, defs.Err_t) {
	return uf, 0
}

func (uf *Uslfops_t) Sendmsg(fdops.Userio_i, []uint8, []uint8,
	int) (int, defs.Err_t) {
	return 0, -defs.ENOTCONN
}

func (uf *Uslfops_t) Recvmsg(fdops.Userio_i, fdops.Userio_i,
	fdops.Userio_i, int) (int, int, int, defs.Msgfl_t, defs.Err_t) {
	return 0, 0, 0, 0, -defs.ENOTCONN
}

func (uf *Uslfops_t) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	uf.l.Lock()
	defer uf.l.Unlock()
	if len(uf.l.backlog) > 0 && pm.Events&fdops.R_READ != 0 {
		return fdops.R_READ, 0
	}
	return 0, 0
}

func (uf *Uslfops_t) Fcntl(cmd, opt int) int {
	return int(-defs.ENOSYS)
}

func (uf *Uslfops_t) Getsockopt(int, fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.EOPNOTSUPP
}

func (uf *Uslfops_t) Setsockopt(int, int, fdops.Userio_i, int) defs.Err_t {
	return -defs.EOPNOTSUPP
}

func (uf *Uslfops_t) Shutdown(bool, bool) defs.Err_t {
	return -defs.ENOTCONN
}

// connected stream fops.
type Usfops_t struct {
	conn    *Usconn_t
	options defs.Fdopt_t
}

// Mksockpair returns a connected pair, as socketpair(2) does.
func Mksockpair() (*fd.Fd_t, *fd.Fd_t) {
	a, b := mkconnpair()
	fa := &fd.Fd_t{Fops: &Usfops_t{conn: a}}
	fb := &fd.Fd_t{Fops: &Usfops_t{conn: b}}
	return fa, fb
}

func (uf *Usfops_t) noblk() bool {
	return uf.options&defs.O_NONBLOCK != 0
}

func (uf *Usfops_t) Close() defs.Err_t {
	uf.conn.close()
	return 0
}

func (uf *Usfops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(uint(1 << 17))
	return 0
}

func (uf *Usfops_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Usfops_t) Mmapi(int, int, bool) ([]mem.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (uf *Usfops_t) Pathi() defs.Inum_t {
	panic("socket cwd")
}

func (uf *Usfops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	return uf.conn.rx.Op_read(dst, uf.noblk())
}

func (uf *Usfops_t) Reopen() defs.Err_t {
	uf.conn.rx.Op_reopen(1, 0)
	uf.conn.tx.Op_reopen(0, 1)
	return 0
}

func (uf *Usfops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	ret, err := uf.conn.tx.Op_write(src, uf.noblk())
	if err == -defs.EPIPE {
		err = -defs.ECONNRESET
	}
	return ret, err
}

func (uf *Usfops_t) Truncate(uint) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Usfops_t) Pread(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Usfops_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Usfops_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (uf *Usfops_t) Flock(int, int, int, int) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Usfops_t) Accept(fdops.Userio_i) (fdops.Fdops_i, int, defs.Err_t) {
	return nil, 0, -defs.EINVAL
}

func (uf *Usfops_t) Bind([]uint8) defs.Err_t {
	return -defs.EISCONN
}

func (uf *Usfops_t) Connect([]uint8) defs.Err_t {
	return -defs.EISCONN
}

func (uf *Usfops_t) Listen(int) (fdops.Fdops_i, defs.Err_t) {
	return nil, -defs.EISCONN
}

func (uf *Usfops_t) Sendmsg(data fdops.Userio_i, saddr []uint8,
	cmsg []uint8, flags int) (int, defs.Err_t) {
	return uf.Write(data)
}

func (uf *Usfops_t) Recvmsg(data fdops.Userio_i, saddr fdops.Userio_i,
	cmsg fdops.Userio_i, flags int) (int, int, int, defs.Msgfl_t, defs.Err_t) {
	ret, err := uf.Read(data)
	return ret, 0, 0, 0, err
}

func (uf *Usfops_t) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	var r fdops.Ready_t
	if pm.Events&fdops.R_READ != 0 {
		if rr, _ := uf.conn.rx.Op_poll(pm); rr&fdops.R_READ != 0 {
			r |= fdops.R_READ
		}
	}
	if pm.Events&fdops.R_WRITE != 0 {
		if wr, _ := uf.conn.tx.Op_poll(pm); wr&fdops.R_WRITE != 0 {
			r |= fdops.R_WRITE
		}
	}
	return r, 0
}

func (uf *Usfops_t) Fcntl(cmd, opt int) int {
	switch cmd {
	case defs.F_GETFL:
		return int(uf.options)
	case defs.F_SETFL:
		uf.options = defs.Fdopt_t(opt)
		return 0
	}
	return int(-defs.ENOSYS)
}

func (uf *Usfops_t) Getsockopt(int, fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.EOPNOTSUPP
}

func (uf *Usfops_t) Setsockopt(int, int, fdops.Userio_i, int) defs.Err_t {
	return -defs.EOPNOTSUPP
}

func (uf *Usfops_t) Shutdown(rdone, wdone bool) defs.Err_t {
	if rdone {
		uf.conn.rx.Op_reopen(-1, 0)
	}
	if wdone {
		uf.conn.tx.Op_reopen(0, -1)
	}
	return 0
}

// datagram socket: a path-bound mailbox of whole messages. boundaries
// are never merged; each message remembers its sender so recvfrom can
// report it.
type dgram_t struct {
	from ustr.Ustr
	data []uint8
}

type Usdgram_t struct {
	sync.Mutex
	cond   *sync.Cond
	path   ustr.Ustr
	msgs   []dgram_t
	closed bool
}

func mkdgram(path ustr.Ustr) *Usdgram_t {
	ud := &Usdgram_t{path: path}
	ud.cond = sync.NewCond(ud)
	return ud
}

// Usbind_dgram binds a datagram mailbox at path and returns its fops.
func Usbind_dgram(path ustr.Ustr) (fdops.Fdops_i, defs.Err_t) {
	binds.Lock()
	if _, ok := binds.dgrams[path.String()]; ok {
		binds.Unlock()
		return nil, -defs.EADDRINUSE
	}
	ud := mkdgram(path)
	binds.dgrams[path.String()] = ud
	binds.Unlock()
	if err := Mksocknode(path); err != 0 {
		binds.Lock()
		delete(binds.dgrams, path.String())
		binds.Unlock()
		return nil, err
	}
	return &Usdfops_t{local: ud}, 0
}

// Usconnect_dgram sets path as the default destination; the socket has
// no address of its own and cannot be bound.
func Usconnect_dgram(path ustr.Ustr) (fdops.Fdops_i, defs.Err_t) {
	binds.Lock()
	_, ok := binds.dgrams[path.String()]
	binds.Unlock()
	if !ok {
		return nil, -defs.ECONNREFUSED
	}
	return &Usdfops_t{peerpath: path}, 0
}

// Mkdgrampair returns two connected anonymous datagram sockets, the
// SOCK_DGRAM flavor of socketpair(2).
func Mkdgrampair() (*fd.Fd_t, *fd.Fd_t) {
	ua := mkdgram(nil)
	ub := mkdgram(nil)
	fa := &fd.Fd_t{Fops: &Usdfops_t{local: ua, peer: ub}}
	fb := &fd.Fd_t{Fops: &Usdfops_t{local: ub, peer: ua}}
	return fa, fb
}

func Uslookup_dgram(path ustr.Ustr) (*Usdgram_t, bool) {
	binds.Lock()
	defer binds.Unlock()
	ud, ok := binds.dgrams[path.String()]
	return ud, ok
}

// Send queues one message; boundaries are never merged.
func (ud *Usdgram_t) Send(from ustr.Ustr, msg []uint8) defs.Err_t {
	ud.Lock()
	defer ud.Unlock()
	if ud.closed {
		return -defs.ECONNREFUSED
	}
	const maxq = 64
	if len(ud.msgs) >= maxq {
		return -defs.EWOULDBLOCK
	}
	dup := make([]uint8, len(msg))
	copy(dup, msg)
	ud.msgs = append(ud.msgs, dgram_t{from: from, data: dup})
	ud.cond.Signal()
	return 0
}

// Recv dequeues one whole message; a short buffer truncates it. the
// sender's address, if it had one, comes back too.
func (ud *Usdgram_t) Recv(dst fdops.Userio_i, noblock bool) (int, ustr.Ustr,
	defs.Msgfl_t, defs.Err_t) {
	ud.Lock()
	for len(ud.msgs) == 0 {
		if ud.closed {
			ud.Unlock()
			return 0, nil, 0, -defs.EBADF
		}
		if noblock {
			ud.Unlock()
			return 0, nil, 0, -defs.EWOULDBLOCK
		}
		if err := proc.KillableWait(ud.cond); err != 0 {
			ud.Unlock()
			return 0, nil, 0, err
		}
	}
	msg := ud.msgs[0]
	copy(ud.msgs, ud.msgs[1:])
	ud.msgs = ud.msgs[:len(ud.msgs)-1]
	ud.Unlock()

	var fl defs.Msgfl_t
	did, err := dst.Uiowrite(msg.data)
	if err != 0 {
		return 0, nil, 0, err
	}
	if did < len(msg.data) {
		fl |= defs.MSG_TRUNC
	}
	return did, msg.from, fl, 0
}

func (ud *Usdgram_t) Close() {
	ud.Lock()
	ud.closed = true
	ud.cond.Broadcast()
	ud.Unlock()
	if len(ud.path) != 0 {
		binds.Lock()
		delete(binds.dgrams, ud.path.String())
		binds.Unlock()
		Rmsocknode(ud.path)
	}
}

// Usdfops_t is the fd view of a datagram socket: an optional local
// mailbox (bound or pair end) and an optional default destination
// (connected or pair end).
type Usdfops_t struct {
	// local, peer, and peerpath are fixed at creation; options is
	// protected by the fd layer
	local    *Usdgram_t
	peer     *Usdgram_t
	peerpath ustr.Ustr
	options  defs.Fdopt_t
}

func (uf *Usdfops_t) noblk() bool {
	return uf.options&defs.O_NONBLOCK != 0
}

func (uf *Usdfops_t) lpath() ustr.Ustr {
	if uf.local != nil {
		return uf.local.path
	}
	return nil
}

// dest resolves where a message should go: an explicit address wins,
// then the connected peer.
func (uf *Usdfops_t) dest(saddr []uint8) (*Usdgram_t, defs.Err_t) {
	if len(saddr) != 0 {
		ud, ok := Uslookup_dgram(ustr.Ustr(saddr))
		if !ok {
			return nil, -defs.ECONNREFUSED
		}
		return ud, 0
	}
	if uf.peer != nil {
		return uf.peer, 0
	}
	if len(uf.peerpath) != 0 {
		ud, ok := Uslookup_dgram(uf.peerpath)
		if !ok {
			return nil, -defs.ECONNREFUSED
		}
		return ud, 0
	}
	return nil, -defs.ENOTCONN
}

func (uf *Usdfops_t) Close() defs.Err_t {
	if uf.local != nil {
		uf.local.Close()
	}
	return 0
}

func (uf *Usdfops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(uint(1 << 17))
	return 0
}

func (uf *Usdfops_t) Lseek(int, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Usdfops_t) Mmapi(int, int, bool) ([]mem.Mmapinfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (uf *Usdfops_t) Pathi() defs.Inum_t {
	panic("socket cwd")
}

func (uf *Usdfops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if uf.local == nil {
		return 0, -defs.ENOTCONN
	}
	did, _, _, err := uf.local.Recv(dst, uf.noblk())
	return did, err
}

func (uf *Usdfops_t) Reopen() defs.Err_t {
	return 0
}

func (uf *Usdfops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return uf.Sendmsg(src, nil, nil, 0)
}

func (uf *Usdfops_t) Truncate(uint) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Usdfops_t) Pread(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Usdfops_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ESPIPE
}

func (uf *Usdfops_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (uf *Usdfops_t) Flock(int, int, int, int) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Usdfops_t) Accept(fdops.Userio_i) (fdops.Fdops_i, int, defs.Err_t) {
	return nil, 0, -defs.EOPNOTSUPP
}

func (uf *Usdfops_t) Bind([]uint8) defs.Err_t {
	return -defs.EINVAL
}

func (uf *Usdfops_t) Connect([]uint8) defs.Err_t {
	return -defs.EISCONN
}

func (uf *Usdfops_t) Listen(int) (fdops.Fdops_i, defs.Err_t) {
	return nil, -defs.EOPNOTSUPP
}

func (uf *Usdfops_t) Sendmsg(data fdops.Userio_i, saddr []uint8,
	cmsg []uint8, flags int) (int, defs.Err_t) {
	ud, err := uf.dest(saddr)
	if err != 0 {
		return 0, err
	}
	buf := make([]uint8, data.Totalsz())
	did, rerr := data.Uioread(buf)
	if rerr != 0 {
		return 0, rerr
	}
	if serr := ud.Send(uf.lpath(), buf[:did]); serr != 0 {
		return 0, serr
	}
	return did, 0
}

func (uf *Usdfops_t) Recvmsg(data fdops.Userio_i, saddr fdops.Userio_i,
	cmsg fdops.Userio_i, flags int) (int, int, int, defs.Msgfl_t, defs.Err_t) {
	if uf.local == nil {
		return 0, 0, 0, 0, -defs.ENOTCONN
	}
	did, from, fl, err := uf.local.Recv(data, uf.noblk())
	if err != 0 {
		return 0, 0, 0, 0, err
	}
	fromsz := 0
	if saddr != nil && saddr.Totalsz() > 0 && len(from) != 0 {
		fb := make([]uint8, 0, len(from)+1)
		fb = append(fb, from...)
		fb = append(fb, 0)
		fromsz, err = saddr.Uiowrite(fb)
		if err != 0 {
			return did, 0, 0, fl, err
		}
	}
	return did, fromsz, 0, fl, 0
}

func (uf *Usdfops_t) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	var r fdops.Ready_t
	if pm.Events&fdops.R_WRITE != 0 {
		r |= fdops.R_WRITE
	}
	if uf.local != nil && pm.Events&fdops.R_READ != 0 {
		uf.local.Lock()
		if len(uf.local.msgs) > 0 {
			r |= fdops.R_READ
		}
		uf.local.Unlock()
	}
	return r, 0
}

func (uf *Usdfops_t) Fcntl(cmd, opt int) int {
	switch cmd {
	case defs.F_GETFL:
		return int(uf.options)
	case defs.F_SETFL:
		uf.options = defs.Fdopt_t(opt)
		return 0
	}
	return int(-defs.ENOSYS)
}

func (uf *Usdfops_t) Getsockopt(int, fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.EOPNOTSUPP
}

func (uf *Usdfops_t) Setsockopt(int, int, fdops.Userio_i, int) defs.Err_t {
	return -defs.EOPNOTSUPP
}

func (uf *Usdfops_t) Shutdown(rdone, wdone bool) defs.Err_t {
	if rdone && uf.local != nil {
		uf.local.Close()
	}
	return 0
}
