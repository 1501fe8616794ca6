package fs

import "sync"

import "rvkern/bpath"
import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/mem"
import "rvkern/stat"
import "rvkern/ustr"

// Fsfops_t pairs an inode with a file position and open mode; it is the
// Fdops_i the vfs hands out for regular files, directories, and device
// nodes.
type Fsfops_t struct {
	sync.Mutex
	ino   Inode_i
	fs    Filesystem_i
	pos   int
	opts  defs.Fdopt_t
	count int
	// pids that took advisory locks through this file
	lockpids map[int]bool
	// lock manager for advisory range locks, shared per vfs
	locks *Flockmgr_t
}

func MkFsfops(ino Inode_i, fs Filesystem_i, locks *Flockmgr_t,
	opts defs.Fdopt_t) *Fsfops_t {
	return &Fsfops_t{ino: ino, fs: fs, opts: opts, count: 1, locks: locks}
}

func (fo *Fsfops_t) Inode() Inode_i {
	return fo.ino
}

func (fo *Fsfops_t) Close() defs.Err_t {
	fo.Lock()
	defer fo.Unlock()
	if fo.count <= 0 {
		return -defs.EBADF
	}
	fo.count--
	if fo.count == 0 {
		// the last close through this file drops the advisory locks
		// taken via it
		if fo.locks != nil {
			for pid := range fo.lockpids {
				fo.locks.Flock(fo.lockkey(), defs.LOCK_UN, pid, 0, 0)
			}
		}
		fo.ino.Refdown()
	}
	return 0
}

func (fo *Fsfops_t) lockkey() lockkey_t {
	return lockkey_t{fsid: fo.fs.Fsid(), inum: fo.ino.Inum()}
}

func (fo *Fsfops_t) Reopen() defs.Err_t {
	fo.Lock()
	fo.count++
	fo.Unlock()
	return 0
}

func (fo *Fsfops_t) Fstat(st *stat.Stat_t) defs.Err_t {
	return fo.ino.Stat(st)
}

func (fo *Fsfops_t) Pathi() defs.Inum_t {
	return fo.ino.Inum()
}

func (fo *Fsfops_t) readat(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	buf := make([]uint8, 0, 4096)
	did := 0
	for dst.Remain() != 0 {
		n := dst.Remain()
		if n > cap(buf) {
			n = cap(buf)
		}
		b := buf[:n]
		rn, err := fo.ino.Read(b, off+did)
		if err != 0 {
			return did, err
		}
		if rn == 0 {
			break
		}
		wn, err := dst.Uiowrite(b[:rn])
		did += wn
		if err != 0 {
			return did, err
		}
		if rn < n || wn < rn {
			break
		}
	}
	return did, 0
}

func (fo *Fsfops_t) writeat(src fdops.Userio_i, off int) (int, defs.Err_t) {
	buf := make([]uint8, 0, 4096)
	did := 0
	for src.Remain() != 0 {
		n := src.Remain()
		if n > cap(buf) {
			n = cap(buf)
		}
		b := buf[:n]
		rn, err := src.Uioread(b)
		if err != 0 {
			return did, err
		}
		if rn == 0 {
			break
		}
		wn, err := fo.ino.Write(b[:rn], off+did)
		did += wn
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

func (fo *Fsfops_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	fo.Lock()
	defer fo.Unlock()
	did, err := fo.readat(dst, fo.pos)
	fo.pos += did
	return did, err
}

func (fo *Fsfops_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	fo.Lock()
	defer fo.Unlock()
	off := fo.pos
	if fo.opts&defs.O_APPEND != 0 {
		off = fo.ino.Size()
	}
	did, err := fo.writeat(src, off)
	fo.pos = off + did
	return did, err
}

func (fo *Fsfops_t) Pread(dst fdops.Userio_i, off int) (int, defs.Err_t) {
	return fo.readat(dst, off)
}

func (fo *Fsfops_t) Pwrite(src fdops.Userio_i, off int) (int, defs.Err_t) {
	return fo.writeat(src, off)
}

func (fo *Fsfops_t) Lseek(off, whence int) (int, defs.Err_t) {
	fo.Lock()
	defer fo.Unlock()
	var np int
	switch whence {
	case defs.SEEK_SET:
		np = off
	case defs.SEEK_CUR:
		np = fo.pos + off
	case defs.SEEK_END:
		np = fo.ino.Size() + off
	default:
		return 0, -defs.EINVAL
	}
	if np < 0 {
		return 0, -defs.EINVAL
	}
	fo.pos = np
	return np, 0
}

func (fo *Fsfops_t) Truncate(sz uint) defs.Err_t {
	return fo.ino.Truncate(sz)
}

func (fo *Fsfops_t) Mmapi(off, len int, shared bool) ([]mem.Mmapinfo_t, defs.Err_t) {
	// file pages are copied into fresh frames; changes to them are not
	// written back to the file, for shared or private maps
	if fo.ino.Itype() != I_FILE {
		return nil, -defs.EINVAL
	}
	pgs := make([]mem.Mmapinfo_t, 0, len)
	for i := 0; i < len; i++ {
		pg, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			return nil, -defs.ENOMEM
		}
		b := mem.Pg2bytes(pg)
		if _, err := fo.ino.Read(b[:], off+i*mem.PGSIZE); err != 0 {
			return nil, err
		}
		mem.Physmem.Refup(pa)
		pgs = append(pgs, mem.Mmapinfo_t{Pg: pg, Phys: pa})
	}
	return pgs, 0
}

func (fo *Fsfops_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return fo.ino.Ioctl(cmd, arg)
}

func (fo *Fsfops_t) Flock(op, pid, start, length int) defs.Err_t {
	if fo.locks == nil {
		return -defs.EINVAL
	}
	if op&defs.LOCK_UN == 0 {
		fo.Lock()
		if fo.lockpids == nil {
			fo.lockpids = make(map[int]bool)
		}
		fo.lockpids[pid] = true
		fo.Unlock()
	}
	return fo.locks.Flock(fo.lockkey(), op, pid, start, length)
}

// directory listing through the fd
func (fo *Fsfops_t) Readdir() ([]Dirent_t, defs.Err_t) {
	return fo.ino.Readdir()
}

func (fo *Fsfops_t) Accept(fdops.Userio_i) (fdops.Fdops_i, int, defs.Err_t) {
	return nil, 0, -defs.ENOTSOCK
}

func (fo *Fsfops_t) Bind([]uint8) defs.Err_t {
	return -defs.ENOTSOCK
}

func (fo *Fsfops_t) Connect([]uint8) defs.Err_t {
	return -defs.ENOTSOCK
}

func (fo *Fsfops_t) Listen(int) (fdops.Fdops_i, defs.Err_t) {
	return nil, -defs.ENOTSOCK
}

func (fo *Fsfops_t) Sendmsg(fdops.Userio_i, []uint8, []uint8,
	int) (int, defs.Err_t) {
	return 0, -defs.ENOTSOCK
}

func (fo *Fsfops_t) Recvmsg(fdops.Userio_i, fdops.Userio_i,
	fdops.Userio_i, int) (int, int, int, defs.Msgfl_t, defs.Err_t) {
	return 0, 0, 0, 0, -defs.ENOTSOCK
}

func (fo *Fsfops_t) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	if dn, ok := fo.ino.(*devnode_t); ok {
		return dn.Pollone(pm)
	}
	// regular files are always ready
	return pm.Events & (fdops.R_READ | fdops.R_WRITE), 0
}

func (fo *Fsfops_t) Fcntl(cmd, opt int) int {
	switch cmd {
	case defs.F_GETFL:
		return int(fo.opts)
	case defs.F_SETFL:
		fo.Lock()
		fo.opts = defs.Fdopt_t(opt)
		fo.Unlock()
		return 0
	}
	return int(-defs.ENOSYS)
}

func (fo *Fsfops_t) Getsockopt(int, fdops.Userio_i, int) (int, defs.Err_t) {
	return 0, -defs.ENOTSOCK
}

func (fo *Fsfops_t) Setsockopt(int, int, fdops.Userio_i, int) defs.Err_t {
	return -defs.ENOTSOCK
}

func (fo *Fsfops_t) Shutdown(bool, bool) defs.Err_t {
	return -defs.ENOTSOCK
}

// Fs_open is the path-based open: resolves, optionally creates, and
// returns the file object.
func (v *Vfs_t) Fs_open(path ustr.Ustr, opts defs.Fdopt_t, locks *Flockmgr_t) (*Fsfops_t, defs.Err_t) {
	var ino Inode_i
	var err defs.Err_t
	ino, err = v.Namei(path)
	if err == -defs.ENOENT && opts&defs.O_CREAT != 0 {
		var dir Inode_i
		var fn ustr.Ustr
		dir, fn, err = v.Nameiparent(path)
		if err != 0 {
			return nil, err
		}
		ino, err = dir.Create(fn, I_FILE)
		dir.Refdown()
		if err != 0 {
			return nil, err
		}
	} else if err == 0 && opts&defs.O_CREAT != 0 && opts&defs.O_EXCL != 0 {
		ino.Refdown()
		return nil, -defs.EEXIST
	}
	if err != 0 {
		return nil, err
	}
	if opts&defs.O_DIRECTORY != 0 && ino.Itype() != I_DIR {
		ino.Refdown()
		return nil, -defs.ENOTDIR
	}
	if opts&defs.O_TRUNC != 0 && ino.Itype() == I_FILE {
		ino.Truncate(0)
	}
	fs, _ := v.findmount(bpath.Canonicalize(path))
	return MkFsfops(ino, fs, locks, opts), 0
}
