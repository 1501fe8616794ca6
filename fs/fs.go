package fs

import "sync"

import "rvkern/bpath"
import "rvkern/defs"
import "rvkern/stat"
import "rvkern/ustr"

const NAME_MAX int = 512

// bounded symlink-depth during path resolution
const MAXLINKS = 8

// inode types
const (
	I_FILE = iota
	I_DIR
	I_DEV
	I_LNK
	I_SOCK
	I_FIFO
)

type Dirent_t struct {
	Name ustr.Ustr
	Inum defs.Inum_t
	Type int
}

// the capability table every filesystem implements for its inodes.
// operations that make no sense for a given inode return an error.
type Inode_i interface {
	Itype() int
	Inum() defs.Inum_t
	Size() int
	Stat(*stat.Stat_t) defs.Err_t
	Read(dst []uint8, off int) (int, defs.Err_t)
	Write(src []uint8, off int) (int, defs.Err_t)
	Truncate(sz uint) defs.Err_t
	Readdir() ([]Dirent_t, defs.Err_t)
	Lookup(name ustr.Ustr) (Inode_i, defs.Err_t)
	Create(name ustr.Ustr, itype int) (Inode_i, defs.Err_t)
	Unlink(name ustr.Ustr) defs.Err_t
	Readlink() (ustr.Ustr, defs.Err_t)
	Ioctl(cmd, arg int) (int, defs.Err_t)
	// release a cached reference
	Refdown()
	Refup()
}

// one mounted filesystem instance.
type Filesystem_i interface {
	Root() Inode_i
	Sync() defs.Err_t
	Fsid() int
}

type mount_t struct {
	prefix ustr.Ustr
	fs     Filesystem_i
}

// Vfs_t is the mount table plus the shared path walker.
type Vfs_t struct {
	sync.Mutex
	mounts []mount_t
	fsids  int
}

func MkVfs(rootfs Filesystem_i) *Vfs_t {
	v := &Vfs_t{}
	v.mounts = append(v.mounts, mount_t{prefix: ustr.MkUstrRoot(), fs: rootfs})
	return v
}

func (v *Vfs_t) Nextfsid() int {
	v.Lock()
	defer v.Unlock()
	v.fsids++
	return v.fsids
}

// Mount attaches fs at prefix. the prefix must name an existing
// directory.
func (v *Vfs_t) Mount(prefix ustr.Ustr, fs Filesystem_i) defs.Err_t {
	prefix = bpath.Canonicalize(prefix)
	dir, err := v.Namei(prefix)
	if err != 0 {
		return err
	}
	isdir := dir.Itype() == I_DIR
	dir.Refdown()
	if !isdir {
		return -defs.ENOTDIR
	}
	v.Lock()
	defer v.Unlock()
	for _, m := range v.mounts {
		if m.prefix.Eq(prefix) {
			return -defs.EBUSY
		}
	}
	v.mounts = append(v.mounts, mount_t{prefix: prefix, fs: fs})
	return 0
}

func (v *Vfs_t) Umount(prefix ustr.Ustr) defs.Err_t {
	prefix = bpath.Canonicalize(prefix)
	v.Lock()
	defer v.Unlock()
	for i, m := range v.mounts {
		if m.prefix.Eq(prefix) {
			if i == 0 {
				return -defs.EBUSY
			}
			m.fs.Sync()
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			return 0
		}
	}
	return -defs.ENOENT
}

// findmount returns the filesystem owning path: the mount with the
// longest matching prefix, and the path remainder inside it.
func (v *Vfs_t) findmount(path ustr.Ustr) (Filesystem_i, ustr.Ustr) {
	v.Lock()
	defer v.Unlock()
	var best *mount_t
	bestlen := -1
	for i := range v.mounts {
		m := &v.mounts[i]
		pl := len(m.prefix)
		if pl > len(path) || pl <= bestlen {
			continue
		}
		if !path[:pl].Eq(m.prefix) {
			continue
		}
		// prefix must end at a component boundary
		if pl > 1 && len(path) > pl && path[pl] != '/' {
			continue
		}
		best = m
		bestlen = pl
	}
	if best == nil {
		// the root mount always matches
		best = &v.mounts[0]
		bestlen = 1
	}
	rest := path[bestlen:]
	return best.fs, rest
}

// Namei resolves path to an inode with a reference taken. path must be
// absolute and canonical (cwd joining happens at the fd layer).
func (v *Vfs_t) Namei(path ustr.Ustr) (Inode_i, defs.Err_t) {
	return v.namei1(path, 0)
}

func (v *Vfs_t) namei1(path ustr.Ustr, depth int) (Inode_i, defs.Err_t) {
	if depth > MAXLINKS {
		return nil, -defs.ELOOP
	}
	if !path.IsAbsolute() {
		return nil, -defs.EINVAL
	}
	path = bpath.Canonicalize(path)
	fs, rest := v.findmount(path)
	cur := fs.Root()
	cur.Refup()

	pp := bpath.Pathparts_t{}
	pp.Pp_init(rest)
	for cn, ok := pp.Next(); ok; cn, ok = pp.Next() {
		if len(cn) > NAME_MAX {
			cur.Refdown()
			return nil, -defs.ENAMETOOLONG
		}
		if cur.Itype() != I_DIR {
			cur.Refdown()
			return nil, -defs.ENOTDIR
		}
		next, err := cur.Lookup(cn)
		if err != 0 {
			cur.Refdown()
			return nil, err
		}
		if next.Itype() == I_LNK {
			target, lerr := next.Readlink()
			next.Refdown()
			cur.Refdown()
			if lerr != 0 {
				return nil, lerr
			}
			// remaining components are appended to the target
			remain := pp.Rest()
			var np ustr.Ustr
			if target.IsAbsolute() {
				np = target
			} else {
				dir, _ := bpath.Sdirname(path)
				np = dir.Extend(target)
			}
			if len(remain) > 0 {
				np = np.Extend(remain)
			}
			return v.namei1(bpath.Canonicalize(np), depth+1)
		}
		cur.Refdown()
		cur = next
	}
	return cur, 0
}

// Nameiparent resolves to the parent directory of path and returns the
// final component.
func (v *Vfs_t) Nameiparent(path ustr.Ustr) (Inode_i, ustr.Ustr, defs.Err_t) {
	path = bpath.Canonicalize(path)
	dirs, fn := bpath.Sdirname(path)
	if len(fn) == 0 {
		return nil, nil, -defs.EINVAL
	}
	if len(dirs) == 0 {
		dirs = ustr.MkUstrRoot()
	}
	dir, err := v.Namei(dirs)
	if err != 0 {
		return nil, nil, err
	}
	if dir.Itype() != I_DIR {
		dir.Refdown()
		return nil, nil, -defs.ENOTDIR
	}
	return dir, fn, 0
}

// filesystems that can move a directory entry implement this; Rename
// refuses cross-filesystem moves.
type renamer_i interface {
	Renameent(oldn ustr.Ustr, npar Inode_i, newn ustr.Ustr) defs.Err_t
}

// Rename moves oldp to newp within one filesystem. an existing target
// is replaced.
func (v *Vfs_t) Rename(oldp, newp ustr.Ustr) defs.Err_t {
	ofs, _ := v.findmount(bpath.Canonicalize(oldp))
	nfs, _ := v.findmount(bpath.Canonicalize(newp))
	if ofs.Fsid() != nfs.Fsid() {
		return -defs.EINVAL
	}
	opar, oldn, err := v.Nameiparent(oldp)
	if err != 0 {
		return err
	}
	defer opar.Refdown()
	npar, newn, err := v.Nameiparent(newp)
	if err != 0 {
		return err
	}
	defer npar.Refdown()
	r, ok := opar.(renamer_i)
	if !ok {
		return -defs.ENOSYS
	}
	if tgt, lerr := npar.Lookup(newn); lerr == 0 {
		tgt.Refdown()
		if uerr := npar.Unlink(newn); uerr != 0 {
			return uerr
		}
	}
	return r.Renameent(oldn, npar, newn)
}

// Sync flushes every mounted filesystem.
func (v *Vfs_t) Sync() defs.Err_t {
	v.Lock()
	ms := make([]mount_t, len(v.mounts))
	copy(ms, v.mounts)
	v.Unlock()
	for _, m := range ms {
		if err := m.fs.Sync(); err != 0 {
			return err
		}
	}
	return 0
}
