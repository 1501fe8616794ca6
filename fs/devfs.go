package fs

import "sync"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/stat"
import "rvkern/ustr"

// the device contract the vfs and drivers agree upon; the driver layer
// registers one per node.
type Device_i interface {
	Dread(dst []uint8, off int) (int, defs.Err_t)
	Dwrite(src []uint8, off int) (int, defs.Err_t)
	Dioctl(cmd, arg int) (int, defs.Err_t)
	Dpoll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t)
}

// DevFS: an in-memory filesystem whose leaf inodes dispatch to
// registered drivers.
type Devfs_t struct {
	sync.Mutex
	fsid  int
	root  *devnode_t
	ninum defs.Inum_t
}

type devnode_t struct {
	fs    *Devfs_t
	name  ustr.Ustr
	inum  defs.Inum_t
	isdir bool
	major int
	dev   Device_i
	kids  []*devnode_t
}

func MkDevfs(fsid int) *Devfs_t {
	d := &Devfs_t{fsid: fsid}
	d.root = &devnode_t{fs: d, name: ustr.MkUstrRoot(), inum: 1, isdir: true}
	d.ninum = 1
	return d
}

func (d *Devfs_t) Root() Inode_i {
	return d.root
}

func (d *Devfs_t) Sync() defs.Err_t {
	return 0
}

func (d *Devfs_t) Fsid() int {
	return d.fsid
}

// Register adds a device node under the devfs root.
func (d *Devfs_t) Register(name ustr.Ustr, major int, dev Device_i) defs.Err_t {
	d.Lock()
	defer d.Unlock()
	for _, k := range d.root.kids {
		if k.name.Eq(name) {
			return -defs.EEXIST
		}
	}
	d.ninum++
	n := &devnode_t{fs: d, name: name, inum: d.ninum, major: major, dev: dev}
	d.root.kids = append(d.root.kids, n)
	return 0
}

func (dn *devnode_t) Itype() int {
	if dn.isdir {
		return I_DIR
	}
	return I_DEV
}

func (dn *devnode_t) Inum() defs.Inum_t {
	return dn.inum
}

func (dn *devnode_t) Size() int {
	return 0
}

func (dn *devnode_t) Stat(st *stat.Stat_t) defs.Err_t {
	st.Wdev(uint(dn.fs.fsid))
	st.Wino(uint(dn.inum))
	st.Wrdev(uint(dn.major))
	if dn.isdir {
		st.Wmode(uint(I_DIR << 16))
	} else {
		st.Wmode(uint(I_DEV << 16))
	}
	return 0
}

func (dn *devnode_t) Read(dst []uint8, off int) (int, defs.Err_t) {
	if dn.isdir {
		return 0, -defs.EISDIR
	}
	return dn.dev.Dread(dst, off)
}

func (dn *devnode_t) Write(src []uint8, off int) (int, defs.Err_t) {
	if dn.isdir {
		return 0, -defs.EISDIR
	}
	return dn.dev.Dwrite(src, off)
}

func (dn *devnode_t) Truncate(uint) defs.Err_t {
	return 0
}

func (dn *devnode_t) Readdir() ([]Dirent_t, defs.Err_t) {
	if !dn.isdir {
		return nil, -defs.ENOTDIR
	}
	dn.fs.Lock()
	defer dn.fs.Unlock()
	ret := make([]Dirent_t, 0, len(dn.kids))
	for _, k := range dn.kids {
		ret = append(ret, Dirent_t{Name: k.name, Inum: k.inum, Type: k.Itype()})
	}
	return ret, 0
}

func (dn *devnode_t) Lookup(name ustr.Ustr) (Inode_i, defs.Err_t) {
	if !dn.isdir {
		return nil, -defs.ENOTDIR
	}
	dn.fs.Lock()
	defer dn.fs.Unlock()
	for _, k := range dn.kids {
		if k.name.Eq(name) {
			return k, 0
		}
	}
	return nil, -defs.ENOENT
}

func (dn *devnode_t) Create(name ustr.Ustr, itype int) (Inode_i, defs.Err_t) {
	return nil, -defs.EPERM
}

func (dn *devnode_t) Unlink(name ustr.Ustr) defs.Err_t {
	return -defs.EPERM
}

func (dn *devnode_t) Readlink() (ustr.Ustr, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (dn *devnode_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	if dn.isdir {
		return 0, -defs.EISDIR
	}
	return dn.dev.Dioctl(cmd, arg)
}

// devfs nodes live for the lifetime of the mount
func (dn *devnode_t) Refdown() {}
func (dn *devnode_t) Refup()   {}

func (dn *devnode_t) Pollone(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	if dn.isdir {
		return 0, 0
	}
	return dn.dev.Dpoll(pm)
}
