package fs

import "sync"

import "rvkern/defs"
import "rvkern/stat"
import "rvkern/ustr"
import "rvkern/util"

// fat32 as the on-disk spec defines it: a bpb in sector 0, the fat(s),
// and a cluster heap. directory entries are 32 bytes, long names ride in
// 0x0f attribute entries before their short entry. everything is
// little-endian.

const (
	fat_free    = 0
	fat_eoc     = 0x0ffffff8
	fat_mask    = 0x0fffffff
	dirent_sz   = 32
	attr_ro     = 0x01
	attr_hidden = 0x02
	attr_system = 0x04
	attr_volid  = 0x08
	attr_dir    = 0x10
	attr_arch   = 0x20
	attr_lfn    = 0x0f
)

type Fat_t struct {
	sync.Mutex
	bc   *Bcache_t
	fsid int

	secsz    int
	secsper  int
	rsvd     int
	nfats    int
	fatsz    int
	rootclus int
	nclus    int

	// cluster heap start, in sectors
	datastart int

	icache map[int]*fatnode_t
}

// MkFat mounts a fat32 volume on dev.
func MkFat(dev Blockdev_i, fsid int) (*Fat_t, defs.Err_t) {
	f := &Fat_t{fsid: fsid, icache: make(map[int]*fatnode_t)}
	f.bc = MkBcache(dev, 512)
	var bpb [BSIZE]uint8
	if err := dev.Bread(0, bpb[:]); err != 0 {
		return nil, err
	}
	if bpb[510] != 0x55 || bpb[511] != 0xaa {
		return nil, -defs.EINVAL
	}
	f.secsz = util.Readn(bpb[:], 2, 11)
	f.secsper = util.Readn(bpb[:], 1, 13)
	f.rsvd = util.Readn(bpb[:], 2, 14)
	f.nfats = util.Readn(bpb[:], 1, 16)
	f.fatsz = util.Readn(bpb[:], 4, 36)
	f.rootclus = util.Readn(bpb[:], 4, 44)
	if f.secsz != BSIZE || f.secsper == 0 || f.fatsz == 0 {
		return nil, -defs.EINVAL
	}
	f.datastart = f.rsvd + f.nfats*f.fatsz
	f.nclus = (dev.Nblocks() - f.datastart) / f.secsper
	return f, 0
}

func (f *Fat_t) Fsid() int {
	return f.fsid
}

func (f *Fat_t) Sync() defs.Err_t {
	return f.bc.Sync()
}

func (f *Fat_t) clussz() int {
	return f.secsper * f.secsz
}

// byte offset of cluster n in the volume
func (f *Fat_t) clusoff(n int) int {
	return (f.datastart + (n-2)*f.secsper) * f.secsz
}

// fatget reads the fat entry for cluster n.
func (f *Fat_t) fatget(n int) (int, defs.Err_t) {
	var e [4]uint8
	off := f.rsvd*f.secsz + n*4
	if err := f.bc.Read(e[:], off); err != 0 {
		return 0, err
	}
	return util.Readn(e[:], 4, 0) & fat_mask, 0
}

// fatset writes the entry in every fat copy.
func (f *Fat_t) fatset(n, val int) defs.Err_t {
	var e [4]uint8
	util.Writen(e[:], 4, 0, val&fat_mask)
	for c := 0; c < f.nfats; c++ {
		off := (f.rsvd+c*f.fatsz)*f.secsz + n*4
		if err := f.bc.Write(e[:], off); err != 0 {
			return err
		}
	}
	return 0
}

// clusalloc finds a free cluster, links it after prev (or starts a
// chain), zeroes it, and returns it.
func (f *Fat_t) clusalloc(prev int) (int, defs.Err_t) {
	for n := 2; n < 2+f.nclus; n++ {
		v, err := f.fatget(n)
		if err != 0 {
			return 0, err
		}
		if v != fat_free {
			continue
		}
		if err := f.fatset(n, fat_eoc); err != 0 {
			return 0, err
		}
		if prev != 0 {
			if err := f.fatset(prev, n); err != 0 {
				return 0, err
			}
		}
		zero := make([]uint8, f.clussz())
		if err := f.bc.Write(zero, f.clusoff(n)); err != 0 {
			return 0, err
		}
		return n, 0
	}
	return 0, -defs.ENOSPC
}

// walk returns the nth cluster of the chain starting at first,
// extending the chain if extend is set.
func (f *Fat_t) walk(first, n int, extend bool) (int, defs.Err_t) {
	c := first
	for i := 0; i < n; i++ {
		nxt, err := f.fatget(c)
		if err != 0 {
			return 0, err
		}
		if nxt >= fat_eoc || nxt == fat_free {
			if !extend {
				return 0, -defs.ENOENT
			}
			nxt, err = f.clusalloc(c)
			if err != 0 {
				return 0, err
			}
		}
		c = nxt
	}
	return c, 0
}

func (f *Fat_t) chainfree(first int) defs.Err_t {
	c := first
	for c != 0 && c < fat_eoc {
		nxt, err := f.fatget(c)
		if err != 0 {
			return err
		}
		if err := f.fatset(c, fat_free); err != 0 {
			return err
		}
		c = nxt
	}
	return 0
}

// one cached fat inode. inum is the first cluster; the root dir has
// cluster rootclus. size lives in the parent's dirent, so nodes remember
// where their dirent is.
type fatnode_t struct {
	fs    *Fat_t
	clus  int
	isdir bool
	size  int
	// parent dir cluster and byte offset of our short dirent
	pclus int
	poff  int
	refs  int
}

func (f *Fat_t) Root() Inode_i {
	return f.iget(f.rootclus, true, 0, 0, -1)
}

// iget returns the cached node for clus, creating it if needed. size -1
// means "directory/unknown".
func (f *Fat_t) iget(clus int, isdir bool, pclus, poff, size int) *fatnode_t {
	f.Lock()
	defer f.Unlock()
	if n, ok := f.icache[clus]; ok {
		n.refs++
		return n
	}
	n := &fatnode_t{fs: f, clus: clus, isdir: isdir, size: size,
		pclus: pclus, poff: poff, refs: 1}
	f.icache[clus] = n
	return n
}

func (fn *fatnode_t) Refup() {
	fn.fs.Lock()
	fn.refs++
	fn.fs.Unlock()
}

func (fn *fatnode_t) Refdown() {
	fn.fs.Lock()
	fn.refs--
	if fn.refs < 0 {
		panic("fat refs")
	}
	if fn.refs == 0 {
		delete(fn.fs.icache, fn.clus)
	}
	fn.fs.Unlock()
}

func (fn *fatnode_t) Itype() int {
	if fn.isdir {
		return I_DIR
	}
	return I_FILE
}

func (fn *fatnode_t) Inum() defs.Inum_t {
	return defs.Inum_t(fn.clus)
}

func (fn *fatnode_t) Size() int {
	if fn.isdir {
		return 0
	}
	return fn.size
}

func (fn *fatnode_t) Stat(st *stat.Stat_t) defs.Err_t {
	st.Wdev(uint(fn.fs.fsid))
	st.Wino(uint(fn.clus))
	st.Wsize(uint(fn.Size()))
	st.Wmode(uint(fn.Itype() << 16))
	return 0
}

func (fn *fatnode_t) Read(dst []uint8, off int) (int, defs.Err_t) {
	f := fn.fs
	if !fn.isdir {
		if off >= fn.size {
			return 0, 0
		}
		if off+len(dst) > fn.size {
			dst = dst[:fn.size-off]
		}
	}
	did := 0
	csz := f.clussz()
	for len(dst) != 0 {
		cn := (off + did) / csz
		coff := (off + did) % csz
		c, err := f.walk(fn.clus, cn, false)
		if err != 0 {
			// reading a dir past the chain end is eof
			break
		}
		n := csz - coff
		if n > len(dst) {
			n = len(dst)
		}
		if err := f.bc.Read(dst[:n], f.clusoff(c)+coff); err != 0 {
			return did, err
		}
		dst = dst[n:]
		did += n
	}
	return did, 0
}

func (fn *fatnode_t) Write(src []uint8, off int) (int, defs.Err_t) {
	if fn.isdir {
		return 0, -defs.EISDIR
	}
	f := fn.fs
	did := 0
	csz := f.clussz()
	for len(src) != 0 {
		cn := (off + did) / csz
		coff := (off + did) % csz
		c, err := f.walk(fn.clus, cn, true)
		if err != 0 {
			return did, err
		}
		n := csz - coff
		if n > len(src) {
			n = len(src)
		}
		if err := f.bc.Write(src[:n], f.clusoff(c)+coff); err != 0 {
			return did, err
		}
		src = src[n:]
		did += n
	}
	if off+did > fn.size {
		fn.size = off + did
		if err := fn.sizesync(); err != 0 {
			return did, err
		}
	}
	return did, 0
}

// sizesync writes the node's size back into its dirent.
func (fn *fatnode_t) sizesync() defs.Err_t {
	if fn.pclus == 0 {
		return 0
	}
	var e [4]uint8
	util.Writen(e[:], 4, 0, fn.size)
	off := fn.fs.clusoff(fn.pclus) + fn.poff + 28
	return fn.fs.bc.Write(e[:], off)
}

func (fn *fatnode_t) Truncate(sz uint) defs.Err_t {
	if fn.isdir {
		return -defs.EISDIR
	}
	if sz != 0 {
		// only whole truncation is supported
		return -defs.EINVAL
	}
	f := fn.fs
	// keep the first cluster, free the rest of the chain
	nxt, err := f.fatget(fn.clus)
	if err != 0 {
		return err
	}
	if nxt < fat_eoc && nxt != fat_free {
		if err := f.chainfree(nxt); err != 0 {
			return err
		}
		if err := f.fatset(fn.clus, fat_eoc); err != 0 {
			return err
		}
	}
	fn.size = 0
	return fn.sizesync()
}

// dirents reads all directory entries, assembling long names.
func (fn *fatnode_t) dirents() ([]Dirent_t, []int, defs.Err_t) {
	if !fn.isdir {
		return nil, nil, -defs.ENOTDIR
	}
	f := fn.fs
	csz := f.clussz()
	buf := make([]uint8, csz)
	var ret []Dirent_t
	var offs []int
	var lfn []uint8
	for cn := 0; ; cn++ {
		c, err := f.walk(fn.clus, cn, false)
		if err != 0 {
			break
		}
		if err := f.bc.Read(buf, f.clusoff(c)); err != 0 {
			return nil, nil, err
		}
		for i := 0; i+dirent_sz <= csz; i += dirent_sz {
			e := buf[i : i+dirent_sz]
			if e[0] == 0 {
				return ret, offs, 0
			}
			if e[0] == 0xe5 {
				lfn = nil
				continue
			}
			attr := e[11]
			if attr == attr_lfn {
				// 13 ucs-2 chars per lfn entry, stored in
				// reverse order
				part := lfnchars(e)
				lfn = append(part, lfn...)
				continue
			}
			if attr&attr_volid != 0 {
				lfn = nil
				continue
			}
			var name ustr.Ustr
			if lfn != nil {
				name = ustr.Ustr(lfn)
				lfn = nil
			} else {
				name = shortname(e)
			}
			first := util.Readn(e, 2, 26) | util.Readn(e, 2, 20)<<16
			it := I_FILE
			if attr&attr_dir != 0 {
				it = I_DIR
			}
			ret = append(ret, Dirent_t{Name: name,
				Inum: defs.Inum_t(first), Type: it})
			offs = append(offs, cn*csz+i)
		}
	}
	return ret, offs, 0
}

func lfnchars(e []uint8) []uint8 {
	var out []uint8
	idx := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
	for _, o := range idx {
		u := util.Readn(e, 2, o)
		if u == 0 || u == 0xffff {
			break
		}
		out = append(out, uint8(u))
	}
	return out
}

func shortname(e []uint8) ustr.Ustr {
	var name ustr.Ustr
	for i := 0; i < 8; i++ {
		if e[i] == ' ' {
			break
		}
		c := e[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		name = append(name, c)
	}
	ext := ustr.MkUstr()
	for i := 8; i < 11; i++ {
		if e[i] == ' ' {
			break
		}
		c := e[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		ext = append(ext, c)
	}
	if len(ext) != 0 {
		name = append(name, '.')
		name = append(name, ext...)
	}
	return name
}

func (fn *fatnode_t) Readdir() ([]Dirent_t, defs.Err_t) {
	des, _, err := fn.dirents()
	if err != 0 {
		return nil, err
	}
	out := des[:0]
	for _, d := range des {
		if d.Name.Isdot() || d.Name.Isdotdot() {
			continue
		}
		out = append(out, d)
	}
	return out, 0
}

func (fn *fatnode_t) Lookup(name ustr.Ustr) (Inode_i, defs.Err_t) {
	des, offs, err := fn.dirents()
	if err != 0 {
		return nil, err
	}
	for i, d := range des {
		if !d.Name.Eq(name) {
			continue
		}
		// find the cluster that holds the dirent
		f := fn.fs
		csz := f.clussz()
		dc, werr := f.walk(fn.clus, offs[i]/csz, false)
		if werr != 0 {
			return nil, werr
		}
		return f.iget(int(d.Inum), d.Type == I_DIR, dc, offs[i]%csz,
			fn.entsize(offs[i])), 0
	}
	return nil, -defs.ENOENT
}

// entsize reads the size field of the dirent at byte offset off in this
// directory.
func (fn *fatnode_t) entsize(off int) int {
	var e [4]uint8
	f := fn.fs
	csz := f.clussz()
	c, err := f.walk(fn.clus, off/csz, false)
	if err != 0 {
		return 0
	}
	if f.bc.Read(e[:], f.clusoff(c)+off%csz+28) != 0 {
		return 0
	}
	return util.Readn(e[:], 4, 0)
}

// mkshort derives an 8.3 short entry name; long names additionally get
// lfn entries.
func mkshort(name ustr.Ustr) ([11]uint8, bool) {
	var s [11]uint8
	for i := range s {
		s[i] = ' '
	}
	dot := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			dot = i
			break
		}
	}
	base := name
	var ext ustr.Ustr
	if dot > 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}
	fits := len(base) <= 8 && len(ext) <= 3
	up := func(c uint8) uint8 {
		if c >= 'a' && c <= 'z' {
			return c - ('a' - 'A')
		}
		return c
	}
	for i := 0; i < len(base) && i < 8; i++ {
		s[i] = up(base[i])
	}
	for i := 0; i < len(ext) && i < 3; i++ {
		s[8+i] = up(ext[i])
	}
	return s, !fits
}

func lfnsum(short [11]uint8) uint8 {
	var sum uint8
	for i := 0; i < 11; i++ {
		sum = ((sum & 1) << 7) + (sum >> 1) + short[i]
	}
	return sum
}

// findslots locates nslots consecutive free dirents, extending the
// directory if necessary; returns the byte offset of the first.
func (fn *fatnode_t) findslots(nslots int) (int, defs.Err_t) {
	f := fn.fs
	csz := f.clussz()
	buf := make([]uint8, csz)
	run := 0
	start := 0
	for cn := 0; ; cn++ {
		c, err := f.walk(fn.clus, cn, true)
		if err != 0 {
			return 0, err
		}
		if err := f.bc.Read(buf, f.clusoff(c)); err != 0 {
			return 0, err
		}
		for i := 0; i+dirent_sz <= csz; i += dirent_sz {
			e0 := buf[i]
			if e0 == 0 || e0 == 0xe5 {
				if run == 0 {
					start = cn*csz + i
				}
				run++
				if run == nslots {
					return start, 0
				}
			} else {
				run = 0
			}
		}
	}
}

func (fn *fatnode_t) writeent(off int, e []uint8) defs.Err_t {
	f := fn.fs
	csz := f.clussz()
	c, err := f.walk(fn.clus, off/csz, true)
	if err != 0 {
		return err
	}
	return f.bc.Write(e, f.clusoff(c)+off%csz)
}

// putentries writes the lfn entries (if the name needs them) and the
// short entry e into this directory; returns the short entry's offset.
func (fn *fatnode_t) putentries(name ustr.Ustr, e *[dirent_sz]uint8) (int, defs.Err_t) {
	short, needlfn := mkshort(name)
	copy(e[:11], short[:])
	nslots := 1
	if needlfn {
		nslots += (len(name) + 12) / 13
	}
	start, err := fn.findslots(nslots)
	if err != 0 {
		return 0, err
	}
	// lfn entries, last part first
	if needlfn {
		sum := lfnsum(short)
		nparts := nslots - 1
		for p := 0; p < nparts; p++ {
			var le [dirent_sz]uint8
			ord := uint8(nparts - p)
			if p == 0 {
				ord |= 0x40
			}
			le[0] = ord
			le[11] = attr_lfn
			le[13] = sum
			// 13 chars of this entry's piece
			pi := (int(ord&0x3f) - 1) * 13
			idx := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
			for k, o := range idx {
				ci := pi + k
				if ci < len(name) {
					util.Writen(le[:], 2, o, int(name[ci]))
				} else if ci == len(name) {
					util.Writen(le[:], 2, o, 0)
				} else {
					util.Writen(le[:], 2, o, 0xffff)
				}
			}
			if err := fn.writeent(start+p*dirent_sz, le[:]); err != 0 {
				return 0, err
			}
		}
	}
	entoff := start + (nslots-1)*dirent_sz
	if err := fn.writeent(entoff, e[:]); err != 0 {
		return 0, err
	}
	return entoff, 0
}

func (fn *fatnode_t) Create(name ustr.Ustr, itype int) (Inode_i, defs.Err_t) {
	if !fn.isdir {
		return nil, -defs.ENOTDIR
	}
	if itype != I_FILE && itype != I_DIR {
		return nil, -defs.EINVAL
	}
	if tn, err := fn.Lookup(name); err == 0 {
		tn.Refdown()
		return nil, -defs.EEXIST
	}
	f := fn.fs
	nc, err := f.clusalloc(0)
	if err != 0 {
		return nil, err
	}

	var e [dirent_sz]uint8
	if itype == I_DIR {
		e[11] = attr_dir
	} else {
		e[11] = attr_arch
	}
	util.Writen(e[:], 2, 20, nc>>16)
	util.Writen(e[:], 2, 26, nc&0xffff)
	util.Writen(e[:], 4, 28, 0)
	entoff, err := fn.putentries(name, &e)
	if err != 0 {
		return nil, err
	}

	csz := f.clussz()
	dc, werr := f.walk(fn.clus, entoff/csz, false)
	if werr != 0 {
		return nil, werr
	}
	nn := f.iget(nc, itype == I_DIR, dc, entoff%csz, 0)
	if itype == I_DIR {
		// seed . and ..
		var dot [dirent_sz]uint8
		copy(dot[:], ".          ")
		dot[11] = attr_dir
		util.Writen(dot[:], 2, 20, nc>>16)
		util.Writen(dot[:], 2, 26, nc&0xffff)
		f.bc.Write(dot[:], f.clusoff(nc))
		copy(dot[:], "..         ")
		util.Writen(dot[:], 2, 20, fn.clus>>16)
		util.Writen(dot[:], 2, 26, fn.clus&0xffff)
		f.bc.Write(dot[:], f.clusoff(nc)+dirent_sz)
	}
	return nn, 0
}

func (fn *fatnode_t) Unlink(name ustr.Ustr) defs.Err_t {
	if !fn.isdir {
		return -defs.ENOTDIR
	}
	des, offs, err := fn.dirents()
	if err != 0 {
		return err
	}
	for i, d := range des {
		if !d.Name.Eq(name) {
			continue
		}
		if d.Type == I_DIR {
			// the dir must be empty
			child, cerr := fn.Lookup(name)
			if cerr != 0 {
				return cerr
			}
			kids, rerr := child.Readdir()
			child.Refdown()
			if rerr != 0 {
				return rerr
			}
			if len(kids) != 0 {
				return -defs.ENOTEMPTY
			}
		}
		if err := fn.delents(offs[i]); err != 0 {
			return err
		}
		return fn.fs.chainfree(int(d.Inum))
	}
	return -defs.ENOENT
}

// delents marks the short entry at off, and any lfn entries riding
// before it, deleted.
func (fn *fatnode_t) delents(off int) defs.Err_t {
	f := fn.fs
	csz := f.clussz()
	mark := func(o int) defs.Err_t {
		c, werr := f.walk(fn.clus, o/csz, false)
		if werr != 0 {
			return werr
		}
		e5 := []uint8{0xe5}
		return f.bc.Write(e5, f.clusoff(c)+o%csz)
	}
	if err := mark(off); err != 0 {
		return err
	}
	for o := off - dirent_sz; o >= 0; o -= dirent_sz {
		var e [dirent_sz]uint8
		c, werr := f.walk(fn.clus, o/csz, false)
		if werr != 0 {
			return werr
		}
		if err := f.bc.Read(e[:], f.clusoff(c)+o%csz); err != 0 {
			return err
		}
		if e[11] != attr_lfn || e[0] == 0xe5 {
			break
		}
		if err := mark(o); err != 0 {
			return err
		}
	}
	return 0
}

// Renameent moves the entry for oldn into npar under newn, keeping its
// cluster chain and size.
func (fn *fatnode_t) Renameent(oldn ustr.Ustr, npari Inode_i,
	newn ustr.Ustr) defs.Err_t {
	npar, ok := npari.(*fatnode_t)
	if !ok || !npar.isdir {
		return -defs.EINVAL
	}
	des, offs, err := fn.dirents()
	if err != 0 {
		return err
	}
	for i, d := range des {
		if !d.Name.Eq(oldn) {
			continue
		}
		// copy the short entry, re-emit it under the new name
		var e [dirent_sz]uint8
		f := fn.fs
		csz := f.clussz()
		c, werr := f.walk(fn.clus, offs[i]/csz, false)
		if werr != 0 {
			return werr
		}
		if err := f.bc.Read(e[:], f.clusoff(c)+offs[i]%csz); err != 0 {
			return err
		}
		entoff, perr := npar.putentries(newn, &e)
		if perr != 0 {
			return perr
		}
		if derr := fn.delents(offs[i]); derr != 0 {
			return derr
		}
		// a cached node's dirent location moves with it
		if dc, werr := f.walk(npar.clus, entoff/csz, false); werr == 0 {
			f.Lock()
			if n, ok := f.icache[int(d.Inum)]; ok {
				n.pclus = dc
				n.poff = entoff % csz
			}
			f.Unlock()
		}
		return 0
	}
	return -defs.ENOENT
}

func (fn *fatnode_t) Readlink() (ustr.Ustr, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (fn *fatnode_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}
