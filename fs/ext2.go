package fs

import "sync"

import "rvkern/defs"
import "rvkern/stat"
import "rvkern/ustr"
import "rvkern/util"

// ext2 rev 1 as the public spec defines it: superblock at byte 1024,
// block group descriptors after it, per-group block/inode bitmaps and
// inode tables, 12 direct block pointers plus single and double
// indirect. little-endian throughout.

const (
	ext2_magic = 0xef53
	// inode mode type bits
	ext2_ifdir = 0x4000
	ext2_ifreg = 0x8000
	ext2_iflnk = 0xa000

	ext2_rootino = 2

	ndirect = 12
)

type ext2sb_t struct {
	ninodes   int
	nblocks   int
	blocksz   int
	bpg       int // blocks per group
	ipg       int // inodes per group
	inosz     int
	firstdata int
}

type Ext2_t struct {
	sync.Mutex
	bc   *Bcache_t
	fsid int
	sb   ext2sb_t

	ngroups int
	icache  map[int]*ext2node_t
}

func MkExt2(dev Blockdev_i, fsid int) (*Ext2_t, defs.Err_t) {
	e := &Ext2_t{fsid: fsid, icache: make(map[int]*ext2node_t)}
	e.bc = MkBcache(dev, 512)
	var sb [1024]uint8
	if err := e.bc.Read(sb[:], 1024); err != 0 {
		return nil, err
	}
	if util.Readn(sb[:], 2, 56) != ext2_magic {
		return nil, -defs.EINVAL
	}
	e.sb.ninodes = util.Readn(sb[:], 4, 0)
	e.sb.nblocks = util.Readn(sb[:], 4, 4)
	e.sb.blocksz = 1024 << uint(util.Readn(sb[:], 4, 24))
	e.sb.bpg = util.Readn(sb[:], 4, 32)
	e.sb.ipg = util.Readn(sb[:], 4, 40)
	e.sb.firstdata = util.Readn(sb[:], 4, 20)
	// rev 1 records the inode size; rev 0 fixes it at 128
	if util.Readn(sb[:], 4, 76) >= 1 {
		e.sb.inosz = util.Readn(sb[:], 2, 88)
	} else {
		e.sb.inosz = 128
	}
	e.ngroups = (e.sb.nblocks + e.sb.bpg - 1) / e.sb.bpg
	return e, 0
}

func (e *Ext2_t) Fsid() int {
	return e.fsid
}

func (e *Ext2_t) Sync() defs.Err_t {
	return e.bc.Sync()
}

func (e *Ext2_t) bsz() int {
	return e.sb.blocksz
}

func (e *Ext2_t) boff(blk int) int {
	return blk * e.bsz()
}

// bgd returns fields of group g's descriptor: block bitmap, inode
// bitmap, inode table.
func (e *Ext2_t) bgd(g int) (int, int, int, defs.Err_t) {
	// the bgdt is in the block after the superblock
	bgdtblk := 1
	if e.bsz() == 1024 {
		bgdtblk = 2
	}
	var d [32]uint8
	off := e.boff(bgdtblk) + g*32
	if err := e.bc.Read(d[:], off); err != 0 {
		return 0, 0, 0, err
	}
	bbm := util.Readn(d[:], 4, 0)
	ibm := util.Readn(d[:], 4, 4)
	itab := util.Readn(d[:], 4, 8)
	return bbm, ibm, itab, 0
}

// inooff returns the byte offset of inode ino's on-disk record.
func (e *Ext2_t) inooff(ino int) (int, defs.Err_t) {
	g := (ino - 1) / e.sb.ipg
	idx := (ino - 1) % e.sb.ipg
	_, _, itab, err := e.bgd(g)
	if err != 0 {
		return 0, err
	}
	return e.boff(itab) + idx*e.sb.inosz, 0
}

// ondisk inode image
type ext2ino_t struct {
	mode  int
	size  int
	links int
	blkno [ndirect + 3]int
}

func (e *Ext2_t) iread(ino int) (*ext2ino_t, defs.Err_t) {
	off, err := e.inooff(ino)
	if err != 0 {
		return nil, err
	}
	buf := make([]uint8, 128)
	if err := e.bc.Read(buf, off); err != 0 {
		return nil, err
	}
	di := &ext2ino_t{}
	di.mode = util.Readn(buf, 2, 0)
	di.size = util.Readn(buf, 4, 4)
	di.links = util.Readn(buf, 2, 26)
	for i := 0; i < ndirect+3; i++ {
		di.blkno[i] = util.Readn(buf, 4, 40+i*4)
	}
	return di, 0
}

func (e *Ext2_t) iwrite(ino int, di *ext2ino_t) defs.Err_t {
	off, err := e.inooff(ino)
	if err != 0 {
		return err
	}
	buf := make([]uint8, 128)
	if err := e.bc.Read(buf, off); err != 0 {
		return err
	}
	util.Writen(buf, 2, 0, di.mode)
	util.Writen(buf, 4, 4, di.size)
	util.Writen(buf, 2, 26, di.links)
	for i := 0; i < ndirect+3; i++ {
		util.Writen(buf, 4, 40+i*4, di.blkno[i])
	}
	return e.bc.Write(buf, off)
}

// bitmap allocator shared by block and inode allocation: finds a clear
// bit in the group's bitmap and sets it. returns the index within the
// group.
func (e *Ext2_t) balloc1(bmblk, max int) (int, defs.Err_t) {
	bsz := e.bsz()
	buf := make([]uint8, bsz)
	if err := e.bc.Read(buf, e.boff(bmblk)); err != 0 {
		return 0, err
	}
	for i := 0; i < max; i++ {
		byteidx := i / 8
		bit := uint(i % 8)
		if buf[byteidx]&(1<<bit) == 0 {
			buf[byteidx] |= 1 << bit
			if err := e.bc.Write(buf[byteidx:byteidx+1],
				e.boff(bmblk)+byteidx); err != 0 {
				return 0, err
			}
			return i, 0
		}
	}
	return 0, -defs.ENOSPC
}

func (e *Ext2_t) bclear1(bmblk, idx int) defs.Err_t {
	var b [1]uint8
	off := e.boff(bmblk) + idx/8
	if err := e.bc.Read(b[:], off); err != 0 {
		return err
	}
	b[0] &^= 1 << uint(idx%8)
	return e.bc.Write(b[:], off)
}

// blkalloc allocates and zeroes one data block.
func (e *Ext2_t) blkalloc() (int, defs.Err_t) {
	for g := 0; g < e.ngroups; g++ {
		bbm, _, _, err := e.bgd(g)
		if err != 0 {
			return 0, err
		}
		idx, aerr := e.balloc1(bbm, e.sb.bpg)
		if aerr != 0 {
			continue
		}
		blk := g*e.sb.bpg + idx + e.sb.firstdata
		zero := make([]uint8, e.bsz())
		if err := e.bc.Write(zero, e.boff(blk)); err != 0 {
			return 0, err
		}
		return blk, 0
	}
	return 0, -defs.ENOSPC
}

func (e *Ext2_t) blkfree(blk int) defs.Err_t {
	b := blk - e.sb.firstdata
	g := b / e.sb.bpg
	bbm, _, _, err := e.bgd(g)
	if err != 0 {
		return err
	}
	return e.bclear1(bbm, b%e.sb.bpg)
}

// inoalloc allocates an inode number.
func (e *Ext2_t) inoalloc() (int, defs.Err_t) {
	for g := 0; g < e.ngroups; g++ {
		_, ibm, _, err := e.bgd(g)
		if err != 0 {
			return 0, err
		}
		idx, aerr := e.balloc1(ibm, e.sb.ipg)
		if aerr != 0 {
			continue
		}
		return g*e.sb.ipg + idx + 1, 0
	}
	return 0, -defs.ENOSPC
}

func (e *Ext2_t) inofree(ino int) defs.Err_t {
	g := (ino - 1) / e.sb.ipg
	_, ibm, _, err := e.bgd(g)
	if err != 0 {
		return err
	}
	return e.bclear1(ibm, (ino-1)%e.sb.ipg)
}

// bmap maps file block fbn to a disk block, walking the direct slots,
// the single-indirect block, then the double-indirect block; allocates
// missing blocks when alloc is set.
func (e *Ext2_t) bmap(di *ext2ino_t, fbn int, alloc bool) (int, bool, defs.Err_t) {
	perblk := e.bsz() / 4
	dirty := false
	getslot := func(blk, slot int, level int) (int, defs.Err_t) {
		var b [4]uint8
		off := e.boff(blk) + slot*4
		if err := e.bc.Read(b[:], off); err != 0 {
			return 0, err
		}
		v := util.Readn(b[:], 4, 0)
		if v == 0 && alloc {
			nb, err := e.blkalloc()
			if err != 0 {
				return 0, err
			}
			util.Writen(b[:], 4, 0, nb)
			if err := e.bc.Write(b[:], off); err != 0 {
				return 0, err
			}
			v = nb
		}
		return v, 0
	}
	if fbn < ndirect {
		v := di.blkno[fbn]
		if v == 0 && alloc {
			nb, err := e.blkalloc()
			if err != 0 {
				return 0, false, err
			}
			di.blkno[fbn] = nb
			v = nb
			dirty = true
		}
		if v == 0 {
			return 0, false, -defs.ENOENT
		}
		return v, dirty, 0
	}
	fbn -= ndirect
	if fbn < perblk {
		ind := di.blkno[ndirect]
		if ind == 0 {
			if !alloc {
				return 0, false, -defs.ENOENT
			}
			nb, err := e.blkalloc()
			if err != 0 {
				return 0, false, err
			}
			di.blkno[ndirect] = nb
			ind = nb
			dirty = true
		}
		v, err := getslot(ind, fbn, 1)
		if err != 0 {
			return 0, dirty, err
		}
		if v == 0 {
			return 0, dirty, -defs.ENOENT
		}
		return v, dirty, 0
	}
	fbn -= perblk
	if fbn < perblk*perblk {
		dind := di.blkno[ndirect+1]
		if dind == 0 {
			if !alloc {
				return 0, false, -defs.ENOENT
			}
			nb, err := e.blkalloc()
			if err != 0 {
				return 0, false, err
			}
			di.blkno[ndirect+1] = nb
			dind = nb
			dirty = true
		}
		ind, err := getslot(dind, fbn/perblk, 2)
		if err != 0 {
			return 0, dirty, err
		}
		if ind == 0 {
			return 0, dirty, -defs.ENOENT
		}
		v, err := getslot(ind, fbn%perblk, 1)
		if err != 0 {
			return 0, dirty, err
		}
		if v == 0 {
			return 0, dirty, -defs.ENOENT
		}
		return v, dirty, 0
	}
	// triple indirect is not supported
	return 0, false, -defs.ENOSPC
}

type ext2node_t struct {
	fs   *Ext2_t
	ino  int
	refs int
}

func (e *Ext2_t) Root() Inode_i {
	return e.iget(ext2_rootino)
}

func (e *Ext2_t) iget(ino int) *ext2node_t {
	e.Lock()
	defer e.Unlock()
	if n, ok := e.icache[ino]; ok {
		n.refs++
		return n
	}
	n := &ext2node_t{fs: e, ino: ino, refs: 1}
	e.icache[ino] = n
	return n
}

func (en *ext2node_t) Refup() {
	en.fs.Lock()
	en.refs++
	en.fs.Unlock()
}

func (en *ext2node_t) Refdown() {
	en.fs.Lock()
	en.refs--
	if en.refs < 0 {
		panic("ext2 refs")
	}
	if en.refs == 0 {
		delete(en.fs.icache, en.ino)
	}
	en.fs.Unlock()
}

func (en *ext2node_t) disk() (*ext2ino_t, defs.Err_t) {
	return en.fs.iread(en.ino)
}

func (en *ext2node_t) Itype() int {
	di, err := en.disk()
	if err != 0 {
		return I_FILE
	}
	switch di.mode & 0xf000 {
	case ext2_ifdir:
		return I_DIR
	case ext2_iflnk:
		return I_LNK
	default:
		return I_FILE
	}
}

func (en *ext2node_t) Inum() defs.Inum_t {
	return defs.Inum_t(en.ino)
}

func (en *ext2node_t) Size() int {
	di, err := en.disk()
	if err != 0 {
		return 0
	}
	return di.size
}

func (en *ext2node_t) Stat(st *stat.Stat_t) defs.Err_t {
	di, err := en.disk()
	if err != 0 {
		return err
	}
	st.Wdev(uint(en.fs.fsid))
	st.Wino(uint(en.ino))
	st.Wsize(uint(di.size))
	st.Wmode(uint(en.Itype() << 16))
	return 0
}

func (en *ext2node_t) Read(dst []uint8, off int) (int, defs.Err_t) {
	e := en.fs
	di, err := en.disk()
	if err != 0 {
		return 0, err
	}
	if off >= di.size {
		return 0, 0
	}
	if off+len(dst) > di.size {
		dst = dst[:di.size-off]
	}
	bsz := e.bsz()
	did := 0
	for len(dst) != 0 {
		fbn := (off + did) / bsz
		boff := (off + did) % bsz
		blk, _, err := e.bmap(di, fbn, false)
		if err != 0 {
			// a hole reads as zeroes
			n := bsz - boff
			if n > len(dst) {
				n = len(dst)
			}
			for i := 0; i < n; i++ {
				dst[i] = 0
			}
			dst = dst[n:]
			did += n
			continue
		}
		n := bsz - boff
		if n > len(dst) {
			n = len(dst)
		}
		if err := e.bc.Read(dst[:n], e.boff(blk)+boff); err != 0 {
			return did, err
		}
		dst = dst[n:]
		did += n
	}
	return did, 0
}

func (en *ext2node_t) Write(src []uint8, off int) (int, defs.Err_t) {
	e := en.fs
	di, err := en.disk()
	if err != 0 {
		return 0, err
	}
	if di.mode&0xf000 == ext2_ifdir {
		return 0, -defs.EISDIR
	}
	bsz := e.bsz()
	did := 0
	idirty := false
	for len(src) != 0 {
		fbn := (off + did) / bsz
		boff := (off + did) % bsz
		blk, dirty, err := e.bmap(di, fbn, true)
		idirty = idirty || dirty
		if err != 0 {
			break
		}
		n := bsz - boff
		if n > len(src) {
			n = len(src)
		}
		if err := e.bc.Write(src[:n], e.boff(blk)+boff); err != 0 {
			return did, err
		}
		src = src[n:]
		did += n
	}
	if off+did > di.size {
		di.size = off + did
		idirty = true
	}
	if idirty {
		if err := e.iwrite(en.ino, di); err != 0 {
			return did, err
		}
	}
	if did == 0 && len(src) != 0 {
		return 0, -defs.ENOSPC
	}
	return did, 0
}

func (en *ext2node_t) Truncate(sz uint) defs.Err_t {
	if sz != 0 {
		return -defs.EINVAL
	}
	e := en.fs
	di, err := en.disk()
	if err != 0 {
		return err
	}
	bsz := e.bsz()
	nblk := (di.size + bsz - 1) / bsz
	for fbn := 0; fbn < nblk; fbn++ {
		blk, _, berr := e.bmap(di, fbn, false)
		if berr != 0 {
			continue
		}
		e.blkfree(blk)
	}
	for i := range di.blkno {
		if i >= ndirect && di.blkno[i] != 0 {
			e.blkfree(di.blkno[i])
		}
		di.blkno[i] = 0
	}
	di.size = 0
	return e.iwrite(en.ino, di)
}

// dirents walks the record-length-encoded directory blocks.
func (en *ext2node_t) dirents() ([]Dirent_t, defs.Err_t) {
	di, err := en.disk()
	if err != 0 {
		return nil, err
	}
	if di.mode&0xf000 != ext2_ifdir {
		return nil, -defs.ENOTDIR
	}
	buf := make([]uint8, di.size)
	if _, err := en.Read(buf, 0); err != 0 {
		return nil, err
	}
	var ret []Dirent_t
	off := 0
	for off+8 <= len(buf) {
		ino := util.Readn(buf, 4, off)
		reclen := util.Readn(buf, 2, off+4)
		namelen := util.Readn(buf, 1, off+6)
		ftype := util.Readn(buf, 1, off+7)
		if reclen < 8 {
			break
		}
		if ino != 0 && namelen > 0 && off+8+namelen <= len(buf) {
			name := make(ustr.Ustr, namelen)
			copy(name, buf[off+8:off+8+namelen])
			it := I_FILE
			switch ftype {
			case 2:
				it = I_DIR
			case 7:
				it = I_LNK
			}
			ret = append(ret, Dirent_t{Name: name,
				Inum: defs.Inum_t(ino), Type: it})
		}
		off += reclen
	}
	return ret, 0
}

func (en *ext2node_t) Readdir() ([]Dirent_t, defs.Err_t) {
	des, err := en.dirents()
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

func (en *ext2node_t) Lookup(name ustr.Ustr) (Inode_i, defs.Err_t) {
	des, err := en.dirents()
	if err != 0 {
		return nil, err
	}
	for _, d := range des {
		if d.Name.Eq(name) {
			return en.fs.iget(int(d.Inum)), 0
		}
	}
	return nil, -defs.ENOENT
}

// addent appends a directory entry, splitting the last record's slack.
func (en *ext2node_t) addent(name ustr.Ustr, ino, ftype int) defs.Err_t {
	e := en.fs
	di, err := en.disk()
	if err != 0 {
		return err
	}
	bsz := e.bsz()
	need := 8 + (len(name)+3)&^3
	// walk the last block for a record with enough slack
	if di.size > 0 {
		lastfbn := (di.size - 1) / bsz
		blk, _, berr := e.bmap(di, lastfbn, false)
		if berr == 0 {
			buf := make([]uint8, bsz)
			if err := e.bc.Read(buf, e.boff(blk)); err != 0 {
				return err
			}
			off := 0
			for off+8 <= bsz {
				rino := util.Readn(buf, 4, off)
				reclen := util.Readn(buf, 2, off+4)
				namelen := util.Readn(buf, 1, off+6)
				if reclen < 8 {
					break
				}
				used := 8
				if rino != 0 {
					used = 8 + (namelen+3)&^3
				}
				if off+reclen >= bsz && reclen-used >= need {
					// split
					if rino != 0 {
						util.Writen(buf, 2, off+4, used)
						off += used
						reclen -= used
					}
					util.Writen(buf, 4, off, ino)
					util.Writen(buf, 2, off+4, reclen)
					util.Writen(buf, 1, off+6, len(name))
					util.Writen(buf, 1, off+7, ftype)
					copy(buf[off+8:], name)
					return e.bc.Write(buf, e.boff(blk))
				}
				off += reclen
			}
		}
	}
	// start a fresh directory block
	blk, dirty, berr := e.bmap(di, di.size/bsz, true)
	if berr != 0 {
		return berr
	}
	buf := make([]uint8, bsz)
	util.Writen(buf, 4, 0, ino)
	util.Writen(buf, 2, 4, bsz)
	util.Writen(buf, 1, 6, len(name))
	util.Writen(buf, 1, 7, ftype)
	copy(buf[8:], name)
	if err := e.bc.Write(buf, e.boff(blk)); err != 0 {
		return err
	}
	di.size += bsz
	_ = dirty
	return e.iwrite(en.ino, di)
}

func (en *ext2node_t) Create(name ustr.Ustr, itype int) (Inode_i, defs.Err_t) {
	e := en.fs
	if _, err := en.Lookup(name); err == 0 {
		return nil, -defs.EEXIST
	}
	ino, err := e.inoalloc()
	if err != 0 {
		return nil, err
	}
	di := &ext2ino_t{links: 1}
	ftype := 1
	switch itype {
	case I_FILE:
		di.mode = ext2_ifreg
	case I_DIR:
		di.mode = ext2_ifdir
		di.links = 2
		ftype = 2
	default:
		return nil, -defs.EINVAL
	}
	if err := e.iwrite(ino, di); err != 0 {
		return nil, err
	}
	if err := en.addent(name, ino, ftype); err != 0 {
		return nil, err
	}
	nn := e.iget(ino)
	if itype == I_DIR {
		nn.addent(ustr.MkUstrDot(), ino, 2)
		nn.addent(ustr.DotDot, en.ino, 2)
	}
	return nn, 0
}

func (en *ext2node_t) Unlink(name ustr.Ustr) defs.Err_t {
	e := en.fs
	di, err := en.disk()
	if err != 0 {
		return err
	}
	if di.mode&0xf000 != ext2_ifdir {
		return -defs.ENOTDIR
	}
	bsz := e.bsz()
	nblk := (di.size + bsz - 1) / bsz
	for fbn := 0; fbn < nblk; fbn++ {
		blk, _, berr := e.bmap(di, fbn, false)
		if berr != 0 {
			continue
		}
		buf := make([]uint8, bsz)
		if err := e.bc.Read(buf, e.boff(blk)); err != 0 {
			return err
		}
		off := 0
		prev := -1
		for off+8 <= bsz {
			rino := util.Readn(buf, 4, off)
			reclen := util.Readn(buf, 2, off+4)
			namelen := util.Readn(buf, 1, off+6)
			if reclen < 8 {
				break
			}
			if rino != 0 && namelen == len(name) &&
				ustr.Ustr(buf[off+8:off+8+namelen]).Eq(name) {
				tgt := e.iget(rino)
				if tgt.Itype() == I_DIR {
					kids, kerr := tgt.Readdir()
					if kerr != 0 || len(kids) != 0 {
						tgt.Refdown()
						if kerr != 0 {
							return kerr
						}
						return -defs.ENOTEMPTY
					}
				}
				// drop the link; free the inode when the
				// count hits zero
				tdi, terr := e.iread(rino)
				if terr == 0 {
					tdi.links--
					if tdi.links <= 0 ||
						(tdi.mode&0xf000 == ext2_ifdir) {
						tgt.Truncate(0)
						e.inofree(rino)
						tdi.links = 0
						tdi.mode = 0
					}
					e.iwrite(rino, tdi)
				}
				tgt.Refdown()
				// merge the record into its predecessor, or
				// blank it
				if prev >= 0 {
					preclen := util.Readn(buf, 2, prev+4)
					util.Writen(buf, 2, prev+4, preclen+reclen)
				} else {
					util.Writen(buf, 4, off, 0)
				}
				return e.bc.Write(buf, e.boff(blk))
			}
			prev = off
			off += reclen
		}
	}
	return -defs.ENOENT
}

// unlinkent removes a directory entry without touching the inode it
// names; the rename path moves entries this way.
func (en *ext2node_t) unlinkent(name ustr.Ustr) (int, int, defs.Err_t) {
	e := en.fs
	di, err := en.disk()
	if err != 0 {
		return 0, 0, err
	}
	bsz := e.bsz()
	nblk := (di.size + bsz - 1) / bsz
	for fbn := 0; fbn < nblk; fbn++ {
		blk, _, berr := e.bmap(di, fbn, false)
		if berr != 0 {
			continue
		}
		buf := make([]uint8, bsz)
		if err := e.bc.Read(buf, e.boff(blk)); err != 0 {
			return 0, 0, err
		}
		off := 0
		prev := -1
		for off+8 <= bsz {
			rino := util.Readn(buf, 4, off)
			reclen := util.Readn(buf, 2, off+4)
			namelen := util.Readn(buf, 1, off+6)
			ftype := util.Readn(buf, 1, off+7)
			if reclen < 8 {
				break
			}
			if rino != 0 && namelen == len(name) &&
				ustr.Ustr(buf[off+8:off+8+namelen]).Eq(name) {
				if prev >= 0 {
					preclen := util.Readn(buf, 2, prev+4)
					util.Writen(buf, 2, prev+4, preclen+reclen)
				} else {
					util.Writen(buf, 4, off, 0)
				}
				if err := e.bc.Write(buf, e.boff(blk)); err != 0 {
					return 0, 0, err
				}
				return rino, ftype, 0
			}
			prev = off
			off += reclen
		}
	}
	return 0, 0, -defs.ENOENT
}

func (en *ext2node_t) Renameent(oldn ustr.Ustr, npari Inode_i,
	newn ustr.Ustr) defs.Err_t {
	npar, ok := npari.(*ext2node_t)
	if !ok {
		return -defs.EINVAL
	}
	ino, ftype, err := en.unlinkent(oldn)
	if err != 0 {
		return err
	}
	return npar.addent(newn, ino, ftype)
}

func (en *ext2node_t) Readlink() (ustr.Ustr, defs.Err_t) {
	di, err := en.disk()
	if err != 0 {
		return nil, err
	}
	if di.mode&0xf000 != ext2_iflnk {
		return nil, -defs.EINVAL
	}
	// fast symlinks keep the target in the block pointer area
	if di.size <= 60 {
		off, oerr := en.fs.inooff(en.ino)
		if oerr != 0 {
			return nil, oerr
		}
		buf := make([]uint8, di.size)
		if err := en.fs.bc.Read(buf, off+40); err != 0 {
			return nil, err
		}
		return ustr.Ustr(buf), 0
	}
	buf := make([]uint8, di.size)
	if _, err := en.Read(buf, 0); err != 0 {
		return nil, err
	}
	return ustr.Ustr(buf), 0
}

func (en *ext2node_t) Ioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.ENOTDIR
}
