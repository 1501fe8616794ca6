package fs

import "sync"

import "rvkern/defs"

const BSIZE = 512

// Blockdev_i is the contract with the driver layer: sector-granular
// reads and writes. the virtio queue protocol lives below this line.
type Blockdev_i interface {
	Bread(blkno int, dst []uint8) defs.Err_t
	Bwrite(blkno int, src []uint8) defs.Err_t
	Nblocks() int
}

type bdata_t struct {
	blkno int
	data  [BSIZE]uint8
	dirty bool
	refs  int
	// lru links
	prev, next *bdata_t
}

// Bcache_t is a write-back block cache in front of a block device.
// blocks are pinned while a caller holds them and written back on evict
// or sync.
type Bcache_t struct {
	sync.Mutex
	dev    Blockdev_i
	blocks map[int]*bdata_t
	// lru list of every cached block; head is most recently used.
	// evict skips blocks that are pinned
	head, tail *bdata_t
	maxblk     int
}

func MkBcache(dev Blockdev_i, maxblk int) *Bcache_t {
	if maxblk < 8 {
		maxblk = 8
	}
	return &Bcache_t{dev: dev, blocks: make(map[int]*bdata_t), maxblk: maxblk}
}

func (bc *Bcache_t) lruunlink(b *bdata_t) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if bc.head == b {
		bc.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else if bc.tail == b {
		bc.tail = b.prev
	}
	b.prev, b.next = nil, nil
}

func (bc *Bcache_t) lrupush(b *bdata_t) {
	b.next = bc.head
	if bc.head != nil {
		bc.head.prev = b
	}
	bc.head = b
	if bc.tail == nil {
		bc.tail = b
	}
}

func (bc *Bcache_t) evict() defs.Err_t {
	b := bc.tail
	for b != nil && b.refs > 0 {
		b = b.prev
	}
	if b == nil {
		return 0
	}
	if b.dirty {
		if err := bc.dev.Bwrite(b.blkno, b.data[:]); err != 0 {
			return err
		}
		b.dirty = false
	}
	bc.lruunlink(b)
	delete(bc.blocks, b.blkno)
	return 0
}

// Bget returns the cached block, pinned. callers must Brelse it.
func (bc *Bcache_t) Bget(blkno int) (*bdata_t, defs.Err_t) {
	bc.Lock()
	defer bc.Unlock()
	if b, ok := bc.blocks[blkno]; ok {
		b.refs++
		bc.lruunlink(b)
		bc.lrupush(b)
		return b, 0
	}
	if len(bc.blocks) >= bc.maxblk {
		if err := bc.evict(); err != 0 {
			return nil, err
		}
	}
	b := &bdata_t{blkno: blkno, refs: 1}
	if err := bc.dev.Bread(blkno, b.data[:]); err != 0 {
		return nil, err
	}
	bc.blocks[blkno] = b
	bc.lrupush(b)
	return b, 0
}

func (bc *Bcache_t) Brelse(b *bdata_t) {
	bc.Lock()
	b.refs--
	if b.refs < 0 {
		panic("brelse")
	}
	bc.Unlock()
}

func (bc *Bcache_t) Bdirty(b *bdata_t) {
	bc.Lock()
	b.dirty = true
	bc.Unlock()
}

// Read copies [off, off+len(dst)) of the device through the cache.
func (bc *Bcache_t) Read(dst []uint8, off int) defs.Err_t {
	for len(dst) != 0 {
		blkno := off / BSIZE
		boff := off % BSIZE
		b, err := bc.Bget(blkno)
		if err != 0 {
			return err
		}
		c := copy(dst, b.data[boff:])
		bc.Brelse(b)
		dst = dst[c:]
		off += c
	}
	return 0
}

func (bc *Bcache_t) Write(src []uint8, off int) defs.Err_t {
	for len(src) != 0 {
		blkno := off / BSIZE
		boff := off % BSIZE
		b, err := bc.Bget(blkno)
		if err != 0 {
			return err
		}
		c := copy(b.data[boff:], src)
		b.dirty = true
		bc.Brelse(b)
		src = src[c:]
		off += c
	}
	return 0
}

// Sync writes every dirty block back to the device.
func (bc *Bcache_t) Sync() defs.Err_t {
	bc.Lock()
	defer bc.Unlock()
	for _, b := range bc.blocks {
		if b.dirty {
			if err := bc.dev.Bwrite(b.blkno, b.data[:]); err != 0 {
				return err
			}
			b.dirty = false
		}
	}
	return 0
}

// Memdisk_t is an in-memory block device for hosted tests and ramdisks.
type Memdisk_t struct {
	data []uint8
}

func MkMemdisk(data []uint8) *Memdisk_t {
	if len(data)%BSIZE != 0 {
		panic("unaligned disk image")
	}
	return &Memdisk_t{data: data}
}

func (md *Memdisk_t) Bread(blkno int, dst []uint8) defs.Err_t {
	off := blkno * BSIZE
	if off < 0 || off+BSIZE > len(md.data) {
		return -defs.EIO
	}
	copy(dst, md.data[off:off+BSIZE])
	return 0
}

func (md *Memdisk_t) Bwrite(blkno int, src []uint8) defs.Err_t {
	off := blkno * BSIZE
	if off < 0 || off+BSIZE > len(md.data) {
		return -defs.EIO
	}
	copy(md.data[off:off+BSIZE], src)
	return 0
}

func (md *Memdisk_t) Nblocks() int {
	return len(md.data) / BSIZE
}
