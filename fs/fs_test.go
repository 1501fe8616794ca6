package fs

import "sync"
import "testing"
import "time"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/tinfo"
import "rvkern/ustr"
import "rvkern/util"

// build a minimal fat32 volume: 512-byte sectors, 1 sector per cluster,
// 32 reserved sectors, one 8-sector fat, root dir at cluster 2.
func mkfatimg(t *testing.T) *Memdisk_t {
	t.Helper()
	nsec := 32 + 8 + 1024
	img := make([]uint8, nsec*BSIZE)
	bpb := img[:BSIZE]
	util.Writen(bpb, 2, 11, BSIZE)
	util.Writen(bpb, 1, 13, 1)
	util.Writen(bpb, 2, 14, 32)
	util.Writen(bpb, 1, 16, 1)
	util.Writen(bpb, 4, 36, 8)
	util.Writen(bpb, 4, 44, 2)
	bpb[510] = 0x55
	bpb[511] = 0xaa
	fat := img[32*BSIZE:]
	util.Writen(fat, 4, 0, 0x0ffffff8)
	util.Writen(fat, 4, 4, 0x0fffffff)
	util.Writen(fat, 4, 8, 0x0ffffff8) // root dir chain: one cluster
	return MkMemdisk(img)
}

func mkfat(t *testing.T) *Fat_t {
	t.Helper()
	f, err := MkFat(mkfatimg(t), 1)
	if err != 0 {
		t.Fatalf("mkfat: %v", err)
	}
	return f
}

func TestFatCreateReadWrite(t *testing.T) {
	f := mkfat(t)
	root := f.Root()
	ino, err := root.Create(ustr.Ustr("hello.txt"), I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	msg := []uint8("hello from the cluster heap")
	if n, err := ino.Write(msg, 0); n != len(msg) || err != 0 {
		t.Fatalf("write: %v %v", n, err)
	}
	if ino.Size() != len(msg) {
		t.Fatalf("size %v", ino.Size())
	}
	// reopen through lookup; size must come from the dirent
	ino2, err := root.Lookup(ustr.Ustr("hello.txt"))
	if err != 0 {
		t.Fatalf("lookup: %v", err)
	}
	if ino2.Size() != len(msg) {
		t.Fatalf("dirent size %v", ino2.Size())
	}
	buf := make([]uint8, 64)
	n, err := ino2.Read(buf, 0)
	if err != 0 || n != len(msg) {
		t.Fatalf("read: %v %v", n, err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q", buf[:n])
	}
	// offset read
	n, err = ino2.Read(buf[:5], 6)
	if err != 0 || n != 5 {
		t.Fatalf("pread: %v %v", n, err)
	}
	if string(buf[:5]) != "from " {
		t.Fatalf("got %q", buf[:5])
	}
}

func TestFatChainGrowth(t *testing.T) {
	f := mkfat(t)
	root := f.Root()
	ino, err := root.Create(ustr.Ustr("big.bin"), I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	// just over 5 clusters of patterned data
	big := make([]uint8, 5*BSIZE/2*2+123)
	for i := range big {
		big[i] = uint8(i * 7)
	}
	if n, werr := ino.Write(big, 0); n != len(big) || werr != 0 {
		t.Fatalf("write: %v %v", n, werr)
	}
	got := make([]uint8, len(big))
	if n, rerr := ino.Read(got, 0); n != len(big) || rerr != 0 {
		t.Fatalf("read: %v %v", n, rerr)
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %v differs", i)
		}
	}
	// truncation frees the chain; the file reads back empty
	if err := ino.Truncate(0); err != 0 {
		t.Fatalf("truncate: %v", err)
	}
	if ino.Size() != 0 {
		t.Fatalf("size after truncate: %v", ino.Size())
	}
}

func TestFatLongNames(t *testing.T) {
	f := mkfat(t)
	root := f.Root()
	long := ustr.Ustr("a-rather-long-file-name.data")
	if _, err := root.Create(long, I_FILE); err != 0 {
		t.Fatalf("create: %v", err)
	}
	if _, err := root.Lookup(long); err != 0 {
		t.Fatalf("lookup long: %v", err)
	}
	des, err := root.Readdir()
	if err != 0 {
		t.Fatalf("readdir: %v", err)
	}
	found := false
	for _, d := range des {
		if d.Name.Eq(long) {
			found = true
		}
	}
	if !found {
		t.Fatalf("long name not in listing: %v", des)
	}
	if err := root.Unlink(long); err != 0 {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := root.Lookup(long); err != -defs.ENOENT {
		t.Fatalf("lookup after unlink: %v", err)
	}
}

func TestFatMkdir(t *testing.T) {
	f := mkfat(t)
	root := f.Root()
	sub, err := root.Create(ustr.Ustr("etc"), I_DIR)
	if err != 0 {
		t.Fatalf("mkdir: %v", err)
	}
	if sub.Itype() != I_DIR {
		t.Fatalf("not a dir")
	}
	if _, err := sub.Create(ustr.Ustr("rc"), I_FILE); err != 0 {
		t.Fatalf("create in subdir: %v", err)
	}
	// non-empty dir cannot be unlinked
	if err := root.Unlink(ustr.Ustr("etc")); err != -defs.ENOTEMPTY {
		t.Fatalf("unlinked non-empty dir: %v", err)
	}
	if err := sub.Unlink(ustr.Ustr("rc")); err != 0 {
		t.Fatalf("unlink: %v", err)
	}
	if err := root.Unlink(ustr.Ustr("etc")); err != 0 {
		t.Fatalf("unlink empty dir: %v", err)
	}
}

// build a one-group ext2 volume with 1024-byte blocks.
func mkext2img(t *testing.T) *Memdisk_t {
	t.Helper()
	bsz := 1024
	nblk := 64
	img := make([]uint8, nblk*bsz)
	sb := img[1024:2048]
	util.Writen(sb, 4, 0, 32)   // inodes
	util.Writen(sb, 4, 4, nblk) // blocks
	util.Writen(sb, 4, 20, 1)   // first data block
	util.Writen(sb, 4, 24, 0)   // log block size -> 1024
	util.Writen(sb, 4, 32, 64)  // blocks per group
	util.Writen(sb, 4, 40, 32)  // inodes per group
	util.Writen(sb, 2, 56, 0xef53)
	util.Writen(sb, 4, 76, 1)   // rev 1
	util.Writen(sb, 2, 88, 128) // inode size

	// group descriptor in block 2: block bitmap 3, inode bitmap 4,
	// inode table blocks 5-8
	bgd := img[2*bsz:]
	util.Writen(bgd, 4, 0, 3)
	util.Writen(bgd, 4, 4, 4)
	util.Writen(bgd, 4, 8, 5)

	// blocks 1-9 in use (bits 0-8); block 9 is the root dir data
	bbm := img[3*bsz:]
	bbm[0] = 0xff
	bbm[1] = 0x01
	// inodes 1-10 reserved
	ibm := img[4*bsz:]
	ibm[0] = 0xff
	ibm[1] = 0x03

	// root inode (#2) at table slot 1
	ri := img[5*bsz+128:]
	util.Writen(ri, 2, 0, ext2_ifdir)
	util.Writen(ri, 4, 4, bsz)
	util.Writen(ri, 2, 26, 2)
	util.Writen(ri, 4, 40, 9)

	// root dir block: . and ..
	rd := img[9*bsz:]
	util.Writen(rd, 4, 0, 2)
	util.Writen(rd, 2, 4, 12)
	util.Writen(rd, 1, 6, 1)
	util.Writen(rd, 1, 7, 2)
	rd[8] = '.'
	util.Writen(rd, 4, 12, 2)
	util.Writen(rd, 2, 16, bsz-12)
	util.Writen(rd, 1, 18, 2)
	util.Writen(rd, 1, 19, 2)
	rd[20] = '.'
	rd[21] = '.'
	return MkMemdisk(img)
}

func mkext2(t *testing.T) *Ext2_t {
	t.Helper()
	e, err := MkExt2(mkext2img(t), 2)
	if err != 0 {
		t.Fatalf("mkext2: %v", err)
	}
	return e
}

func TestExt2RootDir(t *testing.T) {
	e := mkext2(t)
	root := e.Root()
	if root.Itype() != I_DIR {
		t.Fatalf("root not a dir")
	}
	des, err := root.Readdir()
	if err != 0 {
		t.Fatalf("readdir: %v", err)
	}
	if len(des) != 0 {
		t.Fatalf("fresh root not empty: %v", des)
	}
}

func TestExt2CreateWriteIndirect(t *testing.T) {
	e := mkext2(t)
	root := e.Root()
	ino, err := root.Create(ustr.Ustr("data"), I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	// 20000 bytes crosses the 12 direct blocks into the single
	// indirect
	big := make([]uint8, 20000)
	for i := range big {
		big[i] = uint8(i % 251)
	}
	if n, werr := ino.Write(big, 0); n != len(big) || werr != 0 {
		t.Fatalf("write: %v %v", n, werr)
	}
	got := make([]uint8, len(big))
	if n, rerr := ino.Read(got, 0); n != len(big) || rerr != 0 {
		t.Fatalf("read: %v %v", n, rerr)
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %v differs", i)
		}
	}
	// visible through a fresh lookup
	ino2, err := root.Lookup(ustr.Ustr("data"))
	if err != 0 {
		t.Fatalf("lookup: %v", err)
	}
	if ino2.Size() != len(big) {
		t.Fatalf("size %v", ino2.Size())
	}
}

func TestExt2Unlink(t *testing.T) {
	e := mkext2(t)
	root := e.Root()
	if _, err := root.Create(ustr.Ustr("doomed"), I_FILE); err != 0 {
		t.Fatalf("create: %v", err)
	}
	if err := root.Unlink(ustr.Ustr("doomed")); err != 0 {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := root.Lookup(ustr.Ustr("doomed")); err != -defs.ENOENT {
		t.Fatalf("lookup after unlink: %v", err)
	}
	if err := root.Unlink(ustr.Ustr("doomed")); err != -defs.ENOENT {
		t.Fatalf("double unlink: %v", err)
	}
}

func TestExt2Readlink(t *testing.T) {
	e := mkext2(t)
	root := e.Root()
	ino, err := root.Create(ustr.Ustr("link"), I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	// rewrite the inode as a fast symlink to /etc/rc
	en := ino.(*ext2node_t)
	di, derr := e.iread(en.ino)
	if derr != 0 {
		t.Fatalf("iread: %v", derr)
	}
	target := "/etc/rc"
	di.mode = ext2_iflnk
	di.size = len(target)
	for i := 0; i < len(target); i += 4 {
		v := 0
		for j := 0; j < 4 && i+j < len(target); j++ {
			v |= int(target[i+j]) << uint(8*j)
		}
		di.blkno[i/4] = v
	}
	if err := e.iwrite(en.ino, di); err != 0 {
		t.Fatalf("iwrite: %v", err)
	}
	got, lerr := en.Readlink()
	if lerr != 0 {
		t.Fatalf("readlink: %v", lerr)
	}
	if got.String() != target {
		t.Fatalf("got %q", got.String())
	}
}

// vfs: mounts, path walking, crossing mount points.
func TestVfsWalkAndMounts(t *testing.T) {
	f := mkfat(t)
	v := MkVfs(f)
	root := f.Root()
	etc, err := root.Create(ustr.Ustr("etc"), I_DIR)
	if err != 0 {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := etc.Create(ustr.Ustr("rc"), I_FILE); err != 0 {
		t.Fatalf("create: %v", err)
	}
	ino, err := v.Namei(ustr.Ustr("/etc/rc"))
	if err != 0 {
		t.Fatalf("namei: %v", err)
	}
	if ino.Itype() != I_FILE {
		t.Fatalf("wrong type")
	}
	// dot and dotdot resolve
	if _, err := v.Namei(ustr.Ustr("/etc/./../etc/rc")); err != 0 {
		t.Fatalf("namei dots: %v", err)
	}
	// mount a devfs at /dev and walk across the boundary
	if _, err := root.Create(ustr.Ustr("dev"), I_DIR); err != 0 {
		t.Fatalf("mkdir dev: %v", err)
	}
	dfs := MkDevfs(3)
	dfs.Register(ustr.Ustr("null"), defs.D_DEVNULL, &nulldev_t{})
	if err := v.Mount(ustr.Ustr("/dev"), dfs); err != 0 {
		t.Fatalf("mount: %v", err)
	}
	dn, err := v.Namei(ustr.Ustr("/dev/null"))
	if err != 0 {
		t.Fatalf("namei across mount: %v", err)
	}
	if dn.Itype() != I_DEV {
		t.Fatalf("not a device")
	}
	if n, err := dn.Write([]uint8("x"), 0); n != 1 || err != 0 {
		t.Fatalf("devnull write: %v %v", n, err)
	}
	if err := v.Umount(ustr.Ustr("/dev")); err != 0 {
		t.Fatalf("umount: %v", err)
	}
	if _, err := v.Namei(ustr.Ustr("/dev/null")); err != -defs.ENOENT {
		t.Fatalf("walk into unmounted fs: %v", err)
	}
}

func TestVfsRename(t *testing.T) {
	f := mkfat(t)
	v := MkVfs(f)
	root := f.Root()
	ino, err := root.Create(ustr.Ustr("old.txt"), I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	msg := []uint8("renamed payload")
	if _, werr := ino.Write(msg, 0); werr != 0 {
		t.Fatalf("write: %v", werr)
	}
	if _, err := root.Create(ustr.Ustr("sub"), I_DIR); err != 0 {
		t.Fatalf("mkdir: %v", err)
	}
	if rerr := v.Rename(ustr.Ustr("/old.txt"), ustr.Ustr("/sub/new.txt")); rerr != 0 {
		t.Fatalf("rename: %v", rerr)
	}
	if _, err := v.Namei(ustr.Ustr("/old.txt")); err != -defs.ENOENT {
		t.Fatalf("old name survived: %v", err)
	}
	nn, err := v.Namei(ustr.Ustr("/sub/new.txt"))
	if err != 0 {
		t.Fatalf("new name missing: %v", err)
	}
	got := make([]uint8, len(msg))
	if n, rerr := nn.Read(got, 0); n != len(msg) || rerr != 0 {
		t.Fatalf("read: %v %v", n, rerr)
	}
	if string(got) != string(msg) {
		t.Fatalf("payload lost: %q", got)
	}
}

func TestExt2Rename(t *testing.T) {
	e := mkext2(t)
	root := e.Root()
	ino, err := root.Create(ustr.Ustr("a"), I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	if _, werr := ino.Write([]uint8("x"), 0); werr != 0 {
		t.Fatalf("write: %v", werr)
	}
	en := root.(*ext2node_t)
	if rerr := en.Renameent(ustr.Ustr("a"), root, ustr.Ustr("b")); rerr != 0 {
		t.Fatalf("rename: %v", rerr)
	}
	if _, err := root.Lookup(ustr.Ustr("a")); err != -defs.ENOENT {
		t.Fatalf("old name survived: %v", err)
	}
	nn, err := root.Lookup(ustr.Ustr("b"))
	if err != 0 {
		t.Fatalf("lookup b: %v", err)
	}
	if nn.Size() != 1 {
		t.Fatalf("size %v", nn.Size())
	}
}

type nulldev_t struct{}

func (nd *nulldev_t) Dread(dst []uint8, off int) (int, defs.Err_t) {
	return 0, 0
}

func (nd *nulldev_t) Dwrite(src []uint8, off int) (int, defs.Err_t) {
	return len(src), 0
}

func (nd *nulldev_t) Dioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (nd *nulldev_t) Dpoll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return 0, 0
}

// process A holds an exclusive range lock; B's blocking acquire on an
// overlapping range waits until A releases.
func TestFlockBlocking(t *testing.T) {
	tinfo.SetCurrent(tinfo.Mknote())
	defer tinfo.ClearCurrent()

	m := MkFlockmgr()
	key := lockkey_t{fsid: 1, inum: 7}
	if err := m.Flock(key, defs.LOCK_EX, 100, 0, 100); err != 0 {
		t.Fatalf("lock: %v", err)
	}
	// non-blocking conflicting acquire fails fast
	if err := m.Flock(key, defs.LOCK_EX|defs.LOCK_NB, 200, 50, 10); err != -defs.EWOULDBLOCK {
		t.Fatalf("nb acquire: %v", err)
	}
	// non-overlapping range is fine
	if err := m.Flock(key, defs.LOCK_EX|defs.LOCK_NB, 200, 100, 10); err != 0 {
		t.Fatalf("disjoint range: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var berr defs.Err_t
	go func() {
		defer wg.Done()
		berr = m.Flock(key, defs.LOCK_EX, 200, 50, 10)
	}()
	time.Sleep(5 * time.Millisecond)
	if err := m.Flock(key, defs.LOCK_UN, 100, 0, 0); err != 0 {
		t.Fatalf("unlock: %v", err)
	}
	wg.Wait()
	if berr != 0 {
		t.Fatalf("blocked acquire: %v", berr)
	}
}

func TestFlockShared(t *testing.T) {
	m := MkFlockmgr()
	key := lockkey_t{fsid: 1, inum: 8}
	if err := m.Flock(key, defs.LOCK_SH|defs.LOCK_NB, 1, 0, 10); err != 0 {
		t.Fatalf("sh 1: %v", err)
	}
	if err := m.Flock(key, defs.LOCK_SH|defs.LOCK_NB, 2, 5, 10); err != 0 {
		t.Fatalf("sh 2: %v", err)
	}
	if err := m.Flock(key, defs.LOCK_EX|defs.LOCK_NB, 3, 0, 1); err != -defs.EWOULDBLOCK {
		t.Fatalf("ex over sh: %v", err)
	}
	// exit drops everything pid 1 held
	m.Exitlocks(1)
	if err := m.Flock(key, defs.LOCK_EX|defs.LOCK_NB, 3, 5, 1); err != -defs.EWOULDBLOCK {
		t.Fatalf("pid 2 lock vanished too early: %v", err)
	}
	m.Exitlocks(2)
	if err := m.Flock(key, defs.LOCK_EX|defs.LOCK_NB, 3, 0, 1); err != 0 {
		t.Fatalf("lock after exits: %v", err)
	}
}

func TestBcacheWriteback(t *testing.T) {
	img := make([]uint8, 64*BSIZE)
	md := MkMemdisk(img)
	bc := MkBcache(md, 8)
	msg := []uint8("persisted")
	if err := bc.Write(msg, 3*BSIZE+7); err != 0 {
		t.Fatalf("write: %v", err)
	}
	// not yet on the device
	if string(img[3*BSIZE+7:3*BSIZE+7+len(msg)]) == string(msg) {
		t.Fatalf("write-through, expected write-back")
	}
	if err := bc.Sync(); err != 0 {
		t.Fatalf("sync: %v", err)
	}
	if string(img[3*BSIZE+7:3*BSIZE+7+len(msg)]) != string(msg) {
		t.Fatalf("sync did not flush")
	}
	got := make([]uint8, len(msg))
	if err := bc.Read(got, 3*BSIZE+7); err != 0 {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q", got)
	}
}
