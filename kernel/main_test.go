package main

import "testing"

import "rvkern/defs"
import "rvkern/fd"
import "rvkern/fs"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/sched"
import "rvkern/tinfo"
import "rvkern/ustr"
import "rvkern/util"

// boot enough of the kernel to drive the syscall dispatcher: frames,
// heap, one cpu, a fat32 root volume, and a process with a scratch
// buffer mapped at USERVA.
const USERVA = 0x10000

func mktestkernel(t *testing.T) *proc.Proc_t {
	t.Helper()
	w := make([]uint8, 4096*mem.PGSIZE)
	mem.Phys_init(0x8000_0000, 4096, w)
	mem.Kheap_init()
	sched.Cpu_init(1)

	nsec := 32 + 8 + 1024
	img := make([]uint8, nsec*fs.BSIZE)
	bpb := img[:fs.BSIZE]
	util.Writen(bpb, 2, 11, fs.BSIZE)
	util.Writen(bpb, 1, 13, 1)
	util.Writen(bpb, 2, 14, 32)
	util.Writen(bpb, 1, 16, 1)
	util.Writen(bpb, 4, 36, 8)
	util.Writen(bpb, 4, 44, 2)
	bpb[510] = 0x55
	bpb[511] = 0xaa
	fat := img[32*fs.BSIZE:]
	util.Writen(fat, 4, 0, 0x0ffffff8)
	util.Writen(fat, 4, 4, 0x0fffffff)
	util.Writen(fat, 4, 8, 0x0ffffff8)
	rootfs, err := fs.MkFat(fs.MkMemdisk(img), 1)
	if err != 0 {
		t.Fatalf("mkfat: %v", err)
	}
	thefs = fs.MkVfs(rootfs)

	rootops, ferr := thefs.Fs_open(ustr.MkUstrRoot(), defs.O_RDONLY, flocks)
	if ferr != 0 {
		t.Fatalf("open root: %v", ferr)
	}
	cwd := fd.MkRootCwd(&fd.Fd_t{Fops: rootops})
	p, ok := proc.Proc_new(ustr.Ustr("ktest"), cwd, nil, sys)
	if !ok {
		t.Fatalf("proc_new")
	}
	if err := p.Vm.Vm_init(); err != 0 {
		t.Fatalf("vm_init: %v", err)
	}
	p.Vm.Lock_pmap()
	p.Vm.Vmadd_anon(USERVA, 16*mem.PGSIZE, 0x1f)
	p.Vm.Unlock_pmap()

	n := tinfo.Mknote()
	n.State = p
	tinfo.SetCurrent(n)
	t.Cleanup(tinfo.ClearCurrent)
	return p
}

func ksyscall(t *testing.T, p *proc.Proc_t, num int, args ...int) int {
	t.Helper()
	var tf [defs.TFSIZE]uintptr
	tf[defs.TF_A7] = uintptr(num)
	for i, a := range args {
		tf[defs.TF_A0+i] = uintptr(a)
	}
	return sys.Syscall(p, p.Tid0(), &tf)
}

func kputs(t *testing.T, p *proc.Proc_t, va int, s string) {
	t.Helper()
	b := append([]uint8(s), 0)
	if err := p.Vm.K2user(b, va); err != 0 {
		t.Fatalf("k2user: %v", err)
	}
}

func kgets(t *testing.T, p *proc.Proc_t, va, n int) []uint8 {
	t.Helper()
	b := make([]uint8, n)
	if err := p.Vm.User2k(b, va); err != 0 {
		t.Fatalf("user2k: %v", err)
	}
	return b
}

// open, write, lseek, read, fstat, close against the root volume, all
// through the numbered entry points.
func TestSyscallFileRoundtrip(t *testing.T) {
	p := mktestkernel(t)
	pathva := USERVA
	bufva := USERVA + 0x1000

	kputs(t, p, pathva, "/motd")
	fdn := ksyscall(t, p, defs.SYS_OPEN, pathva,
		int(defs.O_CREAT|defs.O_RDWR), 0)
	if fdn < 0 {
		t.Fatalf("open: %v", fdn)
	}
	kputs(t, p, bufva, "kernel says hi")
	if n := ksyscall(t, p, defs.SYS_WRITE, fdn, bufva, 14); n != 14 {
		t.Fatalf("write: %v", n)
	}
	if r := ksyscall(t, p, defs.SYS_LSEEK, fdn, 0, defs.SEEK_SET); r != 0 {
		t.Fatalf("lseek: %v", r)
	}
	if n := ksyscall(t, p, defs.SYS_READ, fdn, bufva+0x100, 64); n != 14 {
		t.Fatalf("read: %v", n)
	}
	if got := string(kgets(t, p, bufva+0x100, 14)); got != "kernel says hi" {
		t.Fatalf("got %q", got)
	}
	if r := ksyscall(t, p, defs.SYS_CLOSE, fdn); r != 0 {
		t.Fatalf("close: %v", r)
	}
	// and the file is visible by path
	if r := ksyscall(t, p, defs.SYS_STAT, pathva, bufva+0x200); r != 0 {
		t.Fatalf("stat: %v", r)
	}
}

func TestSyscallDirs(t *testing.T) {
	p := mktestkernel(t)
	pathva := USERVA
	kputs(t, p, pathva, "/home")
	if r := ksyscall(t, p, defs.SYS_MKDIR, pathva); r != 0 {
		t.Fatalf("mkdir: %v", r)
	}
	if r := ksyscall(t, p, defs.SYS_CHDIR, pathva); r != 0 {
		t.Fatalf("chdir: %v", r)
	}
	if r := ksyscall(t, p, defs.SYS_GETCWD, pathva+0x100, 64); r != 0 {
		t.Fatalf("getcwd: %v", r)
	}
	got := kgets(t, p, pathva+0x100, 6)
	if string(got[:5]) != "/home" || got[5] != 0 {
		t.Fatalf("cwd %q", got)
	}
	// relative create resolves under the new cwd
	kputs(t, p, pathva+0x200, "note")
	fdn := ksyscall(t, p, defs.SYS_OPEN, pathva+0x200,
		int(defs.O_CREAT|defs.O_WRONLY), 0)
	if fdn < 0 {
		t.Fatalf("open: %v", fdn)
	}
	ksyscall(t, p, defs.SYS_CLOSE, fdn)
	kputs(t, p, pathva+0x300, "/home/note")
	if r := ksyscall(t, p, defs.SYS_STAT, pathva+0x300, pathva+0x400); r != 0 {
		t.Fatalf("stat of relative create: %v", r)
	}
}

// pipe hello through the dispatcher: write "hi\n", read 3 bytes back.
func TestSyscallPipe(t *testing.T) {
	p := mktestkernel(t)
	fdsva := USERVA
	bufva := USERVA + 0x1000
	if r := ksyscall(t, p, defs.SYS_PIPE2, fdsva, 0); r != 0 {
		t.Fatalf("pipe2: %v", r)
	}
	fdbytes := kgets(t, p, fdsva, 8)
	rfd := util.Readn(fdbytes, 4, 0)
	wfd := util.Readn(fdbytes, 4, 4)
	kputs(t, p, bufva, "hi\n")
	if n := ksyscall(t, p, defs.SYS_WRITE, wfd, bufva, 3); n != 3 {
		t.Fatalf("write: %v", n)
	}
	if n := ksyscall(t, p, defs.SYS_READ, rfd, bufva+0x100, 3); n != 3 {
		t.Fatalf("read: %v", n)
	}
	if got := string(kgets(t, p, bufva+0x100, 3)); got != "hi\n" {
		t.Fatalf("got %q", got)
	}
	// close the writer; the reader sees eof
	if r := ksyscall(t, p, defs.SYS_CLOSE, wfd); r != 0 {
		t.Fatalf("close: %v", r)
	}
	if n := ksyscall(t, p, defs.SYS_READ, rfd, bufva, 16); n != 0 {
		t.Fatalf("expected eof, got %v", n)
	}
	ksyscall(t, p, defs.SYS_CLOSE, rfd)
}

func TestSyscallDupAndFlock(t *testing.T) {
	p := mktestkernel(t)
	pathva := USERVA
	kputs(t, p, pathva, "/lockfile")
	fdn := ksyscall(t, p, defs.SYS_OPEN, pathva,
		int(defs.O_CREAT|defs.O_RDWR), 0)
	if fdn < 0 {
		t.Fatalf("open: %v", fdn)
	}
	nfd := ksyscall(t, p, defs.SYS_DUP, fdn)
	if nfd < 0 || nfd == fdn {
		t.Fatalf("dup: %v", nfd)
	}
	if r := ksyscall(t, p, defs.SYS_FLOCK, fdn,
		defs.LOCK_EX|defs.LOCK_NB, 0, 100); r != 0 {
		t.Fatalf("flock: %v", r)
	}
	// same process re-locks fine
	if r := ksyscall(t, p, defs.SYS_FLOCK, nfd,
		defs.LOCK_EX|defs.LOCK_NB, 0, 100); r != 0 {
		t.Fatalf("relock: %v", r)
	}
	ksyscall(t, p, defs.SYS_CLOSE, fdn)
	ksyscall(t, p, defs.SYS_CLOSE, nfd)
}

// datagram sockets through the numbered entry points: bind two
// mailboxes, sendto with an address, recvfrom with the sender reported.
func TestSyscallDgram(t *testing.T) {
	p := mktestkernel(t)
	apathva := USERVA
	bpathva := USERVA + 0x100
	bufva := USERVA + 0x1000
	fromva := USERVA + 0x2000

	kputs(t, p, apathva, "/dsock-a")
	kputs(t, p, bpathva, "/dsock-b")
	afd := ksyscall(t, p, defs.SYS_BIND, apathva, defs.SOCK_DGRAM, 0)
	if afd < 0 {
		t.Fatalf("bind a: %v", afd)
	}
	bfd := ksyscall(t, p, defs.SYS_BIND, bpathva, defs.SOCK_DGRAM, 0)
	if bfd < 0 {
		t.Fatalf("bind b: %v", bfd)
	}
	// a sends to b by address: a7=num a0=fd a1=buf a2=sz a4=dest
	kputs(t, p, bufva, "boundary")
	var tf [defs.TFSIZE]uintptr
	tf[defs.TF_A7] = defs.SYS_SENDTO
	tf[defs.TF_A0] = uintptr(afd)
	tf[defs.TF_A1] = uintptr(bufva)
	tf[defs.TF_A2] = 8
	tf[defs.TF_A4] = uintptr(bpathva)
	if n := sys.Syscall(p, p.Tid0(), &tf); n != 8 {
		t.Fatalf("sendto: %v", n)
	}
	tf = [defs.TFSIZE]uintptr{}
	tf[defs.TF_A7] = defs.SYS_RECVFROM
	tf[defs.TF_A0] = uintptr(bfd)
	tf[defs.TF_A1] = uintptr(bufva + 0x100)
	tf[defs.TF_A2] = 32
	tf[defs.TF_A4] = uintptr(fromva)
	if n := sys.Syscall(p, p.Tid0(), &tf); n != 8 {
		t.Fatalf("recvfrom: %v", n)
	}
	if got := string(kgets(t, p, bufva+0x100, 8)); got != "boundary" {
		t.Fatalf("got %q", got)
	}
	if got := string(kgets(t, p, fromva, 8)); got != "/dsock-a" {
		t.Fatalf("sender %q", got)
	}
	// socketpair with SOCK_DGRAM works too
	if r := ksyscall(t, p, defs.SYS_SOCKPAIR, defs.AF_UNIX,
		defs.SOCK_DGRAM, 0, USERVA+0x3000); r != 0 {
		t.Fatalf("socketpair: %v", r)
	}
	fdb := kgets(t, p, USERVA+0x3000, 8)
	sfd := util.Readn(fdb, 4, 0)
	rfd := util.Readn(fdb, 4, 4)
	kputs(t, p, bufva, "pp")
	if n := ksyscall(t, p, defs.SYS_WRITE, sfd, bufva, 2); n != 2 {
		t.Fatalf("pair write: %v", n)
	}
	if n := ksyscall(t, p, defs.SYS_READ, rfd, bufva+0x200, 8); n != 2 {
		t.Fatalf("pair read: %v", n)
	}
	ksyscall(t, p, defs.SYS_CLOSE, afd)
	ksyscall(t, p, defs.SYS_CLOSE, bfd)
	ksyscall(t, p, defs.SYS_CLOSE, sfd)
	ksyscall(t, p, defs.SYS_CLOSE, rfd)
}

func TestSyscallBadFd(t *testing.T) {
	p := mktestkernel(t)
	if r := ksyscall(t, p, defs.SYS_READ, 55, USERVA, 8); r != int(-defs.EBADF) {
		t.Fatalf("read bad fd: %v", r)
	}
	if r := ksyscall(t, p, defs.SYS_CLOSE, 55); r != int(-defs.EBADF) {
		t.Fatalf("close bad fd: %v", r)
	}
}
