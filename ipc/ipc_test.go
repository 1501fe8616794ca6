package ipc

import "sync"
import "testing"
import "time"

import "rvkern/defs"
import "rvkern/mem"
import "rvkern/proc"
import "rvkern/tinfo"
import "rvkern/ustr"
import "rvkern/vm"

func initmem(t *testing.T) {
	t.Helper()
	w := make([]uint8, 512*mem.PGSIZE)
	mem.Phys_init(0x8000_0000, 512, w)
	p := &proc.Proc_t{}
	p.Threadi.Init()
	n := tinfo.Mknote()
	n.State = p
	tinfo.SetCurrent(n)
	t.Cleanup(tinfo.ClearCurrent)
}

func kbuf(b []uint8) *vm.Fakeubuf_t {
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(b)
	return fb
}

// reader returns 0 iff all write-ends are closed and the buffer is
// empty.
func TestPipeEof(t *testing.T) {
	initmem(t)
	rfd, wfd, err := Mkpipe(0)
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}
	if n, err := wfd.Fops.Write(kbuf([]uint8("hi\n"))); n != 3 || err != 0 {
		t.Fatalf("write: %v %v", n, err)
	}
	// close the only write end; buffered data must still be readable
	if wfd.Fops.Close() != 0 {
		t.Fatalf("close")
	}
	buf := make([]uint8, 16)
	n, rerr := rfd.Fops.Read(kbuf(buf))
	if rerr != 0 || n != 3 {
		t.Fatalf("read: %v %v", n, rerr)
	}
	if string(buf[:3]) != "hi\n" {
		t.Fatalf("got %q", buf[:3])
	}
	// now empty + no writers: EOF
	n, rerr = rfd.Fops.Read(kbuf(buf))
	if rerr != 0 || n != 0 {
		t.Fatalf("expected eof, got %v %v", n, rerr)
	}
	rfd.Fops.Close()
}

func TestPipeEpipe(t *testing.T) {
	initmem(t)
	rfd, wfd, err := Mkpipe(0)
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}
	rfd.Fops.Close()
	_, werr := wfd.Fops.Write(kbuf([]uint8("x")))
	if werr != -defs.EPIPE {
		t.Fatalf("expected EPIPE, got %v", werr)
	}
	p := proc.CurrentProc()
	if !p.Sigs.Pending.Ismember(defs.SIGPIPE) {
		t.Fatalf("no SIGPIPE")
	}
	wfd.Fops.Close()
}

func TestPipeBlockingHandoff(t *testing.T) {
	initmem(t)
	rfd, wfd, err := Mkpipe(0)
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	var got []uint8
	go func() {
		defer wg.Done()
		buf := make([]uint8, 3)
		n, rerr := rfd.Fops.Read(kbuf(buf))
		if rerr != 0 {
			t.Errorf("read: %v", rerr)
		}
		got = buf[:n]
	}()
	time.Sleep(5 * time.Millisecond)
	if n, werr := wfd.Fops.Write(kbuf([]uint8("hi\n"))); n != 3 || werr != 0 {
		t.Fatalf("write: %v %v", n, werr)
	}
	wg.Wait()
	if string(got) != "hi\n" {
		t.Fatalf("got %q", got)
	}
	rfd.Fops.Close()
	wfd.Fops.Close()
}

// a write larger than the buffer is delivered in parts.
func TestPipePartialWrite(t *testing.T) {
	initmem(t)
	rfd, wfd, err := Mkpipe(defs.O_NONBLOCK)
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}
	big := make([]uint8, 2*mem.PGSIZE)
	n, werr := wfd.Fops.Write(kbuf(big))
	if werr != 0 {
		t.Fatalf("write: %v", werr)
	}
	if n == 0 || n > mem.PGSIZE {
		t.Fatalf("wrote %v", n)
	}
	rfd.Fops.Close()
	wfd.Fops.Close()
}

func TestSockpair(t *testing.T) {
	initmem(t)
	fa, fb := Mksockpair()
	if n, err := fa.Fops.Write(kbuf([]uint8("ping"))); n != 4 || err != 0 {
		t.Fatalf("write: %v %v", n, err)
	}
	buf := make([]uint8, 8)
	n, err := fb.Fops.Read(kbuf(buf))
	if err != 0 || n != 4 {
		t.Fatalf("read: %v %v", n, err)
	}
	if string(buf[:4]) != "ping" {
		t.Fatalf("got %q", buf[:4])
	}
	// and the other direction
	if n, err := fb.Fops.Write(kbuf([]uint8("pong"))); n != 4 || err != 0 {
		t.Fatalf("write: %v %v", n, err)
	}
	if n, err := fa.Fops.Read(kbuf(buf)); n != 4 || err != 0 {
		t.Fatalf("read: %v %v", n, err)
	}
	fa.Fops.Close()
	fb.Fops.Close()
}

func TestStreamConnectAccept(t *testing.T) {
	initmem(t)
	path := ustr.Ustr("/tmp/sock")
	lops, err := Usbind_stream(path, 4)
	if err != 0 {
		t.Fatalf("bind: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cops, cerr := Usconnect_stream(path)
		if cerr != 0 {
			t.Errorf("connect: %v", cerr)
			return
		}
		if _, werr := cops.Write(kbuf([]uint8("hello"))); werr != 0 {
			t.Errorf("write: %v", werr)
		}
	}()
	aops, _, aerr := lops.Accept(nil)
	if aerr != 0 {
		t.Fatalf("accept: %v", aerr)
	}
	buf := make([]uint8, 8)
	n, rerr := aops.Read(kbuf(buf))
	if rerr != 0 || n != 5 {
		t.Fatalf("read: %v %v", n, rerr)
	}
	if string(buf[:5]) != "hello" {
		t.Fatalf("got %q", buf[:5])
	}
	wg.Wait()
	if _, err := Usbind_stream(path, 4); err != -defs.EADDRINUSE {
		t.Fatalf("double bind: %v", err)
	}
	lops.Close()
	// path is free again after close
	l2, err := Usbind_stream(path, 4)
	if err != 0 {
		t.Fatalf("rebind: %v", err)
	}
	l2.Close()
}

// datagram sockets preserve message boundaries and report the sender.
func TestDgramBoundaries(t *testing.T) {
	initmem(t)
	apath := ustr.Ustr("/tmp/dsock-a")
	bpathu := ustr.Ustr("/tmp/dsock-b")
	aops, err := Usbind_dgram(apath)
	if err != 0 {
		t.Fatalf("bind a: %v", err)
	}
	bops, err := Usbind_dgram(bpathu)
	if err != 0 {
		t.Fatalf("bind b: %v", err)
	}
	// addressed sends from a land in b's mailbox, whole
	if _, serr := aops.Sendmsg(kbuf([]uint8("one")), []uint8(bpathu), nil, 0); serr != 0 {
		t.Fatalf("sendmsg: %v", serr)
	}
	if _, serr := aops.Sendmsg(kbuf([]uint8("three")), []uint8(bpathu), nil, 0); serr != 0 {
		t.Fatalf("sendmsg: %v", serr)
	}
	buf := make([]uint8, 16)
	from := make([]uint8, 32)
	n, fromsz, _, fl, rerr := bops.Recvmsg(kbuf(buf), kbuf(from), nil, 0)
	if rerr != 0 || n != 3 || fl != 0 {
		t.Fatalf("recvmsg: %v %v %v", n, fl, rerr)
	}
	if string(buf[:3]) != "one" {
		t.Fatalf("got %q", buf[:3])
	}
	if fromsz == 0 || string(from[:len(apath)]) != apath.String() {
		t.Fatalf("sender address %q", from[:fromsz])
	}
	// short buffer truncates but consumes the whole message
	sm := make([]uint8, 2)
	n, _, _, fl, rerr = bops.Recvmsg(kbuf(sm), nil, nil, 0)
	if rerr != 0 || n != 2 || fl&defs.MSG_TRUNC == 0 {
		t.Fatalf("recvmsg: %v %v %v", n, fl, rerr)
	}
	bops.Fcntl(defs.F_SETFL, int(defs.O_NONBLOCK))
	if _, rerr := bops.Read(kbuf(buf)); rerr != -defs.EWOULDBLOCK {
		t.Fatalf("empty queue: %v", rerr)
	}
	aops.Close()
	bops.Close()
}

// a connected datagram socket sends to its peer without an address.
func TestDgramConnect(t *testing.T) {
	initmem(t)
	srvpath := ustr.Ustr("/tmp/dsock-srv")
	srv, err := Usbind_dgram(srvpath)
	if err != 0 {
		t.Fatalf("bind: %v", err)
	}
	cli, err := Usconnect_dgram(srvpath)
	if err != 0 {
		t.Fatalf("connect: %v", err)
	}
	if n, werr := cli.Write(kbuf([]uint8("ping"))); n != 4 || werr != 0 {
		t.Fatalf("write: %v %v", n, werr)
	}
	buf := make([]uint8, 8)
	n, rerr := srv.Read(kbuf(buf))
	if rerr != 0 || n != 4 {
		t.Fatalf("read: %v %v", n, rerr)
	}
	if string(buf[:4]) != "ping" {
		t.Fatalf("got %q", buf[:4])
	}
	// an unbound connected socket has no mailbox to receive on
	if _, rerr := cli.Read(kbuf(buf)); rerr != -defs.ENOTCONN {
		t.Fatalf("read on unbound: %v", rerr)
	}
	cli.Close()
	srv.Close()
	if _, err := Usconnect_dgram(srvpath); err != -defs.ECONNREFUSED {
		t.Fatalf("connect after close: %v", err)
	}
}

func TestDgramPair(t *testing.T) {
	initmem(t)
	fa, fb := Mkdgrampair()
	if n, err := fa.Fops.Write(kbuf([]uint8("hi"))); n != 2 || err != 0 {
		t.Fatalf("write: %v %v", n, err)
	}
	buf := make([]uint8, 8)
	n, err := fb.Fops.Read(kbuf(buf))
	if err != 0 || n != 2 {
		t.Fatalf("read: %v %v", n, err)
	}
	if string(buf[:2]) != "hi" {
		t.Fatalf("got %q", buf[:2])
	}
	fa.Fops.Close()
	fb.Fops.Close()
}
