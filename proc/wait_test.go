package proc

import "sync"
import "testing"
import "time"

import "rvkern/defs"
import "rvkern/tinfo"

func mkwait(mypid int) *Wait_t {
	w := &Wait_t{}
	w.Wait_init(mypid)
	return w
}

// for every fork, exactly one successful waitpid releases its pid.
func TestZombieReapOnce(t *testing.T) {
	w := mkwait(100)
	if !w._start(101, true, 64) {
		t.Fatalf("start")
	}
	w.putpid(101, defs.Mkexitcode(3), nil)

	st, err := w.Reappid(101, true)
	if err != 0 {
		t.Fatalf("reap: %v", err)
	}
	if !st.Valid || st.Pid != 101 {
		t.Fatalf("bad status %+v", st)
	}
	if st.Status != defs.Mkexitcode(3) {
		t.Fatalf("status %#x", st.Status)
	}
	// a second wait for the same pid must fail
	if _, err := w.Reappid(101, true); err != -defs.ECHILD {
		t.Fatalf("second reap: %v", err)
	}
}

func TestWaitNoChildren(t *testing.T) {
	w := mkwait(100)
	if _, err := w.Reappid(defs.WAIT_ANY, true); err != -defs.ECHILD {
		t.Fatalf("expected ECHILD, got %v", err)
	}
}

func TestWaitAnyPicksZombie(t *testing.T) {
	w := mkwait(100)
	w._start(101, true, 64)
	w._start(103, true, 64)
	w.putpid(103, defs.Mkexitcode(0), nil)
	st, err := w.Reappid(defs.WAIT_ANY, true)
	if err != 0 {
		t.Fatalf("reap: %v", err)
	}
	if st.Pid != 103 {
		t.Fatalf("reaped %v", st.Pid)
	}
	// 101 is still running; nonblocking wait-any returns nothing
	st, err = w.Reappid(defs.WAIT_ANY, true)
	if err != 0 || st.Valid {
		t.Fatalf("running child reaped: %+v %v", st, err)
	}
}

func TestWaitBlocksUntilExit(t *testing.T) {
	w := mkwait(100)
	w._start(101, true, 64)

	tinfo.SetCurrent(tinfo.Mknote())
	defer tinfo.ClearCurrent()

	var st Waitst_t
	var rerr defs.Err_t
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st, rerr = w.Reappid(101, false)
	}()
	time.Sleep(10 * time.Millisecond)
	w.putpid(101, defs.Mkexitsig(defs.SIGSEGV), nil)
	wg.Wait()
	if rerr != 0 {
		t.Fatalf("reap: %v", rerr)
	}
	if st.Status != defs.Mkexitsig(defs.SIGSEGV) {
		t.Fatalf("status %#x", st.Status)
	}
}

func TestThreadReap(t *testing.T) {
	w := mkwait(100)
	w._start(7, false, 64)
	w.puttid(7, 0, nil)
	st, err := w.Reaptid(7, true)
	if err != 0 || !st.Valid {
		t.Fatalf("tid reap: %+v %v", st, err)
	}
	// process waits must not see thread statuses
	if _, err := w.Reappid(defs.WAIT_ANY, true); err != -defs.ECHILD {
		t.Fatalf("pid wait saw tid status: %v", err)
	}
}
