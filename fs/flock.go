package fs

import "sync"

import "rvkern/defs"
import "rvkern/proc"

// advisory byte-range locks. locks hang off (fsid, inum) keys in one
// manager shared by the whole vfs; they do not prevent i/o, cooperating
// processes observe them. a process's locks vanish on its last close of
// the file and on process exit.

type lockkey_t struct {
	fsid int
	inum defs.Inum_t
}

type flock_t struct {
	// defs.LOCK_SH or defs.LOCK_EX
	typ   int
	pid   int
	start int
	// 0 means to eof
	length int
	next   *flock_t
}

func (fl *flock_t) end() int {
	if fl.length == 0 {
		return int(^uint(0) >> 1)
	}
	return fl.start + fl.length
}

func (fl *flock_t) overlaps(start, length int) bool {
	end := int(^uint(0) >> 1)
	if length != 0 {
		end = start + length
	}
	return fl.start < end && start < fl.end()
}

type Flockmgr_t struct {
	sync.Mutex
	cond  *sync.Cond
	locks map[lockkey_t]*flock_t
}

func MkFlockmgr() *Flockmgr_t {
	m := &Flockmgr_t{locks: make(map[lockkey_t]*flock_t)}
	m.cond = sync.NewCond(m)
	return m
}

// conflicting: an exclusive lock conflicts with any overlapping lock of
// another owner; a shared lock conflicts only with exclusive ones.
func (m *Flockmgr_t) conflict(key lockkey_t, typ, pid, start, length int) *flock_t {
	for fl := m.locks[key]; fl != nil; fl = fl.next {
		if fl.pid == pid {
			continue
		}
		if !fl.overlaps(start, length) {
			continue
		}
		if typ == defs.LOCK_EX || fl.typ == defs.LOCK_EX {
			return fl
		}
	}
	return nil
}

func (m *Flockmgr_t) insert(key lockkey_t, typ, pid, start, length int) {
	fl := &flock_t{typ: typ, pid: pid, start: start, length: length}
	fl.next = m.locks[key]
	m.locks[key] = fl
}

// remove every lock on key owned by pid that overlaps the range; the
// whole range (0,0) removes them all.
func (m *Flockmgr_t) remove(key lockkey_t, pid, start, length int) bool {
	var prev *flock_t
	removed := false
	fl := m.locks[key]
	for fl != nil {
		if fl.pid == pid && fl.overlaps(start, length) {
			if prev == nil {
				m.locks[key] = fl.next
			} else {
				prev.next = fl.next
			}
			removed = true
			fl = fl.next
			continue
		}
		prev = fl
		fl = fl.next
	}
	if m.locks[key] == nil {
		delete(m.locks, key)
	}
	return removed
}

// Flock implements acquire (blocking and non-blocking), release, and
// test. op is a defs.LOCK_* combination.
func (m *Flockmgr_t) Flock(key lockkey_t, op, pid, start, length int) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	if op&defs.LOCK_UN != 0 {
		m.remove(key, pid, start, length)
		m.cond.Broadcast()
		return 0
	}
	var typ int
	switch {
	case op&defs.LOCK_EX != 0:
		typ = defs.LOCK_EX
	case op&defs.LOCK_SH != 0:
		typ = defs.LOCK_SH
	default:
		return -defs.EINVAL
	}
	for m.conflict(key, typ, pid, start, length) != nil {
		if op&defs.LOCK_NB != 0 {
			return -defs.EWOULDBLOCK
		}
		if err := proc.KillableWait(m.cond); err != 0 {
			return err
		}
	}
	// re-locking a range replaces the old lock
	m.remove(key, pid, start, length)
	m.insert(key, typ, pid, start, length)
	return 0
}

// Test reports whether the range could be locked; used by fcntl
// F_GETLK-style queries.
func (m *Flockmgr_t) Test(key lockkey_t, typ, pid, start, length int) bool {
	m.Lock()
	defer m.Unlock()
	return m.conflict(key, typ, pid, start, length) == nil
}

// Unlockall drops every lock on key, whichever pid holds it.
func (m *Flockmgr_t) Unlockall(key lockkey_t) {
	m.Lock()
	if _, ok := m.locks[key]; ok {
		delete(m.locks, key)
		m.cond.Broadcast()
	}
	m.Unlock()
}

// Exitlocks drops every lock owned by pid on any inode; process exit
// path.
func (m *Flockmgr_t) Exitlocks(pid int) {
	m.Lock()
	any := false
	for key := range m.locks {
		if m.remove(key, pid, 0, 0) {
			any = true
		}
	}
	if any {
		m.cond.Broadcast()
	}
	m.Unlock()
}
