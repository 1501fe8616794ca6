package limits

import "sync/atomic"
import "unsafe"

type Sysatomic_t int64

// system-wide limits. each field is protected by the lock of the
// subsystem that owns it, or is itself atomic.
type Syslimit_t struct {
	// max processes and threads
	Sysprocs int
	// cached vnodes
	Vnodes int
	// pipes and socket buffers
	Pipes Sysatomic_t
	// unix sockets
	Socks Sysatomic_t
	// bdev cache blocks
	Blocks int
	// vmas per process
	Novmas int
}

var Syslimit *Syslimit_t = MkSysLimit()

func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 1e4,
		Vnodes:   20000,
		Pipes:    1e4,
		Socks:    1e4,
		Blocks:   100000,
		Novmas:   1 << 8,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

// returns false if the limit has been reached.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

func (s *Sysatomic_t) Give() {
	s.Given(1)
}
