package main

import "fmt"
import "sync"

import "rvkern/defs"
import "rvkern/fdops"
import "rvkern/proc"
import "rvkern/trap"

// the console device: writes go to the sbi/uart putchar hook, reads come
// from the input ring fed by the uart interrupt handler.

// installed by the board layer; the default prints to the host's stdout.
var Cons_putc = func(c uint8) { fmt.Printf("%c", c) }

type console_t struct {
	sync.Mutex
	cond    *sync.Cond
	inbuf   []uint8
	pollers fdops.Pollers_t
}

var console = &console_t{}

func cons_init(uartirq int) {
	console.cond = sync.NewCond(console)
	trap.Plic_register(uartirq, cons_intr)
}

// Cons_gotc is called by the uart driver with each received byte.
func Cons_gotc(c uint8) {
	console.Lock()
	// ^h
	if c == 0x7f || c == 8 {
		if len(console.inbuf) > 0 {
			console.inbuf = console.inbuf[:len(console.inbuf)-1]
		}
	} else {
		console.inbuf = append(console.inbuf, c)
	}
	console.cond.Broadcast()
	console.pollers.Wakeready(fdops.R_READ)
	console.Unlock()
}

// installed as the plic handler for the uart irq; the board layer
// supplies the actual register read.
var Uart_getc = func() (uint8, bool) { return 0, false }

func cons_intr() {
	for {
		c, ok := Uart_getc()
		if !ok {
			break
		}
		Cons_gotc(c)
	}
}

func (c *console_t) Cons_read(ub fdops.Userio_i, offset int) (int, defs.Err_t) {
	c.Lock()
	for len(c.inbuf) == 0 {
		if err := proc.KillableWait(c.cond); err != 0 {
			c.Unlock()
			return 0, err
		}
	}
	did, err := ub.Uiowrite(c.inbuf)
	c.inbuf = c.inbuf[did:]
	c.Unlock()
	return did, err
}

func (c *console_t) Cons_write(src fdops.Userio_i, off int) (int, defs.Err_t) {
	buf := make([]uint8, 64)
	did := 0
	for src.Remain() != 0 {
		n, err := src.Uioread(buf)
		if err != 0 {
			return did, err
		}
		for _, b := range buf[:n] {
			Cons_putc(b)
		}
		did += n
	}
	return did, 0
}

func (c *console_t) Cons_poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	c.Lock()
	defer c.Unlock()
	var r fdops.Ready_t
	if len(c.inbuf) > 0 && pm.Events&fdops.R_READ != 0 {
		r |= fdops.R_READ
	}
	if pm.Events&fdops.R_WRITE != 0 {
		r |= fdops.R_WRITE
	}
	if r != 0 || !pm.Dowait {
		return r, 0
	}
	return 0, c.pollers.Addpoller(&pm)
}

// the devfs node for /dev/console
type consdev_t struct{}

func (cd *consdev_t) Dread(dst []uint8, off int) (int, defs.Err_t) {
	console.Lock()
	for len(console.inbuf) == 0 {
		if err := proc.KillableWait(console.cond); err != 0 {
			console.Unlock()
			return 0, err
		}
	}
	did := copy(dst, console.inbuf)
	console.inbuf = console.inbuf[did:]
	console.Unlock()
	return did, 0
}

func (cd *consdev_t) Dwrite(src []uint8, off int) (int, defs.Err_t) {
	for _, b := range src {
		Cons_putc(b)
	}
	return len(src), 0
}

func (cd *consdev_t) Dioctl(cmd, arg int) (int, defs.Err_t) {
	return 0, -defs.EINVAL
}

func (cd *consdev_t) Dpoll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return console.Cons_poll(pm)
}
