package vm

import "rvkern/defs"
import "rvkern/mem"
import "rvkern/util"

// minimal elf64 reader for exec. the whole image is in a kernel buffer;
// segments become anonymous vmas whose file bytes are copied in eagerly.

type Elf_t struct {
	data []uint8
}

type elf_phdr struct {
	etype   int
	flags   int
	vaddr   int
	filesz  int
	fileoff int
	memsz   int
}

const (
	ELF_QUARTER = 2
	ELF_HALF    = 4
	ELF_OFF     = 8
	ELF_ADDR    = 8
	ELF_XWORD   = 8

	PT_LOAD = 1

	PF_X = 1
	PF_W = 2
)

func Mkelf(data []uint8) *Elf_t {
	return &Elf_t{data}
}

func (e *Elf_t) Sanity() bool {
	e_ident := 0
	elfmag := 0x464c457f
	if len(e.data) < 0x40 {
		return false
	}
	if util.Readn(e.data, ELF_HALF, e_ident) != elfmag {
		return false
	}
	// elfclass64, little endian; the machine field is not checked
	if e.data[4] != 2 || e.data[5] != 1 {
		return false
	}
	dlen := len(e.data)
	poff := util.Readn(e.data, ELF_OFF, 0x20)
	phsz := util.Readn(e.data, ELF_QUARTER, 0x36)
	phnum := util.Readn(e.data, ELF_QUARTER, 0x38)
	if dlen < poff+phsz*phnum {
		return false
	}
	return true
}

func (e *Elf_t) npheaders() int {
	return util.Readn(e.data, ELF_QUARTER, 0x38)
}

func (e *Elf_t) header(c int) elf_phdr {
	if c >= e.npheaders() {
		panic("header idx too large")
	}
	d := e.data
	hoff := util.Readn(d, ELF_OFF, 0x20)
	hsz := util.Readn(d, ELF_QUARTER, 0x36)
	f := func(w int, sz int) int {
		return util.Readn(d, sz, hoff+c*hsz+w)
	}
	var ret elf_phdr
	ret.etype = f(0x0, ELF_HALF)
	ret.flags = f(0x4, ELF_HALF)
	ret.fileoff = f(0x8, ELF_OFF)
	ret.vaddr = f(0x10, ELF_ADDR)
	ret.filesz = f(0x20, ELF_XWORD)
	ret.memsz = f(0x28, ELF_XWORD)
	return ret
}

func (e *Elf_t) Entry() uintptr {
	return uintptr(util.Readn(e.data, ELF_ADDR, 0x18))
}

func (e *Elf_t) segload(as *Vm_t, hdr *elf_phdr) defs.Err_t {
	perms := PTE_U | PTE_R
	if hdr.flags&PF_W != 0 {
		perms |= PTE_W
	}
	if hdr.flags&PF_X != 0 {
		perms |= PTE_X
	}
	start := util.Rounddown(hdr.vaddr, mem.PGSIZE)
	end := mem.Roundpg(hdr.vaddr + hdr.memsz)
	as.Vmadd_anon(start, end-start, perms)
	if hdr.filesz == 0 {
		return 0
	}
	src := e.data[hdr.fileoff : hdr.fileoff+hdr.filesz]
	// write through the kernel window so read-only text segments can be
	// populated
	return as.Kwrite_inner(src, hdr.vaddr)
}

// Elf_load maps every PT_LOAD segment of e into as. as must be locked.
func (e *Elf_t) Elf_load(as *Vm_t) defs.Err_t {
	for _, hdr := range e.headers() {
		if hdr.etype != PT_LOAD {
			continue
		}
		if hdr.vaddr < USERMIN || hdr.memsz < hdr.filesz {
			return -defs.EINVAL
		}
		if err := e.segload(as, &hdr); err != 0 {
			return err
		}
	}
	return 0
}

func (e *Elf_t) headers() []elf_phdr {
	pnum := e.npheaders()
	ret := make([]elf_phdr, pnum)
	for i := 0; i < pnum; i++ {
		ret[i] = e.header(i)
	}
	return ret
}
