package hashtable

import "sync"
import "sync/atomic"
import "unsafe"

// a bucketed hash table keyed by int32, sized once at creation. lookups
// are lock-free; inserts and deletes lock only their bucket. used for
// the global pid table.

type elem_t struct {
	key     int32
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

type Hashtable_t struct {
	table []*bucket_t
}

func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{}
	ht.table = make([]*bucket_t, size)
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

func khash(key int32) uint32 {
	return uint32(2654435761) * uint32(key)
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

func (ht *Hashtable_t) Get(key int32) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := b.first; e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

func (ht *Hashtable_t) Set(key int32, value interface{}) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			e.value = value
			return
		}
		last = e
	}
	n := &elem_t{key: key, value: value, keyHash: kh}
	if last == nil {
		storeptr(&b.first, n)
	} else {
		storeptr(&last.next, n)
	}
}

func (ht *Hashtable_t) Del(key int32) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
	panic("del of non-existing key")
}

// Iter may execute concurrently with other lookups, inserts, and
// deletes; it observes some consistent snapshot of each bucket.
func (ht *Hashtable_t) Iter(f func(int32, interface{}) bool) {
	for _, b := range ht.table {
		for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
			if !f(e.key, e.value) {
				return
			}
		}
	}
}

func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t)(atomic.LoadPointer(ptr))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}
