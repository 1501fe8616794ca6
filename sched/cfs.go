package sched

import "container/heap"

// cfstree_t orders cfs entities by vruntime. a binary heap gives the
// same leftmost-first discipline as the classic red-black tree with a
// lot less code.
type cfstree_t struct {
	ents cfsheap_t
}

type cfsheap_t []Runnable_i

func (h cfsheap_t) Len() int { return len(h) }

func (h cfsheap_t) Less(i, j int) bool {
	return h[i].Ent().Vruntime < h[j].Ent().Vruntime
}

func (h cfsheap_t) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Ent().hidx = i
	h[j].Ent().hidx = j
}

func (h *cfsheap_t) Push(x interface{}) {
	t := x.(Runnable_i)
	t.Ent().hidx = len(*h)
	*h = append(*h, t)
}

func (h *cfsheap_t) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (ct *cfstree_t) insert(t Runnable_i) {
	heap.Push(&ct.ents, t)
}

func (ct *cfstree_t) leftmost() Runnable_i {
	if len(ct.ents) == 0 {
		return nil
	}
	return ct.ents[0]
}

func (ct *cfstree_t) popleft() Runnable_i {
	if len(ct.ents) == 0 {
		return nil
	}
	return heap.Pop(&ct.ents).(Runnable_i)
}

func (ct *cfstree_t) remove(t Runnable_i) bool {
	i := t.Ent().hidx
	if i < 0 || i >= len(ct.ents) || ct.ents[i] != t {
		return false
	}
	heap.Remove(&ct.ents, i)
	return true
}
