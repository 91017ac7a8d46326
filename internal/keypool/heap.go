package keypool

import (
	"container/heap"

	"github.com/relaydesk/relaydesk/pkg/models"
)

// item is one heap slot. index is maintained by the heap methods so that
// update and remove can call heap.Fix / heap.Remove in O(log n).
type item struct {
	cred  models.Credential
	index int
}

// credHeap implements heap.Interface over active credentials.
type credHeap []*item

func (h credHeap) Len() int { return len(h) }

func (h credHeap) Less(i, j int) bool { return less(h[i].cred, h[j].cred) }

func (h credHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *credHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *credHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// less orders never-used credentials first, then by LastUsedAt ascending,
// then CreatedAt, then ID.
func less(a, b models.Credential) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// pool is one owner's index. Only active credentials are held.
type pool struct {
	h    credHeap
	byID map[string]*item
}

func newPool() *pool {
	return &pool{byID: make(map[string]*item)}
}

func (p *pool) Len() int { return p.h.Len() }

// update inserts, repositions or evicts a credential according to its status.
func (p *pool) update(c models.Credential) {
	it, ok := p.byID[c.ID]
	if c.Status != models.CredentialActive {
		if ok {
			p.remove(c.ID)
		}
		return
	}
	if ok {
		it.cred = c
		heap.Fix(&p.h, it.index)
		return
	}
	it = &item{cred: c}
	heap.Push(&p.h, it)
	p.byID[c.ID] = it
}

func (p *pool) remove(id string) {
	it, ok := p.byID[id]
	if !ok {
		return
	}
	heap.Remove(&p.h, it.index)
	delete(p.byID, id)
}

// ordered drains a copy of the heap, leaving the index untouched.
func (p *pool) ordered() []models.Credential {
	cp := make(credHeap, len(p.h))
	for i, it := range p.h {
		cp[i] = &item{cred: it.cred, index: i}
	}
	out := make([]models.Credential, 0, len(cp))
	for cp.Len() > 0 {
		c := heap.Pop(&cp).(*item).cred
		if c.LastUsedAt != nil {
			t := *c.LastUsedAt
			c.LastUsedAt = &t
		}
		out = append(out, c)
	}
	return out
}
