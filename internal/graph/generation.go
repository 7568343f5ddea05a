package graph

import (
	"sort"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/go-git/go-git/v5/plumbing"
)

// GenerationCache memoizes generation numbers across arenas of the same repository.
// *lru.Cache[plumbing.Hash, uint32] satisfies it.
type GenerationCache interface {
	Get(key plumbing.Hash) (uint32, bool)
	Add(key plumbing.Hash, value uint32) bool
}

// ArenaOption configures a CommitArena.
type ArenaOption func(*CommitArena)

// WithGenerationCache shares computed generation numbers through cache.
func WithGenerationCache(cache GenerationCache) ArenaOption {
	return func(a *CommitArena) { a.genCache = cache }
}

// Generation returns the generation number of a commit: 1 for a root, otherwise one more than the
// highest parent generation. A commit's ancestors all have lower generations, so walks ordered by
// descending generation see every descendant of a node before the node itself.
func (a *CommitArena) Generation(id NodeID) (uint32, error) {
	if g := a.gens[id]; g != 0 {
		return g, nil
	}
	stack := []NodeID{id}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if a.cachedGeneration(top) != 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		parents, err := a.Parents(top)
		if err != nil {
			return 0, err
		}
		var highest uint32
		ready := true
		for _, p := range parents {
			g := a.cachedGeneration(p)
			if g == 0 {
				ready = false
				stack = append(stack, p)
				continue
			}
			if g > highest {
				highest = g
			}
		}
		if !ready {
			continue
		}
		a.gens[top] = highest + 1
		if a.genCache != nil {
			a.genCache.Add(a.hashes[top], highest+1)
		}
		stack = stack[:len(stack)-1]
	}
	return a.gens[id], nil
}

func (a *CommitArena) cachedGeneration(id NodeID) uint32 {
	if g := a.gens[id]; g != 0 {
		return g
	}
	if a.genCache == nil {
		return 0
	}
	if g, ok := a.genCache.Get(a.hashes[id]); ok {
		a.gens[id] = g
		return g
	}
	return 0
}

const (
	paintLeft uint8 = 1 << iota
	paintRight
	paintStale
)

type queued struct {
	id  NodeID
	gen uint32
}

// painter walks from two sides in descending generation order. Each node carries the sides it is
// reachable from; flags of a node are final once it is dequeued.
type painter struct {
	a      *CommitArena
	flags  map[NodeID]uint8
	inQ    map[NodeID]bool
	queue  *priorityqueue.Queue
	active int
	// isActive reports whether a node with these flags keeps the walk going.
	isActive func(uint8) bool
}

func newPainter(a *CommitArena, isActive func(uint8) bool) *painter {
	return &painter{
		a:     a,
		flags: make(map[NodeID]uint8),
		inQ:   make(map[NodeID]bool),
		queue: priorityqueue.NewWith(func(x, y interface{}) int {
			qx, qy := x.(queued), y.(queued)
			switch {
			case qx.gen > qy.gen:
				return -1
			case qx.gen < qy.gen:
				return 1
			case qx.id < qy.id:
				return -1
			case qx.id > qy.id:
				return 1
			}
			return 0
		}),
		isActive: isActive,
	}
}

func (p *painter) mark(id NodeID, f uint8) error {
	old := p.flags[id]
	next := old | f
	if next == old {
		return nil
	}
	p.flags[id] = next
	if p.inQ[id] {
		if p.isActive(old) && !p.isActive(next) {
			p.active--
		}
		return nil
	}
	gen, err := p.a.Generation(id)
	if err != nil {
		return err
	}
	p.inQ[id] = true
	p.queue.Enqueue(queued{id: id, gen: gen})
	if p.isActive(next) {
		p.active++
	}
	return nil
}

// next dequeues the newest node while some queued node is still active.
func (p *painter) next() (NodeID, uint8, bool) {
	if p.active == 0 {
		return 0, 0, false
	}
	v, ok := p.queue.Dequeue()
	if !ok {
		return 0, 0, false
	}
	id := v.(queued).id
	delete(p.inQ, id)
	f := p.flags[id]
	if p.isActive(f) {
		p.active--
	}
	return id, f, true
}

// paintExcluded returns the nodes reachable from starts but not from excluded. The walk stops as
// soon as every queued node is reachable from excluded, so only history between the two sides is
// visited.
func (a *CommitArena) paintExcluded(starts, excluded []plumbing.Hash) (*Set, error) {
	p := newPainter(a, func(f uint8) bool { return f == paintLeft })
	for _, h := range excluded {
		if !h.IsZero() {
			if err := p.mark(a.ID(h), paintRight); err != nil {
				return nil, err
			}
		}
	}
	for _, h := range starts {
		if !h.IsZero() {
			if err := p.mark(a.ID(h), paintLeft); err != nil {
				return nil, err
			}
		}
	}
	for {
		id, f, ok := p.next()
		if !ok {
			break
		}
		parents, err := a.Parents(id)
		if err != nil {
			return nil, err
		}
		for _, parent := range parents {
			if err := p.mark(parent, f); err != nil {
				return nil, err
			}
		}
	}
	fresh := NewSet()
	for id, f := range p.flags {
		if f == paintLeft {
			fresh.Add(id)
		}
	}
	return fresh, nil
}

// paintCommon returns the best common ancestors of x and y, in node id order.
func (a *CommitArena) paintCommon(x, y plumbing.Hash) ([]NodeID, error) {
	p := newPainter(a, func(f uint8) bool { return f&paintStale == 0 })
	if err := p.mark(a.ID(x), paintLeft); err != nil {
		return nil, err
	}
	if err := p.mark(a.ID(y), paintRight); err != nil {
		return nil, err
	}
	var bases []NodeID
	for {
		id, f, ok := p.next()
		if !ok {
			break
		}
		if f&(paintLeft|paintRight) == paintLeft|paintRight && f&paintStale == 0 {
			bases = append(bases, id)
			f |= paintStale
		}
		parents, err := a.Parents(id)
		if err != nil {
			return nil, err
		}
		for _, parent := range parents {
			if err := p.mark(parent, f); err != nil {
				return nil, err
			}
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}
