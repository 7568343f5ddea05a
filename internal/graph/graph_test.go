package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func h(n int) plumbing.Hash {
	return plumbing.NewHash(fmt.Sprintf("%040x", n))
}

// fakeHistory:
//
//	1 <- 2 <- 3 <- 5
//	 \            /
//	  <--- 4 <---
func fakeHistory() ParentFunc {
	parents := map[plumbing.Hash][]plumbing.Hash{
		h(1): nil,
		h(2): {h(1)},
		h(3): {h(2)},
		h(4): {h(1)},
		h(5): {h(3), h(4)},
	}
	return func(c plumbing.Hash) ([]plumbing.Hash, error) {
		p, ok := parents[c]
		if !ok {
			return nil, errors.New("missing commit")
		}
		return p, nil
	}
}

func TestArenaReachability(t *testing.T) {
	a := NewCommitArena(fakeHistory())

	reach, err := a.ReachableAbove(1, h(3))
	require.NoError(t, err)
	assert.Equal(t, 3, reach.Len())
	assert.True(t, reach.Has(a.ID(h(1))))
	assert.False(t, reach.Has(a.ID(h(4))))

	ok, err := a.IsAncestor(h(4), h(5))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsAncestor(h(4), h(3))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.IsAncestor(plumbing.ZeroHash, h(3))
	require.NoError(t, err)
	assert.False(t, ok)

	introduced, err := a.Introduced([]plumbing.Hash{h(5)}, []plumbing.Hash{h(3)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []plumbing.Hash{h(5), h(4)}, introduced)

	bases, err := a.MergeBases(h(3), h(4))
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{h(1)}, bases)

	bases, err = a.MergeBases(h(5), h(3))
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{h(3)}, bases)
}

func TestCrissCrossMergeBases(t *testing.T) {
	parents := map[plumbing.Hash][]plumbing.Hash{
		h(1): nil,
		h(2): {h(1)},
		h(3): {h(1)},
		h(4): {h(2), h(3)},
		h(5): {h(3), h(2)},
	}
	a := NewCommitArena(func(c plumbing.Hash) ([]plumbing.Hash, error) { return parents[c], nil })
	bases, err := a.MergeBases(h(4), h(5))
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{h(2), h(3)}, bases)
}

// longHistory is a line of n commits with a two-commit topic on top of h(n) and a branch h(n+3)
// forked from h(n-5).
func longHistory(n int, loads *int) ParentFunc {
	parents := map[plumbing.Hash][]plumbing.Hash{h(1): nil}
	for i := 2; i <= n; i++ {
		parents[h(i)] = []plumbing.Hash{h(i - 1)}
	}
	parents[h(n+1)] = []plumbing.Hash{h(n)}
	parents[h(n+2)] = []plumbing.Hash{h(n + 1)}
	parents[h(n+3)] = []plumbing.Hash{h(n - 5)}
	return func(c plumbing.Hash) ([]plumbing.Hash, error) {
		*loads++
		p, ok := parents[c]
		if !ok {
			return nil, errors.New("missing commit")
		}
		return p, nil
	}
}

func TestWalksStopAtSharedHistory(t *testing.T) {
	const n = 5000
	loads := 0
	load := longHistory(n, &loads)
	cache, err := lru.New[plumbing.Hash, uint32](4 * n)
	require.NoError(t, err)

	warm := NewCommitArena(load, WithGenerationCache(cache))
	gen, err := warm.Generation(warm.ID(h(n + 2)))
	require.NoError(t, err)
	assert.Equal(t, uint32(n+2), gen)
	_, err = warm.Generation(warm.ID(h(n + 3)))
	require.NoError(t, err)

	loads = 0
	a := NewCommitArena(load, WithGenerationCache(cache))
	introduced, err := a.Introduced([]plumbing.Hash{h(n + 2)}, []plumbing.Hash{h(n)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []plumbing.Hash{h(n + 2), h(n + 1)}, introduced)
	assert.Less(t, loads, 10)

	loads = 0
	a = NewCommitArena(load, WithGenerationCache(cache))
	ok, err := a.IsAncestor(h(n+3), h(n+2))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = a.IsAncestor(h(n-3), h(n+2))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, loads, 20)

	loads = 0
	a = NewCommitArena(load, WithGenerationCache(cache))
	bases, err := a.MergeBases(h(n+2), h(n+3))
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{h(n - 5)}, bases)
	assert.Less(t, loads, 20)

	loads = 0
	a = NewCommitArena(load, WithGenerationCache(cache))
	on, err := a.Contains(h(n), []plumbing.Hash{h(n + 1), h(n - 1)})
	require.NoError(t, err)
	assert.True(t, on.Has(a.ID(h(n-1))))
	assert.False(t, on.Has(a.ID(h(n+1))))
	assert.Less(t, loads, 10)

	above, err := a.ReachableAbove(uint32(n), h(n+2))
	require.NoError(t, err)
	assert.Equal(t, 3, above.Len())
}

func TestArenaLoadError(t *testing.T) {
	a := NewCommitArena(fakeHistory())
	_, err := a.ReachableAbove(1, h(99))
	require.Error(t, err)
}

func TestSet(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Add(3))
	assert.False(t, s.Add(3))
	assert.True(t, s.Add(200))
	assert.Equal(t, 2, s.Len())

	o := NewSet()
	o.Add(200)
	o.Add(7)
	both := s.Intersect(o)
	assert.Equal(t, 1, both.Len())
	assert.True(t, both.Has(200))

	var ids []NodeID
	s.ForEach(func(id NodeID) { ids = append(ids, id) })
	assert.Equal(t, []NodeID{3, 200}, ids)

	var nilSet *Set
	assert.False(t, nilSet.Has(1))
}

func TestDigraphCycles(t *testing.T) {
	g := NewDigraph()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("a", "b")
	assert.Equal(t, []string{"b"}, g.Successors("a"))
	assert.Nil(t, g.FindCycle())

	order, cycle := g.TopoSort()
	assert.Nil(t, cycle)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	g.AddEdge("c", "a")
	assert.Equal(t, []string{"a", "b", "c", "a"}, g.CycleFrom("a"))
	assert.Equal(t, []string{"b", "c", "a", "b"}, g.CycleFrom("b"))

	order, cycle = g.TopoSort()
	assert.Nil(t, order)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle)
	assert.Nil(t, g.CycleFrom("missing"))
}

func TestDigraphTopoSortTieBreak(t *testing.T) {
	g := NewDigraph()
	g.Node("zeta")
	g.AddEdge("beta", "alpha")
	g.AddEdge("gamma", "alpha")

	order, cycle := g.TopoSort()
	assert.Nil(t, cycle)
	assert.Equal(t, []string{"beta", "gamma", "alpha", "zeta"}, order)
}
