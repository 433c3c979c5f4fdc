package heuristics

import (
	"sort"
)

// Account component index (Union-Find)
//
// Strong edges are streamed page by page from the store; each edge merges
// its two endpoints. After the last page every root identifies exactly one
// connected component of the strong-edge subgraph, so member sets come out
// complete and disjoint without holding an adjacency list.
//
//   - Find: path compression, amortized ~O(1)
//   - Union: union by rank

// componentIndex is a weighted Union-Find over user ids.
type componentIndex struct {
	parent map[string]string
	rank   map[string]int
	size   map[string]int
}

func newComponentIndex() *componentIndex {
	return &componentIndex{
		parent: make(map[string]string),
		rank:   make(map[string]int),
		size:   make(map[string]int),
	}
}

// Find returns the root of the component containing id.
func (c *componentIndex) Find(id string) string {
	if _, ok := c.parent[id]; !ok {
		c.parent[id] = id
		c.size[id] = 1
	}
	root := id
	for c.parent[root] != root {
		root = c.parent[root]
	}
	for id != root {
		next := c.parent[id]
		c.parent[id] = root
		id = next
	}
	return root
}

// Union merges the components of a and b and reports whether they were
// separate.
func (c *componentIndex) Union(a, b string) bool {
	ra, rb := c.Find(a), c.Find(b)
	if ra == rb {
		return false
	}
	if c.rank[ra] < c.rank[rb] {
		ra, rb = rb, ra
	}
	c.parent[rb] = ra
	c.size[ra] += c.size[rb]
	if c.rank[ra] == c.rank[rb] {
		c.rank[ra]++
	}
	return true
}

// Components returns every component as a sorted member list, ordered by
// first member.
func (c *componentIndex) Components() [][]string {
	groups := make(map[string][]string)
	for id := range c.parent {
		root := c.Find(id)
		groups[root] = append(groups[root], id)
	}
	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Len is the number of tracked users.
func (c *componentIndex) Len() int {
	return len(c.parent)
}
