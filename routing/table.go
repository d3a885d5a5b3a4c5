package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/ilpfi/connectord/ilppacket"
)

// trieNode is one dot-separated address component. The root node
// represents the empty prefix (the default route).
type trieNode struct {
	children map[string]*trieNode
	route    *Route // nil if no route terminates exactly here
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Table is a longest-prefix-match structure over dot-separated ILP
// address components. Insertion, deletion, and resolution are all
// O(number of components of the key). Concurrent readers are safe with an
// exclusive writer, per the connector's concurrency model.
type Table struct {
	mu   sync.RWMutex
	root *trieNode
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{root: newTrieNode()}
}

func componentsOf(prefix ilppacket.Address) []string {
	if prefix == "" {
		return nil
	}
	return strings.Split(string(prefix), ".")
}

// Insert replaces any existing route at exactly this prefix.
func (t *Table) Insert(prefix ilppacket.Address, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, c := range componentsOf(prefix) {
		child, ok := node.children[c]
		if !ok {
			child = newTrieNode()
			node.children[c] = child
		}
		node = child
	}
	r := route
	r.Prefix = prefix
	node.route = &r
}

// Delete removes the route at exactly this prefix, if any.
func (t *Table) Delete(prefix ilppacket.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for _, c := range componentsOf(prefix) {
		child, ok := node.children[c]
		if !ok {
			return
		}
		node = child
	}
	node.route = nil
}

// Resolve returns the route at the longest prefix that is either equal to
// address or a dot-aligned ancestor of it. Changing a route at a strictly
// shorter prefix never changes the result for an address matched by a
// longer, unaffected prefix.
func (t *Table) Resolve(address ilppacket.Address) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := t.root
	var best *Route
	if node.route != nil {
		best = node.route
	}

	for _, c := range componentsOf(address) {
		child, ok := node.children[c]
		if !ok {
			break
		}
		node = child
		if node.route != nil {
			best = node.route
		}
	}

	if best == nil {
		return Route{}, false
	}
	return best.Clone(), true
}

// AllPrefixes returns every prefix with a registered route, in sorted
// order.
func (t *Table) AllPrefixes() []ilppacket.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ilppacket.Address
	var walk func(n *trieNode)
	walk = func(n *trieNode) {
		if n.route != nil {
			out = append(out, n.route.Prefix)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
