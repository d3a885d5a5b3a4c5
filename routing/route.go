// Package routing implements the longest-prefix-match forwarding table and
// the peer-to-peer route distribution protocol (CCP) that feeds it, per
// the connector's routing subsystem design.
package routing

import "github.com/ilpfi/connectord/ilppacket"

// Route is a value-like routing table entry: a destination prefix, the
// account to forward matching packets to (or Local, if this connector
// terminates the prefix itself), the path of node identifiers already
// traversed (for loop prevention), an opaque freshness token, and a set
// of advisory flags.
type Route struct {
	Prefix ilppacket.Address

	// NextHop is the accountId to forward to. For a Local route it names
	// the hosted account that carries packets under the prefix.
	NextHop string

	// Local marks a route this connector terminates directly (an account
	// we host, not a remote path through a peer). Local routes always
	// win route selection for their prefix.
	Local bool

	// Path lists node identifiers this route has already traversed,
	// oldest first. A route whose Path contains this connector's own
	// node identifier is never selected (loop prevention).
	Path []string

	// AuthToken is opaque bytes used by the CCP peer to prove freshness
	// of the advertisement (see routing/authtoken.go).
	AuthToken []byte

	// Props is the set of advisory flags carried with the route.
	Props map[string]struct{}
}

// Clone returns a deep-enough copy of r suitable for safe storage and
// independent mutation (routes are value-like and copied freely per the
// data model).
func (r Route) Clone() Route {
	out := r
	if r.Path != nil {
		out.Path = append([]string(nil), r.Path...)
	}
	if r.AuthToken != nil {
		out.AuthToken = append([]byte(nil), r.AuthToken...)
	}
	if r.Props != nil {
		out.Props = make(map[string]struct{}, len(r.Props))
		for k := range r.Props {
			out.Props[k] = struct{}{}
		}
	}
	return out
}

// ContainsNode reports whether node already appears in the route's path,
// the loop-prevention test applied before a route may be selected.
func (r Route) ContainsNode(node string) bool {
	for _, p := range r.Path {
		if p == node {
			return true
		}
	}
	return false
}

// WithAppendedNode returns a copy of r with node appended to its path,
// the transformation applied when this connector re-advertises a route
// to a peer.
func (r Route) WithAppendedNode(node string) Route {
	out := r.Clone()
	out.Path = append(out.Path, node)
	return out
}
