package routing

import (
	"sync"

	"github.com/ilpfi/connectord/ilppacket"
)

// ChangeKind distinguishes a route update from a withdrawal within an
// EpochLog entry.
type ChangeKind int

const (
	ChangeAddedOrUpdated ChangeKind = iota
	ChangeWithdrawn
)

// EpochEntry is one (epoch, change) record in a RouteEpochLog.
type EpochEntry struct {
	Epoch uint32
	Kind  ChangeKind
	Route Route // valid Prefix always; other fields empty for a withdrawal
}

// EpochLog is a monotonically increasing, append-only record of changes
// to a routing table. The Manager keeps one for this connector's own
// advertised table; routes received from a peer are held in that peer's
// state, not in an EpochLog.
type EpochLog struct {
	mu      sync.RWMutex
	current uint32
	entries []EpochEntry
}

// NewEpochLog returns an empty epoch log starting at epoch 0.
func NewEpochLog() *EpochLog {
	return &EpochLog{}
}

// CurrentEpoch returns the log's current epoch number.
func (l *EpochLog) CurrentEpoch() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// AppendUpdate advances the epoch and records that prefix now routes via
// route.
func (l *EpochLog) AppendUpdate(prefix ilppacket.Address, route Route) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current++
	r := route.Clone()
	r.Prefix = prefix
	l.entries = append(l.entries, EpochEntry{Epoch: l.current, Kind: ChangeAddedOrUpdated, Route: r})
	return l.current
}

// AppendWithdrawal advances the epoch and records that prefix was
// withdrawn. Withdrawing then re-inserting the same prefix therefore
// always yields an epoch strictly greater than both prior events.
func (l *EpochLog) AppendWithdrawal(prefix ilppacket.Address) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current++
	l.entries = append(l.entries, EpochEntry{Epoch: l.current, Kind: ChangeWithdrawn, Route: Route{Prefix: prefix}})
	return l.current
}

// Since returns every entry with Epoch > fromEpoch (exclusive), in epoch
// order — the incremental diff a peer with lastKnownEpoch == fromEpoch
// still needs to be offered.
func (l *EpochLog) Since(fromEpoch uint32) []EpochEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []EpochEntry
	for _, e := range l.entries {
		if e.Epoch > fromEpoch {
			out = append(out, e)
		}
	}
	return out
}
