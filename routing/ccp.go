package routing

import (
	"time"

	"github.com/ilpfi/connectord/ilppacket"
)

// Mode is the CCP RouteControl mode: IDLE (not interested in updates) or
// SYNC (resume from a known epoch).
type Mode int

const (
	ModeIdle Mode = iota
	ModeSync
)

// RoutingTableID identifies one incarnation of a peer's advertised table;
// it changes whenever that peer restarts its epoch log from scratch.
type RoutingTableID [16]byte

// RouteControl is sent by a listener to a speaker, identifying where the
// listener wants the speaker to resume sending updates from.
type RouteControl struct {
	Mode                    Mode
	LastKnownRoutingTableID RoutingTableID
	LastKnownEpoch          uint32
}

// RouteUpdate is sent by a speaker to a listener: an incremental diff of
// the speaker's advertised table between two epochs.
type RouteUpdate struct {
	RoutingTableID  RoutingTableID
	CurrentEpoch    uint32
	FromEpoch       uint32
	ToEpoch         uint32
	NewRoutes       []Route
	WithdrawnRoutes []ilppacket.Address
	HoldDownTime    time.Duration
	Speaker         string
}
