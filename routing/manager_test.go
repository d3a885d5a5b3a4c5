package routing

import (
	"context"
	"testing"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/juju/clock"
	"github.com/stretchr/testify/require"
)

// wireSend returns a SendFunc that delivers frames directly to the given
// peer managers' HandleIncomingFrame, as if carried over a loopback link.
func wireSend(self string, peers map[string]*Manager) SendFunc {
	return func(ctx context.Context, peerID string, frame *ilppacket.Frame) error {
		peer, ok := peers[peerID]
		if !ok {
			return nil
		}
		return peer.HandleIncomingFrame(ctx, self, frame)
	}
}

func TestManagerCCPHandshakeDistributesLocalRoute(t *testing.T) {
	regA := accounts.NewRegistry()
	require.NoError(t, regA.Add(&accounts.Account{AccountID: "b"}, accounts.NewFakeLink("b", accounts.CapData)))
	regB := accounts.NewRegistry()
	require.NoError(t, regB.Add(&accounts.Account{AccountID: "a"}, accounts.NewFakeLink("a", accounts.CapData)))

	tableA := NewTable()
	tableB := NewTable()

	managers := map[string]*Manager{}
	mgrA := NewManager(regA, tableA, nil, ManagerConfig{OwnNodeID: "a", Clock: clock.WallClock})
	mgrB := NewManager(regB, tableB, nil, ManagerConfig{OwnNodeID: "b", Clock: clock.WallClock})
	managers["a"] = mgrA
	managers["b"] = mgrB
	mgrA.send = wireSend("a", managers)
	mgrB.send = wireSend("b", managers)

	mgrA.AdvertiseLocal("g.alice", "alice-account")

	ctx := context.Background()
	require.NoError(t, mgrB.HandlePeerConnect(ctx, "a"))

	r, ok := tableB.Resolve("g.alice.sub-account")
	require.True(t, ok)
	require.Equal(t, "a", r.NextHop)
	require.Contains(t, r.Path, "b")
}

func TestManagerSelectionPrefersShorterPath(t *testing.T) {
	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer1", PeerWeight: 0}, accounts.NewFakeLink("peer1", accounts.CapData)))
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer2", PeerWeight: 0}, accounts.NewFakeLink("peer2", accounts.CapData)))

	table := NewTable()
	m := NewManager(reg, table, nil, ManagerConfig{OwnNodeID: "me", Clock: clock.WallClock})

	ctx := context.Background()
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		ToEpoch:   1,
		NewRoutes: []Route{{Prefix: "g.dest", NextHop: "ignored", Path: []string{"peer1", "far", "farther"}}},
	}))
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer2", RouteUpdate{
		ToEpoch:   1,
		NewRoutes: []Route{{Prefix: "g.dest", NextHop: "ignored", Path: []string{"peer2"}}},
	}))

	r, ok := table.Resolve("g.dest")
	require.True(t, ok)
	require.Equal(t, "peer2", r.NextHop)
}

func TestManagerSelectionTieBreaksOnPeerWeight(t *testing.T) {
	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer1", PeerWeight: 1}, accounts.NewFakeLink("peer1", accounts.CapData)))
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer2", PeerWeight: 5}, accounts.NewFakeLink("peer2", accounts.CapData)))

	table := NewTable()
	m := NewManager(reg, table, nil, ManagerConfig{OwnNodeID: "me", Clock: clock.WallClock})

	ctx := context.Background()
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		ToEpoch:   1,
		NewRoutes: []Route{{Prefix: "g.dest", NextHop: "ignored", Path: []string{"peer1"}}},
	}))
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer2", RouteUpdate{
		ToEpoch:   1,
		NewRoutes: []Route{{Prefix: "g.dest", NextHop: "ignored", Path: []string{"peer2"}}},
	}))

	r, ok := table.Resolve("g.dest")
	require.True(t, ok)
	require.Equal(t, "peer2", r.NextHop)
}

func TestManagerLoopPreventionRejectsRouteContainingOwnNode(t *testing.T) {
	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer1"}, accounts.NewFakeLink("peer1", accounts.CapData)))

	table := NewTable()
	m := NewManager(reg, table, nil, ManagerConfig{OwnNodeID: "me", Clock: clock.WallClock})

	ctx := context.Background()
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		ToEpoch:   1,
		NewRoutes: []Route{{Prefix: "g.dest", NextHop: "ignored", Path: []string{"peer1", "me"}}},
	}))

	_, ok := table.Resolve("g.dest")
	require.False(t, ok)
}

func TestManagerEpochGapTriggersResync(t *testing.T) {
	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer1"}, accounts.NewFakeLink("peer1", accounts.CapData)))

	table := NewTable()

	var lastControl RouteControl
	var gotControl bool
	m := NewManager(reg, table, nil, ManagerConfig{OwnNodeID: "me", Clock: clock.WallClock})
	m.send = func(ctx context.Context, peerID string, frame *ilppacket.Frame) error {
		ctrl, err := decodeRouteControl(frame)
		require.NoError(t, err)
		lastControl = ctrl
		gotControl = true
		return nil
	}

	ctx := context.Background()
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		ToEpoch:   2,
		NewRoutes: []Route{{Prefix: "g.dest", Path: []string{"peer1"}}},
	}))

	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		FromEpoch: 5,
		ToEpoch:   6,
		NewRoutes: []Route{{Prefix: "g.dest2", Path: []string{"peer1"}}},
	}))

	require.True(t, gotControl)
	require.Equal(t, ModeSync, lastControl.Mode)
	require.EqualValues(t, 0, lastControl.LastKnownEpoch)

	m.mu.Lock()
	p := m.peers["peer1"]
	_, stillHasDest2 := p.routes["g.dest2"]
	m.mu.Unlock()
	require.False(t, stillHasDest2, "resync must discard routes learned before the gap")
}

func TestManagerHoldDownSuppressesWithdrawnRouteReselection(t *testing.T) {
	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "peer1"}, accounts.NewFakeLink("peer1", accounts.CapData)))

	table := NewTable()
	m := NewManager(reg, table, nil, ManagerConfig{OwnNodeID: "me", HoldDownTime: time.Hour, Clock: clock.WallClock})

	ctx := context.Background()
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		ToEpoch:   1,
		NewRoutes: []Route{{Prefix: "g.dest", Path: []string{"peer1"}}},
	}))
	require.NoError(t, m.HandleCCPUpdate(ctx, "peer1", RouteUpdate{
		ToEpoch:         2,
		WithdrawnRoutes: []ilppacket.Address{"g.dest"},
	}))

	_, ok := table.Resolve("g.dest")
	require.False(t, ok)
}
