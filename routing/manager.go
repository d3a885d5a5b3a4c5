package routing

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// peerState tracks what this connector has sent to, and received from, a
// single CCP peer.
type peerState struct {
	lastSentEpoch     uint32
	lastReceivedEpoch uint32
	tableID           RoutingTableID
	routes            map[ilppacket.Address]Route // this peer's advertised routes, by prefix
	holdDown          map[ilppacket.Address]time.Time
}

func newPeerState() *peerState {
	return &peerState{
		routes:   make(map[ilppacket.Address]Route),
		holdDown: make(map[ilppacket.Address]time.Time),
	}
}

// SendFunc delivers a CCP sub-protocol frame to a peer's link. It is
// supplied by the owning Connector, which knows how to reach accounts.Link.
type SendFunc func(ctx context.Context, peerID string, frame *ilppacket.Frame) error

// ManagerConfig parameterizes a RouteManager's timing and identity.
type ManagerConfig struct {
	// OwnNodeID is this connector's identifier, appended to the Path of
	// every route it re-advertises and checked for loops.
	OwnNodeID string

	HoldDownTime        time.Duration
	RouteBroadcastEvery time.Duration
	RouteExpiryAfter    time.Duration

	// Clock, if nil, defaults to clock.WallClock. Tests may substitute a
	// testclock.Clock to control hold-down and broadcast timing.
	Clock clock.Clock

	SendRetryAttempts int
	SendRetryDelay    time.Duration
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	out := *c
	if out.Clock == nil {
		out.Clock = clock.WallClock
	}
	if out.HoldDownTime == 0 {
		out.HoldDownTime = 30 * time.Second
	}
	if out.RouteBroadcastEvery == 0 {
		out.RouteBroadcastEvery = 30 * time.Second
	}
	if out.RouteExpiryAfter == 0 {
		out.RouteExpiryAfter = 45 * time.Second
	}
	if out.SendRetryAttempts == 0 {
		out.SendRetryAttempts = 3
	}
	if out.SendRetryDelay == 0 {
		out.SendRetryDelay = 100 * time.Millisecond
	}
	return out
}

// Manager implements the connector-to-connector protocol: it maintains a
// local epoch log of routes this connector advertises (its own accounts
// plus anything selected from peers), tracks per-peer state, and resolves
// route selection conflicts for prefixes advertised by more than one peer.
type Manager struct {
	cfg ManagerConfig

	accounts *accounts.Registry
	table    *Table // the forwarding table fed by selection
	send     SendFunc

	localLog   *EpochLog
	localTable RoutingTableID

	mu    sync.Mutex
	peers map[string]*peerState
}

// NewManager constructs a RouteManager bound to the given account registry
// and forwarding table. send is used to deliver CCP control/update frames.
func NewManager(reg *accounts.Registry, table *Table, send SendFunc, cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		accounts: reg,
		table:    table,
		send:     send,
		localLog: NewEpochLog(),
		peers:    make(map[string]*peerState),
	}
	var b [16]byte
	_, _ = rand.Read(b[:])
	m.localTable = RoutingTableID(b)
	return m
}

func (m *Manager) peer(peerID string) *peerState {
	p, ok := m.peers[peerID]
	if !ok {
		p = newPeerState()
		m.peers[peerID] = p
		m.peers[peerID].tableID = RoutingTableID{} // unknown until first update
	}
	return p
}

// AdvertiseLocal installs a route this connector terminates directly (an
// account it hosts) into the local epoch log and forwarding table, making
// it eligible for distribution to peers. nextHop is the accountId the
// Switch should forward matching packets to; it plays no role in CCP
// distribution (it is carried on the wire, but a peer that selects the
// route replaces it with the account it learned the route from) but is
// required for this connector's own forwarding table entry to resolve to
// anything.
func (m *Manager) AdvertiseLocal(prefix ilppacket.Address, nextHop string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Route{Prefix: prefix, NextHop: nextHop, Local: true, Path: []string{m.cfg.OwnNodeID}}
	m.localLog.AppendUpdate(prefix, r)
	m.table.Insert(prefix, r)
}

// WithdrawLocal removes a previously advertised local route.
func (m *Manager) WithdrawLocal(prefix ilppacket.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.localLog.AppendWithdrawal(prefix)
	m.table.Delete(prefix)
}

// HandlePeerConnect is invoked when a CCP peer link becomes connected. It
// sends a RouteControl SYNC message resuming from whatever this connector
// last learned from that peer (epoch 0, table id zero, on first contact).
func (m *Manager) HandlePeerConnect(ctx context.Context, peerID string) error {
	m.mu.Lock()
	p := m.peer(peerID)
	ctrl := RouteControl{
		Mode:                    ModeSync,
		LastKnownRoutingTableID: p.tableID,
		LastKnownEpoch:          p.lastReceivedEpoch,
	}
	m.mu.Unlock()

	return m.sendControl(ctx, peerID, ctrl)
}

func (m *Manager) sendControl(ctx context.Context, peerID string, ctrl RouteControl) error {
	frame := encodeRouteControl(ctrl)
	return m.send(ctx, peerID, frame)
}

func (m *Manager) sendUpdate(ctx context.Context, peerID string, update RouteUpdate) error {
	frame := encodeRouteUpdate(update)
	return retry.Call(retry.CallArgs{
		Func: func() error {
			return m.send(ctx, peerID, frame)
		},
		Attempts: m.cfg.SendRetryAttempts,
		Delay:    m.cfg.SendRetryDelay,
		Clock:    m.cfg.Clock,
	})
}

// HandleCCPControl is invoked when this connector, acting as CCP speaker,
// receives a RouteControl request from peerID. It replies with a
// RouteUpdate covering everything since the peer's last known epoch,
// resetting to a full resync if the peer's routing table id is stale.
func (m *Manager) HandleCCPControl(ctx context.Context, peerID string, ctrl RouteControl) error {
	fromEpoch := ctrl.LastKnownEpoch
	if ctrl.LastKnownRoutingTableID != m.localTable {
		fromEpoch = 0
	}

	entries := m.localLog.Since(fromEpoch)
	update := RouteUpdate{
		RoutingTableID: m.localTable,
		CurrentEpoch:   m.localLog.CurrentEpoch(),
		FromEpoch:      fromEpoch,
		ToEpoch:        m.localLog.CurrentEpoch(),
		HoldDownTime:   m.cfg.HoldDownTime,
		Speaker:        m.cfg.OwnNodeID,
	}
	for _, e := range entries {
		switch e.Kind {
		case ChangeAddedOrUpdated:
			update.NewRoutes = append(update.NewRoutes, e.Route)
		case ChangeWithdrawn:
			update.WithdrawnRoutes = append(update.WithdrawnRoutes, e.Route.Prefix)
		}
	}

	if err := m.sendUpdate(ctx, peerID, update); err != nil {
		return fmt.Errorf("ccp: send update to %s: %w", peerID, err)
	}

	m.mu.Lock()
	m.peer(peerID).lastSentEpoch = update.ToEpoch
	m.mu.Unlock()
	return nil
}

// HandleCCPUpdate is invoked when this connector, acting as CCP listener,
// receives a RouteUpdate from peerID. On an epoch or table-id mismatch it
// discards everything previously learned from that peer and requests a
// fresh sync, per the protocol's resync-on-gap rule.
func (m *Manager) HandleCCPUpdate(ctx context.Context, peerID string, update RouteUpdate) error {
	m.mu.Lock()
	p := m.peer(peerID)

	mismatch := update.RoutingTableID != p.tableID || update.FromEpoch > p.lastReceivedEpoch
	if update.FromEpoch == 0 && update.RoutingTableID != p.tableID {
		mismatch = false // fresh full resync from epoch 0 establishes the new table id
	}
	if mismatch {
		p.routes = make(map[ilppacket.Address]Route)
		p.lastReceivedEpoch = 0
		p.tableID = RoutingTableID{}
		m.mu.Unlock()

		log.Debugf("ccp: epoch gap from peer %s (fromEpoch=%d lastReceived=%d), resyncing", peerID, update.FromEpoch, p.lastReceivedEpoch)
		return m.sendControl(ctx, peerID, RouteControl{Mode: ModeSync, LastKnownEpoch: 0})
	}

	p.tableID = update.RoutingTableID
	p.lastReceivedEpoch = update.ToEpoch

	changed := make(map[ilppacket.Address]struct{})
	for _, r := range update.NewRoutes {
		if r.ContainsNode(m.cfg.OwnNodeID) {
			continue // loop prevention: never learn a route that already passes through us
		}
		p.routes[r.Prefix] = r
		delete(p.holdDown, r.Prefix)
		changed[r.Prefix] = struct{}{}
	}
	for _, prefix := range update.WithdrawnRoutes {
		delete(p.routes, prefix)
		p.holdDown[prefix] = m.cfg.Clock.Now().Add(m.cfg.HoldDownTime)
		changed[prefix] = struct{}{}
	}
	m.mu.Unlock()

	for prefix := range changed {
		m.reselect(prefix)
	}
	return nil
}

// reselect recomputes the winning route for prefix across every peer that
// currently advertises it and updates the forwarding table and local
// epoch log if the winner changed.
func (m *Manager) reselect(prefix ilppacket.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.table.Resolve(prefix); ok && existing.Local && existing.Prefix == prefix {
		return // a locally terminated route always wins and is never displaced
	}

	now := m.cfg.Clock.Now()
	var best *Route
	var bestPeerID string
	var bestWeight int

	for peerID, p := range m.peers {
		r, ok := p.routes[prefix]
		if !ok {
			continue
		}
		if until, held := p.holdDown[prefix]; held && now.Before(until) {
			continue
		}
		if r.ContainsNode(m.cfg.OwnNodeID) {
			continue
		}

		weight := 0
		if entry, ok := m.accounts.Get(peerID); ok {
			weight = entry.Account.PeerWeight
		}

		if best == nil ||
			len(r.Path) < len(best.Path) ||
			(len(r.Path) == len(best.Path) && weight > bestWeight) ||
			(len(r.Path) == len(best.Path) && weight == bestWeight && peerID < bestPeerID) {
			rc := r
			best = &rc
			bestPeerID = peerID
			bestWeight = weight
		}
	}

	current, hadRoute := m.table.Resolve(prefix)
	if best == nil {
		if hadRoute && current.Prefix == prefix {
			m.table.Delete(prefix)
			m.localLog.AppendWithdrawal(prefix)
		}
		return
	}

	adv := best.WithAppendedNode(m.cfg.OwnNodeID)
	adv.NextHop = bestPeerID
	adv.Local = false // learned through a peer, not terminated here
	if hadRoute && current.Prefix == prefix && current.NextHop == adv.NextHop && len(current.Path) == len(adv.Path) {
		return // unchanged, no need to bump the epoch
	}
	m.table.Insert(prefix, adv)
	m.localLog.AppendUpdate(prefix, adv)
}

// BroadcastTick sends every peer whatever it is missing since its
// lastSentEpoch. Intended to be called on a RouteBroadcastEvery ticker by
// the owning Connector.
func (m *Manager) BroadcastTick(ctx context.Context) {
	m.mu.Lock()
	current := m.localLog.CurrentEpoch()
	due := make([]string, 0, len(m.peers))
	for peerID, p := range m.peers {
		if p.lastSentEpoch < current {
			due = append(due, peerID)
		}
	}
	m.mu.Unlock()

	for _, peerID := range due {
		ctrl := RouteControl{Mode: ModeSync, LastKnownRoutingTableID: m.localTable, LastKnownEpoch: m.peerLastSent(peerID)}
		if err := m.HandleCCPControl(ctx, peerID, ctrl); err != nil {
			log.Warnf("ccp: broadcast to %s failed: %v", peerID, err)
		}
	}
}

func (m *Manager) peerLastSent(peerID string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer(peerID).lastSentEpoch
}

// HandleIncomingFrame dispatches a received peer frame to the appropriate
// CCP handler based on which sub-protocol it carries. It is a no-op for
// frames carrying neither ccp_control nor ccp_update.
func (m *Manager) HandleIncomingFrame(ctx context.Context, peerID string, frame *ilppacket.Frame) error {
	if _, ok := frame.ByProtocol(ilppacket.SubProtocolCCPControl); ok {
		ctrl, err := decodeRouteControl(frame)
		if err != nil {
			return err
		}
		return m.HandleCCPControl(ctx, peerID, ctrl)
	}
	if _, ok := frame.ByProtocol(ilppacket.SubProtocolCCPUpdate); ok {
		update, err := decodeRouteUpdate(frame)
		if err != nil {
			return err
		}
		return m.HandleCCPUpdate(ctx, peerID, update)
	}
	return nil
}
