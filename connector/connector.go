// Package connector assembles the accounts, routing, forwarding switch,
// and settlement packages into a running ILP connector: it owns account
// lifecycle, builds each account's middleware pipeline in the standard
// order, and services both CCP peer roles plus the settlement
// sub-protocols over each account's money link.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/balance"
	"github.com/ilpfi/connectord/htlcswitch"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/routing"
	"github.com/ilpfi/connectord/settlement"
	"github.com/ilpfi/connectord/store"
	"golang.org/x/time/rate"
)

// Config parameterizes the sub-systems a Connector wires together.
type Config struct {
	Switch  htlcswitch.Config
	Routing routing.ManagerConfig
}

// AccountSetup is everything AddAccount needs to bring up one account:
// its static configuration, the link used to reach it, and (for an
// account capable of settlement) the settlement engine backing it.
type AccountSetup struct {
	Account *accounts.Account
	Link    accounts.Link

	// Engine is nil for an account that never settles out-of-band.
	Engine settlement.Engine

	// IssueArtifact answers an incoming invoiceRequest from this peer: it
	// must return a fresh artifact for the peer's Engine to pay against.
	// Generating one is a concrete SettlementEngine's own RPC (e.g. "create
	// Lightning invoice"), which is outside this package's scope; nil
	// means this account never accepts incoming settlement.
	IssueArtifact func(ctx context.Context) (settlement.Artifact, error)
}

// accountState is everything the Connector keeps per registered account
// beyond what accounts.Registry already tracks.
type accountState struct {
	tracker *balance.Tracker
	settle  *settlement.Controller
	pending *pendingRequestTable
}

// Connector is the top-level wiring: it owns the account registry, the
// forwarding table, the CCP route manager, the packet-forwarding switch,
// and one settlement controller per account.
type Connector struct {
	cfg Config

	accounts *accounts.Registry
	table    *routing.Table
	route    *routing.Manager
	sw       *htlcswitch.Switch
	rates    ratebackend.RateBackend
	backing  store.Store

	mu    sync.RWMutex
	state map[string]*accountState
}

// NewConnector wires up an empty Connector. ownNodeID is this connector's
// ILP address component, used by the route manager as its node identity.
func NewConnector(ownNodeID string, rates ratebackend.RateBackend, backing store.Store, cfg Config) *Connector {
	table := routing.NewTable()
	reg := accounts.NewRegistry()

	cfg.Routing.OwnNodeID = ownNodeID
	cfg.Switch.OwnAddress = ilppacket.Address(ownNodeID)

	c := &Connector{
		cfg:      cfg,
		accounts: reg,
		table:    table,
		rates:    rates,
		backing:  backing,
		state:    make(map[string]*accountState),
	}

	c.route = routing.NewManager(reg, table, c.sendCCPFrame, cfg.Routing)
	c.sw = htlcswitch.NewSwitch(reg, table, rates, cfg.Switch)
	return c
}

// sendCCPFrame is the routing.Manager's SendFunc: CCP control/update
// frames ride the account's ordinary data link, discarding the response
// frame's contents (an empty acknowledgement, see dataHandlerFor).
func (c *Connector) sendCCPFrame(ctx context.Context, peerID string, frame *ilppacket.Frame) error {
	entry, ok := c.accounts.Get(peerID)
	if !ok {
		return fmt.Errorf("connector: unknown CCP peer %s", peerID)
	}
	_, err := entry.Link.SendData(ctx, frame)
	return err
}

// AddAccount registers a new account, builds its balance tracker and
// settlement controller, assembles its middleware pipeline in the
// standard order, and wires its link's handlers and lifecycle callbacks.
func (c *Connector) AddAccount(setup AccountSetup) error {
	acct := setup.Account
	if err := c.accounts.Add(acct, setup.Link); err != nil {
		return err
	}

	tracker := balance.NewTracker(acct.AccountID, acct.Balance.Minimum, acct.Balance.Maximum, c.backing)
	if err := tracker.Load(); err != nil {
		c.accounts.Remove(acct.AccountID)
		return fmt.Errorf("connector: loading balance for %s: %w", acct.AccountID, err)
	}

	pending := newPendingRequestTable()

	requestArtifact := c.artifactRequester(acct.AccountID, setup.Link, pending)
	var ctrl *settlement.Controller
	if setup.Engine != nil {
		ctrl = settlement.NewController(
			acct.AccountID, tracker, acct.Balance.SettleThreshold, acct.Balance.SettleTo,
			setup.Engine, requestArtifact, nil,
		)
	}

	st := &accountState{tracker: tracker, settle: ctrl, pending: pending}

	pipeline := c.buildPipeline(acct, setup, tracker, ctrl, pending)
	c.sw.SetPipeline(acct.AccountID, pipeline)

	setup.Link.RegisterDataHandler(c.dataHandlerFor(acct.AccountID, pipeline))
	setup.Link.RegisterMoneyHandler(accounts.MoneyHandler(pipeline.IncomingMoney))

	// Only a child account is reachable under a prefix this connector
	// hosts directly. A parent gives us our own route to the rest of the
	// network (advertised to us, not by us); a peer is a lateral
	// connector we forward through, not an address space we host.
	if acct.Relation == accounts.RelationChild {
		prefix := ilppacket.Address(fmt.Sprintf("%s.%s", c.cfg.Routing.OwnNodeID, acct.AccountID))
		c.route.AdvertiseLocal(prefix, acct.AccountID)
	}

	setup.Link.OnConnect(func() {
		ctx := context.Background()
		if err := c.route.HandlePeerConnect(ctx, acct.AccountID); err != nil {
			log.Warnf("connector: CCP handshake with %s failed: %v", acct.AccountID, err)
		}
		if acct.SettleOnConnect && ctrl != nil {
			ctrl.MaybeSettle(ctx)
		}
	})

	c.mu.Lock()
	c.state[acct.AccountID] = st
	c.mu.Unlock()

	log.Infof("connector: account %s ready (relation=%s)", acct.AccountID, acct.Relation)
	return nil
}

// buildPipeline assembles acct's four middleware chains in the standard
// order: error-handling and admission control wrap the ingress side,
// deduplication/expiry/balance/validation wrap the egress side.
func (c *Connector) buildPipeline(
	acct *accounts.Account,
	setup AccountSetup,
	tracker *balance.Tracker,
	ctrl *settlement.Controller,
	pending *pendingRequestTable,
) *htlcswitch.Pipeline {
	dataLimiter := newRateLimiter(acct.RateLimit)
	moneyLimiter := newRateLimiter(acct.RateLimit)
	dedupCache := htlcswitch.NewDedupCache(acct.Dedup.Window, nil)

	incomingData := []htlcswitch.DataMiddleware{
		htlcswitch.ErrorHandlerMiddleware(acct.AccountID),
		htlcswitch.RateLimitDataMiddleware(dataLimiter),
		htlcswitch.MaxPacketAmountMiddleware(acct.MaxPacketAmount),
		htlcswitch.IncomingBalanceMiddleware(tracker),
		htlcswitch.StatsMiddleware(acct.AccountID),
	}
	incomingDataCore := c.sw.CoreHandler(acct.AccountID)

	outgoingData := []htlcswitch.DataMiddleware{
		htlcswitch.DeduplicateMiddleware(dedupCache),
		htlcswitch.ExpireMiddleware(c.cfg.Routing.Clock),
		htlcswitch.OutgoingBalanceMiddleware(tracker),
		htlcswitch.ValidateFulfillmentMiddleware(),
	}
	outgoingDataCore := htlcswitch.LinkDataHandler(setup.Link)

	incomingMoney := []htlcswitch.MoneyMiddleware{
		htlcswitch.RateLimitMoneyMiddleware(moneyLimiter),
	}
	incomingMoneyCore := c.moneyCore(acct.AccountID, setup, ctrl, pending)

	var outgoingMoney []htlcswitch.MoneyMiddleware
	outgoingMoneyCore := htlcswitch.LinkMoneyHandler(setup.Link)

	return htlcswitch.NewPipeline(
		incomingData, incomingDataCore,
		outgoingData, outgoingDataCore,
		incomingMoney, incomingMoneyCore,
		outgoingMoney, outgoingMoneyCore,
	)
}

func newRateLimiter(cfg accounts.RateLimitConfig) *rate.Limiter {
	if cfg.RefillPeriod <= 0 || cfg.RefillCount <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	limit := rate.Limit(float64(cfg.RefillCount) / cfg.RefillPeriod.Seconds())
	burst := cfg.Capacity
	if burst <= 0 {
		burst = cfg.RefillCount
	}
	return rate.NewLimiter(limit, burst)
}

// dataHandlerFor returns the accounts.DataHandler registered against
// accountID's link: it demultiplexes the "ilp" sub-protocol into the
// account's htlcswitch.Pipeline and the CCP sub-protocols into the route
// manager, translating between the wire Frame and the packet-level types
// each destination expects.
func (c *Connector) dataHandlerFor(accountID string, pipeline *htlcswitch.Pipeline) accounts.DataHandler {
	return func(ctx context.Context, frame *ilppacket.Frame) (*ilppacket.Frame, error) {
		if _, ok := frame.ByProtocol(ilppacket.SubProtocolILP); ok {
			prepare, err := decodePreparePacket(frame)
			if err != nil {
				return nil, err
			}
			fulfill, fErr := pipeline.IncomingData(ctx, prepare)
			return encodeDataResponse(frame.RequestID, ilppacket.Address(c.cfg.Routing.OwnNodeID), fulfill, fErr)
		}

		if _, ok := frame.ByProtocol(ilppacket.SubProtocolCCPControl); ok {
			if err := c.route.HandleIncomingFrame(ctx, accountID, frame); err != nil {
				log.Warnf("connector: ccp_control from %s: %v", accountID, err)
			}
			return ackFrame(frame.RequestID), nil
		}
		if _, ok := frame.ByProtocol(ilppacket.SubProtocolCCPUpdate); ok {
			if err := c.route.HandleIncomingFrame(ctx, accountID, frame); err != nil {
				log.Warnf("connector: ccp_update from %s: %v", accountID, err)
			}
			return ackFrame(frame.RequestID), nil
		}

		return nil, fmt.Errorf("connector: frame from %s carries no recognized sub-protocol", accountID)
	}
}

func ackFrame(requestID uint32) *ilppacket.Frame {
	return &ilppacket.Frame{RequestID: requestID, Type: ilppacket.FrameResponse}
}

// moneyCore returns the terminal MoneyHandler for accountID's incoming
// money chain: it answers peeringRequest/invoiceRequest frames from the
// peer and delivers peeringResponse/invoiceResponse frames to whichever
// request-id waiter is registered for them; only artifactRequester
// registers one, so a peeringResponse finds no waiter and is dropped.
func (c *Connector) moneyCore(accountID string, setup AccountSetup, ctrl *settlement.Controller, pending *pendingRequestTable) htlcswitch.MoneyHandler {
	return func(ctx context.Context, frame *ilppacket.Frame) error {
		if _, ok := frame.ByProtocol(ilppacket.SubProtocolInvoiceResponse); ok {
			pending.deliver(frame)
			return nil
		}
		if _, ok := frame.ByProtocol(ilppacket.SubProtocolPeeringResponse); ok {
			pending.deliver(frame)
			return nil
		}

		if _, ok := frame.ByProtocol(ilppacket.SubProtocolInvoiceRequest); ok {
			if setup.IssueArtifact == nil {
				return fmt.Errorf("connector: account %s has no artifact issuer configured", accountID)
			}
			artifact, err := setup.IssueArtifact(ctx)
			if err != nil {
				return fmt.Errorf("connector: account %s: issuing artifact: %w", accountID, err)
			}
			resp, err := wrapInvoiceResponseFrame(frame.RequestID, invoicePayload{
				ArtifactID:          artifact.ID,
				Payload:             artifact.Payload,
				DestinationIdentity: artifact.DestinationIdentity,
			})
			if err != nil {
				return err
			}
			return setup.Link.SendMoney(ctx, resp)
		}

		if _, ok := frame.ByProtocol(ilppacket.SubProtocolPeeringRequest); ok {
			if setup.Engine == nil {
				return fmt.Errorf("connector: account %s has no settlement engine configured", accountID)
			}
			raw, err := encodePeeringResponse(frame.RequestID, setup.Engine.Identity())
			if err != nil {
				return err
			}
			return setup.Link.SendMoney(ctx, raw)
		}

		return fmt.Errorf("connector: account %s: money frame carries no recognized sub-protocol", accountID)
	}
}

// artifactRequester builds the settlement.ArtifactRequester used by
// accountID's Controller: it sends an invoiceRequest over the account's
// money link and awaits the correlated invoiceResponse.
func (c *Connector) artifactRequester(accountID string, link accounts.Link, pending *pendingRequestTable) settlement.ArtifactRequester {
	return func(ctx context.Context) (settlement.Artifact, error) {
		reqID := nextMoneyRequestID()
		ch := pending.register(reqID)

		if err := link.SendMoney(ctx, wrapInvoiceRequestFrame(reqID)); err != nil {
			pending.cleanup(reqID)
			return settlement.Artifact{}, fmt.Errorf("connector: account %s: invoiceRequest: %w", accountID, err)
		}
		resp, err := pending.await(ctx, reqID, ch)
		if err != nil {
			return settlement.Artifact{}, err
		}
		return decodeInvoiceResponse(resp)
	}
}

// NotifySettlementReceived processes a credit reported by accountID's
// local SettlementEngine out-of-band (e.g. a Lightning invoice-paid
// webhook) rather than over the wire. It is a no-op if the account was
// never configured with a settlement controller.
func (c *Connector) NotifySettlementReceived(ctx context.Context, accountID, artifactID string, amount int64) error {
	c.mu.RLock()
	st, ok := c.state[accountID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connector: unknown account %s", accountID)
	}
	if st.settle == nil {
		return nil
	}
	return st.settle.HandleIncomingArtifactReceipt(ctx, artifactID, amount, nil)
}

// RemoveAccount unregisters accountID and drops its pipeline and
// settlement state. The underlying link is left to its owner to close.
func (c *Connector) RemoveAccount(accountID string) error {
	if err := c.accounts.Remove(accountID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.state, accountID)
	c.mu.Unlock()
	return nil
}

// ListAccounts returns every registered account's static configuration.
func (c *Connector) ListAccounts() []*accounts.Account {
	entries := c.accounts.List()
	out := make([]*accounts.Account, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Account)
	}
	return out
}

// AdvertiseLocal installs an additional locally terminated route beyond
// the per-account prefixes AddAccount already advertises automatically
// (e.g. a static address alias), making it eligible for CCP distribution.
func (c *Connector) AdvertiseLocal(prefix ilppacket.Address, nextHopAccountID string) {
	c.route.AdvertiseLocal(prefix, nextHopAccountID)
}

// RunRouteBroadcast drives the CCP route manager's periodic catch-up
// broadcast on its configured interval until ctx is cancelled. Intended
// to be run in its own goroutine for the lifetime of the connector.
func (c *Connector) RunRouteBroadcast(ctx context.Context) {
	interval := c.cfg.Routing.RouteBroadcastEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.route.BroadcastTick(ctx)
		}
	}
}

// ResolveRoute returns the forwarding table's current entry for address,
// for admin inspection and tests.
func (c *Connector) ResolveRoute(address ilppacket.Address) (routing.Route, bool) {
	return c.table.Resolve(address)
}

// ForwardPrepare is a direct entry point for ingress links that call
// straight into the switch rather than going through Frame demultiplexing
// (used by tests and the CLI's loopback harness).
func (c *Connector) ForwardPrepare(ctx context.Context, ingressAccountID string, prepare *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
	return c.sw.ForwardPrepare(ctx, ingressAccountID, prepare)
}
