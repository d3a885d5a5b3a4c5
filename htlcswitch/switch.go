package htlcswitch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/routing"
)

// Config parameterizes Switch-wide timing policy.
type Config struct {
	// MinMessageWindow is subtracted from an incoming PREPARE's expiry to
	// derive the outgoing expiry, reserving time for this hop's own
	// processing and network latency.
	MinMessageWindow time.Duration

	// Grace is added on top of the (already-reduced) outgoing expiry
	// when awaiting the egress response.
	Grace time.Duration

	// ReflectPayments allows route.nextHop == ingressAccountId when true.
	// Disabled by default, per the forwarding contract.
	ReflectPayments bool

	// OwnAddress is this connector's own ILP address, stamped onto an
	// egress REJECT relayed back through the Switch when that reject
	// carries no TriggeredBy of its own. Errors the Switch originates
	// itself are returned without a TriggeredBy.
	OwnAddress ilppacket.Address
}

func (c Config) withDefaults() Config {
	if c.MinMessageWindow == 0 {
		c.MinMessageWindow = time.Second
	}
	if c.Grace == 0 {
		c.Grace = 500 * time.Millisecond
	}
	return c
}

// Switch is the connector's core packet-forwarding engine. It owns no
// balance state — BalanceTracker lives in each account's Pipeline.
type Switch struct {
	cfg Config

	accounts *accounts.Registry
	table    *routing.Table
	rates    ratebackend.RateBackend

	// pipelines maps accountId to that account's assembled middleware
	// chains. Populated by the owning Connector as accounts connect.
	pipelines map[string]*Pipeline
}

// NewSwitch constructs a Switch bound to the given account registry,
// forwarding table, and rate backend.
func NewSwitch(reg *accounts.Registry, table *routing.Table, rates ratebackend.RateBackend, cfg Config) *Switch {
	return &Switch{
		cfg:       cfg.withDefaults(),
		accounts:  reg,
		table:     table,
		rates:     rates,
		pipelines: make(map[string]*Pipeline),
	}
}

// SetPipeline installs accountID's assembled middleware pipeline. Called
// by the owning Connector once per account, at connect time.
func (s *Switch) SetPipeline(accountID string, p *Pipeline) {
	s.pipelines[accountID] = p
}

// CoreHandler returns the terminal DataHandler for ingressAccountID's
// incoming-data chain: the Switch's routing/rate/expiry forwarding
// contract, bound to this account. The owning Connector passes this as
// the incomingDataCore terminal when it assembles that account's
// Pipeline with NewPipeline.
func (s *Switch) CoreHandler(ingressAccountID string) DataHandler {
	return func(ctx context.Context, prepare *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		return s.forwardCore(ctx, ingressAccountID, prepare)
	}
}

// ForwardPrepare is the Switch's single entry point: forward a PREPARE
// received from ingressAccountID, returning the FULFILL it eventually
// earns or an error (always an *ilppacket.Error once it has passed
// through the error-handler middleware).
func (s *Switch) ForwardPrepare(ctx context.Context, ingressAccountID string, prepare *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
	ingressPipeline, ok := s.pipelines[ingressAccountID]
	if !ok {
		return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "no pipeline for ingress account")
	}
	return ingressPipeline.IncomingData(ctx, prepare)
}

// forwardCore implements the Switch's routing/rate/expiry contract; it is
// the terminal handler the incoming-data chain is built around.
func (s *Switch) forwardCore(ctx context.Context, ingressAccountID string, prepare *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
	route, ok := s.table.Resolve(prepare.Destination)
	if !ok {
		return nil, ilppacket.NewError(ilppacket.CodeF02UnreachableDestination, "no route to destination")
	}

	if route.NextHop == ingressAccountID && !s.cfg.ReflectPayments {
		return nil, ilppacket.NewError(ilppacket.CodeF02UnreachableDestination, "reflexive payments are disabled")
	}

	ingressEntry, ok := s.accounts.Get(ingressAccountID)
	if !ok {
		return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "unknown ingress account")
	}
	egressEntry, ok := s.accounts.Get(route.NextHop)
	if !ok {
		return nil, ilppacket.NewError(ilppacket.CodeF02UnreachableDestination, "unknown egress account")
	}

	rate, err := s.rates.Quote(
		ingressEntry.Account.AssetCode, ingressEntry.Account.AssetScale,
		egressEntry.Account.AssetCode, egressEntry.Account.AssetScale,
	)
	if err != nil {
		return nil, ilppacket.NewError(ilppacket.CodeT00InternalError, fmt.Sprintf("rate unavailable: %v", err))
	}

	outgoingAmount := floorMul(prepare.Amount, rate)
	if prepare.Amount > 0 && outgoingAmount == 0 {
		return nil, ilppacket.NewError(ilppacket.CodeR01InsufficientSourceAmt, "insufficient source amount")
	}

	outgoingExpiry := prepare.ExpiresAt.Add(-s.cfg.MinMessageWindow)
	if !outgoingExpiry.After(time.Now()) {
		return nil, ilppacket.NewError(ilppacket.CodeR02InsufficientTimeout, "insufficient timeout")
	}

	outgoing := &ilppacket.Prepare{
		Destination:        prepare.Destination,
		Amount:             outgoingAmount,
		ExecutionCondition: prepare.ExecutionCondition,
		ExpiresAt:          outgoingExpiry,
		Data:               prepare.Data,
	}

	egressPipeline, ok := s.pipelines[route.NextHop]
	if !ok {
		return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "no pipeline for egress account")
	}

	deadline := outgoingExpiry.Add(s.cfg.Grace)
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	fulfill, err := egressPipeline.OutgoingData(sendCtx, outgoing)
	if err != nil {
		if sendCtx.Err() != nil {
			return nil, ilppacket.NewError(ilppacket.CodeR00TransferTimedOut, "egress link timed out")
		}
		if ilpErr, ok := ilppacket.AsError(err); ok {
			return nil, reStampTriggeredBy(ilpErr, s.cfg.OwnAddress)
		}
		return nil, err
	}

	if sha256.Sum256(fulfill.FulfillmentPreimage[:]) != [32]byte(prepare.ExecutionCondition) {
		return nil, ilppacket.NewError(ilppacket.CodeF05WrongCondition, "fulfillment does not match execution condition")
	}

	return fulfill, nil
}

// reStampTriggeredBy propagates an egress REJECT unchanged, except when it
// arrives with no TriggeredBy of its own (the downstream hop failed to set
// one); ownAddress is stamped in for that case so the origin is never lost.
func reStampTriggeredBy(err *ilppacket.Error, ownAddress ilppacket.Address) *ilppacket.Error {
	if err.TriggeredBy == "" {
		err.TriggeredBy = ownAddress
	}
	return err
}

// floorMul computes floor(amount * rate), rounding toward zero.
func floorMul(amount uint64, rate *big.Rat) uint64 {
	product := new(big.Rat).Mul(new(big.Rat).SetUint64(amount), rate)
	quotient := new(big.Int).Quo(product.Num(), product.Denom())
	if quotient.Sign() < 0 {
		return 0
	}
	return quotient.Uint64()
}
