// Package htlcswitch implements the connector's core packet-forwarding
// switch and the per-account middleware pipeline that wraps it, per the
// connector's forwarding design. The Switch itself owns no balance
// state; BalanceTracker lives in middleware.
package htlcswitch

import (
	"context"

	"github.com/ilpfi/connectord/ilppacket"
)

// DataHandler forwards a single PREPARE and returns its FULFILL, or an
// error (an *ilppacket.Error when it must become a wire REJECT).
type DataHandler func(ctx context.Context, prepare *ilppacket.Prepare) (*ilppacket.Fulfill, error)

// DataMiddleware wraps a DataHandler with additional behavior.
type DataMiddleware func(next DataHandler) DataHandler

// MoneyHandler processes a single money-protocol frame (settlement,
// peering, invoice exchange).
type MoneyHandler func(ctx context.Context, frame *ilppacket.Frame) error

// MoneyMiddleware wraps a MoneyHandler with additional behavior.
type MoneyMiddleware func(next MoneyHandler) MoneyHandler

// ChainData composes middlewares around terminal, in the order given:
// mws[0] is outermost (sees the request first, the response last).
func ChainData(mws []DataMiddleware, terminal DataHandler) DataHandler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ChainMoney composes money middlewares the same way ChainData does.
func ChainMoney(mws []MoneyMiddleware, terminal MoneyHandler) MoneyHandler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Pipeline is one account's four middleware chains, assembled at
// account-connect time in the fixed standard order (new middlewares are
// insertable by constructing a fresh slice before calling NewPipeline).
type Pipeline struct {
	IncomingData  DataHandler
	OutgoingData  DataHandler
	IncomingMoney MoneyHandler
	OutgoingMoney MoneyHandler
}

// NewPipeline assembles a Pipeline from the given middleware chains and
// terminal handlers. The terminals are the Switch's core forwarding logic
// (incoming side) and a Link's SendData/SendMoney (outgoing side).
func NewPipeline(
	incomingData []DataMiddleware, incomingDataCore DataHandler,
	outgoingData []DataMiddleware, outgoingDataCore DataHandler,
	incomingMoney []MoneyMiddleware, incomingMoneyCore MoneyHandler,
	outgoingMoney []MoneyMiddleware, outgoingMoneyCore MoneyHandler,
) *Pipeline {
	return &Pipeline{
		IncomingData:  ChainData(incomingData, incomingDataCore),
		OutgoingData:  ChainData(outgoingData, outgoingDataCore),
		IncomingMoney: ChainMoney(incomingMoney, incomingMoneyCore),
		OutgoingMoney: ChainMoney(outgoingMoney, outgoingMoneyCore),
	}
}
