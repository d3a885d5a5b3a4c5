package accounts

import (
	"context"

	"github.com/ilpfi/connectord/ilppacket"
)

// DataHandler processes an inbound data frame (carrying an ILP packet or a
// CCP control/update message) and returns the frame's response.
type DataHandler func(ctx context.Context, frame *ilppacket.Frame) (*ilppacket.Frame, error)

// MoneyHandler processes an inbound money-protocol frame (peering or
// invoice exchange, or an incoming settlement credit notification).
type MoneyHandler func(ctx context.Context, frame *ilppacket.Frame) error

// Link is the capability set the connector depends on to reach a peer,
// replacing an inheritance-based plugin hierarchy with an explicit,
// narrow interface (see design note on "inheritance-based plugin
// hierarchy"). A Link may support data only, or data and money.
type Link interface {
	// Capabilities reports which of CapData/CapMoney this link provides.
	Capabilities() Capability

	// SendData sends frame to the peer and returns its response. Callers
	// are responsible for applying their own deadline via ctx.
	SendData(ctx context.Context, frame *ilppacket.Frame) (*ilppacket.Frame, error)

	// SendMoney sends a money-protocol frame to the peer. Money frames
	// are fire-and-forget from the link's perspective; any reply arrives
	// through the registered MoneyHandler as a new inbound frame.
	SendMoney(ctx context.Context, frame *ilppacket.Frame) error

	// RegisterDataHandler installs the callback invoked for frames this
	// side receives from the peer on the data channel.
	RegisterDataHandler(DataHandler)

	// RegisterMoneyHandler installs the callback invoked for frames this
	// side receives from the peer on the money channel.
	RegisterMoneyHandler(MoneyHandler)

	// OnConnect/OnDisconnect register lifecycle callbacks fired when the
	// underlying transport comes up or goes down.
	OnConnect(func())
	OnDisconnect(func())

	// Connected reports whether the underlying transport is currently up.
	Connected() bool
}
