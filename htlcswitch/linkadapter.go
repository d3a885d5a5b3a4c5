package htlcswitch

import (
	"context"
	"sync/atomic"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/ilppacket"
)

var requestIDCounter uint32

func nextRequestID() uint32 {
	return atomic.AddUint32(&requestIDCounter, 1)
}

// LinkDataHandler adapts an accounts.Link into a DataHandler: it frames
// the PREPARE as the "ilp" sub-protocol, sends it, and decodes the
// response frame back into a FULFILL or an *ilppacket.Error.
func LinkDataHandler(link accounts.Link) DataHandler {
	return func(ctx context.Context, prepare *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		raw, err := ilppacket.Serialize(prepare)
		if err != nil {
			return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "failed to encode outgoing prepare")
		}

		reqFrame := &ilppacket.Frame{
			RequestID: nextRequestID(),
			Type:      ilppacket.FrameMessage,
			SubProtocols: []ilppacket.SubProtocolData{{
				ProtocolName: ilppacket.SubProtocolILP,
				ContentType:  "application/octet-stream",
				Data:         raw,
			}},
		}

		respFrame, err := link.SendData(ctx, reqFrame)
		if err != nil {
			return nil, ilppacket.NewError(ilppacket.CodeR00TransferTimedOut, "egress link send failed")
		}

		sp, ok := respFrame.ByProtocol(ilppacket.SubProtocolILP)
		if !ok {
			return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "response carries no ilp sub-protocol")
		}
		if len(sp.Data) == 0 {
			return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "empty ilp response")
		}

		switch sp.Data[0] {
		case ilppacket.TypeFulfill:
			fulfill, err := ilppacket.DeserializeFulfill(sp.Data)
			if err != nil {
				return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "malformed fulfill")
			}
			return fulfill, nil
		case ilppacket.TypeReject:
			reject, err := ilppacket.DeserializeReject(sp.Data)
			if err != nil {
				return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "malformed reject")
			}
			return nil, &ilppacket.Error{
				Code:        reject.Code,
				Message:     reject.Message,
				Data:        reject.Data,
				TriggeredBy: reject.TriggeredBy,
			}
		default:
			return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "unexpected response packet type")
		}
	}
}

// LinkMoneyHandler adapts an accounts.Link's SendMoney into a
// MoneyHandler.
func LinkMoneyHandler(link accounts.Link) MoneyHandler {
	return func(ctx context.Context, frame *ilppacket.Frame) error {
		return link.SendMoney(ctx, frame)
	}
}
