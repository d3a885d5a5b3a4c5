package connector

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/settlement"
)

var moneyRequestIDCounter uint32

// nextMoneyRequestID returns a fresh request-id for a money-protocol
// round-trip (invoiceRequest/peeringRequest), distinct from the switch
// package's own data-channel counter.
func nextMoneyRequestID() uint32 {
	return atomic.AddUint32(&moneyRequestIDCounter, 1)
}

// peeringPayload is the JSON body of a peeringRequest/peeringResponse
// sub-protocol frame, per the connector's settlement sub-protocols.
type peeringPayload struct {
	EngineIdentity string `json:"engineIdentity"`
	EngineEndpoint string `json:"engineEndpoint"`
}

// invoicePayload is the JSON body of an invoiceRequest/invoiceResponse
// sub-protocol frame.
type invoicePayload struct {
	ArtifactID          string `json:"artifactId"`
	Payload             []byte `json:"payload"`
	DestinationIdentity string `json:"destinationIdentity"`
}

// encodeDataResponse materializes a pipeline's outcome as a wire Frame.
// ownAddress stamps a Reject's TriggeredBy when the error reaching here
// has none of its own — i.e. it originated at this hop. An error decoded
// from a downstream peer's Reject (see LinkDataHandler) already carries
// its originator's TriggeredBy, which is propagated unchanged.
func encodeDataResponse(requestID uint32, ownAddress ilppacket.Address, fulfill *ilppacket.Fulfill, err error) (*ilppacket.Frame, error) {
	if err == nil {
		raw, serr := ilppacket.SerializeFulfill(fulfill)
		if serr != nil {
			return nil, serr
		}
		return wrapILPFrame(requestID, raw), nil
	}

	ilpErr, ok := ilppacket.AsError(err)
	if !ok {
		ilpErr = ilppacket.NewError(ilppacket.CodeF00InternalError, err.Error())
	}
	triggeredBy := ilpErr.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = ownAddress
	}
	raw, serr := ilppacket.SerializeReject(&ilppacket.Reject{
		Code:        ilpErr.Code,
		TriggeredBy: triggeredBy,
		Message:     ilpErr.Message,
		Data:        ilpErr.Data,
	})
	if serr != nil {
		return nil, serr
	}
	return wrapILPFrame(requestID, raw), nil
}

func wrapILPFrame(requestID uint32, raw []byte) *ilppacket.Frame {
	return &ilppacket.Frame{
		RequestID: requestID,
		Type:      ilppacket.FrameResponse,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolILP,
			ContentType:  "application/octet-stream",
			Data:         raw,
		}},
	}
}

func decodePreparePacket(frame *ilppacket.Frame) (*ilppacket.Prepare, error) {
	sp, ok := frame.ByProtocol(ilppacket.SubProtocolILP)
	if !ok {
		return nil, fmt.Errorf("connector: frame has no %s sub-protocol", ilppacket.SubProtocolILP)
	}
	return ilppacket.DeserializePrepare(sp.Data)
}

func wrapInvoiceRequestFrame(requestID uint32) *ilppacket.Frame {
	return &ilppacket.Frame{
		RequestID:    requestID,
		Type:         ilppacket.FrameMessage,
		SubProtocols: []ilppacket.SubProtocolData{{ProtocolName: ilppacket.SubProtocolInvoiceRequest}},
	}
}

func wrapInvoiceResponseFrame(requestID uint32, p invoicePayload) (*ilppacket.Frame, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &ilppacket.Frame{
		RequestID: requestID,
		Type:      ilppacket.FrameResponse,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolInvoiceResponse,
			ContentType:  "application/json",
			Data:         raw,
		}},
	}, nil
}

func decodeInvoiceResponse(frame *ilppacket.Frame) (settlement.Artifact, error) {
	sp, ok := frame.ByProtocol(ilppacket.SubProtocolInvoiceResponse)
	if !ok {
		return settlement.Artifact{}, fmt.Errorf("connector: frame has no %s sub-protocol", ilppacket.SubProtocolInvoiceResponse)
	}
	var p invoicePayload
	if err := json.Unmarshal(sp.Data, &p); err != nil {
		return settlement.Artifact{}, err
	}
	return settlement.Artifact{ID: p.ArtifactID, Payload: p.Payload, DestinationIdentity: p.DestinationIdentity}, nil
}

func wrapPeeringRequestFrame(requestID uint32, identity string) (*ilppacket.Frame, error) {
	raw, err := json.Marshal(peeringPayload{EngineIdentity: identity})
	if err != nil {
		return nil, err
	}
	return &ilppacket.Frame{
		RequestID: requestID,
		Type:      ilppacket.FrameMessage,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolPeeringRequest,
			ContentType:  "application/json",
			Data:         raw,
		}},
	}, nil
}

func encodePeeringResponse(requestID uint32, identity string) (*ilppacket.Frame, error) {
	raw, err := json.Marshal(peeringPayload{EngineIdentity: identity})
	if err != nil {
		return nil, err
	}
	return &ilppacket.Frame{
		RequestID: requestID,
		Type:      ilppacket.FrameResponse,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolPeeringResponse,
			ContentType:  "application/json",
			Data:         raw,
		}},
	}, nil
}

func decodePeeringResponse(frame *ilppacket.Frame) (string, error) {
	sp, ok := frame.ByProtocol(ilppacket.SubProtocolPeeringResponse)
	if !ok {
		return "", fmt.Errorf("connector: frame has no %s sub-protocol", ilppacket.SubProtocolPeeringResponse)
	}
	var p peeringPayload
	if err := json.Unmarshal(sp.Data, &p); err != nil {
		return "", err
	}
	return p.EngineIdentity, nil
}
