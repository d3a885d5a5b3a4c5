package ilppacket

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FrameType is the 1-byte peer-frame type.
type FrameType byte

const (
	FrameMessage  FrameType = 1
	FrameResponse FrameType = 2
	FrameError    FrameType = 3
	FrameTransfer FrameType = 4
)

// SubProtocol names the well-known sub-protocols multiplexed over a peer
// frame, per the connector's external interfaces.
const (
	SubProtocolILP             = "ilp"
	SubProtocolCCPControl      = "ccp_control"
	SubProtocolCCPUpdate       = "ccp_update"
	SubProtocolPeeringRequest  = "peeringRequest"
	SubProtocolPeeringResponse = "peeringResponse"
	SubProtocolInvoiceRequest  = "invoiceRequest"
	SubProtocolInvoiceResponse = "invoiceResponse"
)

// SubProtocolData is a single (name, content-type, bytes) sub-protocol
// entry carried within a Frame.
type SubProtocolData struct {
	ProtocolName string
	ContentType  string
	Data         []byte
}

// Frame is a peer-link envelope: a request-id, a type, and a list of
// sub-protocol payloads. Responses must echo the request-id of the
// message they answer.
type Frame struct {
	RequestID     uint32
	Type          FrameType
	SubProtocols  []SubProtocolData
}

// ByProtocol returns the sub-protocol payload named name, if present.
func (f *Frame) ByProtocol(name string) (SubProtocolData, bool) {
	for _, sp := range f.SubProtocols {
		if sp.ProtocolName == name {
			return sp, true
		}
	}
	return SubProtocolData{}, false
}

// SerializeFrame encodes f into its wire form.
func SerializeFrame(f *Frame) []byte {
	var buf bytes.Buffer

	var reqID [4]byte
	binary.BigEndian.PutUint32(reqID[:], f.RequestID)
	buf.Write(reqID[:])
	buf.WriteByte(byte(f.Type))

	writeLengthPrefix(&buf, len(f.SubProtocols))
	for _, sp := range f.SubProtocols {
		writeLengthPrefixed(&buf, []byte(sp.ProtocolName))
		writeLengthPrefixed(&buf, []byte(sp.ContentType))
		writeLengthPrefixed(&buf, sp.Data)
	}

	return buf.Bytes()
}

// DeserializeFrame parses a peer-frame envelope produced by SerializeFrame.
func DeserializeFrame(b []byte) (*Frame, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("ilppacket: frame too short")
	}

	r := bytes.NewReader(b)

	var reqID [4]byte
	if _, err := readFull(r, reqID[:]); err != nil {
		return nil, fmt.Errorf("ilppacket: frame request-id: %w", err)
	}

	typByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ilppacket: frame type: %w", err)
	}

	// Sub-protocol count uses the same variable-length encoding as field
	// lengths, so we decode it the same way, directly off the remaining
	// reader bytes.
	rest := r.Len()
	buf := make([]byte, rest)
	n, _ := r.Read(buf)
	buf = buf[:n]

	count, prefixSize, err := readLengthPrefixFromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: sub-protocol count: %w", err)
	}
	r2 := bytes.NewReader(buf[prefixSize:])

	subs := make([]SubProtocolData, 0, count)
	for i := 0; i < count; i++ {
		name, err := readLengthPrefixed(r2)
		if err != nil {
			return nil, fmt.Errorf("ilppacket: sub-protocol[%d] name: %w", i, err)
		}
		ctype, err := readLengthPrefixed(r2)
		if err != nil {
			return nil, fmt.Errorf("ilppacket: sub-protocol[%d] content-type: %w", i, err)
		}
		data, err := readLengthPrefixed(r2)
		if err != nil {
			return nil, fmt.Errorf("ilppacket: sub-protocol[%d] data: %w", i, err)
		}
		subs = append(subs, SubProtocolData{
			ProtocolName: string(name),
			ContentType:  string(ctype),
			Data:         data,
		})
	}

	return &Frame{
		RequestID:    binary.BigEndian.Uint32(reqID[:]),
		Type:         FrameType(typByte),
		SubProtocols: subs,
	}, nil
}
