package ilppacket

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kkdai/bstream"
)

// Packet type octets, matching the fixed ILP wire taxonomy.
const (
	TypePrepare byte = 12
	TypeFulfill byte = 13
	TypeReject  byte = 14
)

// generalizedTimeLength is the fixed width, in bytes, of the ASCII
// "Interledger Timestamp" carried in PREPARE.ExpiresAt: 14 digits of
// YYYYMMDDHHMMSS plus 3 digits of milliseconds, no separators.
const generalizedTimeLength = 17

// formatGeneralizedTime renders t as the 17-byte fixed-width timestamp.
func formatGeneralizedTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%03d", t.Format("20060102150405"), t.Nanosecond()/1e6)
}

// parseGeneralizedTime parses the 17-byte fixed-width timestamp.
func parseGeneralizedTime(s string) (time.Time, error) {
	if len(s) != generalizedTimeLength {
		return time.Time{}, fmt.Errorf("ilppacket: expiresAt must be %d bytes, got %d", generalizedTimeLength, len(s))
	}
	base, err := time.Parse("20060102150405", s[:14])
	if err != nil {
		return time.Time{}, err
	}
	var ms int
	if _, err := fmt.Sscanf(s[14:], "%03d", &ms); err != nil {
		return time.Time{}, err
	}
	return base.Add(time.Duration(ms) * time.Millisecond).UTC(), nil
}

// Serialize encodes p into its octet-exact wire form.
func Serialize(p *Prepare) ([]byte, error) {
	if err := p.Destination.Validate(); err != nil {
		return nil, err
	}
	if len(p.Data) > MaxDataLength {
		return nil, fmt.Errorf("ilppacket: data exceeds %d bytes", MaxDataLength)
	}

	var payload bytes.Buffer
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], p.Amount)
	payload.Write(amt[:])
	payload.WriteString(formatGeneralizedTime(p.ExpiresAt))
	payload.Write(p.ExecutionCondition[:])
	writeLengthPrefixed(&payload, []byte(p.Destination))
	writeLengthPrefixed(&payload, p.Data)

	return frame(TypePrepare, payload.Bytes()), nil
}

// DeserializePrepare parses a PREPARE packet previously produced by
// Serialize. Round-trip is byte-identity: Serialize(DeserializePrepare(b))
// reproduces b. DeserializePrepare(Serialize(p)) equals p except that
// ExpiresAt comes back in UTC and truncated to whole milliseconds.
func DeserializePrepare(b []byte) (*Prepare, error) {
	typ, payload, err := unframe(b)
	if err != nil {
		return nil, err
	}
	if typ != TypePrepare {
		return nil, fmt.Errorf("ilppacket: expected PREPARE, got type %d", typ)
	}

	r := bytes.NewReader(payload)

	var amtBuf [8]byte
	if _, err := readFull(r, amtBuf[:]); err != nil {
		return nil, fmt.Errorf("ilppacket: amount: %w", err)
	}
	amount := binary.BigEndian.Uint64(amtBuf[:])

	var tsBuf [generalizedTimeLength]byte
	if _, err := readFull(r, tsBuf[:]); err != nil {
		return nil, fmt.Errorf("ilppacket: expiresAt: %w", err)
	}
	expiresAt, err := parseGeneralizedTime(string(tsBuf[:]))
	if err != nil {
		return nil, fmt.Errorf("ilppacket: expiresAt: %w", err)
	}

	var cond Condition
	if _, err := readFull(r, cond[:]); err != nil {
		return nil, fmt.Errorf("ilppacket: condition: %w", err)
	}

	dest, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: destination: %w", err)
	}

	data, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: data: %w", err)
	}

	return &Prepare{
		Destination:        Address(dest),
		Amount:             amount,
		ExecutionCondition: cond,
		ExpiresAt:          expiresAt.UTC(),
		Data:               data,
	}, nil
}

// SerializeFulfill encodes f into its octet-exact wire form.
func SerializeFulfill(f *Fulfill) ([]byte, error) {
	if len(f.Data) > MaxDataLength {
		return nil, fmt.Errorf("ilppacket: data exceeds %d bytes", MaxDataLength)
	}
	var payload bytes.Buffer
	payload.Write(f.FulfillmentPreimage[:])
	writeLengthPrefixed(&payload, f.Data)
	return frame(TypeFulfill, payload.Bytes()), nil
}

// DeserializeFulfill parses a FULFILL packet.
func DeserializeFulfill(b []byte) (*Fulfill, error) {
	typ, payload, err := unframe(b)
	if err != nil {
		return nil, err
	}
	if typ != TypeFulfill {
		return nil, fmt.Errorf("ilppacket: expected FULFILL, got type %d", typ)
	}

	r := bytes.NewReader(payload)

	var preimage Fulfillment
	if _, err := readFull(r, preimage[:]); err != nil {
		return nil, fmt.Errorf("ilppacket: fulfillment: %w", err)
	}

	data, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: data: %w", err)
	}

	return &Fulfill{FulfillmentPreimage: preimage, Data: data}, nil
}

// SerializeReject encodes r into its octet-exact wire form.
func SerializeReject(r *Reject) ([]byte, error) {
	if len(r.Data) > MaxDataLength {
		return nil, fmt.Errorf("ilppacket: data exceeds %d bytes", MaxDataLength)
	}
	var payload bytes.Buffer
	payload.Write(r.Code[:])
	writeLengthPrefixed(&payload, []byte(r.TriggeredBy))
	writeLengthPrefixed(&payload, []byte(r.Message))
	writeLengthPrefixed(&payload, r.Data)
	return frame(TypeReject, payload.Bytes()), nil
}

// DeserializeReject parses a REJECT packet.
func DeserializeReject(b []byte) (*Reject, error) {
	typ, payload, err := unframe(b)
	if err != nil {
		return nil, err
	}
	if typ != TypeReject {
		return nil, fmt.Errorf("ilppacket: expected REJECT, got type %d", typ)
	}

	r := bytes.NewReader(payload)

	var code ErrorCode
	if _, err := readFull(r, code[:]); err != nil {
		return nil, fmt.Errorf("ilppacket: code: %w", err)
	}

	triggeredBy, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: triggeredBy: %w", err)
	}

	message, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: message: %w", err)
	}

	data, err := readLengthPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("ilppacket: data: %w", err)
	}

	return &Reject{
		Code:        code,
		TriggeredBy: Address(triggeredBy),
		Message:     string(message),
		Data:        data,
	}, nil
}

func frame(typ byte, payload []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(typ)
	writeLengthPrefix(&out, len(payload))
	out.Write(payload)
	return out.Bytes()
}

func unframe(b []byte) (byte, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("ilppacket: packet too short")
	}
	typ := b[0]
	length, lenSize, err := readLengthPrefixFromBytes(b[1:])
	if err != nil {
		return 0, nil, err
	}
	start := 1 + lenSize
	if start+length > len(b) {
		return 0, nil, fmt.Errorf("ilppacket: truncated envelope")
	}
	return typ, b[start : start+length], nil
}

// writeLengthPrefix writes n using the variable-length big-endian envelope
// length encoding: values below 128 fit in one byte; larger values use a
// leading 0x80|k byte followed by k big-endian length octets.
func writeLengthPrefix(buf *bytes.Buffer, n int) {
	if n < 128 {
		buf.WriteByte(byte(n))
		return
	}
	var lenBytes []byte
	for v := n; v > 0; v >>= 8 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
	}
	buf.WriteByte(0x80 | byte(len(lenBytes)))
	buf.Write(lenBytes)
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	writeLengthPrefix(buf, len(data))
	buf.Write(data)
}

// readLengthPrefixFromBytes decodes the variable-length prefix at the start
// of b using a bit-level reader (the prefix's top bit selects short vs.
// long form, exactly the sort of bitfield bstream is built to walk), and
// returns the decoded length and the number of bytes the prefix itself
// occupied.
func readLengthPrefixFromBytes(b []byte) (length int, prefixSize int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("ilppacket: missing length prefix")
	}

	br := bstream.NewBStreamReader(b)

	longForm, err := br.ReadBit()
	if err != nil {
		return 0, 0, fmt.Errorf("ilppacket: length prefix: %w", err)
	}

	lowSeven, err := br.ReadBits(7)
	if err != nil {
		return 0, 0, fmt.Errorf("ilppacket: length prefix: %w", err)
	}

	if !longForm {
		return int(lowSeven), 1, nil
	}

	n := int(lowSeven)
	if n == 0 || n > 8 {
		return 0, 0, fmt.Errorf("ilppacket: invalid length-of-length %d", n)
	}
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("ilppacket: truncated length prefix")
	}

	var v uint64
	for i := 0; i < n; i++ {
		byt, err := br.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("ilppacket: length prefix: %w", err)
		}
		v = v<<8 | uint64(byt)
	}

	return int(v), 1 + n, nil
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	rest := r.Len()
	buf := make([]byte, rest)
	n, _ := r.Read(buf)
	buf = buf[:n]

	length, prefixSize, err := readLengthPrefixFromBytes(buf)
	if err != nil {
		return nil, err
	}
	if prefixSize+length > len(buf) {
		return nil, fmt.Errorf("ilppacket: truncated field")
	}

	data := make([]byte, length)
	copy(data, buf[prefixSize:prefixSize+length])

	// Un-read the bytes we didn't consume by re-slicing the reader back to
	// just past the field we decoded.
	leftover := buf[prefixSize+length:]
	*r = *bytes.NewReader(leftover)

	return data, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("ilppacket: short read, got %d want %d", n, len(buf))
	}
	return n, nil
}
