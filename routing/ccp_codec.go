package routing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ilpfi/connectord/ilppacket"
)

// The CCP wire encodings below are this connector's own internal framing
// for RouteControl/RouteUpdate, carried as the Data of a ccp_control or
// ccp_update sub-protocol. Simple length-prefixed binary fields, in the
// style of the rest of this codebase's peer-frame wire format.

func putString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var n [4]byte
	if _, err := readAll(r, n[:]); err != nil {
		return "", err
	}
	length := binary.BigEndian.Uint32(n[:])
	b := make([]byte, length)
	if _, err := readAll(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readAll(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil && len(buf) > 0 {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("routing: short read: got %d want %d", n, len(buf))
	}
	return n, nil
}

func putRoute(buf *bytes.Buffer, r Route) {
	putString(buf, string(r.Prefix))
	putString(buf, r.NextHop)
	if r.Local {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	var pathLen [4]byte
	binary.BigEndian.PutUint32(pathLen[:], uint32(len(r.Path)))
	buf.Write(pathLen[:])
	for _, p := range r.Path {
		putString(buf, p)
	}

	var tokLen [4]byte
	binary.BigEndian.PutUint32(tokLen[:], uint32(len(r.AuthToken)))
	buf.Write(tokLen[:])
	buf.Write(r.AuthToken)
}

func getRoute(r *bytes.Reader) (Route, error) {
	prefix, err := getString(r)
	if err != nil {
		return Route{}, err
	}
	nextHop, err := getString(r)
	if err != nil {
		return Route{}, err
	}
	localByte, err := r.ReadByte()
	if err != nil {
		return Route{}, err
	}

	var pathLenB [4]byte
	if _, err := readAll(r, pathLenB[:]); err != nil {
		return Route{}, err
	}
	pathLen := binary.BigEndian.Uint32(pathLenB[:])
	path := make([]string, 0, pathLen)
	for i := uint32(0); i < pathLen; i++ {
		p, err := getString(r)
		if err != nil {
			return Route{}, err
		}
		path = append(path, p)
	}

	var tokLenB [4]byte
	if _, err := readAll(r, tokLenB[:]); err != nil {
		return Route{}, err
	}
	tokLen := binary.BigEndian.Uint32(tokLenB[:])
	token := make([]byte, tokLen)
	if _, err := readAll(r, token); err != nil {
		return Route{}, err
	}

	return Route{
		Prefix:    ilppacket.Address(prefix),
		NextHop:   nextHop,
		Local:     localByte == 1,
		Path:      path,
		AuthToken: token,
	}, nil
}

func encodeRouteControl(ctrl RouteControl) *ilppacket.Frame {
	var buf bytes.Buffer
	buf.WriteByte(byte(ctrl.Mode))
	buf.Write(ctrl.LastKnownRoutingTableID[:])
	var epoch [4]byte
	binary.BigEndian.PutUint32(epoch[:], ctrl.LastKnownEpoch)
	buf.Write(epoch[:])

	return &ilppacket.Frame{
		Type: ilppacket.FrameMessage,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolCCPControl,
			ContentType:  "application/octet-stream",
			Data:         buf.Bytes(),
		}},
	}
}

func decodeRouteControl(frame *ilppacket.Frame) (RouteControl, error) {
	sp, ok := frame.ByProtocol(ilppacket.SubProtocolCCPControl)
	if !ok {
		return RouteControl{}, fmt.Errorf("routing: frame has no %s sub-protocol", ilppacket.SubProtocolCCPControl)
	}
	r := bytes.NewReader(sp.Data)

	modeByte, err := r.ReadByte()
	if err != nil {
		return RouteControl{}, err
	}
	var tableID RoutingTableID
	if _, err := readAll(r, tableID[:]); err != nil {
		return RouteControl{}, err
	}
	var epochB [4]byte
	if _, err := readAll(r, epochB[:]); err != nil {
		return RouteControl{}, err
	}

	return RouteControl{
		Mode:                    Mode(modeByte),
		LastKnownRoutingTableID: tableID,
		LastKnownEpoch:          binary.BigEndian.Uint32(epochB[:]),
	}, nil
}

func encodeRouteUpdate(update RouteUpdate) *ilppacket.Frame {
	var buf bytes.Buffer
	buf.Write(update.RoutingTableID[:])

	var epochs [12]byte
	binary.BigEndian.PutUint32(epochs[0:4], update.CurrentEpoch)
	binary.BigEndian.PutUint32(epochs[4:8], update.FromEpoch)
	binary.BigEndian.PutUint32(epochs[8:12], update.ToEpoch)
	buf.Write(epochs[:])

	var holdDownMs [8]byte
	binary.BigEndian.PutUint64(holdDownMs[:], uint64(update.HoldDownTime/time.Millisecond))
	buf.Write(holdDownMs[:])

	putString(&buf, update.Speaker)

	var newLen [4]byte
	binary.BigEndian.PutUint32(newLen[:], uint32(len(update.NewRoutes)))
	buf.Write(newLen[:])
	for _, r := range update.NewRoutes {
		putRoute(&buf, r)
	}

	var withdrawnLen [4]byte
	binary.BigEndian.PutUint32(withdrawnLen[:], uint32(len(update.WithdrawnRoutes)))
	buf.Write(withdrawnLen[:])
	for _, prefix := range update.WithdrawnRoutes {
		putString(&buf, string(prefix))
	}

	return &ilppacket.Frame{
		Type: ilppacket.FrameMessage,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolCCPUpdate,
			ContentType:  "application/octet-stream",
			Data:         buf.Bytes(),
		}},
	}
}

func decodeRouteUpdate(frame *ilppacket.Frame) (RouteUpdate, error) {
	sp, ok := frame.ByProtocol(ilppacket.SubProtocolCCPUpdate)
	if !ok {
		return RouteUpdate{}, fmt.Errorf("routing: frame has no %s sub-protocol", ilppacket.SubProtocolCCPUpdate)
	}
	r := bytes.NewReader(sp.Data)

	var update RouteUpdate
	if _, err := readAll(r, update.RoutingTableID[:]); err != nil {
		return RouteUpdate{}, err
	}

	var epochs [12]byte
	if _, err := readAll(r, epochs[:]); err != nil {
		return RouteUpdate{}, err
	}
	update.CurrentEpoch = binary.BigEndian.Uint32(epochs[0:4])
	update.FromEpoch = binary.BigEndian.Uint32(epochs[4:8])
	update.ToEpoch = binary.BigEndian.Uint32(epochs[8:12])

	var holdDownMs [8]byte
	if _, err := readAll(r, holdDownMs[:]); err != nil {
		return RouteUpdate{}, err
	}
	update.HoldDownTime = time.Duration(binary.BigEndian.Uint64(holdDownMs[:])) * time.Millisecond

	speaker, err := getString(r)
	if err != nil {
		return RouteUpdate{}, err
	}
	update.Speaker = speaker

	var newLenB [4]byte
	if _, err := readAll(r, newLenB[:]); err != nil {
		return RouteUpdate{}, err
	}
	newLen := binary.BigEndian.Uint32(newLenB[:])
	for i := uint32(0); i < newLen; i++ {
		route, err := getRoute(r)
		if err != nil {
			return RouteUpdate{}, err
		}
		update.NewRoutes = append(update.NewRoutes, route)
	}

	var withdrawnLenB [4]byte
	if _, err := readAll(r, withdrawnLenB[:]); err != nil {
		return RouteUpdate{}, err
	}
	withdrawnLen := binary.BigEndian.Uint32(withdrawnLenB[:])
	for i := uint32(0); i < withdrawnLen; i++ {
		prefix, err := getString(r)
		if err != nil {
			return RouteUpdate{}, err
		}
		update.WithdrawnRoutes = append(update.WithdrawnRoutes, ilppacket.Address(prefix))
	}

	return update, nil
}
