package ilppacket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{
		RequestID: 42,
		Type:      FrameMessage,
		SubProtocols: []SubProtocolData{
			{ProtocolName: SubProtocolILP, ContentType: "application/octet-stream", Data: []byte{1, 2, 3}},
			{ProtocolName: SubProtocolCCPControl, ContentType: "", Data: []byte{}},
		},
	}

	b := SerializeFrame(f)
	got, err := DeserializeFrame(b)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFrameByProtocol(t *testing.T) {
	f := &Frame{
		SubProtocols: []SubProtocolData{
			{ProtocolName: SubProtocolILP, Data: []byte{9}},
		},
	}
	sp, ok := f.ByProtocol(SubProtocolILP)
	require.True(t, ok)
	require.Equal(t, []byte{9}, sp.Data)

	_, ok = f.ByProtocol("missing")
	require.False(t, ok)
}
