package htlcswitch

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/routing"
	"github.com/stretchr/testify/require"
)

// remoteFulfiller registers a data handler on remote that fulfills any
// PREPARE whose condition it was told to honor, standing in for the
// actual downstream node beyond the egress link.
func remoteFulfiller(t *testing.T, remote *accounts.FakeLink, preimage ilppacket.Fulfillment) {
	t.Helper()
	remote.RegisterDataHandler(func(ctx context.Context, frame *ilppacket.Frame) (*ilppacket.Frame, error) {
		sp, ok := frame.ByProtocol(ilppacket.SubProtocolILP)
		require.True(t, ok)
		prepare, err := ilppacket.DeserializePrepare(sp.Data)
		require.NoError(t, err)
		require.NotEmpty(t, prepare.Destination)

		raw, err := ilppacket.SerializeFulfill(&ilppacket.Fulfill{FulfillmentPreimage: preimage})
		require.NoError(t, err)

		return &ilppacket.Frame{
			RequestID: frame.RequestID,
			Type:      ilppacket.FrameResponse,
			SubProtocols: []ilppacket.SubProtocolData{{
				ProtocolName: ilppacket.SubProtocolILP,
				ContentType:  "application/octet-stream",
				Data:         raw,
			}},
		}, nil
	})
}

func remoteRejecter(t *testing.T, remote *accounts.FakeLink, code ilppacket.ErrorCode) {
	t.Helper()
	remote.RegisterDataHandler(func(ctx context.Context, frame *ilppacket.Frame) (*ilppacket.Frame, error) {
		raw, err := ilppacket.SerializeReject(&ilppacket.Reject{Code: code, Message: "downstream rejected"})
		require.NoError(t, err)
		return &ilppacket.Frame{
			RequestID: frame.RequestID,
			Type:      ilppacket.FrameResponse,
			SubProtocols: []ilppacket.SubProtocolData{{
				ProtocolName: ilppacket.SubProtocolILP,
				Data:         raw,
			}},
		}, nil
	})
}

type testHarness struct {
	reg       *accounts.Registry
	table     *routing.Table
	sw        *Switch
	bob       *accounts.FakeLink
	bobRemote *accounts.FakeLink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	reg := accounts.NewRegistry()
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "alice", AssetCode: "USD", AssetScale: 2, MaxPacketAmount: 1_000_000}, accounts.NewFakeLink("alice", accounts.CapData)))

	bobLocal := accounts.NewFakeLink("bob-local", accounts.CapData)
	bobRemote := accounts.NewFakeLink("bob-remote", accounts.CapData)
	accounts.NewLoopbackPair(bobLocal, bobRemote)
	require.NoError(t, reg.Add(&accounts.Account{AccountID: "bob", AssetCode: "USD", AssetScale: 2, MaxPacketAmount: 1_000_000}, bobLocal))

	table := routing.NewTable()
	table.Insert("g.bob", routing.Route{NextHop: "bob"})

	rates := ratebackend.NewStaticTable(nil)
	sw := NewSwitch(reg, table, rates, Config{OwnAddress: "g.connector"})

	alicePipeline := NewPipeline(
		[]DataMiddleware{ErrorHandlerMiddleware("alice"), MaxPacketAmountMiddleware(1_000_000)}, sw.CoreHandler("alice"),
		nil, func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) { panic("alice is never an egress in this harness") },
		nil, func(ctx context.Context, f *ilppacket.Frame) error { return nil },
		nil, func(ctx context.Context, f *ilppacket.Frame) error { return nil },
	)
	sw.SetPipeline("alice", alicePipeline)

	bobPipeline := NewPipeline(
		nil, func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) { panic("bob is never an ingress in this harness") },
		[]DataMiddleware{ValidateFulfillmentMiddleware()}, LinkDataHandler(bobLocal),
		nil, func(ctx context.Context, f *ilppacket.Frame) error { return nil },
		nil, func(ctx context.Context, f *ilppacket.Frame) error { return nil },
	)
	sw.SetPipeline("bob", bobPipeline)

	return &testHarness{reg: reg, table: table, sw: sw, bob: bobLocal, bobRemote: bobRemote}
}

func preparePacket(amount uint64, preimage ilppacket.Fulfillment) *ilppacket.Prepare {
	return &ilppacket.Prepare{
		Destination:        "g.bob.carol",
		Amount:             amount,
		ExecutionCondition: sha256.Sum256(preimage[:]),
		ExpiresAt:          time.Now().Add(10 * time.Second),
		Data:               []byte("hello"),
	}
}

func TestForwardPrepareSuccess(t *testing.T) {
	h := newHarness(t)
	var preimage ilppacket.Fulfillment
	preimage[0] = 0x42
	remoteFulfiller(t, h.bobRemote, preimage)

	prepare := preparePacket(1000, preimage)
	fulfill, err := h.sw.ForwardPrepare(context.Background(), "alice", prepare)
	require.NoError(t, err)
	require.Equal(t, preimage, fulfill.FulfillmentPreimage)
}

func TestForwardPrepareNoRoute(t *testing.T) {
	h := newHarness(t)
	prepare := &ilppacket.Prepare{
		Destination: "g.unknown.carol",
		Amount:      1000,
		ExpiresAt:   time.Now().Add(10 * time.Second),
	}
	_, err := h.sw.ForwardPrepare(context.Background(), "alice", prepare)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF02UnreachableDestination, ilpErr.Code)
}

func TestForwardPrepareInsufficientTimeout(t *testing.T) {
	h := newHarness(t)
	var preimage ilppacket.Fulfillment
	prepare := preparePacket(1000, preimage)
	prepare.ExpiresAt = time.Now().Add(100 * time.Millisecond) // within MinMessageWindow default of 1s

	_, err := h.sw.ForwardPrepare(context.Background(), "alice", prepare)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeR02InsufficientTimeout, ilpErr.Code)
}

func TestForwardPrepareMaxPacketAmountRejected(t *testing.T) {
	h := newHarness(t)
	var preimage ilppacket.Fulfillment
	prepare := preparePacket(10_000_000, preimage)

	_, err := h.sw.ForwardPrepare(context.Background(), "alice", prepare)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF08AmountTooLarge, ilpErr.Code)
}

func TestForwardPrepareWrongFulfillmentRejected(t *testing.T) {
	h := newHarness(t)
	var condPreimage, wrongPreimage ilppacket.Fulfillment
	condPreimage[0] = 0x01
	wrongPreimage[0] = 0x02
	remoteFulfiller(t, h.bobRemote, wrongPreimage)

	prepare := preparePacket(1000, condPreimage)
	_, err := h.sw.ForwardPrepare(context.Background(), "alice", prepare)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF05WrongCondition, ilpErr.Code)
}

func TestForwardPrepareEgressRejectPropagates(t *testing.T) {
	h := newHarness(t)
	remoteRejecter(t, h.bobRemote, ilppacket.CodeT04InsufficientLiquidity)

	var preimage ilppacket.Fulfillment
	prepare := preparePacket(1000, preimage)
	_, err := h.sw.ForwardPrepare(context.Background(), "alice", prepare)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeT04InsufficientLiquidity, ilpErr.Code)
	require.Equal(t, ilppacket.Address("g.connector"), ilpErr.TriggeredBy, "an egress reject with no triggeredBy of its own must be stamped with this switch's address")
}
