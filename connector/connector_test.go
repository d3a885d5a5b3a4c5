package connector

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/ilpfi/connectord/accounts"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/ratebackend"
	"github.com/ilpfi/connectord/settlement"
	"github.com/ilpfi/connectord/store"
	"github.com/stretchr/testify/require"
)

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

func childAccount(id string) *accounts.Account {
	return &accounts.Account{
		AccountID:       id,
		Relation:        accounts.RelationChild,
		AssetCode:       "USD",
		AssetScale:      2,
		MaxPacketAmount: 1_000_000,
		Balance:         accounts.BalanceConfig{Minimum: -10_000, Maximum: 10_000},
	}
}

func TestConnectorForwardsAcrossChildAccounts(t *testing.T) {
	conn := NewConnector("test.connector", ratebackend.NewStaticTable(nil), store.NewMemStore(), Config{})

	require.NoError(t, conn.AddAccount(AccountSetup{
		Account: childAccount("alice"),
		Link:    accounts.NewFakeLink("alice", accounts.CapData),
	}))

	bobLocal := accounts.NewFakeLink("bob-local", accounts.CapData)
	bobRemote := accounts.NewFakeLink("bob-remote", accounts.CapData)
	accounts.NewLoopbackPair(bobLocal, bobRemote)
	require.NoError(t, conn.AddAccount(AccountSetup{
		Account: childAccount("bob"),
		Link:    bobLocal,
	}))

	var preimage ilppacket.Fulfillment
	preimage[0] = 0x7a
	remoteFulfiller(t, bobRemote, preimage)

	prepare := &ilppacket.Prepare{
		Destination:        "test.connector.bob.carol",
		Amount:             1000,
		ExecutionCondition: sha256.Sum256(preimage[:]),
		ExpiresAt:          time.Now().Add(10 * time.Second),
		Data:               []byte("hello"),
	}

	fulfill, err := conn.ForwardPrepare(context.Background(), "alice", prepare)
	require.NoError(t, err)
	require.Equal(t, preimage, fulfill.FulfillmentPreimage)
}

func TestConnectorForwardingRejectsUnreachableDestination(t *testing.T) {
	conn := NewConnector("test.connector", ratebackend.NewStaticTable(nil), store.NewMemStore(), Config{})
	require.NoError(t, conn.AddAccount(AccountSetup{
		Account: childAccount("alice"),
		Link:    accounts.NewFakeLink("alice", accounts.CapData),
	}))

	prepare := &ilppacket.Prepare{
		Destination: "g.nowhere.carol",
		Amount:      100,
		ExpiresAt:   time.Now().Add(10 * time.Second),
	}
	_, err := conn.ForwardPrepare(context.Background(), "alice", prepare)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF02UnreachableDestination, ilpErr.Code)
}

func TestConnectorWireRejectCarriesDataAndTriggeredBy(t *testing.T) {
	conn := NewConnector("test.connector", ratebackend.NewStaticTable(nil), store.NewMemStore(), Config{})

	aliceLocal := accounts.NewFakeLink("alice-local", accounts.CapData)
	aliceRemote := accounts.NewFakeLink("alice-remote", accounts.CapData)
	accounts.NewLoopbackPair(aliceLocal, aliceRemote)

	acct := childAccount("alice")
	acct.MaxPacketAmount = 500
	require.NoError(t, conn.AddAccount(AccountSetup{Account: acct, Link: aliceLocal}))

	raw, err := ilppacket.Serialize(&ilppacket.Prepare{
		Destination: "test.connector.bob.carol",
		Amount:      501,
		ExpiresAt:   time.Now().Add(10 * time.Second),
	})
	require.NoError(t, err)

	respFrame, err := aliceRemote.SendData(context.Background(), &ilppacket.Frame{
		RequestID: 1,
		Type:      ilppacket.FrameMessage,
		SubProtocols: []ilppacket.SubProtocolData{{
			ProtocolName: ilppacket.SubProtocolILP,
			ContentType:  "application/octet-stream",
			Data:         raw,
		}},
	})
	require.NoError(t, err)

	sp, ok := respFrame.ByProtocol(ilppacket.SubProtocolILP)
	require.True(t, ok)
	reject, err := ilppacket.DeserializeReject(sp.Data)
	require.NoError(t, err)

	require.Equal(t, ilppacket.CodeF08AmountTooLarge, reject.Code)
	require.Equal(t, ilppacket.Address("test.connector"), reject.TriggeredBy)
	require.Len(t, reject.Data, 16)
}

func peerAccount(id string) *accounts.Account {
	return &accounts.Account{
		AccountID:       id,
		Relation:        accounts.RelationPeer,
		AssetCode:       "USD",
		AssetScale:      2,
		MaxPacketAmount: 1_000_000,
		Balance:         accounts.BalanceConfig{Minimum: -10_000, Maximum: 10_000},
	}
}

func TestConnectorCCPHandshakeLearnsPeerChildRoute(t *testing.T) {
	connA := NewConnector("g.connA", ratebackend.NewStaticTable(nil), store.NewMemStore(), Config{})
	connB := NewConnector("g.connB", ratebackend.NewStaticTable(nil), store.NewMemStore(), Config{})

	require.NoError(t, connA.AddAccount(AccountSetup{
		Account: childAccount("alice"),
		Link:    accounts.NewFakeLink("alice", accounts.CapData),
	}))

	linkAtoB := accounts.NewFakeLink("connB", accounts.CapData)
	linkBtoA := accounts.NewFakeLink("connA", accounts.CapData)

	require.NoError(t, connA.AddAccount(AccountSetup{
		Account: peerAccount("connB"),
		Link:    linkAtoB,
	}))
	require.NoError(t, connB.AddAccount(AccountSetup{
		Account: peerAccount("connA"),
		Link:    linkBtoA,
	}))

	// Wiring the loopback pair fires each side's OnConnect, which kicks
	// off the CCP handshake in both directions: connA requests a sync
	// from connB, and connB requests a sync from connA, which answers
	// with its route table (including "g.connA.alice"). Here connB is the
	// listener that must learn connA's "alice" child route.
	accounts.NewLoopbackPair(linkAtoB, linkBtoA)

	require.Eventually(t, func() bool {
		r, ok := connB.ResolveRoute("g.connA.alice.sub")
		return ok && r.NextHop == "connA"
	}, time.Second, 5*time.Millisecond)
}

type fakeSettlementEngine struct {
	identity string
	paid     int64
}

func (e *fakeSettlementEngine) Identity() string { return e.identity }

func (e *fakeSettlementEngine) Pay(ctx context.Context, artifact settlement.Artifact, amount int64) (settlement.PayResult, error) {
	e.paid += amount
	return settlement.PayResult{Success: true}, nil
}

func TestConnectorSettlementTriggerExchangesArtifactOverWire(t *testing.T) {
	conn := NewConnector("test.connector", ratebackend.NewStaticTable(nil), store.NewMemStore(), Config{})

	bobLocal := accounts.NewFakeLink("bob-local", accounts.CapData|accounts.CapMoney)
	bobRemote := accounts.NewFakeLink("bob-remote", accounts.CapData|accounts.CapMoney)
	accounts.NewLoopbackPair(bobLocal, bobRemote)

	// bobRemote stands in for the peer's connector: it answers an
	// invoiceRequest with a canned invoiceResponse artifact.
	bobRemote.RegisterMoneyHandler(func(ctx context.Context, frame *ilppacket.Frame) error {
		if _, ok := frame.ByProtocol(ilppacket.SubProtocolInvoiceRequest); !ok {
			return nil
		}
		resp, err := wrapInvoiceResponseFrame(frame.RequestID, invoicePayload{
			ArtifactID:          "artifact-1",
			DestinationIdentity: "remote-engine",
		})
		require.NoError(t, err)
		return bobRemote.SendMoney(ctx, resp)
	})

	bobAcct := childAccount("bob")
	threshold := int64(-100)
	bobAcct.Balance.Minimum = -200
	bobAcct.Balance.SettleThreshold = &threshold
	bobAcct.Balance.SettleTo = 0

	engine := &fakeSettlementEngine{identity: "local-engine"}

	require.NoError(t, conn.AddAccount(AccountSetup{
		Account: bobAcct,
		Link:    bobLocal,
		Engine:  engine,
	}))

	st := conn.state["bob"]
	require.NotNil(t, st)
	require.NoError(t, st.tracker.SubBalance(context.Background(), 150))
	require.NoError(t, st.tracker.AddPayout(context.Background(), 150))

	st.settle.MaybeSettle(context.Background())

	require.Eventually(t, func() bool {
		return engine.paid == 150
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(0), st.tracker.Snapshot().Balance)
}
