package settlement

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ilpfi/connectord/balance"
	"github.com/ilpfi/connectord/store"
	"github.com/rogpeppe/fastuuid"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	identity string
	payCalls int32
	succeed  bool
}

func (e *fakeEngine) Identity() string { return e.identity }

func (e *fakeEngine) Pay(ctx context.Context, artifact Artifact, amount int64) (PayResult, error) {
	atomic.AddInt32(&e.payCalls, 1)
	return PayResult{Success: e.succeed}, nil
}

func newArtifactRequester(gen *fastuuid.Generator) ArtifactRequester {
	return func(ctx context.Context) (Artifact, error) {
		id := gen.Next()
		return Artifact{ID: string(id[:]), DestinationIdentity: "peer-engine"}, nil
	}
}

func int64ptr(v int64) *int64 { return &v }

func TestControllerSettlementTriggerScenario(t *testing.T) {
	ctx := context.Background()
	tracker := balance.NewTracker("peer1", -200, 1000, store.NewMemStore())
	require.NoError(t, tracker.SubBalance(ctx, 50))
	require.NoError(t, tracker.SubBalance(ctx, 50))
	require.NoError(t, tracker.SubBalance(ctx, 50))
	require.Equal(t, int64(-150), tracker.Snapshot().Balance)

	// payoutAmount reflects the cumulative value owed to the peer from
	// those FULFILLs.
	require.NoError(t, tracker.AddPayout(ctx, 150))

	engine := &fakeEngine{identity: "lightning-test", succeed: true}
	gen, err := fastuuid.NewGenerator()
	require.NoError(t, err)

	var settledAmount int64
	ctrl := NewController("peer1", tracker, int64ptr(-100), 0, engine, newArtifactRequester(gen), func(budget int64) {
		settledAmount = budget
	})

	ctrl.MaybeSettle(ctx)

	require.EqualValues(t, 1, engine.payCalls)
	require.Equal(t, int64(150), settledAmount)

	snap := tracker.Snapshot()
	require.Equal(t, int64(0), snap.Balance)
	require.Equal(t, int64(300), snap.PayoutAmount) // 150 seeded + 150 settled
}

func TestControllerNoOpAboveThreshold(t *testing.T) {
	ctx := context.Background()
	tracker := balance.NewTracker("peer1", -200, 1000, store.NewMemStore())

	engine := &fakeEngine{identity: "lightning-test", succeed: true}
	gen, err := fastuuid.NewGenerator()
	require.NoError(t, err)

	ctrl := NewController("peer1", tracker, int64ptr(-100), 0, engine, newArtifactRequester(gen), nil)
	ctrl.MaybeSettle(ctx)

	require.EqualValues(t, 0, engine.payCalls)
	require.Equal(t, StateIdle, ctrl.State())
}

func TestControllerReceiveOnlyAccountNeverSettles(t *testing.T) {
	ctx := context.Background()
	tracker := balance.NewTracker("peer1", -200, 1000, store.NewMemStore())
	require.NoError(t, tracker.SubBalance(ctx, 150))

	engine := &fakeEngine{identity: "lightning-test", succeed: true}
	gen, err := fastuuid.NewGenerator()
	require.NoError(t, err)

	ctrl := NewController("peer1", tracker, nil, 0, engine, newArtifactRequester(gen), nil)
	ctrl.MaybeSettle(ctx)

	require.EqualValues(t, 0, engine.payCalls)
}

func TestControllerRevertsOnPayFailure(t *testing.T) {
	ctx := context.Background()
	tracker := balance.NewTracker("peer1", -200, 1000, store.NewMemStore())
	require.NoError(t, tracker.SubBalance(ctx, 150))
	require.NoError(t, tracker.AddPayout(ctx, 150))

	engine := &fakeEngine{identity: "lightning-test", succeed: false}
	gen, err := fastuuid.NewGenerator()
	require.NoError(t, err)

	ctrl := NewController("peer1", tracker, int64ptr(-100), 0, engine, newArtifactRequester(gen), nil)
	ctrl.MaybeSettle(ctx)

	require.EqualValues(t, 1, engine.payCalls)
	require.Equal(t, int64(-150), tracker.Snapshot().Balance, "failed pay must revert the optimistic credit")
}

func TestControllerDuplicateArtifactReceiptIgnored(t *testing.T) {
	ctx := context.Background()
	tracker := balance.NewTracker("peer1", -200, 1000, store.NewMemStore())
	require.NoError(t, tracker.AddBalance(ctx, 100))

	engine := &fakeEngine{identity: "lightning-test"}
	ctrl := NewController("peer1", tracker, nil, 0, engine, nil, nil)

	var creditCalls int
	onCredit := func(amount int64) { creditCalls++ }

	require.NoError(t, ctrl.HandleIncomingArtifactReceipt(ctx, "artifact-1", 40, onCredit))
	require.NoError(t, ctrl.HandleIncomingArtifactReceipt(ctx, "artifact-1", 40, onCredit))

	require.Equal(t, 1, creditCalls)
	require.Equal(t, int64(60), tracker.Snapshot().Balance)
}
