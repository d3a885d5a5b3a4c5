package htlcswitch

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/ilpfi/connectord/balance"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func okHandler(calls *int) DataHandler {
	return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		*calls++
		return &ilppacket.Fulfill{}, nil
	}
}

func TestRateLimitMiddlewareRejectsOverflow(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	var calls int
	h := RateLimitDataMiddleware(limiter)(okHandler(&calls))

	_, err := h(context.Background(), &ilppacket.Prepare{})
	require.NoError(t, err)

	_, err = h(context.Background(), &ilppacket.Prepare{})
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeT05RateLimited, ilpErr.Code)
	require.Equal(t, 1, calls)
}

func TestMaxPacketAmountMiddleware(t *testing.T) {
	var calls int
	h := MaxPacketAmountMiddleware(500)(okHandler(&calls))

	_, err := h(context.Background(), &ilppacket.Prepare{Amount: 500})
	require.NoError(t, err)

	_, err = h(context.Background(), &ilppacket.Prepare{Amount: 501})
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF08AmountTooLarge, ilpErr.Code)
	require.Len(t, ilpErr.Data, 16)
	require.Equal(t, uint64(501), binary.BigEndian.Uint64(ilpErr.Data[0:8]))
	require.Equal(t, uint64(500), binary.BigEndian.Uint64(ilpErr.Data[8:16]))
}

func TestDeduplicateMiddlewareReplaysWithinWindow(t *testing.T) {
	cache := NewDedupCache(time.Minute, nil)
	var calls int
	h := DeduplicateMiddleware(cache)(okHandler(&calls))

	p := &ilppacket.Prepare{Destination: "g.bob", Amount: 100, ExpiresAt: time.Now().Add(time.Minute)}

	f1, err := h(context.Background(), p)
	require.NoError(t, err)
	f2, err := h(context.Background(), p)
	require.NoError(t, err)

	require.Same(t, f1, f2)
	require.Equal(t, 1, calls, "second identical call must be served from cache")
}

func TestErrorHandlerMiddlewareConvertsGenericError(t *testing.T) {
	h := ErrorHandlerMiddleware("acct")(func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		return nil, fmt.Errorf("boom: unexpected nil pointer somewhere downstream")
	})

	_, err := h(context.Background(), &ilppacket.Prepare{})
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF00InternalError, ilpErr.Code)
}

func TestErrorHandlerMiddlewarePassesThroughProtocolError(t *testing.T) {
	h := ErrorHandlerMiddleware("acct")(func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		return nil, ilppacket.NewError(ilppacket.CodeF08AmountTooLarge, "too big")
	})

	_, err := h(context.Background(), &ilppacket.Prepare{})
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeF08AmountTooLarge, ilpErr.Code)
}

func TestExpireMiddlewareDiscardsLateFulfillBalanceEffect(t *testing.T) {
	tracker := balance.NewTracker("acct", -1000, 1000, store.NewMemStore())

	released := make(chan struct{})
	slowCore := func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		<-released
		return &ilppacket.Fulfill{}, nil
	}

	h := ExpireMiddleware(nil)(OutgoingBalanceMiddleware(tracker)(slowCore))

	p := &ilppacket.Prepare{Amount: 200, ExpiresAt: time.Now().Add(10 * time.Millisecond)}
	_, err := h(context.Background(), p)
	require.Error(t, err)
	ilpErr, ok := ilppacket.AsError(err)
	require.True(t, ok)
	require.Equal(t, ilppacket.CodeR00TransferTimedOut, ilpErr.Code)

	close(released)
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Balance == 0
	}, time.Second, time.Millisecond, "a FULFILL arriving after the local deadline must not debit the tracker")
}

func TestIncomingBalanceMiddlewareRevertsOnFailure(t *testing.T) {
	tracker := balance.NewTracker("acct", -1000, 1000, store.NewMemStore())
	h := IncomingBalanceMiddleware(tracker)(func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		return nil, ilppacket.NewError(ilppacket.CodeF02UnreachableDestination, "no route")
	})

	_, err := h(context.Background(), &ilppacket.Prepare{Amount: 200})
	require.Error(t, err)
	require.Equal(t, int64(0), tracker.Snapshot().Balance, "failed forward must revert the optimistic credit")
}

func TestIncomingBalanceMiddlewareCommitsOnSuccess(t *testing.T) {
	tracker := balance.NewTracker("acct", -1000, 1000, store.NewMemStore())
	h := IncomingBalanceMiddleware(tracker)(func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
		return &ilppacket.Fulfill{}, nil
	})

	_, err := h(context.Background(), &ilppacket.Prepare{Amount: 200})
	require.NoError(t, err)
	require.Equal(t, int64(200), tracker.Snapshot().Balance)
}
