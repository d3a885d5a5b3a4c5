package htlcswitch

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ilpfi/connectord/balance"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// newLogClosure mirrors the teacher's lazily-evaluated trace logging: the
// spew.Sdump call is never made unless trace logging is actually enabled.
type logClosure func() string

func (c logClosure) String() string { return c() }

func newLogClosure(f func() string) logClosure { return logClosure(f) }

// ErrorHandlerMiddleware catches any non-protocol error returned further
// down the chain and converts it to CodeF00InternalError; an
// *ilppacket.Error already representing a protocol failure passes
// through unchanged.
func ErrorHandlerMiddleware(accountID string) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			fulfill, err := next(ctx, p)
			if err == nil {
				return fulfill, nil
			}
			if ilpErr, ok := ilppacket.AsError(err); ok {
				return nil, ilpErr
			}
			log.Errorf("account %s: internal error forwarding to %s: %v", accountID, p.Destination, err)
			return nil, ilppacket.NewError(ilppacket.CodeF00InternalError, "internal error")
		}
	}
}

// RateLimitDataMiddleware enforces a token-bucket limit on the number of
// packets per unit time; an exhausted bucket rejects with T05.
func RateLimitDataMiddleware(limiter *rate.Limiter) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			if !limiter.Allow() {
				return nil, ilppacket.NewError(ilppacket.CodeT05RateLimited, "rate limit exceeded")
			}
			return next(ctx, p)
		}
	}
}

// RateLimitMoneyMiddleware is RateLimitDataMiddleware's money-chain
// counterpart.
func RateLimitMoneyMiddleware(limiter *rate.Limiter) MoneyMiddleware {
	return func(next MoneyHandler) MoneyHandler {
		return func(ctx context.Context, frame *ilppacket.Frame) error {
			if !limiter.Allow() {
				return ilppacket.NewError(ilppacket.CodeT05RateLimited, "rate limit exceeded")
			}
			return next(ctx, frame)
		}
	}
}

// MaxPacketAmountMiddleware rejects any incoming PREPARE whose amount
// exceeds maxAmount with F08, encoding the actual and maximum amounts in
// the reject's Data.
func MaxPacketAmountMiddleware(maxAmount uint64) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			if maxAmount > 0 && p.Amount > maxAmount {
				return nil, ilppacket.NewAmountTooLargeError(p.Amount, maxAmount)
			}
			return next(ctx, p)
		}
	}
}

// DeduplicateMiddleware caches the outcome of an outgoing PREPARE keyed by
// (destination, amount, condition, expiresAt); an identical retry within
// the cache's window replays the cached response instead of forwarding
// again.
func DeduplicateMiddleware(cache *DedupCache) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			if cached, ok := cache.lookup(p); ok {
				log.Debugf("deduplicate: replaying cached outcome for destination %s", p.Destination)
				return cached.fulfill, cached.err
			}
			fulfill, err := next(ctx, p)
			cache.store(p, fulfill, err)
			return fulfill, err
		}
	}
}

// ExpireMiddleware enforces the local hop timeout: if the PREPARE's
// ExpiresAt has already passed by the time the downstream handler
// finishes (or would finish), the caller gets R00 even if the downstream
// itself was slow to respond, racing the result against the clock.
func ExpireMiddleware(clk clock.Clock) DataMiddleware {
	if clk == nil {
		clk = clock.WallClock
	}
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			remaining := p.ExpiresAt.Sub(clk.Now())
			if remaining <= 0 {
				return nil, ilppacket.NewError(ilppacket.CodeR00TransferTimedOut, "transfer already expired")
			}

			// goCtx is canceled the instant this hop's deadline fires, so a
			// late FULFILL can no longer commit a balance effect downstream
			// (see OutgoingBalanceMiddleware's ctx.Err() check) after R00 has
			// already been returned to the caller.
			goCtx, cancel := context.WithCancel(ctx)

			type result struct {
				fulfill *ilppacket.Fulfill
				err     error
			}
			done := make(chan result, 1)
			go func() {
				fulfill, err := next(goCtx, p)
				done <- result{fulfill, err}
			}()

			select {
			case r := <-done:
				cancel()
				return r.fulfill, r.err
			case <-clk.After(remaining):
				cancel()
				return nil, ilppacket.NewError(ilppacket.CodeR00TransferTimedOut, "transfer timed out")
			}
		}
	}
}

// IncomingBalanceMiddleware optimistically credits tracker by the
// incoming PREPARE's amount (the peer owes us more), reverting on any
// downstream failure.
func IncomingBalanceMiddleware(tracker *balance.Tracker) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			if err := tracker.AddBalance(ctx, int64(p.Amount)); err != nil {
				return nil, err
			}

			fulfill, err := next(ctx, p)
			if err != nil {
				if revertErr := tracker.SubBalance(ctx, int64(p.Amount)); revertErr != nil {
					log.Errorf("balance: failed to revert optimistic credit: %v", revertErr)
				}
				return nil, err
			}
			return fulfill, nil
		}
	}
}

// OutgoingBalanceMiddleware debits tracker by the outgoing PREPARE's
// amount once the downstream FULFILLs (we now owe the egress account).
func OutgoingBalanceMiddleware(tracker *balance.Tracker) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			fulfill, err := next(ctx, p)
			if err != nil {
				return nil, err
			}
			if ctx.Err() != nil {
				// The local deadline (ExpireMiddleware) already fired and
				// R00 has been returned upstream; this FULFILL arrived too
				// late to be trusted with a balance effect.
				return nil, ilppacket.NewError(ilppacket.CodeR00TransferTimedOut, "transfer timed out")
			}
			if err := tracker.SubBalance(ctx, int64(p.Amount)); err != nil {
				return nil, err
			}
			return fulfill, nil
		}
	}
}

// IncomingMoneyBalanceMiddleware credits tracker on an incoming
// money-protocol frame that represents a direct balance adjustment (as
// opposed to a settlement artifact receipt, handled by the settlement
// package).
func IncomingMoneyBalanceMiddleware(tracker *balance.Tracker, amount func(*ilppacket.Frame) (int64, bool)) MoneyMiddleware {
	return func(next MoneyHandler) MoneyHandler {
		return func(ctx context.Context, frame *ilppacket.Frame) error {
			if delta, ok := amount(frame); ok && delta > 0 {
				if err := tracker.AddBalance(ctx, delta); err != nil {
					return err
				}
			}
			return next(ctx, frame)
		}
	}
}

// ThroughputMiddleware caps bandwidth in asset units using a token
// bucket sized in the account's native amount units.
func ThroughputMiddleware(limiter *rate.Limiter) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			if p.Amount > 0 {
				n := p.Amount
				if n > 1<<30 {
					n = 1 << 30 // clamp: the limiter's burst is necessarily bounded to an int
				}
				if !limiter.AllowN(time.Now(), int(n)) {
					return nil, ilppacket.NewError(ilppacket.CodeT05RateLimited, "throughput cap exceeded")
				}
			}
			return next(ctx, p)
		}
	}
}

// ValidateFulfillmentMiddleware verifies that a FULFILL returned from
// downstream actually preimages the PREPARE's executionCondition,
// converting a mismatch into F05 rather than letting a forged fulfillment
// through.
func ValidateFulfillmentMiddleware() DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			fulfill, err := next(ctx, p)
			if err != nil {
				return nil, err
			}
			if sha256.Sum256(fulfill.FulfillmentPreimage[:]) != [32]byte(p.ExecutionCondition) {
				return nil, ilppacket.NewError(ilppacket.CodeF05WrongCondition, "fulfillment does not match execution condition")
			}
			return fulfill, nil
		}
	}
}

// StatsMiddleware is observability-only: it logs the forwarded packet at
// trace level without affecting the result.
func StatsMiddleware(accountID string) DataMiddleware {
	return func(next DataHandler) DataHandler {
		return func(ctx context.Context, p *ilppacket.Prepare) (*ilppacket.Fulfill, error) {
			log.Tracef("account %s: forwarding %s", accountID, newLogClosure(func() string {
				return spew.Sdump(p)
			}))
			return next(ctx, p)
		}
	}
}
