package settlement

import (
	"context"
	"sync"

	"github.com/ilpfi/connectord/balance"
)

// State is the per-account settlement state, per the controller's state
// machine: only IDLE may transition to CHECKING, and an arrival at
// CHECKING while already CHECKING or PAYING is suppressed rather than
// queued, setting a "recheck on completion" flag instead.
type State int

const (
	StateIdle State = iota
	StateChecking
	StatePaying
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StatePaying:
		return "paying"
	default:
		return "idle"
	}
}

// Controller is one account's settlement trigger/single-flight state
// machine. It is triggered whenever the account's balance falls below
// its configured settleThreshold and is otherwise inert.
type Controller struct {
	accountID       string
	tracker         *balance.Tracker
	settleThreshold *int64
	settleTo        int64

	engine          Engine
	requestArtifact ArtifactRequester
	onSettled       func(budget int64)

	mu       sync.Mutex
	state    State
	recheck  bool
	consumed map[string]struct{}
}

// NewController constructs a Controller for accountID. settleThreshold is
// nil for a receive-only account, which never initiates settlement
// (MaybeSettle is then always a no-op).
func NewController(
	accountID string,
	tracker *balance.Tracker,
	settleThreshold *int64,
	settleTo int64,
	engine Engine,
	requestArtifact ArtifactRequester,
	onSettled func(budget int64),
) *Controller {
	return &Controller{
		accountID:       accountID,
		tracker:         tracker,
		settleThreshold: settleThreshold,
		settleTo:        settleTo,
		engine:          engine,
		requestArtifact: requestArtifact,
		onSettled:       onSettled,
		consumed:        make(map[string]struct{}),
	}
}

// MaybeSettle is called whenever a packet completes (or on connect, if
// configured) to check whether the account's balance has fallen below
// its settleThreshold. It is fire-and-forget with respect to the caller:
// forwarding never blocks on settlement, so a caller typically invokes
// this in its own goroutine.
func (c *Controller) MaybeSettle(ctx context.Context) {
	if c.settleThreshold == nil {
		return // receive-only account, never initiates settlement
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.recheck = true
		c.mu.Unlock()
		return
	}
	c.state = StateChecking
	c.mu.Unlock()

	c.runCheck(ctx)
}

func (c *Controller) runCheck(ctx context.Context) {
	for {
		budget := c.computeBudget()
		if budget <= 0 {
			c.finish()
			return
		}

		c.mu.Lock()
		c.state = StatePaying
		c.mu.Unlock()

		c.pay(ctx, budget)

		c.mu.Lock()
		recheck := c.recheck
		c.recheck = false
		if !recheck {
			c.state = StateIdle
			c.mu.Unlock()
			return
		}
		c.state = StateChecking
		c.mu.Unlock()
		// loop: a trigger arrived while we were paying, re-evaluate.
	}
}

func (c *Controller) finish() {
	c.mu.Lock()
	recheck := c.recheck
	c.recheck = false
	c.state = StateIdle
	c.mu.Unlock()

	if recheck {
		c.MaybeSettle(context.Background())
	}
}

// computeBudget returns min(settleTo - balance, payoutAmount), the
// amount this settlement attempt should move, or 0 while the balance is
// not below settleThreshold.
func (c *Controller) computeBudget() int64 {
	snap := c.tracker.Snapshot()
	if c.settleThreshold != nil && snap.Balance >= *c.settleThreshold {
		return 0
	}
	byThreshold := c.settleTo - snap.Balance
	if snap.PayoutAmount < byThreshold {
		return snap.PayoutAmount
	}
	return byThreshold
}

func (c *Controller) pay(ctx context.Context, budget int64) {
	if err := c.tracker.AddBalance(ctx, budget); err != nil {
		log.Warnf("settlement: account %s: optimistic credit of %d failed: %v", c.accountID, budget, err)
		return
	}

	artifact, err := c.requestArtifact(ctx)
	if err != nil {
		log.Warnf("settlement: account %s: failed to obtain artifact: %v", c.accountID, err)
		c.revert(ctx, budget)
		return
	}

	result, err := c.engine.Pay(ctx, artifact, budget)
	if err != nil || !result.Success {
		log.Warnf("settlement: account %s: pay of %d failed: %v", c.accountID, budget, err)
		c.revert(ctx, budget)
		return
	}

	if err := c.tracker.AddPayout(ctx, budget); err != nil {
		log.Errorf("settlement: account %s: payout bookkeeping failed after successful pay: %v", c.accountID, err)
		return
	}
	log.Infof("settlement: account %s: settled %d", c.accountID, budget)
	if c.onSettled != nil {
		c.onSettled(budget)
	}
}

func (c *Controller) revert(ctx context.Context, budget int64) {
	if err := c.tracker.SubBalance(ctx, budget); err != nil {
		log.Errorf("settlement: account %s: failed to revert optimistic credit of %d: %v", c.accountID, budget, err)
	}
}

// HandleIncomingArtifactReceipt processes a credit reported by the local
// SettlementEngine tagged with artifactID: subBalance(amount) and invoke
// the caller's money-handler callback, unless artifactID was already
// consumed (a duplicate notification, ignored).
func (c *Controller) HandleIncomingArtifactReceipt(ctx context.Context, artifactID string, amount int64, onCredit func(amount int64)) error {
	c.mu.Lock()
	if _, seen := c.consumed[artifactID]; seen {
		c.mu.Unlock()
		log.Debugf("settlement: account %s: ignoring duplicate receipt for artifact %s", c.accountID, artifactID)
		return nil
	}
	c.consumed[artifactID] = struct{}{}
	c.mu.Unlock()

	if err := c.tracker.SubBalance(ctx, amount); err != nil {
		return err
	}
	if onCredit != nil {
		onCredit(amount)
	}
	return nil
}

// State returns the controller's current state, for observability and
// tests.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
