// Package balance implements the per-account credit balance with
// min/max bounds and an append-only payout counter, per the connector's
// balance and settlement design. The Switch itself owns no balance
// state; a Tracker lives in the balance middleware of each account's
// pipeline.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-errors/errors"
	"github.com/ilpfi/connectord/ilppacket"
	"github.com/ilpfi/connectord/store"
)

// Snapshot is the read-only view returned by Tracker.Snapshot.
type Snapshot struct {
	Balance      int64 `json:"balance"`
	PayoutAmount int64 `json:"payoutAmount"`
}

// persisted is the JSON record written under "<accountId>:account".
type persisted struct {
	Balance              int64    `json:"balance"`
	PayoutAmount         int64    `json:"payoutAmount"`
	RemoteEngineIdentity string   `json:"remoteEngineIdentity,omitempty"`
	IssuedInvoices       []string `json:"issuedInvoices,omitempty"`
}

// Tracker is the linearizable credit-balance accounting for a single
// account. All mutators are safe for concurrent use; within a single
// account they are serialized by an internal mutex, matching the
// per-account sharded-lock scheduling model.
type Tracker struct {
	accountID string
	minimum   int64
	maximum   int64

	backing store.Store

	mu     sync.Mutex
	record persisted
}

// NewTracker constructs a Tracker for accountID with the given bounds,
// backed by store for durable persistence. Call Load before trusting its
// state if the store may already hold a record for this account.
func NewTracker(accountID string, minimum, maximum int64, backing store.Store) *Tracker {
	return &Tracker{
		accountID: accountID,
		minimum:   minimum,
		maximum:   maximum,
		backing:   backing,
	}
}

func (t *Tracker) key() string { return t.accountID + ":account" }

// Load restores the tracker's state from the backing store's cache, if a
// record exists. Called once at startup after store.Load has populated
// the cache.
func (t *Tracker) Load() error {
	raw, ok := t.backing.Get(t.key())
	if !ok {
		return nil
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Errorf("balance: decode record for %s: %w", t.accountID, err)
	}

	t.mu.Lock()
	t.record = p
	t.mu.Unlock()
	return nil
}

func (t *Tracker) persist(ctx context.Context) <-chan error {
	raw, err := json.Marshal(t.record)
	if err != nil {
		ch := make(chan error, 1)
		ch <- errors.Errorf("balance: encode record for %s: %w", t.accountID, err)
		return ch
	}
	return t.backing.Put(ctx, t.key(), raw)
}

// AddBalance increases the balance by delta (delta >= 0), checking
// balance+delta <= maximum. Used when a PREPARE arrives from the peer
// (they owe us more) or when an outgoing settlement payment is
// optimistically reflected before it completes.
func (t *Tracker) AddBalance(ctx context.Context, delta int64) error {
	if delta < 0 {
		return errors.Errorf("balance: AddBalance delta must be >= 0, got %d", delta)
	}

	t.mu.Lock()
	next := t.record.Balance + delta
	if next > t.maximum {
		t.mu.Unlock()
		return ilppacket.ErrInsufficientLiquidity(
			fmt.Sprintf("account %s: balance %d + %d would exceed maximum %d", t.accountID, t.record.Balance, delta, t.maximum))
	}
	t.record.Balance = next
	t.mu.Unlock()

	return <-t.persist(ctx)
}

// SubBalance decreases the balance by delta (delta >= 0), checking
// balance-delta >= minimum. Used when we pay out (a downstream FULFILL
// commits, or a settlement succeeds).
func (t *Tracker) SubBalance(ctx context.Context, delta int64) error {
	if delta < 0 {
		return errors.Errorf("balance: SubBalance delta must be >= 0, got %d", delta)
	}

	t.mu.Lock()
	next := t.record.Balance - delta
	if next < t.minimum {
		t.mu.Unlock()
		return ilppacket.ErrInsufficientLiquidity(
			fmt.Sprintf("account %s: balance %d - %d would go below minimum %d", t.accountID, t.record.Balance, delta, t.minimum))
	}
	t.record.Balance = next
	t.mu.Unlock()

	return <-t.persist(ctx)
}

// AddPayout appends delta to the monotonic payoutAmount counter, tracking
// cumulative value successfully paid out to the remote side.
func (t *Tracker) AddPayout(ctx context.Context, delta int64) error {
	if delta < 0 {
		return errors.Errorf("balance: AddPayout delta must be >= 0, got %d", delta)
	}

	t.mu.Lock()
	t.record.PayoutAmount += delta
	t.mu.Unlock()

	return <-t.persist(ctx)
}

// Snapshot returns the current balance and payoutAmount.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Balance: t.record.Balance, PayoutAmount: t.record.PayoutAmount}
}

// Bounds returns the configured minimum and maximum balance.
func (t *Tracker) Bounds() (minimum, maximum int64) {
	return t.minimum, t.maximum
}
