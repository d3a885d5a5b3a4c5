// Package accounts implements the registry of peer accounts: the
// connector's view of a bilateral relationship, its static configuration,
// and the capability set of the link used to reach it.
package accounts

import "time"

// Relation classifies the hierarchical position of a peer account.
type Relation int

const (
	RelationParent Relation = iota
	RelationPeer
	RelationChild
)

func (r Relation) String() string {
	switch r {
	case RelationParent:
		return "parent"
	case RelationChild:
		return "child"
	default:
		return "peer"
	}
}

// Capability flags describing which link types an account supports.
type Capability uint8

const (
	// CapData indicates the account's link can carry ILP data packets.
	CapData Capability = 1 << iota
	// CapMoney indicates the account's link additionally carries the
	// money-protocol sub-protocols (settlement, peering).
	CapMoney
)

func (c Capability) Has(f Capability) bool { return c&f != 0 }

// BalanceConfig is the configured bilateral credit bounds for an account,
// per the connector's balance and settlement design.
type BalanceConfig struct {
	Minimum int64
	Maximum int64

	// SettleThreshold is nil for a receive-only account that never
	// initiates settlement.
	SettleThreshold *int64
	SettleTo        int64
}

// Validate checks the configuration invariants required at construction:
// minimum <= settleThreshold <= settleTo <= maximum.
func (b BalanceConfig) Validate() error {
	if b.Minimum > b.Maximum {
		return errConfig("minimum must be <= maximum")
	}
	if b.SettleTo < b.Minimum || b.SettleTo > b.Maximum {
		return errConfig("settleTo must be within [minimum, maximum]")
	}
	if b.SettleThreshold != nil {
		if *b.SettleThreshold < b.Minimum || *b.SettleThreshold > b.SettleTo {
			return errConfig("settleThreshold must be within [minimum, settleTo]")
		}
	}
	return nil
}

// RateLimitConfig configures the token-bucket rate limiter applied to an
// account's incoming data and money chains.
type RateLimitConfig struct {
	RefillPeriod time.Duration
	RefillCount  int
	Capacity     int
}

// DedupConfig configures the outgoing-data deduplication cache window.
type DedupConfig struct {
	Window time.Duration
}

// Account is a peer relationship: its identity, asset, capabilities, and
// configured bounds, per the connector's data model.
type Account struct {
	AccountID  string
	Relation   Relation
	AssetCode  string
	AssetScale uint8

	Capabilities Capability

	Balance BalanceConfig

	MaxPacketAmount uint64

	RateLimit RateLimitConfig
	Dedup     DedupConfig

	SettleOnConnect bool

	// PeerWeight is the tie-break used by RouteManager's route selection
	// policy when hop count is equal across candidate peers.
	PeerWeight int
}

// Validate checks the account's static configuration invariants.
func (a *Account) Validate() error {
	if a.AccountID == "" {
		return errConfig("accountId must not be empty")
	}
	if err := a.Balance.Validate(); err != nil {
		return err
	}
	return nil
}

type configError string

func (e configError) Error() string { return "accounts: " + string(e) }

func errConfig(msg string) error { return configError(msg) }
