// Package settlement drives the SettlementEngine external collaborator
// (the concrete Lightning/XRP/etc. payment machinery is out of scope;
// this package only owns the per-account trigger/single-flight state
// machine and the money-protocol exchange that surrounds it) and
// balances the BalanceTracker against a configured threshold.
package settlement

import "context"

// Artifact is an opaque settlement payment artifact (e.g. a Lightning
// invoice, an XRP payment channel claim) together with the destination
// identity it was issued for, used to validate that an artifact obtained
// via invoiceRequest/invoiceResponse actually targets the expected peer.
type Artifact struct {
	ID                  string
	Payload             []byte
	DestinationIdentity string
}

// PayResult is the outcome of a SettlementEngine.Pay call.
type PayResult struct {
	Success bool
	Reason  string
}

// Engine is the external settlement-engine capability (concrete Lightning
// daemon, XRP payment-channel machinery, or any other out-of-scope
// payment backend). Pay must itself be safe to call concurrently, but
// Controller additionally guarantees at most one outstanding Pay call per
// account regardless of the engine's own concurrency.
type Engine interface {
	// Identity returns this engine's identity, exchanged with peers via
	// peeringRequest/peeringResponse so each side knows which artifact
	// format the other expects.
	Identity() string

	// Pay attempts to settle amount (in the account's native asset
	// units) against artifact.
	Pay(ctx context.Context, artifact Artifact, amount int64) (PayResult, error)
}

// ArtifactRequester exchanges an invoiceRequest/invoiceResponse pair over
// the account's money-protocol link to obtain a fresh settlement
// artifact from the peer.
type ArtifactRequester func(ctx context.Context) (Artifact, error)
