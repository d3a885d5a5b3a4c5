package routing

import (
	"fmt"

	macaroon "gopkg.in/macaroon.v2"
)

// MintAuthToken produces the opaque freshness token carried on a Route
// advertisement: a macaroon binding the advertising peer's identity and
// the epoch at which the route was last changed. A listener that later
// sees a lower epoch for the same prefix from the same peer can use this
// to detect a stale replay.
func MintAuthToken(rootKey []byte, peerID string, epoch uint32) ([]byte, error) {
	m, err := macaroon.New(rootKey, []byte(peerID), "connectord", macaroon.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("mint auth token: %w", err)
	}
	if err := m.AddFirstPartyCaveat([]byte(fmt.Sprintf("epoch=%d", epoch))); err != nil {
		return nil, fmt.Errorf("mint auth token: %w", err)
	}
	return m.MarshalBinary()
}

// VerifyAuthToken checks that token is a well-formed macaroon minted with
// rootKey for peerID, returning the epoch bound in its caveat.
func VerifyAuthToken(rootKey []byte, peerID string, token []byte) (uint32, error) {
	m := &macaroon.Macaroon{}
	if err := m.UnmarshalBinary(token); err != nil {
		return 0, fmt.Errorf("verify auth token: %w", err)
	}
	if string(m.Id()) != peerID {
		return 0, fmt.Errorf("verify auth token: peer id mismatch")
	}

	var epoch uint32
	check := func(caveat string) error {
		var parsed uint32
		if _, err := fmt.Sscanf(caveat, "epoch=%d", &parsed); err != nil {
			return fmt.Errorf("unrecognized caveat %q", caveat)
		}
		epoch = parsed
		return nil
	}
	if err := m.Verify(rootKey, check, nil); err != nil {
		return 0, fmt.Errorf("verify auth token: %w", err)
	}
	return epoch, nil
}
