package routing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthTokenRoundTrip(t *testing.T) {
	rootKey := []byte("test-root-key-0123456789abcdef")

	token, err := MintAuthToken(rootKey, "peer-b", 42)
	require.NoError(t, err)

	epoch, err := VerifyAuthToken(rootKey, "peer-b", token)
	require.NoError(t, err)
	require.EqualValues(t, 42, epoch)
}

func TestAuthTokenWrongPeerRejected(t *testing.T) {
	rootKey := []byte("test-root-key-0123456789abcdef")

	token, err := MintAuthToken(rootKey, "peer-b", 1)
	require.NoError(t, err)

	_, err = VerifyAuthToken(rootKey, "peer-c", token)
	require.Error(t, err)
}

func TestAuthTokenWrongKeyRejected(t *testing.T) {
	token, err := MintAuthToken([]byte("root-key-aaaaaaaaaaaaaaaaaaaaaa"), "peer-b", 1)
	require.NoError(t, err)

	_, err = VerifyAuthToken([]byte("root-key-bbbbbbbbbbbbbbbbbbbbbb"), "peer-b", token)
	require.Error(t, err)
}
