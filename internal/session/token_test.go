package session

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := NewToken()
		require.NoError(t, err)

		raw, err := hex.DecodeString(token)
		require.NoError(t, err, "token must be hex")
		assert.GreaterOrEqual(t, len(raw), 16, "token needs at least 16 bytes of entropy")

		assert.False(t, seen[token], "token collision")
		seen[token] = true
	}
}

func TestQRPNGDeterministic(t *testing.T) {
	token, err := NewToken()
	require.NoError(t, err)

	a, err := QRPNG(token)
	require.NoError(t, err)
	b, err := QRPNG(token)
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.Equal(t, a, b, "same token must render the same image")

	other, err := QRPNG(token + "x")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}
