package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyShape(t *testing.T) {
	key, err := GenerateKey("ff-")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "ff-"))
	require.Len(t, strings.TrimPrefix(key, "ff-"), 32)
}

func TestGenerateTunnelIDShape(t *testing.T) {
	id, err := GenerateTunnelID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "T-"))
	require.Len(t, strings.TrimPrefix(id, "T-"), 8)
}

func TestConstantTimeEquals(t *testing.T) {
	require.True(t, ConstantTimeEquals("abc", "abc"))
	require.False(t, ConstantTimeEquals("abc", "abd"))
	require.False(t, ConstantTimeEquals("abc", "ab"))
}

func TestRedact(t *testing.T) {
	require.Equal(t, "short", Redact("short"))
	require.Equal(t, "0123456789…", Redact("0123456789abcdef"))
}
