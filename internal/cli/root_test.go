package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvOrFallsBackToDefault(t *testing.T) {
	require.NoError(t, os.Unsetenv("FIREFRP_TEST_ENV"))
	require.Equal(t, "fallback", envOr("FIREFRP_TEST_ENV", "fallback"))

	t.Setenv("FIREFRP_TEST_ENV", "set")
	require.Equal(t, "set", envOr("FIREFRP_TEST_ENV", "fallback"))
}

func TestRunHelpExitsZero(t *testing.T) {
	require.Equal(t, 0, Run([]string{"--help"}))
}

func TestRunVersionExitsZero(t *testing.T) {
	require.Equal(t, 0, Run([]string{"--version"}))
}

func TestRunUnknownFlagExitsOne(t *testing.T) {
	require.Equal(t, 1, Run([]string{"--not-a-flag"}))
}
