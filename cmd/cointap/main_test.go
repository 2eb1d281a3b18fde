package main

import (
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetEnvValueKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, setEnvValue(path, "COINTAP_JWT_SECRET", "s3cret"))
	require.NoError(t, setEnvValue(path, "COINTAP_USER", "a@example.com"))
	require.NoError(t, setEnvValue(path, "COINTAP_USER", "b@example.com"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"COINTAP_JWT_SECRET": "s3cret",
		"COINTAP_USER":       "b@example.com",
	}, env)
}

func TestSplitCursor(t *testing.T) {
	ts, id, err := splitCursor("2026-01-02T03:04:05.000Z|tx-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", ts)
	assert.Equal(t, "tx-1", id)

	ts, id, err = splitCursor("")
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Empty(t, id)

	for _, bad := range []string{"nopipe", "|id", "ts|"} {
		_, _, err := splitCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestCoinFormatting(t *testing.T) {
	assert.Equal(t, "12,345.50", coins(12345.5))
	assert.Equal(t, "+5.00", signed(5))
	assert.Equal(t, "-2.25", signed(-2.25))
	assert.Equal(t, "1h30m0s", remaining(5400))
}

func TestRootReportsErrorsOnce(t *testing.T) {
	// main prints the returned error itself
	assert.True(t, rootCmd.SilenceErrors)
	assert.True(t, rootCmd.SilenceUsage)
}
