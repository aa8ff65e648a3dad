package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSealKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OTPD_SEAL_KEY", testSealKey)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 4, cfg.MaxOpenChallenges)
	assert.Equal(t, 8, cfg.TANLength)
	assert.Equal(t, "lseqr", cfg.PairingScheme)

	key, err := cfg.SealKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadRequiresSealKey(t *testing.T) {
	t.Setenv("OTPD_SEAL_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "OTPD_SEAL_KEY"))
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("OTPD_SEAL_KEY", "zz")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("OTPD_SEAL_KEY", testSealKey)
	t.Setenv("OTPD_TAN_LENGTH", "2")
	_, err = Load()
	assert.Error(t, err)
}
