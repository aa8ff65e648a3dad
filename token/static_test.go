package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordToken(t *testing.T) {
	cred := &Credential{
		Serial:  "PW0001",
		Kind:    KindPassword,
		Enabled: true,
		Secret:  []byte("s3cret"),
	}
	ck, err := NewChecker(cred, Deps{})
	require.NoError(t, err)

	res, err := ck.Authenticate(context.Background(), "s3cret", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)

	res, err = ck.Authenticate(context.Background(), "wrong", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)

	res, err = ck.Authenticate(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
}

func TestSPassToken(t *testing.T) {
	cred := &Credential{Serial: "SP0001", Kind: KindSPass, Enabled: true}
	cred.SetPIN("1234")
	ck, err := NewChecker(cred, Deps{})
	require.NoError(t, err)

	// The PIN is verified by the caller; the OTP part must be empty.
	res, err := ck.Authenticate(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)

	res, err = ck.Authenticate(context.Background(), "123456", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
}

func TestPINMatching(t *testing.T) {
	cred := &Credential{Serial: "SP0002", Kind: KindSPass, Enabled: true}
	cred.SetPIN("geheim")

	assert.True(t, cred.MatchesPIN("geheim"))
	assert.False(t, cred.MatchesPIN("Geheim"))
	assert.False(t, cred.MatchesPIN(""))

	// Unicode PINs compare in normalized form.
	cred.SetPIN("café")
	assert.True(t, cred.MatchesPIN("café"))
}

func TestCredentialActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cred := &Credential{Serial: "T1", Enabled: true}
	assert.True(t, cred.Active(now))

	cred.Enabled = false
	assert.False(t, cred.Active(now))

	cred.Enabled = true
	later := now.Add(time.Hour)
	cred.ValidFrom = &later
	assert.False(t, cred.Active(now))

	earlier := now.Add(-time.Hour)
	cred.ValidFrom = &earlier
	assert.True(t, cred.Active(now))

	cred.ValidUntil = &earlier
	assert.False(t, cred.Active(now))
}

func TestCounterGuards(t *testing.T) {
	cred := &Credential{Serial: "T2", Enabled: true, FailCountMax: 3}

	assert.False(t, cred.FailCountExceeded())
	cred.FailCount = 3
	assert.True(t, cred.FailCountExceeded())
	cred.FailCount = 7
	assert.True(t, cred.FailCountExceeded())

	cred.CountAuthMax = 10
	cred.CountAuth = 9
	assert.False(t, cred.AuthCountExhausted())
	cred.CountAuth = 10
	assert.True(t, cred.AuthCountExhausted())

	cred.CountAuth = 0
	cred.CountAuthSuccessMax = 2
	cred.CountAuthSuccess = 2
	assert.True(t, cred.AuthCountExhausted())
}
