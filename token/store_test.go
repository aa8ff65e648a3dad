package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpd/otpd/storage"
	"github.com/otpd/otpd/storage/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := NewStore(memory.NewRepository(), key)
	require.NoError(t, err)
	return s
}

func TestStoreCreateGet(t *testing.T) {
	s := newTestStore(t)

	cred := &Credential{
		Serial:  "HOTP0001",
		Kind:    KindHOTP,
		Enabled: true,
		Owner:   &Owner{Login: "alice", Realm: "corp"},
		OTP:     &OTPConfig{Key: rfc4226Key, Digits: 6},
	}
	cred.SetPIN("1234")
	require.NoError(t, s.Create(cred))

	got, err := s.Get("HOTP0001")
	require.NoError(t, err)
	assert.Equal(t, KindHOTP, got.Kind)
	assert.Equal(t, "alice", got.Owner.Login)
	assert.True(t, got.MatchesPIN("1234"))
	assert.Equal(t, rfc4226Key, got.OTP.Key)

	// Enrolling the same serial twice fails.
	assert.ErrorIs(t, s.Create(cred), ErrSerialExists)

	_, err = s.Get("NOPE")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreSealKeySize(t *testing.T) {
	_, err := NewStore(memory.NewRepository(), []byte("short"))
	assert.Error(t, err)
}

func TestStoreUpdate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Credential{Serial: "T1", Kind: KindSPass, Enabled: true}))

	err := s.Update("T1", func(c *Credential) error {
		c.FailCount++
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailCount)

	assert.ErrorIs(t, s.Update("MISSING", func(*Credential) error { return nil }), storage.ErrNotFound)
}

// Concurrent counter updates must not lose increments.
func TestStoreUpdateConcurrent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Credential{Serial: "T1", Kind: KindSPass, Enabled: true}))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update("T1", func(c *Credential) error {
				c.FailCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, workers, got.FailCount)
}

func TestStoreListByOwner(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Credential{
		Serial: "A1", Kind: KindSPass, Enabled: true,
		Owner: &Owner{Login: "alice", Realm: "corp"},
	}))
	require.NoError(t, s.Create(&Credential{
		Serial: "A2", Kind: KindHOTP, Enabled: true,
		Owner: &Owner{Login: "alice", Realm: "corp"},
		OTP:   &OTPConfig{Key: rfc4226Key},
	}))
	require.NoError(t, s.Create(&Credential{
		Serial: "B1", Kind: KindSPass, Enabled: true,
		Owner: &Owner{Login: "bob", Realm: "corp"},
	}))
	require.NoError(t, s.Create(&Credential{Serial: "U1", Kind: KindSPass, Enabled: true}))

	creds, err := s.ListByOwner("alice", "corp")
	require.NoError(t, err)
	serials := make([]string, 0, len(creds))
	for _, c := range creds {
		serials = append(serials, c.Serial)
	}
	assert.ElementsMatch(t, []string{"A1", "A2"}, serials)

	creds, err = s.ListByOwner("alice", "other")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestStoreFindByPartition(t *testing.T) {
	s := newTestStore(t)

	qr := &Credential{Serial: "LSQR0001", Kind: KindQR, Enabled: true}
	require.NoError(t, InitPairing(qr))
	require.NoError(t, s.Create(qr))
	require.NoError(t, s.Create(&Credential{Serial: "SP1", Kind: KindSPass, Enabled: true}))

	got, err := s.FindByPartition(qr.Pairing.Partition)
	require.NoError(t, err)
	assert.Equal(t, "LSQR0001", got.Serial)
	assert.Equal(t, qr.Pairing.ServerPublicKey, got.Pairing.ServerPublicKey)

	_, err = s.FindByPartition(qr.Pairing.Partition + 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&Credential{Serial: "T1", Kind: KindSPass, Enabled: true}))
	require.NoError(t, s.Delete("T1"))

	_, err := s.Get("T1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
