package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/otpd/otpd/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "otpd.db"), nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)

	env := &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("0123456789ab"),
		Ciphertext: []byte("sealed token record"),
		Version:    1,
	}

	if err := s.Put(storage.RecordTypeToken, "TOTP0001", env); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(storage.RecordTypeToken, "TOTP0001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Ciphertext) != "sealed token record" {
		t.Errorf("unexpected ciphertext: %q", got.Ciphertext)
	}

	ids, err := s.List(storage.RecordTypeToken)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "TOTP0001" {
		t.Errorf("unexpected ids: %v", ids)
	}

	if _, err := s.Get(storage.RecordTypeToken, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(storage.RecordTypeToken, "TOTP0001"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(storage.RecordTypeToken, "TOTP0001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStoreCAS(t *testing.T) {
	s := openTestStore(t)

	mk := func(version uint64) *storage.Envelope {
		return &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: []byte("n"), Ciphertext: []byte("c"), Version: version}
	}

	if err := s.PutCAS(storage.RecordTypeToken, "S1", 0, mk(1)); err != nil {
		t.Fatalf("initial PutCAS failed: %v", err)
	}
	if err := s.PutCAS(storage.RecordTypeToken, "S1", 0, mk(1)); !errors.Is(err, storage.ErrCASFailed) {
		t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
	}
	if err := s.PutCAS(storage.RecordTypeToken, "S1", 1, mk(2)); err != nil {
		t.Errorf("PutCAS update failed: %v", err)
	}
	if err := s.PutCAS(storage.RecordTypeToken, "S1", 1, mk(3)); !errors.Is(err, storage.ErrCASFailed) {
		t.Errorf("expected ErrCASFailed on stale version, got %v", err)
	}
}
