package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otpd/otpd/storage"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("OTPD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OTPD_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck

	return NewRepository(pool), func() {
		pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
		pool.Close()
	}
}

func testEnvelope(version uint64) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      make([]byte, 12),
		Ciphertext: []byte("cipher"),
		Version:    version,
	}
}

func TestPostgresStorage(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	recordType := "token"
	recordID := "OATH001"

	t.Run("PutGet", func(t *testing.T) {
		env := testEnvelope(1)
		if err := s.Put(recordType, recordID, env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := s.Get(recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != env.Ver {
			t.Errorf("expected ver %d, got %d", env.Ver, got.Ver)
		}
		if got.Scheme != env.Scheme {
			t.Errorf("expected scheme %q, got %q", env.Scheme, got.Scheme)
		}
		if string(got.Ciphertext) != string(env.Ciphertext) {
			t.Errorf("expected ciphertext %q, got %q", env.Ciphertext, got.Ciphertext)
		}
		if got.Version != env.Version {
			t.Errorf("expected version %d, got %d", env.Version, got.Version)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(recordType, "nope")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put(recordType, "OATH002", testEnvelope(1)) //nolint:errcheck
		ids, err := s.List(recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 IDs, got %d", len(ids))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(recordType, "OATH002"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(recordType, "OATH002"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestPostgresPutCAS(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	recordType := "token"
	recordID := "OATH001"

	t.Run("CreateRequiresZero", func(t *testing.T) {
		if err := s.PutCAS(recordType, recordID, 3, testEnvelope(4)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed for missing record, got %v", err)
		}
		if err := s.PutCAS(recordType, recordID, 0, testEnvelope(1)); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
	})

	t.Run("StaleVersionRejected", func(t *testing.T) {
		if err := s.PutCAS(recordType, recordID, 1, testEnvelope(2)); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}

		// A writer holding the old version must lose.
		if err := s.PutCAS(recordType, recordID, 1, testEnvelope(2)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed for stale version, got %v", err)
		}

		got, err := s.Get(recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2 after lost race, got %d", got.Version)
		}
	})
}
