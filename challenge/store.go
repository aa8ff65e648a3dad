package challenge

import (
	"context"
	"time"
)

// Spec describes one challenge to create. A request that challenges
// several tokens passes one Spec per token; the store assigns a shared
// parent id and per-token child ids.
type Spec struct {
	TokenSerial string
	ContentType ContentType
	Message     string
	Options     map[string]string
	Data        map[string]string
	TTL         time.Duration
}

// Store creates, looks up and resolves challenges. Implementations must
// apply the expiry check on every lookup; a background sweep is an
// optimization only. State transitions are authoritative: a challenge is
// never reported open to one caller after another has observed it
// answered or expired.
type Store interface {
	// CreateSet creates challenges for one logical request. A single
	// spec gets a bare parent id; multiple specs get child ids
	// "parent.01".."parent.NN". Creating a challenge for a token that
	// already has the maximum number of open challenges expires the
	// oldest first.
	CreateSet(ctx context.Context, specs []Spec) ([]*Challenge, error)

	// Lookup returns the challenge for a child id, or every child for a
	// parent id. openOnly filters out answered and expired challenges.
	Lookup(ctx context.Context, transactionID string, openOnly bool) ([]*Challenge, error)

	// Resolve transitions a challenge open -> answered with the given
	// outcome. It returns false when the challenge was already answered
	// or expired; at most one concurrent caller wins.
	Resolve(ctx context.Context, transactionID string, accepted bool) (bool, error)

	// SetData replaces the engine-side verification context, used to
	// attach material that is only known after the id was assigned.
	SetData(ctx context.Context, transactionID string, data map[string]string) error

	// OpenForToken returns the open challenges for a token serial.
	OpenForToken(ctx context.Context, serial string) ([]*Challenge, error)

	// ExpireSweep transitions every challenge past its expiry to
	// StateExpired and reports how many were swept.
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}
