// Package challenge tracks open authentication challenges keyed by
// transaction id. A challenge is created when a token signals that it
// needs an out-of-band or computed response, and is resolved exactly
// once when a matching response arrives within the expiry window.
package challenge

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no challenge exists for a transaction id.
var ErrNotFound = errors.New("challenge not found")

// ErrTooManyChallenges is returned when a fan-out exceeds the child id space.
var ErrTooManyChallenges = errors.New("too many challenges in one request")

// State is the lifecycle state of a challenge. A challenge transitions
// open -> answered exactly once, or open -> expired; there is no way back.
type State string

const (
	StateOpen     State = "open"
	StateAnswered State = "answered"
	StateExpired  State = "expired"
)

// ContentType mirrors the wire-level challenge content type.
type ContentType int8

const (
	ContentTypeFree    ContentType = 0
	ContentTypePairing ContentType = 1
	ContentTypeAuth    ContentType = 2
)

// Challenge is one open, answered or expired challenge record.
type Challenge struct {
	// TransactionID is either a bare parent id ("12345") or a child id
	// ("12345.01") when several tokens were challenged by one request.
	TransactionID string            `json:"transaction_id"`
	TokenSerial   string            `json:"token_serial"`
	ContentType   ContentType       `json:"content_type"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	State         State             `json:"state"`
	Accepted      bool              `json:"accepted"`
	Message       string            `json:"message,omitempty"`

	// Options carries opaque request-supplied context, e.g. signing data.
	Options map[string]string `json:"options,omitempty"`

	// Data carries engine-side verification context, e.g. the expected
	// challenge signature or an OCRA question.
	Data map[string]string `json:"data,omitempty"`

	version uint64
}

// Open reports whether the challenge is still open at the given time.
func (c *Challenge) Open(now time.Time) bool {
	return c.State == StateOpen && now.Before(c.ExpiresAt)
}

func (c *Challenge) clone() *Challenge {
	cp := *c
	cp.Options = cloneMap(c.Options)
	cp.Data = cloneMap(c.Data)
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
