package challenge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory challenge store. All state
// transitions happen under one mutex, which makes the open -> answered
// compare-and-set trivially atomic.
type MemoryStore struct {
	mu          sync.Mutex
	byID        map[string]*Challenge
	children    map[string][]string
	maxOpen     int
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// DefaultMaxOpenPerToken bounds the open challenges per token; creating
// more evicts the oldest.
const DefaultMaxOpenPerToken = 4

// NewMemoryStore creates an empty in-memory store. maxOpenPerToken <= 0
// selects DefaultMaxOpenPerToken.
func NewMemoryStore(maxOpenPerToken int) *MemoryStore {
	if maxOpenPerToken <= 0 {
		maxOpenPerToken = DefaultMaxOpenPerToken
	}
	return &MemoryStore{
		byID:     make(map[string]*Challenge),
		children: make(map[string][]string),
		maxOpen:  maxOpenPerToken,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateSet(_ context.Context, specs []Spec) ([]*Challenge, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if len(specs) > maxChildrenPerParent {
		return nil, ErrTooManyChallenges
	}

	parent, err := NewParentID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created := make([]*Challenge, 0, len(specs))
	var ids []string

	for i, spec := range specs {
		id := parent
		if len(specs) > 1 {
			id, err = ChildID(parent, i+1)
			if err != nil {
				return nil, err
			}
		}

		s.evictOverflowLocked(spec.TokenSerial, now)

		ch := &Challenge{
			TransactionID: id,
			TokenSerial:   spec.TokenSerial,
			ContentType:   spec.ContentType,
			Message:       spec.Message,
			CreatedAt:     now,
			ExpiresAt:     now.Add(spec.TTL),
			State:         StateOpen,
			Options:       cloneMap(spec.Options),
			Data:          cloneMap(spec.Data),
		}
		s.byID[id] = ch
		ids = append(ids, id)
		created = append(created, ch.clone())
	}

	s.children[parent] = ids
	return created, nil
}

// evictOverflowLocked expires the oldest open challenges of a token so
// that one more can be inserted without exceeding the cap.
func (s *MemoryStore) evictOverflowLocked(serial string, now time.Time) {
	var open []*Challenge
	for _, ch := range s.byID {
		s.applyExpiryLocked(ch, now)
		if ch.TokenSerial == serial && ch.State == StateOpen {
			open = append(open, ch)
		}
	}
	if len(open) < s.maxOpen {
		return
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	for i := 0; i <= len(open)-s.maxOpen; i++ {
		open[i].State = StateExpired
	}
}

// applyExpiryLocked is the single authoritative open -> expired transition.
func (s *MemoryStore) applyExpiryLocked(ch *Challenge, now time.Time) {
	if ch.State == StateOpen && !now.Before(ch.ExpiresAt) {
		ch.State = StateExpired
	}
}

func (s *MemoryStore) Lookup(_ context.Context, transactionID string, openOnly bool) ([]*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Challenge

	collect := func(id string) {
		ch, ok := s.byID[id]
		if !ok {
			return
		}
		s.applyExpiryLocked(ch, now)
		if openOnly && ch.State != StateOpen {
			return
		}
		out = append(out, ch.clone())
	}

	if _, isChild := SplitID(transactionID); isChild {
		collect(transactionID)
	} else if ids, ok := s.children[transactionID]; ok {
		for _, id := range ids {
			collect(id)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", transactionID, ErrNotFound)
	}
	return out, nil
}

func (s *MemoryStore) Resolve(_ context.Context, transactionID string, accepted bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byID[transactionID]
	if !ok {
		return false, fmt.Errorf("%s: %w", transactionID, ErrNotFound)
	}

	s.applyExpiryLocked(ch, s.now())
	if ch.State != StateOpen {
		return false, nil
	}
	ch.State = StateAnswered
	ch.Accepted = accepted
	return true, nil
}

func (s *MemoryStore) SetData(_ context.Context, transactionID string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byID[transactionID]
	if !ok {
		return fmt.Errorf("%s: %w", transactionID, ErrNotFound)
	}
	ch.Data = cloneMap(data)
	return nil
}

func (s *MemoryStore) OpenForToken(_ context.Context, serial string) ([]*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Challenge
	for _, ch := range s.byID {
		s.applyExpiryLocked(ch, now)
		if ch.TokenSerial == serial && ch.State == StateOpen {
			out = append(out, ch.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ExpireSweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, ch := range s.byID {
		if ch.State == StateOpen && !now.Before(ch.ExpiresAt) {
			ch.State = StateExpired
			swept++
		}
	}
	return swept, nil
}
