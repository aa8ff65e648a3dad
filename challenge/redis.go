package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "otpd:chal"

	// Answered and expired challenges stay visible for status polling a
	// while after their validity window ends.
	redisStatusRetention = time.Hour

	redisResolveRetries = 4
)

// RedisStore is a challenge store backed by redis. Challenge records are
// JSON values with a TTL slightly past their expiry so that status
// polling still sees answered/expired entries; the open/answered
// transition uses an optimistic WATCH transaction so that at most one
// concurrent resolver wins.
type RedisStore struct {
	client  *redis.Client
	maxOpen int
	now     func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a challenge store on the given redis client.
func NewRedisStore(client *redis.Client, maxOpenPerToken int) *RedisStore {
	if maxOpenPerToken <= 0 {
		maxOpenPerToken = DefaultMaxOpenPerToken
	}
	return &RedisStore{client: client, maxOpen: maxOpenPerToken, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

func chalKey(id string) string     { return redisKeyPrefix + ":" + id }
func childrenKey(id string) string { return redisKeyPrefix + ":children:" + id }
func tokenKey(serial string) string {
	return redisKeyPrefix + ":token:" + serial
}

func (s *RedisStore) CreateSet(ctx context.Context, specs []Spec) ([]*Challenge, error) {
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

	now := s.now()
	created := make([]*Challenge, 0, len(specs))
	var ids []string
	var maxTTL time.Duration

	for i, spec := range specs {
		id := parent
		if len(specs) > 1 {
			id, err = ChildID(parent, i+1)
			if err != nil {
				return nil, err
			}
		}

		if err := s.evictOverflow(ctx, spec.TokenSerial); err != nil {
			return nil, err
		}

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
		if err := s.put(ctx, ch, spec.TTL+redisStatusRetention); err != nil {
			return nil, err
		}
		if err := s.client.ZAdd(ctx, tokenKey(spec.TokenSerial), redis.Z{
			Score:  float64(now.UnixNano()),
			Member: id,
		}).Err(); err != nil {
			return nil, fmt.Errorf("indexing challenge: %w", err)
		}
		_ = s.client.Expire(ctx, tokenKey(spec.TokenSerial), spec.TTL+redisStatusRetention).Err()

		if spec.TTL > maxTTL {
			maxTTL = spec.TTL
		}
		ids = append(ids, id)
		created = append(created, ch)
	}

	if err := s.client.SAdd(ctx, childrenKey(parent), toAny(ids)...).Err(); err != nil {
		return nil, fmt.Errorf("indexing fan-out: %w", err)
	}
	_ = s.client.Expire(ctx, childrenKey(parent), maxTTL+redisStatusRetention).Err()

	return created, nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func (s *RedisStore) put(ctx context.Context, ch *Challenge, ttl time.Duration) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, chalKey(ch.TransactionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*Challenge, error) {
	data, err := s.client.Get(ctx, chalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("decoding challenge: %w", err)
	}
	return &ch, nil
}

// applyExpiry writes the open -> expired transition back so that every
// subsequent reader observes the same state.
func (s *RedisStore) applyExpiry(ctx context.Context, ch *Challenge) {
	if ch.State == StateOpen && !s.now().Before(ch.ExpiresAt) {
		ch.State = StateExpired
		if data, err := json.Marshal(ch); err == nil {
			_ = s.client.Set(ctx, chalKey(ch.TransactionID), data, redis.KeepTTL).Err()
		}
	}
}

func (s *RedisStore) Lookup(ctx context.Context, transactionID string, openOnly bool) ([]*Challenge, error) {
	ids := []string{transactionID}
	if _, isChild := SplitID(transactionID); !isChild {
		children, err := s.client.SMembers(ctx, childrenKey(transactionID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("loading fan-out index: %w", err)
		}
		if len(children) > 0 {
			ids = children
		}
	}

	var out []*Challenge
	for _, id := range ids {
		ch, err := s.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.applyExpiry(ctx, ch)
		if openOnly && ch.State != StateOpen {
			continue
		}
		out = append(out, ch)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", transactionID, ErrNotFound)
	}
	return out, nil
}

func (s *RedisStore) Resolve(ctx context.Context, transactionID string, accepted bool) (bool, error) {
	key := chalKey(transactionID)

	for i := 0; i < redisResolveRetries; i++ {
		won := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%s: %w", transactionID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			var ch Challenge
			if err := json.Unmarshal(data, &ch); err != nil {
				return err
			}
			if !ch.Open(s.now()) {
				return nil
			}

			ch.State = StateAnswered
			ch.Accepted = accepted
			updated, err := json.Marshal(&ch)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, redis.KeepTTL)
				return nil
			})
			if err == nil {
				won = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return won, nil
	}
	// Lost every optimistic round; someone else owns the transition.
	return false, nil
}

func (s *RedisStore) SetData(ctx context.Context, transactionID string, data map[string]string) error {
	ch, err := s.get(ctx, transactionID)
	if err != nil {
		return err
	}
	ch.Data = cloneMap(data)
	encoded, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, chalKey(transactionID), encoded, redis.KeepTTL).Err()
}

func (s *RedisStore) OpenForToken(ctx context.Context, serial string) ([]*Challenge, error) {
	ids, err := s.client.ZRange(ctx, tokenKey(serial), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading token index: %w", err)
	}

	var out []*Challenge
	for _, id := range ids {
		ch, err := s.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.client.ZRem(ctx, tokenKey(serial), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		s.applyExpiry(ctx, ch)
		if ch.State == StateOpen {
			out = append(out, ch)
		}
	}
	return out, nil
}

// evictOverflow expires the oldest open challenges of a token until one
// more fits under the cap.
func (s *RedisStore) evictOverflow(ctx context.Context, serial string) error {
	open, err := s.OpenForToken(ctx, serial)
	if err != nil {
		return err
	}
	for i := 0; i <= len(open)-s.maxOpen; i++ {
		ch := open[i]
		ch.State = StateExpired
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		if err := s.client.Set(ctx, chalKey(ch.TransactionID), data, redis.KeepTTL).Err(); err != nil {
			return fmt.Errorf("expiring overflow challenge: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	var cursor uint64
	swept := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+":*", 100).Result()
		if err != nil {
			return swept, fmt.Errorf("scanning challenges: %w", err)
		}
		for _, key := range keys {
			id := key[len(redisKeyPrefix)+1:]
			if len(id) == 0 || id[0] < '0' || id[0] > '9' {
				continue // children:/token: index keys
			}
			ch, err := s.get(ctx, id)
			if err != nil {
				continue
			}
			if ch.State == StateOpen && !now.Before(ch.ExpiresAt) {
				ch.State = StateExpired
				if data, err := json.Marshal(ch); err == nil {
					_ = s.client.Set(ctx, key, data, redis.KeepTTL).Err()
					swept++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return swept, nil
		}
	}
}
