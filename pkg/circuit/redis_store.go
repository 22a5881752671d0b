package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces circuit keys.
const DefaultRedisPrefix = "callguard:circuit:"

// ErrContention is returned when an Update keeps losing the optimistic transaction race.
var ErrContention = errors.New("circuit state update contended")

// RedisStore shares circuit state between processes. Update is a WATCH/MULTI
// transaction, so concurrent writers to the same circuit never lose updates.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	keyTTL     time.Duration
	maxRetries int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultRedisPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithKeyTTL sets the expiry refreshed on every write. Zero disables expiry.
func WithKeyTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.keyTTL = ttl }
}

// WithMaxTxRetries bounds how often Update retries a conflicted transaction.
func WithMaxTxRetries(n int) RedisOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     DefaultRedisPrefix,
		keyTTL:     24 * time.Hour,
		maxRetries: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis parses a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func decodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("unmarshal circuit state: %w", err)
	}
	return state, nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (State, bool, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("get circuit state: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func (s *RedisStore) Set(ctx context.Context, name string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal circuit state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(name), data, s.keyTTL).Err(); err != nil {
		return fmt.Errorf("set circuit state: %w", err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, name string, fn UpdateFunc) (State, error) {
	key := s.key(name)
	var result State

	txf := func(tx *redis.Tx) error {
		current := State{}
		exists := true
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return fmt.Errorf("get circuit state: %w", err)
		default:
			if current, err = decodeState(data); err != nil {
				return err
			}
		}

		next, changed := fn(current)
		result = next
		if !changed && exists {
			return nil
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal circuit state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.keyTTL)
			return nil
		})
		return err
	}

	for range s.maxRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, fmt.Errorf("update circuit %s: %w", name, err)
	}
	return State{}, fmt.Errorf("%w: %s", ErrContention, name)
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("delete circuit state: %w", err)
	}
	return nil
}

// Sweep deletes stale circuits one key at a time. Each delete runs under WATCH and
// re-reads the state first, so a circuit that fails again mid-sweep is kept.
func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		deleted, err := s.deleteIfStale(ctx, iter.Val(), cutoff)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan circuit states: %w", err)
	}
	return removed, nil
}

// deleteIfStale removes key only if its last failure is still before cutoff.
// A key written concurrently aborts the transaction and is left for the next sweep.
func (s *RedisStore) deleteIfStale(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get circuit state: %w", err)
		}
		state, err := decodeState(data)
		if err != nil {
			return err
		}
		if !state.LastFailureTime.Before(cutoff) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sweep circuit %s: %w", strings.TrimPrefix(key, s.prefix), err)
	}
	return deleted, nil
}

func (s *RedisStore) Snapshot(ctx context.Context) (map[string]State, error) {
	states := make(map[string]State)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get circuit state: %w", err)
		}
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		states[strings.TrimPrefix(key, s.prefix)] = state
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan circuit states: %w", err)
	}
	return states, nil
}
