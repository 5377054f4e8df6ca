// Package redisstore persists broker state in Redis: a JSON snapshot under
// one key and an append log as a Redis list. Restore returns the snapshot
// plus the log entries recorded after it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"dev.helix.bus/internal/broker"
)

// Options configures the store.
type Options struct {
	// Addr is the host:port of the Redis server.
	Addr     string
	Password string
	DB       int
	PoolSize int
	// KeyPrefix namespaces the snapshot and log keys. Defaults to "helixbus".
	KeyPrefix string
	// Timeout bounds each Redis call. Defaults to 5s.
	Timeout time.Duration
}

// Store implements broker.Persistence over a Redis client.
type Store struct {
	client    *redis.Client
	snapKey   string
	logKey    string
	timeout   time.Duration
	ownClient bool
}

// New dials Redis and verifies connectivity.
func New(opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	s := NewWithClient(client, opts.KeyPrefix, opts.Timeout)
	s.ownClient = true

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client; the caller keeps ownership.
func NewWithClient(client *redis.Client, keyPrefix string, timeout time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = "helixbus"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		client:  client,
		snapKey: keyPrefix + ":snapshot",
		logKey:  keyPrefix + ":log",
		timeout: timeout,
	}
}

// SaveSnapshot stores the snapshot and truncates the log atomically: entries
// recorded before the snapshot are already reflected in it.
func (s *Store) SaveSnapshot(snap *broker.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapKey, data, 0)
	pipe.Del(ctx, s.logKey)
	_, err = pipe.Exec(ctx)
	return err
}

// AppendLog appends one mutation to the log list.
func (s *Store) AppendLog(mut broker.Mutation) error {
	data, err := json.Marshal(mut)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.RPush(ctx, s.logKey, data).Err()
}

// Restore returns the last snapshot and the log recorded after it. ok is
// false when neither exists. Unparsable log entries are skipped; a corrupt
// entry must not prevent a restart.
func (s *Store) Restore() (*broker.Snapshot, []broker.Mutation, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var snap *broker.Snapshot
	data, err := s.client.Get(ctx, s.snapKey).Bytes()
	switch {
	case err == nil:
		snap = &broker.Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, nil, false, err
		}
	case errors.Is(err, redis.Nil):
		// No snapshot; the log may still exist.
	default:
		return nil, nil, false, err
	}

	entries, err := s.client.LRange(ctx, s.logKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, false, err
	}
	var log []broker.Mutation
	for _, entry := range entries {
		var mut broker.Mutation
		if err := json.Unmarshal([]byte(entry), &mut); err != nil {
			continue
		}
		log = append(log, mut)
	}

	if snap == nil && len(log) == 0 {
		return nil, nil, false, nil
	}
	return snap, log, true, nil
}

// Close releases the client when the store owns it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

var _ broker.Persistence = (*Store)(nil)
