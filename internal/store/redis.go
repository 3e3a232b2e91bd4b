package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Repository on Redis. Participants are JSON strings
// indexed by a sorted set whose score is a monotonically increasing sequence;
// the callstack is a single JSON document replaced with SET.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (Repository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "handoff:"
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

func (s *RedisStore) participantKey(id string) string {
	return s.keyPrefix + "participant:" + id
}

func (s *RedisStore) orderKey() string {
	return s.keyPrefix + "participants:order"
}

func (s *RedisStore) seqKey() string {
	return s.keyPrefix + "participants:seq"
}

func (s *RedisStore) callstackKey() string {
	return s.keyPrefix + "callstack"
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetParticipant retrieves a participant by ID.
func (s *RedisStore) GetParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	data, err := s.client.Get(ctx, s.participantKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	var p domain.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal participant: %w", err)
	}
	return &p, nil
}

// UpsertParticipant creates or overwrites a participant record.
func (s *RedisStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	existing, err := s.GetParticipant(ctx, p.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := *p
	rec.UpdatedAt = now
	switch {
	case existing != nil:
		rec.CreatedAt = existing.CreatedAt
	case rec.CreatedAt.IsZero():
		rec.CreatedAt = now
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next participant seq: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.participantKey(p.ID), data, 0)
	pipe.ZAddNX(ctx, s.orderKey(), redis.Z{Score: float64(seq), Member: p.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// UpdateRole changes the role of an existing participant.
func (s *RedisStore) UpdateRole(ctx context.Context, id string, role domain.Role) (bool, error) {
	key := s.participantKey(id)
	found := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var p domain.Participant
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal participant: %w", err)
		}
		p.Role = role
		p.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("marshal participant: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			found = true
		}
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("update role: %w", err)
	}
	return found, nil
}

// ListParticipantsByRole returns IDs holding role in registration order.
func (s *RedisStore) ListParticipantsByRole(ctx context.Context, role domain.Role) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := []string{}
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.participantKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal participant %s: %w", ids[i], err)
		}
		if p.Role == role {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

// LoadCallstack reads the persisted queue and dialogs.
func (s *RedisStore) LoadCallstack(ctx context.Context) (*domain.Callstack, error) {
	data, err := s.client.Get(ctx, s.callstackKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return &domain.Callstack{Queue: []string{}, Dialogs: []domain.Dialog{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get callstack: %w", err)
	}
	var cs domain.Callstack
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("unmarshal callstack: %w", err)
	}
	return cs.Clone(), nil
}

// SaveCallstack replaces the persisted callstack document.
func (s *RedisStore) SaveCallstack(ctx context.Context, cs *domain.Callstack) error {
	data, err := json.Marshal(cs.Clone())
	if err != nil {
		return fmt.Errorf("marshal callstack: %w", err)
	}
	if err := s.client.Set(ctx, s.callstackKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("save callstack: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
