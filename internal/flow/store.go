package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoPlan means the session has no in-progress flow; stages that need a
// target user context treat this as fatal for the request.
var ErrNoPlan = errors.New("no flow plan in session")

const planKeyPrefix = "flow_plan:"

// A plan update is a read-modify-write; Update serializes it per session so
// two concurrent stage executions cannot drop each other's context mutations.
type Store interface {
	Get(ctx context.Context, sessionID string) (Plan, error)
	Set(ctx context.Context, sessionID string, plan Plan) error
	Delete(ctx context.Context, sessionID string) error
	Update(ctx context.Context, sessionID string, mutate func(*Plan) error) error
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (Plan, error) {
	data, err := s.client.Get(ctx, planKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Plan{}, ErrNoPlan
	}
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (s *RedisStore) Set(ctx context.Context, sessionID string, plan Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, planKeyPrefix+sessionID, data, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, planKeyPrefix+sessionID).Err()
}

const updateRetries = 5

func (s *RedisStore) Update(ctx context.Context, sessionID string, mutate func(*Plan) error) error {
	key := planKeyPrefix + sessionID
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNoPlan
		}
		if err != nil {
			return err
		}
		var plan Plan
		if err := json.Unmarshal(data, &plan); err != nil {
			return err
		}
		if err := mutate(&plan); err != nil {
			return err
		}
		data, err = json.Marshal(plan)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < updateRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// MemoryStore holds plans in process memory, for tests and redis-less dev
// runs. Plans are kept JSON-encoded so Get/Update see the same serialization
// boundary as the redis store.
type MemoryStore struct {
	mu    sync.Mutex
	plans map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: map[string][]byte{}}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decode(sessionID)
}

func (s *MemoryStore) Set(_ context.Context, sessionID string, plan Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[sessionID] = data
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, sessionID)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, sessionID string, mutate func(*Plan) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, err := s.decode(sessionID)
	if err != nil {
		return err
	}
	if err := mutate(&plan); err != nil {
		return err
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	s.plans[sessionID] = data
	return nil
}

func (s *MemoryStore) decode(sessionID string) (Plan, error) {
	data, ok := s.plans[sessionID]
	if !ok {
		return Plan{}, ErrNoPlan
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}
