package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "atproto:oauth:flow:"

// RedisStore keeps flow records in redis. Expiry is left to redis key ttls,
// so PurgeExpired has nothing to do.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ FlowStore = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (s *RedisStore) key(state string) string {
	return s.keyPrefix + state
}

func (s *RedisStore) ttl(flow *FlowState) (time.Duration, error) {
	if flow.ExpiresAt.IsZero() {
		return 0, fmt.Errorf("flow has no expiry")
	}

	ttl := flow.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return 0, ErrUnknownOrExpiredState
	}

	return ttl, nil
}

func (s *RedisStore) SaveFlow(ctx context.Context, flow FlowState) error {
	if flow.State == "" {
		return fmt.Errorf("flow state key is empty")
	}

	ttl, err := s.ttl(&flow)
	if err != nil {
		return err
	}

	b, err := json.Marshal(flow)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.key(flow.State), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("could not save oauth flow: %w", err)
	}

	if !ok {
		return fmt.Errorf("flow with this state already exists")
	}

	return nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getFlow(ctx context.Context, c redisGetter, state string) (*FlowState, error) {
	b, err := c.Get(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownOrExpiredState
	}
	if err != nil {
		return nil, err
	}

	var flow FlowState
	if err := json.Unmarshal(b, &flow); err != nil {
		return nil, fmt.Errorf("could not decode stored oauth flow: %w", err)
	}

	if flow.expired(s.now()) {
		return nil, ErrUnknownOrExpiredState
	}

	return &flow, nil
}

func (s *RedisStore) GetFlow(ctx context.Context, state string) (*FlowState, error) {
	return s.getFlow(ctx, s.client, state)
}

// update runs fn against the current record inside an optimistic transaction.
func (s *RedisStore) update(ctx context.Context, state string, fn func(flow *FlowState) error) (*FlowState, error) {
	key := s.key(state)

	var result *FlowState
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		flow, err := s.getFlow(ctx, tx, state)
		if err != nil {
			return err
		}

		if err := fn(flow); err != nil {
			return err
		}

		ttl, err := s.ttl(flow)
		if err != nil {
			return err
		}

		b, err := json.Marshal(flow)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		result = flow
		return nil
	}, key)

	return result, err
}

func (s *RedisStore) ClaimFlow(ctx context.Context, state string) (*FlowState, error) {
	flow, err := s.update(ctx, state, func(flow *FlowState) error {
		if flow.Step != StepAwaitingCallback {
			return ErrAlreadyCompleted
		}

		flow.Step = StepExchangingToken
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		// someone else changed the record between our read and write
		return nil, ErrAlreadyCompleted
	}

	return flow, err
}

func (s *RedisStore) AttachTokens(ctx context.Context, state string, tokens TokenSet, retainUntil time.Time) error {
	_, err := s.update(ctx, state, func(flow *FlowState) error {
		flow.applyTokens(tokens, retainUntil)
		return nil
	})

	return err
}

func (s *RedisStore) FailFlow(ctx context.Context, state string) error {
	_, err := s.update(ctx, state, func(flow *FlowState) error {
		if flow.Step != StepExchangingToken {
			return fmt.Errorf("flow is %s, only flows exchanging a code can fail", flow.Step)
		}

		flow.Step = StepFailed
		return nil
	})

	return err
}

func (s *RedisStore) DeleteFlow(ctx context.Context, state string) error {
	return s.client.Del(ctx, s.key(state)).Err()
}

func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}
