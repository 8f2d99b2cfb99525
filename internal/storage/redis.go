package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// DefaultRedisPrefix namespaces the keys of one host.
const DefaultRedisPrefix = "opswarm"

// redisStore keeps the snapshot in <prefix>:<typeid>:state and the tail
// in the list <prefix>:<typeid>:log.
type redisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr, prefix string) (Storage, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("storage: redis %s: %w", addr, err)
	}
	return &redisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *redisStore) key(typeid ops.Spec, part string) string {
	return s.prefix + ":" + typeid.String() + ":" + part
}

func (s *redisStore) On(ctx context.Context, typeid ops.Spec, since *ops.VV) (*ops.Op, []ops.Op, error) {
	var state *ops.Op
	buf, err := s.rdb.Get(ctx, s.key(typeid, "state")).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, nil, fmt.Errorf("storage: read %s: %w", typeid.String(), err)
	default:
		o, err := decode(buf)
		if err != nil {
			return nil, nil, err
		}
		state = &o
	}

	lines, err := s.rdb.LRange(ctx, s.key(typeid, "log"), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", typeid.String(), err)
	}
	tail := make([]ops.Op, 0, len(lines))
	for _, line := range lines {
		o, err := decode([]byte(line))
		if err != nil {
			return nil, nil, err
		}
		tail = append(tail, o)
	}
	return state, uncovered(tail, since), nil
}

func (s *redisStore) Off(ctx context.Context, typeid ops.Spec, listener string) error {
	return checkContext(ctx)
}

func (s *redisStore) State(ctx context.Context, typeid ops.Spec, snapshot ops.Op) error {
	buf, err := encode(snapshot)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(typeid, "state"), buf, 0)
		pipe.Del(ctx, s.key(typeid, "log"))
		return nil
	})
	return err
}

func (s *redisStore) Op(ctx context.Context, typeid ops.Spec, o ops.Op) error {
	buf, err := encode(o)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key(typeid, "log"), buf).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
