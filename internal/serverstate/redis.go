package serverstate

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/kvroute/internal/redisx"
)

// redisStore implements Store backed by a Redis instance so multiple router
// replicas report one coherent lifecycle state.
type redisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

const redisKey = "kvroute:state"

// NewRedisStore connects to the given Redis URL and returns a Store. The
// underlying key is initialized to a default state if it does not exist.
func NewRedisStore(addr string) (*redisStore, error) {
	ctx := context.Background()
	c, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	rs := &redisStore{client: c, key: redisKey, ctx: ctx}
	b, _ := json.Marshal(State{Status: "not_ready"})
	_ = c.SetNX(rs.ctx, rs.key, b, 0).Err()
	return rs, nil
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return State{Status: "not_ready"}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(r.ctx, r.key, b, 0).Err()
}
