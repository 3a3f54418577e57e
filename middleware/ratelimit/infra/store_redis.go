package infra

import (
	"context"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// incrementLua incrementa e só define o TTL quando a chave ainda não tem um,
// para nunca estender uma janela em andamento. Retorna {count, pttl}.
const incrementLua = `
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`

// decrementLua nunca cria a chave e nunca desce abaixo de zero.
const decrementLua = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current and current > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`

var (
	incrementScript = redis.NewScript(incrementLua)
	decrementScript = redis.NewScript(decrementLua)
)

const backendRedis = "redis"

// RedisStore conta em Redis com INCR+PEXPIRE atômicos via script Lua (EVALSHA).
type RedisStore struct {
	rdb  redis.UniversalClient
	opts storeOptions
}

// NewRedisStore usa um cliente já construído. O cliente só é fechado em Close
// quando foi criado pela factory.
func NewRedisStore(rdb redis.UniversalClient, opts ...StoreOption) (*RedisStore, error) {
	if isNilRedisClient(rdb) {
		return nil, &domain.ConfigError{Field: "storage.redis", Message: "client or address required", Err: domain.ErrMissingClient}
	}
	return &RedisStore{rdb: rdb, opts: buildStoreOptions(opts)}, nil
}

// isNilRedisClient também pega ponteiros nil guardados na interface.
func isNilRedisClient(rdb redis.UniversalClient) bool {
	switch c := rdb.(type) {
	case nil:
		return true
	case *redis.Client:
		return c == nil
	case *redis.ClusterClient:
		return c == nil
	case *redis.Ring:
		return c == nil
	}
	return false
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (domain.Usage, error) {
	now := s.opts.now()

	reply, err := incrementScript.Run(ctx, s.rdb, []string{s.opts.key(key)}, window.Milliseconds()).Result()
	if err != nil {
		return domain.Usage{}, domain.NewStoreError(backendRedis, "increment", err)
	}

	count, ttl, err := ParseCounterReply(reply)
	if err != nil {
		return domain.Usage{}, domain.NewStoreError(backendRedis, "increment", err)
	}
	return domain.NewUsage(count, now.Add(time.Duration(ttl)*time.Millisecond)), nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string) error {
	err := decrementScript.Run(ctx, s.rdb, []string{s.opts.key(key)}).Err()
	return domain.NewStoreError(backendRedis, "decrement", err)
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return domain.NewStoreError(backendRedis, "reset", s.rdb.Del(ctx, s.opts.key(key)).Err())
}

// ActiveKeys percorre o keyspace com SCAN (nunca KEYS) filtrando pelo prefixo.
func (s *RedisStore) ActiveKeys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.opts.prefix+"*", 100).Result()
		if err != nil {
			return nil, domain.NewStoreError(backendRedis, "scan", err)
		}
		for _, k := range keys {
			out = append(out, s.opts.strip(k))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if !s.opts.owned {
		return nil
	}
	return s.rdb.Close()
}
