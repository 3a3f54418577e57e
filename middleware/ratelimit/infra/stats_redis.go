package infra

import (
	"context"
	"strconv"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

const backendRedisStats = "redis-stats"

// RedisStatsStore agrega os desfechos em hashes do Redis, um HINCRBY por hash
// em um único pipeline.
//
// Layout:
//
//	<prefix>:total                  outcome -> n (não expira)
//	<prefix>:minute:<YYYYMMDDhhmm>  outcome -> n
//	<prefix>:route                  "<METHOD> <path>:<outcome>" -> n
//	<prefix>:pattern                "<padrão da rota>:<outcome>" -> n
//	<prefix>:key:<key>              outcome -> n (só com WithStatsTrackKeys)
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string

	// ttl vale para os baldes por minuto e por chave; total, route e pattern são cumulativos
	ttl       time.Duration
	bucket    string // "minute" (padrão) ou "none"
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// statsIncr é um HINCRBY; expire > 0 renova o TTL do hash no mesmo pipeline.
type statsIncr struct {
	hash, field string
	expire      time.Duration
}

func (s *RedisStatsStore) increments(ev domain.StatsEvent) []statsIncr {
	outcome := string(ev.Outcome)
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	out := []statsIncr{{hash: s.prefix + ":total", field: outcome}}
	if s.bucket == "minute" {
		out = append(out, statsIncr{
			hash:   s.prefix + ":minute:" + at.UTC().Format("200601021504"),
			field:  outcome,
			expire: s.ttl,
		})
	}
	if route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)); route != "" {
		out = append(out, statsIncr{hash: s.prefix + ":route", field: route + ":" + outcome})
	}
	pattern := ev.Route
	if pattern == "" {
		pattern = "default"
	}
	out = append(out, statsIncr{hash: s.prefix + ":pattern", field: pattern + ":" + outcome})

	if k := strings.TrimSpace(ev.Key); s.trackKeys && k != "" {
		out = append(out, statsIncr{hash: s.prefix + ":key:" + k, field: outcome, expire: s.ttl})
	}
	return out
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || isNilRedisClient(s.rdb) || ev.Outcome == "" {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, inc := range s.increments(ev) {
		pipe.HIncrBy(ctx, inc.hash, inc.field, 1)
		if inc.expire > 0 {
			pipe.Expire(ctx, inc.hash, inc.expire)
		}
	}
	_, err := pipe.Exec(ctx)
	return domain.NewStoreError(backendRedisStats, "record", err)
}

// Totals lê o hash cumulativo de desfechos.
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, error) {
	raw, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return Counters{}, domain.NewStoreError(backendRedisStats, "totals", err)
	}

	var c Counters
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Counters{}, domain.NewStoreError(backendRedisStats, "totals", err)
		}
		c.addN(domain.Outcome(field), n)
	}
	return c, nil
}
