package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	fpmath "LotLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

// applyLua advances the per-instrument sequence and records the price in one
// round trip. Returns 0 for a stale sequence.
//
// KEYS[1] sequence hash, KEYS[2] history zset, KEYS[3] invalid set
// ARGV: instrument, sequence, score, member ("" for flag-only), invalid
const applyLua = `
local last = redis.call('HGET', KEYS[1], ARGV[1])
if last and tonumber(ARGV[2]) <= tonumber(last) then
    return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if ARGV[4] ~= '' then
    redis.call('ZREMRANGEBYSCORE', KEYS[2], ARGV[3], ARGV[3])
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
end
if ARGV[5] == '1' then
    redis.call('SADD', KEYS[3], ARGV[1])
else
    redis.call('SREM', KEYS[3], ARGV[1])
end
return 1
`

// RedisStore keeps price history in Redis so several service instances
// resolve against the same data. History lives in one sorted set per
// instrument scored by Unix microseconds; members are "<micros>:<price>".
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	applySc *redis.Script
}

// RedisConfig holds connection parameters for the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lotledger:oracle"
	}
	return &RedisStore{
		rdb:     rdb,
		prefix:  prefix,
		applySc: redis.NewScript(applyLua),
	}
}

func (s *RedisStore) historyKey(instrument string) string {
	return s.prefix + ":prices:" + instrument
}

func (s *RedisStore) seqKey() string     { return s.prefix + ":seq" }
func (s *RedisStore) invalidKey() string { return s.prefix + ":invalid" }

func (s *RedisStore) Apply(ctx context.Context, u PriceUpdate) (bool, error) {
	if u.Instrument == "" {
		return false, fmt.Errorf("price update without instrument")
	}
	member := ""
	if u.Price != nil {
		if !fpmath.FitsAmount(u.Price) {
			return false, fmt.Errorf("price update %s: %w", u.Instrument, fpmath.ErrAmountOverflow)
		}
		member = fmt.Sprintf("%d:%s", u.Timestamp.UnixMicro(), u.Price.Dec())
	}
	invalid := "0"
	if u.Invalid {
		invalid = "1"
	}

	keys := []string{s.seqKey(), s.historyKey(u.Instrument), s.invalidKey()}
	res, err := s.applySc.Run(ctx, s.rdb, keys,
		u.Instrument, u.Sequence, u.Timestamp.UnixMicro(), member, invalid).Int()
	if err != nil {
		return false, fmt.Errorf("redis: apply price %s: %w", u.Instrument, err)
	}
	return res == 1, nil
}

func (s *RedisStore) HistoricalPrice(ctx context.Context, instrument string, at time.Time) (*uint256.Int, error) {
	members, err := s.rdb.ZRevRangeByScore(ctx, s.historyKey(instrument), &redis.ZRangeBy{
		Max:   strconv.FormatInt(at.UnixMicro(), 10),
		Min:   "-inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: historical price %s: %w", instrument, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%s at %s: %w", instrument, at.Format(time.RFC3339), ErrPriceUnavailable)
	}
	return parseMember(members[0])
}

func (s *RedisStore) CurrentPrice(ctx context.Context, instrument string) (*uint256.Int, error) {
	members, err := s.rdb.ZRevRange(ctx, s.historyKey(instrument), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: current price %s: %w", instrument, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%s: %w", instrument, ErrPriceUnavailable)
	}
	return parseMember(members[0])
}

func (s *RedisStore) IsInvalid(ctx context.Context, instrument string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.invalidKey(), instrument).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis: invalid flag %s: %w", instrument, err)
	}
	return ok, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func parseMember(m string) (*uint256.Int, error) {
	_, price, ok := strings.Cut(m, ":")
	if !ok {
		return nil, fmt.Errorf("redis: malformed price member %q", m)
	}
	v, err := uint256.FromDecimal(price)
	if err != nil {
		return nil, fmt.Errorf("redis: parse price member %q: %w", m, err)
	}
	return v, nil
}

var (
	_ Client = (*RedisStore)(nil)
	_ Sink   = (*RedisStore)(nil)
)
