package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger implements Ledger on Redis. Balance and outstanding
// reservations are kept in separate keys per workspace and every operation
// is a single Lua script, so the conditional check and the update are one
// atomic step even across processes.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration for the ledger.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all ledger keys (default: "platform:credit:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

var reserveScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local amount = tonumber(ARGV[1])
if balance - reserved < amount then
	return 0
end
redis.call('SET', KEYS[2], tostring(reserved + amount))
return 1
`)

var releaseScript = redis.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local next = reserved - amount
if next < 0 then
	next = 0
end
redis.call('SET', KEYS[1], tostring(next))
return 1
`)

var deductScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local allowNegative = ARGV[2] == '1'
if not allowNegative and balance - amount < 0 then
	return 0
end
redis.call('SET', KEYS[1], tostring(balance - amount))
return 1
`)

var creditScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
redis.call('SET', KEYS[1], tostring(balance + tonumber(ARGV[1])))
return 1
`)

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(cfg RedisConfig) (*RedisLedger, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisLedgerFromClient(client, cfg.Prefix), nil
}

// NewRedisLedgerFromClient creates a ledger from an existing client.
// This is useful for testing with miniredis.
func NewRedisLedgerFromClient(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "platform:credit:"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

// Client exposes the underlying connection for components that share it,
// such as the memory tools and health checks.
func (l *RedisLedger) Client() *redis.Client {
	return l.client
}

func (l *RedisLedger) balanceKey(workspaceID string) string {
	return l.prefix + "balance:" + workspaceID
}

func (l *RedisLedger) reservedKey(workspaceID string) string {
	return l.prefix + "reserved:" + workspaceID
}

// Reserve holds amount against the workspace's available balance.
func (l *RedisLedger) Reserve(ctx context.Context, workspaceID string, amount float64) (*Reservation, error) {
	keys := []string{l.balanceKey(workspaceID), l.reservedKey(workspaceID)}
	ok, err := reserveScript.Run(ctx, l.client, keys, amount).Int()
	if err != nil {
		return nil, fmt.Errorf("reserve credit: %w", err)
	}
	if ok == 0 {
		return nil, ErrInsufficientCredit
	}

	return newReservation(workspaceID, amount), nil
}

// Release returns a held amount to the available balance.
func (l *RedisLedger) Release(ctx context.Context, workspaceID string, amount float64) error {
	keys := []string{l.reservedKey(workspaceID)}
	if err := releaseScript.Run(ctx, l.client, keys, amount).Err(); err != nil {
		return fmt.Errorf("release credit: %w", err)
	}
	return nil
}

// Deduct subtracts amount from the workspace balance.
func (l *RedisLedger) Deduct(ctx context.Context, workspaceID string, amount float64, allowNegative bool) error {
	flag := "0"
	if allowNegative {
		flag = "1"
	}

	keys := []string{l.balanceKey(workspaceID)}
	ok, err := deductScript.Run(ctx, l.client, keys, amount, flag).Int()
	if err != nil {
		return fmt.Errorf("deduct credit: %w", err)
	}
	if ok == 0 {
		return ErrInsufficientCredit
	}
	return nil
}

// Credit adds amount to the workspace balance.
func (l *RedisLedger) Credit(ctx context.Context, workspaceID string, amount float64) error {
	keys := []string{l.balanceKey(workspaceID)}
	if err := creditScript.Run(ctx, l.client, keys, amount).Err(); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// Balance reports the raw balance.
func (l *RedisLedger) Balance(ctx context.Context, workspaceID string) (float64, error) {
	val, err := l.client.Get(ctx, l.balanceKey(workspaceID)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return val, nil
}

// Available reports balance minus outstanding reservations.
func (l *RedisLedger) Available(ctx context.Context, workspaceID string) (float64, error) {
	balance, err := l.Balance(ctx, workspaceID)
	if err != nil {
		return 0, err
	}

	reserved, err := l.client.Get(ctx, l.reservedKey(workspaceID)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			reserved = 0
		} else {
			return 0, fmt.Errorf("get reserved: %w", err)
		}
	}

	return balance - reserved, nil
}

// Close releases the underlying Redis client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
