// Package redisstore provides the shared Redis client and the Lua-scripted
// compare-and-swap primitive that the session, conversation-state, and
// user-to-agent-session stores are built on.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes how to connect to the backing Redis instance.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Client wraps a go-redis client with the CAS script used by every
// version-guarded store in this repository.
type Client struct {
	rdb       *redis.Client
	casScript *redis.Script
}

// New dials Redis and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping failed: %w", err)
	}

	return &Client{rdb: rdb, casScript: redis.NewScript(casLuaScript)}, nil
}

// Raw exposes the underlying client for operations this package does not
// wrap directly (SADD/SMEMBERS/LPUSH/LRANGE/SCAN).
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Close() error { return c.rdb.Close() }

// CASResult is the outcome of a compare-and-swap attempt.
type CASResult int

const (
	CASOK CASResult = iota
	CASConflict
	CASAbsent
)

// casLuaScript implements a check-then-set contract: read the stored JSON,
// compare the caller-supplied version against the version field's value (a
// plain numeric
// field name inside the top-level object, e.g. "summary_version"), and only
// write the new value when they match. KEYS[1] is the record key, ARGV[1]
// is the expected version, ARGV[2] is the new JSON value, ARGV[3] is the
// TTL in seconds (0 means no expiry), ARGV[4] is the version field name.
const casLuaScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
	return {"absent", ""}
end
local ok, decoded = pcall(cjson.decode, current)
if not ok then
	return {"absent", ""}
end
local expected = tonumber(ARGV[1])
local actual = decoded[ARGV[4]]
if actual == nil or tonumber(actual) ~= expected then
	return {"conflict", current}
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SETEX', KEYS[1], ARGV[3], ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return {"ok", ARGV[2]}
`

// CompareAndSwap evaluates the CAS script against key, comparing
// expectedVersion against the integer field named versionField inside the
// JSON currently stored at key. ttl of zero means "no expiry set/preserved".
func (c *Client) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, versionField string, newValue []byte, ttl time.Duration) (CASResult, []byte, error) {
	res, err := c.casScript.Run(ctx, c.rdb, []string{key},
		expectedVersion, string(newValue), int64(ttl.Seconds()), versionField,
	).Result()
	if err != nil {
		return CASAbsent, nil, fmt.Errorf("redisstore: cas eval: %w", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return CASAbsent, nil, errors.New("redisstore: unexpected cas script reply shape")
	}
	status, _ := pair[0].(string)
	stored, _ := pair[1].(string)

	switch status {
	case "ok":
		return CASOK, []byte(stored), nil
	case "conflict":
		return CASConflict, []byte(stored), nil
	default:
		return CASAbsent, nil, nil
	}
}

// ErrUnavailable names an unreachable Redis backend. The stores in this
// repository do not return it: on a Redis failure they fall back to an
// in-process map and carry on.
var ErrUnavailable = errors.New("redisstore: backend unavailable")
