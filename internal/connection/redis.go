package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

// Redis layout, all keys under one hash-tagged prefix so they share a cluster
// slot:
//
//	{prefix}:conn:<id>       hash with the record fields
//	{prefix}:ctx:<context>   set of active ids in a context
//	{prefix}:active          set of all active ids
//
// Conditional writes run as Lua scripts so the state check and the mutation
// happen atomically on the server.
var (
	insertScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') == '1' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'context', ARGV[2],
  'created_at', ARGV[3], 'last_heartbeat_at', ARGV[4],
  'active', '1', 'roles', ARGV[5], 'scopes', ARGV[6], 'metadata', ARGV[7])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

	heartbeatScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'active', 'last_heartbeat_at')
if v[1] ~= '1' then
  return 0
end
if tonumber(ARGV[1]) < tonumber(v[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'last_heartbeat_at', ARGV[1])
return 1
`)

	// The context set key is built from the stored context inside the script.
	// The shared hash tag keeps it in the record's slot.
	inactiveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
  return 0
end
local ctx = redis.call('HGET', KEYS[1], 'context')
redis.call('HSET', KEYS[1], 'active', '0', 'disconnected_at', ARGV[1])
redis.call('SREM', ARGV[2] .. ctx, ARGV[4])
redis.call('SREM', KEYS[2], ARGV[4])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)
)

// RedisOptions configures a RedisRegistry.
type RedisOptions struct {
	// KeyPrefix namespaces every key. Defaults to "magic".
	KeyPrefix string

	// Retention expires inactive records after this long. Zero keeps them.
	Retention time.Duration
}

// RedisRegistry stores records in Redis.
type RedisRegistry struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisRegistry wraps an existing client. The key prefix is wrapped in a
// hash tag unless it already carries one.
func NewRedisRegistry(client redis.UniversalClient, opts RedisOptions) *RedisRegistry {
	return &RedisRegistry{
		client:    client,
		prefix:    hashTag(opts.KeyPrefix),
		retention: opts.Retention,
	}
}

func hashTag(prefix string) string {
	if prefix == "" {
		prefix = "magic"
	}
	if strings.Contains(prefix, "{") {
		return prefix
	}
	return "{" + prefix + "}"
}

// DialRedis connects to the Redis server at url and verifies it answers.
func DialRedis(ctx context.Context, url string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func (r *RedisRegistry) recordKey(id string) string {
	return r.prefix + ":conn:" + id
}

func (r *RedisRegistry) contextPrefix() string {
	return r.prefix + ":ctx:"
}

func (r *RedisRegistry) contextKey(name string) string {
	return r.contextPrefix() + name
}

func (r *RedisRegistry) activeKey() string {
	return r.prefix + ":active"
}

func (r *RedisRegistry) Insert(ctx context.Context, rec *Record) error {
	roles, err := json.Marshal(rec.Roles)
	if err != nil {
		return fmt.Errorf("encoding roles: %w", err)
	}
	scopes, err := json.Marshal(rec.AllowedScopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	md, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	keys := []string{r.recordKey(rec.ID), r.contextKey(rec.Context), r.activeKey()}
	inserted, err := insertScript.Run(ctx, r.client, keys,
		rec.ID, rec.Context,
		rec.CreatedAt.UnixMilli(), rec.LastHeartbeatAt.UnixMilli(),
		roles, scopes, md,
	).Int()
	if err != nil {
		return unavailable("insert", err)
	}
	if inserted == 0 {
		return apperrors.AlreadyActiveError(rec.ID)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, notFound(id)
	}
	rec, err := decodeRedisRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("decoding connection %s: %w", id, err)
	}
	return rec, nil
}

func (r *RedisRegistry) GetByContext(ctx context.Context, name string) ([]*Record, error) {
	return r.loadActive(ctx, "getByContext", r.contextKey(name), func(rec *Record) bool {
		return rec.Context == name
	})
}

func (r *RedisRegistry) GetAllActive(ctx context.Context) ([]*Record, error) {
	return r.loadActive(ctx, "getAllActive", r.activeKey(), func(*Record) bool { return true })
}

// loadActive reads the ids in an index set and fetches their hashes in one
// pipeline. Index members whose record is gone or no longer matches are skipped.
func (r *RedisRegistry) loadActive(ctx context.Context, op, setKey string, match func(*Record) bool) ([]*Record, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, unavailable(op, err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(op, err)
	}

	out := make([]*Record, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRedisRecord(fields)
		if err != nil || !rec.IsActive || !match(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisRegistry) MarkHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	applied, err := heartbeatScript.Run(ctx, r.client, []string{r.recordKey(id)}, at.UnixMilli()).Int()
	if err != nil {
		return false, unavailable("markHeartbeat", err)
	}
	return applied == 1, nil
}

func (r *RedisRegistry) MarkInactive(ctx context.Context, id string, at time.Time) (bool, error) {
	keys := []string{r.recordKey(id), r.activeKey()}
	changed, err := inactiveScript.Run(ctx, r.client, keys,
		at.UnixMilli(), r.contextPrefix(), r.retention.Milliseconds(), id,
	).Int()
	if err != nil {
		return false, unavailable("markInactive", err)
	}
	return changed == 1, nil
}

// Ping checks that Redis answers.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func decodeRedisRecord(fields map[string]string) (*Record, error) {
	rec := &Record{
		ID:       fields["id"],
		Context:  fields["context"],
		IsActive: fields["active"] == "1",
	}

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created)

	heartbeat, err := strconv.ParseInt(fields["last_heartbeat_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("last_heartbeat_at: %w", err)
	}
	rec.LastHeartbeatAt = time.UnixMilli(heartbeat)

	if v := fields["disconnected_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("disconnected_at: %w", err)
		}
		t := time.UnixMilli(ms)
		rec.DisconnectedAt = &t
	}

	if err := unmarshalField(fields["roles"], &rec.Roles); err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	if err := unmarshalField(fields["scopes"], &rec.AllowedScopes); err != nil {
		return nil, fmt.Errorf("scopes: %w", err)
	}
	if err := unmarshalField(fields["metadata"], &rec.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return rec, nil
}

func unmarshalField(raw string, out any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
