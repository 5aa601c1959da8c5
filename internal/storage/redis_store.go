package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefixes for storage
	recordKeyPrefix = "taskvault:task:"
	ownerKeyPrefix  = "taskvault:owner:"
)

// writeScript performs the race-safe first write of a record hash and adds
// the id to the per-owner index in the same atomic step.
// KEYS[1] record hash, KEYS[2] owner index
// ARGV[1] payload, ARGV[2] expiry unix milli (0 = none), ARGV[3] index score, ARGV[4] task id
var writeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 0, 'expires_at', ARGV[2])
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// casScript implements write-if-version as one atomic script: compare the
// stored version field, then overwrite payload and bump the version. Doing
// the comparison server-side avoids the check-then-act race a client-side
// read-compare-write sequence would have.
// KEYS[1] record hash
// ARGV[1] expected version, ARGV[2] payload, ARGV[3] expiry unix milli
// Returns {-1} missing, {0, actual} conflict, {1, new} success.
var casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return {-1, 0}
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return {0, tonumber(v)}
end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', nv, 'expires_at', ARGV[3])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[3])
end
return {1, nv}
`)

// deleteScript removes the record hash and its index entry together.
// KEYS[1] record hash, KEYS[2] owner index, ARGV[1] task id
var deleteScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('DEL', KEYS[1])
`)

// RedisStore implements the Backend contract on a single Redis node. Each
// record lives in a hash (payload, version, expiry) and a per-owner sorted
// set indexes task ids by first-write time, since Redis has no native
// range-query-by-key-prefix primitive. Native key expiry is armed as a
// best-effort optimization only; the engine's expiry filter stays
// authoritative.
type RedisStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

// NewRedisStore creates a Redis-backed store on an existing client. The
// caller manages the client lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		nowFn:  time.Now,
	}
}

func recordKey(owner, id string) string {
	return recordKeyPrefix + owner + ":" + id
}

func ownerKey(owner string) string {
	return ownerKeyPrefix + owner
}

// Read fetches the payload and version fields of the record hash.
func (rs *RedisStore) Read(ctx context.Context, owner, id string) ([]byte, int64, error) {
	vals, err := rs.client.HMGet(ctx, recordKey(owner, id), "data", "version").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read record: %w", ErrUnavailable, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, 0, ErrNotFound
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected payload type %T", vals[0])
	}
	version, err := strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("corrupt version field: %w", err)
	}
	return []byte(data), version, nil
}

// Write performs the first write of a new record and indexes it, atomically.
func (rs *RedisStore) Write(ctx context.Context, owner, id string, value []byte, expiresAt time.Time) error {
	res, err := writeScript.Run(ctx, rs.client,
		[]string{recordKey(owner, id), ownerKey(owner)},
		value, expiryMilli(expiresAt), rs.nowFn().UnixMilli(), id,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: failed to write record: %w", ErrUnavailable, err)
	}
	if created, ok := res.(int64); !ok || created != 1 {
		return ErrKeyExists
	}
	return nil
}

// WriteIfVersion runs the CAS script against the record hash.
func (rs *RedisStore) WriteIfVersion(ctx context.Context, owner, id string, value []byte, expected int64, expiresAt time.Time) (int64, error) {
	res, err := casScript.Run(ctx, rs.client,
		[]string{recordKey(owner, id)},
		expected, value, expiryMilli(expiresAt),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to write record: %w", ErrUnavailable, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, fmt.Errorf("unexpected script reply %v", res)
	}
	outcome, _ := reply[0].(int64)
	version, _ := reply[1].(int64)

	switch outcome {
	case 1:
		return version, nil
	case 0:
		return 0, &VersionConflictError{Actual: version}
	default:
		return 0, ErrNotFound
	}
}

// Delete removes the record hash and its index entry.
func (rs *RedisStore) Delete(ctx context.Context, owner, id string) error {
	err := deleteScript.Run(ctx, rs.client,
		[]string{recordKey(owner, id), ownerKey(owner)},
		id,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: failed to delete record: %w", ErrUnavailable, err)
	}
	return nil
}

// ListOwner returns the ids in the owner index, pruning members whose record
// hash was already evicted by native expiry.
func (rs *RedisStore) ListOwner(ctx context.Context, owner string) ([]string, error) {
	members, err := rs.client.ZRange(ctx, ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list owner index: %w", ErrUnavailable, err)
	}

	ids := make([]string, 0, len(members))
	for _, id := range members {
		exists, err := rs.client.Exists(ctx, recordKey(owner, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to check record: %w", ErrUnavailable, err)
		}
		if exists == 0 {
			// Record evicted out-of-band; heal the index.
			rs.client.ZRem(ctx, ownerKey(owner), id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReapExpired sweeps record hashes whose stored expiry has passed. Native
// PEXPIREAT usually gets there first; this is the safety net for keys whose
// native expiry was lost (persistence or replication lag).
func (rs *RedisStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	nowMilli := now.UnixMilli()
	removed := 0

	iter := rs.client.Scan(ctx, 0, recordKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		expStr, err := rs.client.HGet(ctx, key, "expires_at").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("%w: failed to read expiry: %w", ErrUnavailable, err)
		}
		exp, err := strconv.ParseInt(expStr, 10, 64)
		if err != nil || exp == 0 || exp > nowMilli {
			continue
		}

		owner, id, ok := splitRecordKey(key)
		if !ok {
			continue
		}
		if err := rs.Delete(ctx, owner, id); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: failed to scan records: %w", ErrUnavailable, err)
	}
	return removed, nil
}

// Close is a no-op; the Redis client is shared and owned by the caller.
func (rs *RedisStore) Close() error {
	return nil
}

// splitRecordKey recovers (owner, id) from a record key. The id is the final
// segment: task ids are UUIDs and never contain ':', owners may.
func splitRecordKey(key string) (owner, id string, ok bool) {
	rest, found := strings.CutPrefix(key, recordKeyPrefix)
	if !found {
		return "", "", false
	}
	sep := strings.LastIndex(rest, ":")
	if sep <= 0 || sep == len(rest)-1 {
		return "", "", false
	}
	return rest[:sep], rest[sep+1:], true
}
