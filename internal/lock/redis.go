package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

var _ Service = (*Redis)(nil)

const redisKeyPrefix = "lock:"

// Each lock is a hash {owner, acquired_at, expires_at} with a native
// PEXPIRE, so Redis evicts expired records itself. Both mutations run as a
// single script to keep check-and-set atomic.
var acquireScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, redis.call('HGET', KEYS[1], 'owner') or '', redis.call('HGET', KEYS[1], 'expires_at') or '0'}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'acquired_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[1], ARGV[3]}
`)

var releaseScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then
  return 'lock_not_found'
end
if ARGV[1] ~= '' and owner ~= ARGV[1] then
  return 'owner_mismatch'
end
redis.call('DEL', KEYS[1])
return 'released'
`)

// Redis is a Service backed by a single Redis primary.
type Redis struct {
	rdb goredis.UniversalClient
	now func() time.Time
}

func NewRedis(rdb goredis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (AcquireResult, error) {
	if err := validate(key, owner); err != nil {
		return AcquireResult{}, err
	}
	ttl = ClampTTL(ttl)
	now := r.now().UTC()
	exp := now.Add(ttl)

	res, err := acquireScript.Run(ctx, r.rdb, []string{redisKeyPrefix + key},
		owner,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(exp.UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Slice()
	if err != nil {
		return AcquireResult{}, unavailable(err, "acquire")
	}
	if len(res) < 3 {
		return AcquireResult{}, unavailable(errors.Errorf("unexpected reply %v", res), "acquire")
	}

	ok, _ := res[0].(int64)
	holder, _ := res[1].(string)
	expMs, err := strconv.ParseInt(asString(res[2]), 10, 64)
	if err != nil {
		return AcquireResult{}, unavailable(err, "acquire: parse expiry")
	}
	return AcquireResult{
		Acquired:  ok == 1,
		Owner:     holder,
		ExpiresAt: time.UnixMilli(expMs).UTC(),
	}, nil
}

func (r *Redis) Release(ctx context.Context, key, owner string) (ReleaseResult, error) {
	out, err := releaseScript.Run(ctx, r.rdb, []string{redisKeyPrefix + key}, owner).Text()
	if err != nil {
		return ReleaseResult{}, unavailable(err, "release")
	}
	switch out {
	case "released":
		return ReleaseResult{Released: true}, nil
	case ReasonNotFound, ReasonOwnerMismatch:
		return ReleaseResult{Reason: out}, nil
	default:
		return ReleaseResult{}, unavailable(errors.Errorf("unexpected reply %q", out), "release")
	}
}

func (r *Redis) Status(ctx context.Context, key string) (StatusResult, error) {
	vals, err := r.rdb.HMGet(ctx, redisKeyPrefix+key, "owner", "expires_at").Result()
	if err != nil {
		return StatusResult{}, unavailable(err, "status")
	}
	owner, _ := vals[0].(string)
	if owner == "" {
		return StatusResult{}, nil
	}
	st := StatusResult{Locked: true, Owner: owner}
	if ms, err := strconv.ParseInt(asString(vals[1]), 10, 64); err == nil {
		exp := time.UnixMilli(ms).UTC()
		st.ExpiresAt = &exp
	}
	return st, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
