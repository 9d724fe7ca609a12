package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

var _ Transport = (*RedisQ)(nil)

// enqueueScript takes message hash keys followed by the ready list, and
// (body, id) argument pairs. Ids whose hash already exists are skipped.
var enqueueScript = r.NewScript(`
local ready = KEYS[#KEYS]
local n = 0
for i = 1, #KEYS - 1 do
  if redis.call('HSETNX', KEYS[i], 'body', ARGV[2 * i - 1]) == 1 then
    redis.call('HSET', KEYS[i], 'attempts', 0)
    redis.call('LPUSH', ready, ARGV[2 * i])
    n = n + 1
  end
end
return n
`)

var reserveScript = r.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[2] .. id
local body = redis.call('HGET', key, 'body')
if not body then
  return {id, '', 0}
end
local n = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[1], id)
return {id, body, n}
`)

// moveDueScript moves members with score <= now from a sorted set to the
// ready list atomically, so concurrent consumers cannot double-promote.
var moveDueScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

var retryScript = r.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// RedisQ keeps, per queue name: a ready list, a delay set scored by due
// time, an in-flight set scored by visibility deadline and one hash per
// message holding its body and attempt counter. All keys share a hash tag.
type RedisQ struct {
	rdb        r.UniversalClient
	base       string
	visibility time.Duration
	batch      int64
	now        func() time.Time
}

type Option func(*RedisQ)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *RedisQ) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithClock overrides the clock used for due and deadline scores.
func WithClock(now func() time.Time) Option { return func(q *RedisQ) { q.now = now } }

func New(rdb r.UniversalClient, name string, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:        rdb,
		base:       "{" + name + "}",
		visibility: DefaultVisibilityTimeout,
		batch:      500,
		now:        time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) readyKey() string        { return q.base + ":ready" }
func (q *RedisQ) delayKey() string        { return q.base + ":delay" }
func (q *RedisQ) inflightKey() string     { return q.base + ":inflight" }
func (q *RedisQ) msgPrefix() string       { return q.base + ":msg:" }
func (q *RedisQ) msgKey(id string) string { return q.msgPrefix() + id }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *RedisQ) SendBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(msgs)+1)
	args := make([]any, 0, 2*len(msgs))
	for _, m := range msgs {
		keys = append(keys, q.msgKey(m.ID))
		args = append(args, m.Body, m.ID)
	}
	keys = append(keys, q.readyKey())
	if err := enqueueScript.Run(ctx, q.rdb, keys, args...).Err(); err != nil {
		return errors.Wrapf(err, "queue: send batch of %d", len(msgs))
	}
	return nil
}

// MoveDue promotes delayed messages whose time has come and requeues
// in-flight messages whose visibility deadline passed.
func (q *RedisQ) MoveDue(ctx context.Context) error {
	now := ms(q.now())
	for _, src := range []string{q.delayKey(), q.inflightKey()} {
		if err := moveDueScript.Run(ctx, q.rdb, []string{src, q.readyKey()}, now, q.batch).Err(); err != nil {
			return errors.Wrapf(err, "queue: move due from %s", src)
		}
	}
	return nil
}

func (q *RedisQ) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := q.MoveDue(ctx); err != nil {
		return nil, err
	}
	var out []Delivery
	for len(out) < max {
		deadline := ms(q.now().Add(q.visibility))
		res, err := reserveScript.Run(ctx, q.rdb, []string{q.readyKey(), q.inflightKey()}, deadline, q.msgPrefix()).Slice()
		if errors.Is(err, r.Nil) {
			break
		}
		if err != nil {
			return out, errors.Wrap(err, "queue: reserve")
		}
		if len(res) < 3 {
			return out, errors.Errorf("queue: unexpected reserve reply %v", res)
		}
		id, _ := res[0].(string)
		body, _ := res[1].(string)
		attempt, _ := res[2].(int64)
		if attempt == 0 {
			// id without a message hash; nothing to deliver.
			continue
		}
		out = append(out, Delivery{ID: id, Body: []byte(body), Attempt: int(attempt)})
	}
	return out, nil
}

func (q *RedisQ) Ack(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), id)
	pipe.ZRem(ctx, q.delayKey(), id)
	pipe.Del(ctx, q.msgKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "queue: ack %s", id)
	}
	return nil
}

func (q *RedisQ) Retry(ctx context.Context, id string, delay time.Duration) error {
	due := ms(q.now().Add(delay))
	n, err := retryScript.Run(ctx, q.rdb, []string{q.inflightKey(), q.delayKey()}, id, due).Int()
	if err != nil {
		return errors.Wrapf(err, "queue: retry %s", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrUnknownMessage, "retry %s", id)
	}
	return nil
}

// Depth reports ready, delayed and in-flight counts.
func (q *RedisQ) Depth(ctx context.Context) (ready, delayed, inflight int64, err error) {
	pipe := q.rdb.Pipeline()
	l := pipe.LLen(ctx, q.readyKey())
	d := pipe.ZCard(ctx, q.delayKey())
	f := pipe.ZCard(ctx, q.inflightKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, errors.Wrap(err, "queue: depth")
	}
	return l.Val(), d.Val(), f.Val(), nil
}
