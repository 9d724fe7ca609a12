package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	svc     Service
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func() backend {
	t.Helper()
	return map[string]func() backend{
		"memory": func() backend {
			clk := &fakeClock{t: time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)}
			return backend{svc: NewMemory(WithClock(clk.Now)), advance: clk.Advance}
		},
		"redis": func() backend {
			mr := miniredis.RunT(t)
			rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return backend{svc: NewRedis(rdb), advance: mr.FastForward}
		},
	}
}

func TestAcquire_Contention(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()

			first, err := b.svc.Acquire(ctx, "k", "o1", time.Minute)
			if err != nil || !first.Acquired {
				t.Fatalf("first acquire = %+v, %v", first, err)
			}
			second, err := b.svc.Acquire(ctx, "k", "o2", time.Minute)
			if err != nil {
				t.Fatalf("second acquire: %v", err)
			}
			if second.Acquired || second.Owner != "o1" {
				t.Errorf("second acquire = %+v, want held by o1", second)
			}
			if !second.ExpiresAt.Equal(first.ExpiresAt) {
				t.Errorf("expiry = %v, want %v", second.ExpiresAt, first.ExpiresAt)
			}
		})
	}
}

func TestRelease_OwnerMismatchThenHandover(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()

			if _, err := b.svc.Acquire(ctx, "k", "o1", time.Minute); err != nil {
				t.Fatal(err)
			}
			res, err := b.svc.Release(ctx, "k", "o2")
			if err != nil {
				t.Fatal(err)
			}
			if res.Released || res.Reason != ReasonOwnerMismatch {
				t.Errorf("release by o2 = %+v, want owner_mismatch", res)
			}
			res, err = b.svc.Release(ctx, "k", "o1")
			if err != nil || !res.Released {
				t.Fatalf("release by o1 = %+v, %v", res, err)
			}
			acq, err := b.svc.Acquire(ctx, "k", "o2", time.Minute)
			if err != nil || !acq.Acquired || acq.Owner != "o2" {
				t.Errorf("acquire by o2 = %+v, %v", acq, err)
			}
		})
	}
}

func TestRelease_NotFound(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			res, err := b.svc.Release(context.Background(), "missing", "")
			if err != nil {
				t.Fatal(err)
			}
			if res.Released || res.Reason != ReasonNotFound {
				t.Errorf("release = %+v, want lock_not_found", res)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			ctx := context.Background()

			// 1s is clamped up to MinTTL.
			if _, err := b.svc.Acquire(ctx, "k", "o1", time.Second); err != nil {
				t.Fatal(err)
			}
			b.advance(10 * time.Second)
			st, err := b.svc.Status(ctx, "k")
			if err != nil || !st.Locked || st.Owner != "o1" {
				t.Fatalf("status before expiry = %+v, %v", st, err)
			}

			b.advance(MinTTL)
			st, err = b.svc.Status(ctx, "k")
			if err != nil || st.Locked {
				t.Fatalf("status after expiry = %+v, %v", st, err)
			}
			res, _ := b.svc.Release(ctx, "k", "o1")
			if res.Reason != ReasonNotFound {
				t.Errorf("release after expiry = %+v", res)
			}
			acq, err := b.svc.Acquire(ctx, "k", "o2", time.Minute)
			if err != nil || !acq.Acquired {
				t.Errorf("acquire after expiry = %+v, %v", acq, err)
			}
		})
	}
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := b.svc.Acquire(context.Background(), "k", "owner-"+string(rune('a'+i)), time.Minute)
					if err != nil {
						t.Error(err)
						return
					}
					if res.Acquired {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			if got := wins.Load(); got != 1 {
				t.Errorf("winners = %d, want 1", got)
			}
		})
	}
}

func TestClampTTL(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{-time.Hour, MinTTL},
		{0, MinTTL},
		{time.Minute, time.Minute},
		{2 * time.Hour, 2 * time.Hour},
		{48 * time.Hour, MaxTTL},
	}
	for _, tt := range tests {
		if got := ClampTTL(tt.in); got != tt.want {
			t.Errorf("ClampTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRedis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	_, err := NewRedis(rdb).Acquire(context.Background(), "k", "o", time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
