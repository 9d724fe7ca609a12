package collect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/lendersync/internal/blob"
	"github.com/SirClappington/lendersync/internal/domain"
)

type source struct {
	mu   sync.Mutex
	hits []string
}

func (s *source) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits = append(s.hits, r.URL.RequestURI())
		s.mu.Unlock()
		if strings.Contains(r.URL.Path, "/broken") {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stamped[J domain.Job](j J) J {
	m := j.Meta()
	m.RunID = "daily-2024-03-15"
	m.IdempotencyKey = "daily-2024-03-15-" + strings.ToLower(m.UnitKey) + "-" + j.Cursor()
	return j
}

func newCollector(t *testing.T) (*Collector, *source, *blob.Memory) {
	t.Helper()
	src := &source{}
	srv := src.server(t)
	f, err := NewHTTPFetcher(srv.URL, 0, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	store := blob.NewMemory()
	return New(f, store, nil), src, store
}

func TestHandleDailyFetch_StoresPayloadByKey(t *testing.T) {
	c, src, store := newCollector(t)
	ctx := context.Background()
	j := stamped(domain.NewDailyFetch("CBA", "2024-03-15"))

	for i := 0; i < 2; i++ {
		if err := c.HandleDailyFetch(ctx, j); err != nil {
			t.Fatalf("HandleDailyFetch #%d: %v", i+1, err)
		}
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d payloads after redelivery, want 1", store.Len())
	}
	key := "raw/daily_fetch/2024-03-15/daily-2024-03-15-cba-2024-03-15.json"
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	if string(got) != `{"path":"/lenders/CBA/products"}` {
		t.Errorf("payload = %s", got)
	}
	if src.hits[0] != "/lenders/CBA/products?date=2024-03-15" {
		t.Errorf("request = %s", src.hits[0])
	}
}

func TestHandleProductDetailAndSnapshot(t *testing.T) {
	c, src, store := newCollector(t)
	ctx := context.Background()
	if err := c.HandleProductDetail(ctx, stamped(domain.NewProductDetail("NAB", "fixed-3", "2024-03-15"))); err != nil {
		t.Fatal(err)
	}
	snap := stamped(domain.NewHistoricalSnapshot("NAB", "2024-02", "2024-02-10"))
	if err := c.HandleHistoricalSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	want := []string{"/lenders/NAB/products/fixed-3?date=2024-03-15", "/lenders/NAB/snapshots/2024-02-10"}
	for i, w := range want {
		if src.hits[i] != w {
			t.Errorf("request %d = %s, want %s", i, src.hits[i], w)
		}
	}
	if _, err := store.Get(ctx, PayloadKey(snap)); err != nil {
		t.Errorf("snapshot payload missing: %v", err)
	}
	if !strings.HasPrefix(PayloadKey(snap), "raw/historical_snapshot/2024-02/") {
		t.Errorf("PayloadKey = %s", PayloadKey(snap))
	}
}

func TestFetch_Non2xxIsError(t *testing.T) {
	c, _, store := newCollector(t)
	err := c.HandleDailyFetch(context.Background(), stamped(domain.NewDailyFetch("broken", "2024-03-15")))
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("err = %v, want status 503", err)
	}
	if store.Len() != 0 {
		t.Error("payload stored for failed fetch")
	}
}

func TestFetch_CanceledWhileRateLimited(t *testing.T) {
	src := &source{}
	srv := src.server(t)
	f, err := NewHTTPFetcher(srv.URL, 0.001, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := f.Fetch(ctx, "/a", nil); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := f.Fetch(ctx, "/b", nil); err == nil {
		t.Error("second fetch should wait past the deadline and fail")
	}
	if len(src.hits) != 1 {
		t.Errorf("hits = %v, want only the first", src.hits)
	}
}

func TestNewHTTPFetcher_RejectsBadURL(t *testing.T) {
	if _, err := NewHTTPFetcher("not a url", 1, time.Second); err == nil {
		t.Error("expected error")
	}
}
