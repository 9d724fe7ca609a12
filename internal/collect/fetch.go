package collect

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const maxPayload = 32 << 20

type Fetcher interface {
	// Fetch GETs path below the source base URL and returns the body of a
	// 2xx response. Any other status is an error.
	Fetch(ctx context.Context, path string, query url.Values) ([]byte, error)
}

var _ Fetcher = (*HTTPFetcher)(nil)

// HTTPFetcher shares one limiter across every handler goroutine in the
// process.
type HTTPFetcher struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher builds a fetcher allowing perSec requests per second. A
// non-positive perSec disables limiting.
func NewHTTPFetcher(baseURL string, perSec float64, timeout time.Duration) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("collect: invalid source base url %q", baseURL)
	}
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	return &HTTPFetcher{
		base:    u,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "collect: rate limit wait")
	}
	u := *f.base
	u.Path = f.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "collect: build request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "collect: get %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, errors.Wrapf(err, "collect: read %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("collect: get %s: status %d", path, resp.StatusCode)
	}
	return body, nil
}
