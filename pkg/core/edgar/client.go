// Package edgar provides the SEC EDGAR integration layer: a rate-limited
// HTTP client plus one feed adapter per publication channel.
// API documentation: https://www.sec.gov/developer
package edgar

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
)

const (
	// SEC EDGAR endpoints
	SubmissionsURL   = "https://data.sec.gov/submissions/CIK%s.json"
	ArchivesURL      = "https://www.sec.gov/Archives/edgar/data/%s/%s"
	FilingIndexURL   = "https://www.sec.gov/Archives/edgar/data/%s/%s/index.json"
	CurrentFeedURL   = "https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&type=%s&company=&dateb=&owner=include&start=0&count=%d&output=atom"
	DailyIndexURL    = "https://www.sec.gov/Archives/edgar/daily-index/%d/QTR%d/master.%s.idx"
	FullIndexURL     = "https://www.sec.gov/Archives/edgar/full-index/%d/QTR%d/master.idx"
	CompanyTickers   = "https://www.sec.gov/files/company_tickers_exchange.json"
	FullTextSearch   = "https://efts.sec.gov/LATEST/search-index?q=%s&dateRange=custom&startdt=%s&enddt=%s&forms=%s"
	DefaultRateLimit = 10
)

// ErrTerminal marks responses that must not be retried (4xx other than 429).
var ErrTerminal = eris.New("edgar: terminal response")

// Process-wide token bucket. Every outbound SEC call in the core goes
// through this limiter; constructing a second Client shares it.
var (
	limiterOnce sync.Once
	limiter     *rate.Limiter
)

func sharedLimiter(rps int) *rate.Limiter {
	limiterOnce.Do(func() {
		if rps < 1 {
			rps = DefaultRateLimit
		}
		// Burst of one: requests are spaced 1/rps apart, so no rolling
		// one-second window ever sees more than rps calls.
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	})
	return limiter
}

// SetRate adjusts the shared bucket on configuration reload. No-op before
// the first Client is built.
func SetRate(rps int) {
	if limiter != nil && rps >= 1 {
		limiter.SetLimit(rate.Limit(rps))
	}
}

// Client is the shared SEC HTTP client: user agent, token bucket, retry
// with jittered backoff, and a breaker that cools down after repeated
// 403/429 responses.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	userAgent   string
	maxAttempts int
	backoffBase time.Duration
	metrics     *metrics.Collector
	log         *zap.Logger
}

// ClientOptions carries the knobs main reads from configuration.
type ClientOptions struct {
	UserAgent         string
	RequestsPerSecond int
	MaxAttempts       int
	BackoffBase       time.Duration
	Metrics           *metrics.Collector
	// HTTPClient overrides the default transport; tests stub it.
	HTTPClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sec-outbound",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		httpClient:  opts.HTTPClient,
		limiter:     sharedLimiter(opts.RequestsPerSecond),
		breaker:     breaker,
		userAgent:   opts.UserAgent,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		metrics:     opts.Metrics,
		log:         logging.Component("edgar.client"),
	}
}

// Get fetches url with the shared rate limit and retry policy applied.
// 429 and 5xx are retried with jittered exponential backoff (a 429's
// Retry-After is honored before the next token is taken); other 4xx are
// terminal and wrapped with ErrTerminal.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url, "")
}

// GetJSON is Get with an Accept: application/json header.
func (c *Client) GetJSON(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url, "application/json")
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "edgar: rate limit wait")
		}

		body, retryAfter, err := c.once(ctx, url, accept)
		if err == nil {
			return body, nil
		}
		if eris.Is(err, ErrTerminal) {
			return nil, err
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		delay := c.backoff(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		c.log.Warn("retrying SEC request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, eris.Wrapf(lastErr, "edgar: %s failed after %d attempts", url, c.maxAttempts)
}

// once performs a single attempt through the breaker. The returned duration
// is the server-asserted Retry-After, zero when absent.
func (c *Client) once(ctx context.Context, url, accept string) ([]byte, time.Duration, error) {
	var retryAfter time.Duration

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrap(err, "edgar: build request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.observe(0)
			return nil, eris.Wrap(err, "edgar: request")
		}
		defer resp.Body.Close()
		c.observe(resp.StatusCode)

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, eris.Wrap(err, "edgar: read body")
			}
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
			return nil, eris.Errorf("edgar: status 429 for %s", url)
		case resp.StatusCode >= 500:
			return nil, eris.Errorf("edgar: status %d for %s", resp.StatusCode, url)
		default:
			return nil, eris.Wrapf(ErrTerminal, "status %d for %s", resp.StatusCode, url)
		}
	})
	if err != nil {
		return nil, retryAfter, err
	}
	return result.([]byte), 0, nil
}

func (c *Client) observe(status int) {
	if c.metrics == nil {
		return
	}
	class := "error"
	switch {
	case status == 0:
		class = "network"
	case status < 300:
		class = "2xx"
	case status == 429:
		class = "429"
	case status < 500:
		class = "4xx"
	default:
		class = "5xx"
	}
	c.metrics.OutboundRequests.WithLabelValues(class).Inc()
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}
