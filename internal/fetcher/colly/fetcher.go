// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

// Config controls collector and politeness behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// MinDelay must elapse between any two fetches issued by this fetcher,
	// retries included, to respect target-site load limits.
	MinDelay time.Duration
}

// Fetcher issues polite single-page GETs with retry and backoff.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger

	mu        sync.Mutex
	lastFetch time.Time
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 8 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves one page. Transient failures (network errors, 5xx) are
// retried with exponential backoff; a 4xx is terminal and surfaces as a
// client-error FetchError without retrying.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := pause(ctx, f.backoff(attempt)); err != nil {
				break
			}
		}
		if err := f.waitTurn(ctx); err != nil {
			break
		}

		body, status, err := f.visit(ctx, url)
		switch {
		case err == nil:
			return body, nil
		case status >= 400 && status < 500:
			return nil, &scrape.FetchError{Kind: scrape.FetchClientError, URL: url, Status: status, Err: err}
		default:
			lastErr = err
			f.logger.Debug("fetch attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
				zap.Error(err))
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, &scrape.FetchError{Kind: scrape.FetchExhausted, URL: url, Err: lastErr}
}

// visit runs one colly GET and reports the body or the response status of
// the failure.
func (f *Fetcher) visit(ctx context.Context, url string) ([]byte, int, error) {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, status, fmt.Errorf("response failed: %w", fetchErr)
		}
		if err != nil {
			return nil, status, fmt.Errorf("visit failed: %w", err)
		}
		return body, status, nil
	}
}

// waitTurn enforces the minimum inter-request delay, then claims the slot.
func (f *Fetcher) waitTurn(ctx context.Context) error {
	for {
		f.mu.Lock()
		wait := f.cfg.MinDelay - time.Since(f.lastFetch)
		if wait <= 0 {
			f.lastFetch = time.Now()
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()
		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := f.cfg.BackoffBase << (attempt - 1)
	if d > f.cfg.BackoffMax || d <= 0 {
		return f.cfg.BackoffMax
	}
	return d
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
