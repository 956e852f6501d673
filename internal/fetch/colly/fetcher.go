// Package collyfetch implements the pipeline ContentFetcher using gocolly,
// egressing through the leased identity's proxy.
package collyfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/digestry/digestry/internal/identity"
	"github.com/digestry/digestry/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PerHostRPS throttles requests per target host. Zero disables it.
	PerHostRPS float64
	Burst      int
}

// Fetcher fetches source documents with a fresh collector per call so the
// transport can be bound to the current lease.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:      cfg,
		base:     colly.NewCollector(colly.Async(false)),
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch executes a single GET for sourceRef through the lease's proxy.
func (f *Fetcher) Fetch(ctx context.Context, sourceRef string, lease *identity.Lease) (pipeline.RawContent, error) {
	if err := f.waitPerHost(ctx, sourceRef); err != nil {
		return pipeline.RawContent{}, err
	}

	egressProxy := ""
	if lease != nil {
		egressProxy = lease.ProxyURL()
	}
	transport, err := f.transportFor(egressProxy)
	if err != nil {
		return pipeline.RawContent{}, err
	}

	var (
		result   pipeline.RawContent
		fetchErr error
	)
	start := time.Now()

	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(transport)

	collector.OnResponse(func(r *colly.Response) {
		result = pipeline.RawContent{
			SourceRef:  sourceRef,
			Body:       append([]byte(nil), r.Body...),
			StatusCode: r.StatusCode,
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = classifyHTTP(status, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(sourceRef)
	}()

	select {
	case <-ctx.Done():
		return pipeline.RawContent{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return pipeline.RawContent{}, fetchErr
		}
		if err != nil {
			return pipeline.RawContent{}, fmt.Errorf("visit %s: %w", sourceRef, err)
		}
	}

	if clsErr := classifyHTTP(result.StatusCode, nil); clsErr != nil {
		return pipeline.RawContent{}, clsErr
	}
	return result, nil
}

// classifyHTTP buckets a response status (and optional transport error)
// into the pipeline error taxonomy. Rate limits and server errors retry;
// missing or forbidden content does not.
func classifyHTTP(status int, cause error) error {
	if cause == nil && (status == 0 || status < 400) {
		return nil
	}
	if cause == nil {
		cause = fmt.Errorf("unexpected status %d", status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return pipeline.Transient(fmt.Errorf("rate limited (status %d): %w", status, cause))
	case status >= 500:
		return pipeline.Transient(fmt.Errorf("server error (status %d): %w", status, cause))
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return pipeline.Permanent(fmt.Errorf("unauthorized (status %d): %w", status, cause))
	case status == http.StatusNotFound, status == http.StatusGone:
		return pipeline.Permanent(fmt.Errorf("content unavailable (status %d): %w", status, cause))
	case status >= 400:
		return pipeline.Permanent(fmt.Errorf("client error (status %d): %w", status, cause))
	default:
		// Transport-level failure with no response; timeouts and refused
		// connections are worth retrying.
		return pipeline.Transient(cause)
	}
}

// transportFor builds an HTTP transport bound to the given proxy endpoint.
// An empty proxy falls back to direct egress.
func (f *Fetcher) transportFor(egressProxy string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
	if egressProxy == "" {
		return transport, nil
	}

	proxyURL, err := url.Parse(egressProxy)
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("parse proxy url %q: %w", egressProxy, err))
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, socksAuth(proxyURL), proxy.Direct)
		if err != nil {
			return nil, pipeline.Transient(fmt.Errorf("socks5 dialer for %s: %w", proxyURL.Host, err))
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		return nil, pipeline.Permanent(fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme))
	}
	return transport, nil
}

func socksAuth(u *url.URL) *proxy.Auth {
	if u.User == nil {
		return nil
	}
	password, _ := u.User.Password()
	return &proxy.Auth{User: u.User.Username(), Password: password}
}

// waitPerHost applies the per-host politeness limiter.
func (f *Fetcher) waitPerHost(ctx context.Context, sourceRef string) error {
	if f.cfg.PerHostRPS <= 0 {
		return nil
	}
	host := "unknown"
	if u, err := url.Parse(sourceRef); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	f.mu.Lock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.cfg.PerHostRPS), f.cfg.Burst)
		f.limiters[host] = limiter
	}
	f.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
