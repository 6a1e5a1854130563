// Package fetch retrieves raw page bodies for locators.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Fetcher retrieves the raw body behind a locator. Failures are *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (string, error)
}

// FetchError reports a page that could not be retrieved.
type FetchError struct {
	Locator    string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Locator, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying cannot help: client errors other than
// timeouts and throttling.
func (e *FetchError) Permanent() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	return e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// URLBuilder maps a locator to the absolute URL to request.
type URLBuilder interface {
	URL(locator string) string
}

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	Delay       time.Duration
	Parallelism int
}

// CollyFetcher implements Fetcher using the Colly collector.
type CollyFetcher struct {
	urls          URLBuilder
	baseCollector *colly.Collector
}

// NewCollyFetcher builds a fetcher. Politeness delay and parallelism are
// enforced by the collector backend shared by every per-request clone.
func NewCollyFetcher(urls URLBuilder, cfg Config) (*CollyFetcher, error) {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	c.WithTransport(newHTTPTransport())

	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("configure collector limits: %w", err)
	}

	return &CollyFetcher{urls: urls, baseCollector: c}, nil
}

// Fetch executes a single HTTP GET and returns the body.
func (f *CollyFetcher) Fetch(ctx context.Context, locator string) (string, error) {
	target := f.urls.URL(locator)

	var (
		body     string
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = string(r.Body)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return "", &FetchError{Locator: locator, URL: target, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			return "", &FetchError{Locator: locator, URL: target, StatusCode: status, Err: err}
		}
	}
	return body, nil
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
