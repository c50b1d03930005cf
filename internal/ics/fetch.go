package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	appLog "confbot/internal/log"
)

// ErrNotModifiedWithoutCache is returned when the server answers 304 but
// no cached body exists to reuse.
var ErrNotModifiedWithoutCache = errors.New("received 304 Not Modified but no cached body available")

// Source represents a single schedule feed.
type Source struct {
	// ID is an internal identifier (config source ID).
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// statusError is a non-OK HTTP answer.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return e.status }

// Fetcher fetches feeds with HTTP caching (ETag / Last-Modified) and a
// disk-backed copy of the last good body, so a feed outage still yields
// the previous schedule.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	token    string
	retries  uint64
	backoff  func() backoff.BackOff
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithToken sends "Authorization: Token <token>" (pretalx API style).
func WithToken(token string) FetcherOption {
	return func(f *Fetcher) { f.token = token }
}

// WithHTTPClient replaces the default 15s-timeout client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithRetries sets how many times a transient failure is retried within
// one fetch, and the backoff policy between attempts.
func WithRetries(n uint64, policy func() backoff.BackOff) FetcherOption {
	return func(f *Fetcher) {
		f.retries = n
		if policy != nil {
			f.backoff = policy
		}
	}
}

// NewFetcher creates a new Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored.
func NewFetcher(cacheDir string, opts ...FetcherOption) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/schedule-cache"
	}
	f := &Fetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
		retries:  2,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll fetches every source in order. Results only hold sources that
// produced a body, fresh or cached; each failure is logged and returned,
// wrapped with the source ID.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.ID, err))
			appLog.Error("schedule fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

// FetchOne fetches a single source, honoring ETag and Last-Modified.
// Network errors and 5xx answers are retried with exponential backoff;
// when every attempt fails the cached body is used if there is one.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	cachePath, err := f.cachePathForURL(src.URL)
	if err != nil {
		return FetchResult{}, err
	}
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	appLog.Debug("schedule fetch start", "id", src.ID, "url", redactURL(src.URL))

	var res FetchResult
	op := func() error {
		r, err := f.attempt(ctx, src, cachePath, meta, cachedBody)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(f.backoff(), f.retries), ctx)
	err = backoff.Retry(op, policy)
	if err == nil {
		return res, nil
	}

	if len(cachedBody) > 0 && !errors.Is(err, ErrNotModifiedWithoutCache) {
		appLog.Warn("schedule fetch failed, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
	}
	return FetchResult{}, err
}

// attempt performs one HTTP round trip. Errors wrapped in
// backoff.Permanent are not retried.
func (f *Fetcher) attempt(ctx context.Context, src Source, cachePath string, meta cacheEntry, cachedBody []byte) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/calendar")
	if f.token != "" {
		req.Header.Set("Authorization", "Token "+f.token)
	}
	// Conditional headers only make sense when there is a body to fall back to.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, readErr
		}

		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("schedule cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}

		appLog.Info("schedule fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, backoff.Permanent(ErrNotModifiedWithoutCache)
		}
		appLog.Debug("schedule fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return FetchResult{}, &statusError{code: resp.StatusCode, status: resp.Status}

	default:
		return FetchResult{}, backoff.Permanent(&statusError{code: resp.StatusCode, status: resp.Status})
	}
}

func (f *Fetcher) cachePathForURL(u string) (string, error) {
	if u == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8])), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; feed URLs may carry tokens.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
