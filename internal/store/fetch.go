package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tourkita/internal/cache"
	"tourkita/internal/errs"
	appLog "tourkita/internal/log"
)

// maxBodyBytes bounds a single collection or feed payload.
const maxBodyBytes = 32 << 20

// Source is one remote collection or feed.
type Source struct {
	// ID is an internal identifier (collection name or feed ID).
	ID string
	// URL is the endpoint.
	URL string
	// Check, when set, vets a fresh 200 body before it is cached. A body
	// that fails is treated like a failed fetch.
	Check func(body []byte) error
}

var errBodyTooLarge = fmt.Errorf("response body exceeds %d bytes", maxBodyBytes)

// FetchResult contains the outcome of fetching a single source.
type FetchResult struct {
	Source    Source
	Body      []byte // payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// Fetcher fetches remote collections with HTTP caching (ETag /
// Last-Modified) backed by the local document cache.
type Fetcher struct {
	client  *http.Client
	cache   *cache.Store
	headers http.Header
}

// NewFetcher creates a Fetcher. docs may be nil, in which case every
// request goes to the network and nothing is cached. headers are added to
// every request (API key, bearer token).
func NewFetcher(docs *cache.Store, timeout time.Duration, headers http.Header) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		cache:   docs,
		headers: headers.Clone(),
	}
}

// FetchAll fetches all given sources and returns individual results.
// Errors for individual sources are logged and returned in the error slice.
//
// The returned slice of results will only contain entries for sources that
// successfully produced a body (either from network or cache).
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	errList := make([]error, 0)

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errList = append(errList, err)
			appLog.Error("store fetch failed", err, "id", src.ID, "url", appLog.RedactURL(src.URL))
			continue
		}
		results = append(results, res)
	}

	return results, errList
}

// FetchOne fetches a single source, honoring ETag and Last-Modified. On a
// network error or a non-OK status the cached body is served when present.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	const op = "store.fetch"
	if src.URL == "" {
		return FetchResult{}, errs.Invalid(op, errors.New("source URL is empty"))
	}

	cached, cacheErr := f.cache.Get(ctx, src.URL)
	if cacheErr != nil && errs.KindOf(cacheErr) != errs.KindNotFound && errs.KindOf(cacheErr) != errs.KindUnavailable {
		appLog.Error("document cache read failed", cacheErr, "id", src.ID)
	}
	hasCached := cacheErr == nil && len(cached.Body) > 0

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, errs.Invalid(op, err)
	}
	for k, vs := range f.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json, text/calendar;q=0.9, */*;q=0.1")

	// Conditional headers from cache metadata.
	if hasCached {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	appLog.Debug("store fetch start", "id", src.ID, "url", appLog.RedactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if hasCached {
			appLog.Error("store fetch network error, using cached body", err, "id", src.ID, "url", appLog.RedactURL(src.URL))
			return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil
		}
		return FetchResult{}, errs.Network(op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if readErr == nil && len(body) > maxBodyBytes {
			readErr = errBodyTooLarge
		}
		if readErr == nil && src.Check != nil {
			readErr = src.Check(body)
		}
		if readErr != nil {
			if hasCached {
				appLog.Error("store fetch body rejected, using cached body", readErr, "id", src.ID)
				return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil
			}
			return FetchResult{}, errs.Network(op, readErr)
		}

		entry := cache.Entry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
		}
		if f.cache != nil {
			if err := f.cache.Put(ctx, entry); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("document cache save failed", err, "id", src.ID)
			}
		}

		appLog.Info("store fetch success", "id", src.ID, "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if !hasCached {
			return FetchResult{}, errs.New(errs.KindUnavailable, op,
				errors.New("received 304 Not Modified but no cached body available"))
		}
		appLog.Debug("store fetch not modified; using cache", "id", src.ID)
		return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil

	default:
		if hasCached {
			appLog.Error("store fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "status", resp.StatusCode)
			return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil
		}
		statusErr := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			return FetchResult{}, errs.NotFound(op, statusErr)
		}
		return FetchResult{}, errs.Network(op, statusErr)
	}
}
