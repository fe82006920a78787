package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tourkita/internal/errs"
	appLog "tourkita/internal/log"
)

// transfer runs the bounded retry loop for one download. The body is
// streamed into <localPath>.part and renamed over localPath only when
// complete, so localPath never holds a truncated file.
func (c *Cache) transfer(ctx context.Context, remoteURL, localPath string) error {
	const op = "assets.download"
	defer c.resetProgress(localPath)

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errs.Filesystem(op, err)
	}

	part := localPath + partSuffix
	if !c.opts.ResumePartial {
		if err := os.Remove(part); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.Filesystem(op, err)
		}
	}

	appLog.Info("asset download start", "path", localPath, "url", appLog.RedactURL(remoteURL))
	started := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = 30 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, c.attempt(ctx, remoteURL, localPath, part)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			appLog.Warn("asset download attempt failed, retrying",
				"path", localPath, "attempt", attempt, "wait", wait.String(), "reason", err.Error())
		}),
	)
	if err != nil {
		if !c.opts.ResumePartial {
			_ = os.Remove(part)
		}
		appLog.Error("asset download failed", err, "path", localPath, "attempts", attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs.KindOf(err) == errs.KindUnknown {
			return errs.Network(op, err)
		}
		return err
	}

	if err := os.Rename(part, localPath); err != nil {
		return errs.Filesystem(op, err)
	}
	c.publish(localPath, 1)

	appLog.Info("asset download completed", "path", localPath, "attempts", attempt, "elapsed", time.Since(started).Round(time.Millisecond).String())
	return nil
}

// attempt performs one HTTP transfer. Errors wrapped with backoff.Permanent
// stop the retry loop; all others are retried.
func (c *Cache) attempt(ctx context.Context, remoteURL, localPath, part string) error {
	const op = "assets.download"

	actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	var offset int64
	if c.opts.ResumePartial {
		if fi, err := os.Stat(part); err == nil {
			offset = fi.Size()
		}
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return backoff.Permanent(errs.Invalid(op, err))
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errs.Network(op, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	var total int64

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			// Cannot trust the range; start over on the next attempt.
			_ = os.Remove(part)
			return errs.Network(op, fmt.Errorf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), offset))
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		total = size
		appLog.Debug("asset download resuming", "path", localPath, "offset", offset)

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		offset = 0
		total = resp.ContentLength

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if _, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && size == offset {
			// The partial file already holds the whole body.
			return nil
		}
		_ = os.Remove(part)
		return errs.Network(op, fmt.Errorf("range %d- not satisfiable", offset))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Network(op, fmt.Errorf("unexpected status %s", resp.Status))

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return backoff.Permanent(errs.NotFound(op, fmt.Errorf("unexpected status %s", resp.Status)))

	default:
		return backoff.Permanent(errs.Network(op, fmt.Errorf("unexpected status %s", resp.Status)))
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return backoff.Permanent(errs.Filesystem(op, err))
	}

	pw := &progressWriter{
		done:   offset,
		total:  total,
		report: func(frac float64) { c.publish(localPath, frac) },
	}
	_, copyErr := io.Copy(f, io.TeeReader(resp.Body, pw))
	closeErr := f.Close()

	if copyErr != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errs.Network(op, copyErr)
	}
	if closeErr != nil {
		return backoff.Permanent(errs.Filesystem(op, closeErr))
	}
	if total > 0 && pw.done != total {
		return errs.Network(op, fmt.Errorf("short body: got %d of %d bytes", pw.done, total))
	}
	return nil
}

// parseContentRange reads "bytes <start>-<end>/<size>" or "bytes */<size>".
// size is -1 when the server reports "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, sz, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}

	size = -1
	if sz != "*" {
		n, err := strconv.ParseInt(sz, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		size = n
	}

	if rng == "*" {
		return 0, size, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, size, true
}
