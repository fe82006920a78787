// Package assets keeps downloaded 3D models, marker images and videos under
// a shared root directory so each one is fetched at most once per explicit
// request.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tourkita/internal/errs"
	appLog "tourkita/internal/log"
)

// State is the lifecycle state of one asset as seen by the UI.
type State string

const (
	StateChecking      State = "checking"
	StateDownloaded    State = "downloaded"
	StateNotDownloaded State = "not_downloaded"
	StateDownloading   State = "downloading"
)

// partSuffix marks an incomplete download next to its final path.
const partSuffix = ".part"

var (
	// ErrDownloadInProgress is returned by Delete while the path is being
	// downloaded.
	ErrDownloadInProgress = errors.New("download in progress")

	unsafeRun = regexp.MustCompile(`[^A-Za-z0-9_]+`)
)

// Options tunes the downloader. Zero values get defaults in NewCache.
type Options struct {
	// Client performs the transfers. Defaults to a client without an
	// overall timeout; AttemptTimeout bounds each attempt instead.
	Client *http.Client
	// MaxAttempts bounds tries per Download, first one included.
	MaxAttempts int
	// ResumePartial continues an existing .part file with a Range request.
	ResumePartial bool
	// AttemptTimeout bounds a single attempt.
	AttemptTimeout time.Duration
	// InitialBackoff is the first retry delay; later delays grow
	// exponentially.
	InitialBackoff time.Duration
}

// Cache maps remote asset URLs onto files under a shared root.
type Cache struct {
	root   string
	opts   Options
	client *http.Client

	group singleflight.Group

	mu      sync.Mutex
	feeds   map[string]*feed
	active  map[string]bool
	flights map[string]*flight
}

// flight is the context a shared transfer runs under. It is cancelled once
// every caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewCache creates a Cache rooted at root. The directory is created lazily
// by Download.
func NewCache(root string, opts Options) *Cache {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Minute
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	return &Cache{
		root:   root,
		opts:   opts,
		client: opts.Client,
		feeds:   make(map[string]*feed),
		active:  make(map[string]bool),
		flights: make(map[string]*flight),
	}
}

// Root returns the shared assets root.
func (c *Cache) Root() string {
	return c.root
}

// ResolveLocalPath derives the local path for an asset owned by owner (a
// landmark or event name) at remoteURL: <root>/<owner>/<filename>. Every run
// of characters outside [A-Za-z0-9_] in owner becomes one underscore; the
// filename is the decoded last segment of the URL path.
func (c *Cache) ResolveLocalPath(owner, remoteURL string) (string, error) {
	const op = "assets.resolve"

	dir := unsafeRun.ReplaceAllString(strings.TrimSpace(owner), "_")
	if strings.Trim(dir, "_") == "" {
		return "", errs.Invalid(op, fmt.Errorf("owner %q has no usable characters", owner))
	}

	name, err := fileName(remoteURL)
	if err != nil {
		return "", errs.Invalid(op, err)
	}
	return filepath.Join(c.root, dir, name), nil
}

func fileName(remoteURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(remoteURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q is not http(s)", remoteURL)
	}
	// u.Path is already percent-decoded, so "models%2Fchurch.glb" ends in
	// "church.glb".
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", fmt.Errorf("url %q has no file name", remoteURL)
	}
	if strings.ContainsAny(name, `\`) {
		return "", fmt.Errorf("file name %q is not portable", name)
	}
	return name, nil
}

// Exists reports whether a complete file is present at localPath.
func (c *Cache) Exists(localPath string) (bool, error) {
	fi, err := os.Stat(localPath)
	if err == nil {
		return fi.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errs.Filesystem("assets.exists", err)
}

// Status reports the asset's state. StateChecking is returned together with
// an error when the filesystem cannot answer.
func (c *Cache) Status(localPath string) (State, error) {
	c.mu.Lock()
	downloading := c.active[localPath]
	c.mu.Unlock()
	if downloading {
		return StateDownloading, nil
	}

	ok, err := c.Exists(localPath)
	switch {
	case err != nil:
		return StateChecking, err
	case ok:
		return StateDownloaded, nil
	default:
		return StateNotDownloaded, nil
	}
}

// Delete removes the asset and any partial download. Deleting a missing
// asset succeeds.
func (c *Cache) Delete(localPath string) error {
	const op = "assets.delete"

	c.mu.Lock()
	downloading := c.active[localPath]
	c.mu.Unlock()
	if downloading {
		return errs.New(errs.KindConflict, op, ErrDownloadInProgress)
	}

	for _, p := range []string{localPath, localPath + partSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.Filesystem(op, err)
		}
	}
	appLog.Info("asset deleted", "path", localPath)
	return nil
}

// Download fetches remoteURL into localPath, creating parent directories.
// onProgress (may be nil) receives the completed fraction in [0, 1] as bytes
// arrive.
//
// At most one transfer runs per localPath. A caller arriving while one is in
// flight joins it: it receives the same progress feed and the same result.
// A caller whose context ends stops waiting; the transfer itself is
// cancelled only when no caller is left waiting on it.
func (c *Cache) Download(ctx context.Context, remoteURL, localPath string, onProgress func(float64)) error {
	const op = "assets.download"
	if remoteURL == "" || localPath == "" {
		return errs.Invalid(op, errors.New("remote URL and local path are required"))
	}

	unsubscribe := c.subscribe(localPath, onProgress)
	defer unsubscribe()

	for {
		err := c.join(ctx, remoteURL, localPath)
		// A transfer abandoned by all of its earlier callers may still be
		// winding down when this caller joins it; start a fresh one.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			appLog.Debug("asset download joined an abandoned transfer; retrying", "path", localPath)
			continue
		}
		return err
	}
}

func (c *Cache) join(ctx context.Context, remoteURL, localPath string) error {
	c.mu.Lock()
	fl := c.flights[localPath]
	if fl == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		c.flights[localPath] = fl
	}
	fl.waiters++
	ch := c.group.DoChan(localPath, func() (any, error) {
		c.setActive(localPath, true)
		defer c.setActive(localPath, false)
		return nil, c.transfer(fl.ctx, remoteURL, localPath)
	})
	c.mu.Unlock()
	defer c.leave(localPath, fl)

	select {
	case res := <-ch:
		if res.Shared {
			appLog.Debug("asset download shared", "path", localPath)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) leave(localPath string, fl *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if c.flights[localPath] == fl {
		delete(c.flights, localPath)
	}
}

func (c *Cache) setActive(localPath string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.active[localPath] = true
	} else {
		delete(c.active, localPath)
	}
}
