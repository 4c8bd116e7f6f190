// Package downloader resolves a (debug file, debug id, symbol file) triple
// against an ordered list of symbol origins, remembering recent outcomes in
// a short-TTL existence cache.
package downloader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/g-k/tecken/internal/origins"
)

// Result is the outcome of one downloader call.
type Result struct {
	// Found says whether any origin has the symbol file.
	Found bool

	// URL is the resolved download URL when Found. Signed for private
	// origins.
	URL string

	// Elapsed is the wall-clock time of the probe, including every origin
	// consulted.
	Elapsed time.Duration
}

// Downloader probes origins in registry order. The first origin that has
// the object wins; a definitive miss from every origin is cached so repeat
// lookups of bad keys stay cheap. Safe for concurrent use.
type Downloader struct {
	backends   []*backend
	exists     *ExistsCache
	getTimeout time.Duration
	logger     *zap.Logger
}

// Options tunes a Downloader.
type Options struct {
	// GetTimeout bounds each individual origin probe.
	GetTimeout time.Duration

	// ExistsCacheMaxSize and ExistsCacheTTL size the existence cache.
	ExistsCacheMaxSize int
	ExistsCacheTTL     time.Duration

	// HTTPClient is used for public-origin probes. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// New builds a Downloader for the given registry.
func New(ctx context.Context, registry *origins.Registry, opts Options, logger *zap.Logger) (*Downloader, error) {
	if opts.GetTimeout <= 0 {
		opts.GetTimeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	backends, err := NewBackends(ctx, registry, opts.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	return &Downloader{
		backends:   backends,
		exists:     NewExistsCache(opts.ExistsCacheMaxSize, opts.ExistsCacheTTL),
		getTimeout: opts.GetTimeout,
		logger:     logger,
	}, nil
}

// newWithBackends is the seam tests use to inject fake backends.
func newWithBackends(backends []*backend, exists *ExistsCache, getTimeout time.Duration, logger *zap.Logger) *Downloader {
	return &Downloader{backends: backends, exists: exists, getTimeout: getTimeout, logger: logger}
}

func cacheKey(debugFile, debugID, symbolFile string) string {
	return debugFile + "/" + debugID + "/" + symbolFile
}

// HasSymbol reports whether any origin has the symbol file.
func (d *Downloader) HasSymbol(ctx context.Context, debugFile, debugID, symbolFile string) Result {
	t0 := time.Now()
	key := cacheKey(debugFile, debugID, symbolFile)

	if rec, ok := d.exists.get(key); ok {
		return Result{Found: rec.present, Elapsed: time.Since(t0)}
	}

	_, found := d.probe(ctx, debugFile, debugID, symbolFile)
	return Result{Found: found, Elapsed: time.Since(t0)}
}

// SymbolURL returns a URL the client can download the symbol file from:
// the direct URL for public origins, a freshly signed URL for private ones.
func (d *Downloader) SymbolURL(ctx context.Context, debugFile, debugID, symbolFile string) Result {
	t0 := time.Now()
	key := cacheKey(debugFile, debugID, symbolFile)

	if rec, ok := d.exists.get(key); ok {
		if !rec.present {
			return Result{Elapsed: time.Since(t0)}
		}
		if url, err := d.urlFor(ctx, rec.originIndex, debugFile, debugID, symbolFile); err == nil {
			return Result{Found: true, URL: url, Elapsed: time.Since(t0)}
		}
		// The cached origin can no longer produce a URL; reprobe.
		d.exists.remove(key)
	}

	idx, found := d.probe(ctx, debugFile, debugID, symbolFile)
	if !found {
		return Result{Elapsed: time.Since(t0)}
	}
	url, err := d.urlFor(ctx, idx, debugFile, debugID, symbolFile)
	if err != nil {
		d.logger.Error("resolving symbol URL failed",
			zap.String("origin", d.backends[idx].origin.RawURL), zap.Error(err))
		return Result{Elapsed: time.Since(t0)}
	}
	return Result{Found: true, URL: url, Elapsed: time.Since(t0)}
}

// OpenStream opens the symbol file's content from the first origin that has
// it. The caller owns the returned reader.
func (d *Downloader) OpenStream(ctx context.Context, debugFile, debugID, symbolFile string) (Result, io.ReadCloser) {
	t0 := time.Now()
	key := cacheKey(debugFile, debugID, symbolFile)

	if rec, ok := d.exists.get(key); ok {
		if !rec.present {
			return Result{Elapsed: time.Since(t0)}, nil
		}
		body, err := d.openFrom(ctx, rec.originIndex, debugFile, debugID, symbolFile)
		if err == nil {
			url, _ := d.urlFor(ctx, rec.originIndex, debugFile, debugID, symbolFile)
			return Result{Found: true, URL: url, Elapsed: time.Since(t0)}, body
		}
		// Vanished or origin trouble since the last probe; start over.
		d.exists.remove(key)
	}

	definitive := true
	for i, b := range d.backends {
		body, err := d.openFrom(ctx, i, debugFile, debugID, symbolFile)
		if err == nil {
			url, _ := d.urlFor(ctx, i, debugFile, debugID, symbolFile)
			d.exists.putPresent(key, i, url)
			return Result{Found: true, URL: url, Elapsed: time.Since(t0)}, body
		}
		if errors.Is(err, errNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return Result{Elapsed: time.Since(t0)}, nil
		}
		definitive = false
		d.logger.Warn("origin stream failed",
			zap.String("origin", b.origin.RawURL),
			zap.String("symbol", key),
			zap.Error(err))
		// One origin's outage must not hide the others.
	}
	if definitive {
		d.exists.putAbsent(key)
	}
	return Result{Elapsed: time.Since(t0)}, nil
}

// probe checks every origin in order with HEAD-style requests. Returns the
// index of the first origin that has the object. On a definitive all-miss
// the absence is cached; transient failures leave the cache untouched so
// the next request retries.
func (d *Downloader) probe(ctx context.Context, debugFile, debugID, symbolFile string) (int, bool) {
	key := cacheKey(debugFile, debugID, symbolFile)
	definitive := true
	for i, b := range d.backends {
		probeCtx, cancel := context.WithTimeout(ctx, d.getTimeout)
		present, err := b.head(probeCtx, debugFile, debugID, symbolFile)
		cancel()
		if err != nil {
			definitive = false
			if errors.Is(err, context.DeadlineExceeded) {
				d.logger.Warn("origin probe timed out",
					zap.String("origin", b.origin.RawURL), zap.String("symbol", key))
			} else {
				d.logger.Warn("origin probe failed",
					zap.String("origin", b.origin.RawURL),
					zap.String("symbol", key),
					zap.Error(err))
			}
			continue
		}
		if present {
			url, uerr := d.urlFor(ctx, i, debugFile, debugID, symbolFile)
			if uerr != nil {
				url = ""
			}
			d.exists.putPresent(key, i, url)
			return i, true
		}
	}
	if definitive {
		d.exists.putAbsent(key)
	}
	return 0, false
}

// urlFor resolves a URL from a specific origin. Public origins reuse the
// static URL; private origins sign a fresh one.
func (d *Downloader) urlFor(ctx context.Context, idx int, debugFile, debugID, symbolFile string) (string, error) {
	return d.backends[idx].resolveURL(ctx, debugFile, debugID, symbolFile)
}

// openFrom opens from one origin with the per-probe timeout applied to the
// connection; the derived context is released when the body is closed.
func (d *Downloader) openFrom(ctx context.Context, idx int, debugFile, debugID, symbolFile string) (io.ReadCloser, error) {
	openCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.getTimeout, cancel)
	body, err := d.backends[idx].open(openCtx, debugFile, debugID, symbolFile)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	// The timeout guards connection set-up only; reading the body is
	// bounded by the request context.
	timer.Stop()
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
