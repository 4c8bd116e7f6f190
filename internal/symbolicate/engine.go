// Package symbolicate turns batched stacks of (module, offset) frames into
// human-readable function names, downloading and caching per-module symbol
// tables as needed.
package symbolicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g-k/tecken/internal/downloader"
	"github.com/g-k/tecken/internal/metrics"
	"github.com/g-k/tecken/internal/symbols"
)

// ErrInvalidModuleIndex is returned when a frame points past the end of
// the memory map. The HTTP layer turns it into a 400.
var ErrInvalidModuleIndex = errors.New("module index out of range")

// SymbolStore is the shared cache of parsed symbol tables.
type SymbolStore interface {
	BulkGet(ctx context.Context, keys []symbols.Key) (map[symbols.Key]*symbols.Map, error)
	PutPositive(ctx context.Context, key symbols.Key, m *symbols.Map) (int, error)
	PutNegative(ctx context.Context, key symbols.Key) error
}

// Fetcher opens symbol file content from the configured origins.
type Fetcher interface {
	OpenStream(ctx context.Context, debugFile, debugID, symbolFile string) (downloader.Result, io.ReadCloser)
}

// Engine handles one symbolication request at a time per call; the engine
// itself is safe for concurrent requests.
type Engine struct {
	store          SymbolStore
	fetcher        Fetcher
	maxConcurrency int
	logger         *zap.Logger
}

// NewEngine wires the engine to its store and fetcher. maxConcurrency caps
// parallel symbol downloads within one request.
func NewEngine(store SymbolStore, fetcher Fetcher, maxConcurrency int, logger *zap.Logger) *Engine {
	if maxConcurrency <= 0 {
		maxConcurrency = 32
	}
	return &Engine{
		store:          store,
		fetcher:        fetcher,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// moduleOutcome is what one downloaded (or cache-resolved) module
// contributes to the request.
type moduleOutcome struct {
	m     *symbols.Map
	found bool

	downloaded   bool
	downloadTime time.Duration
	downloadSize int64
}

// Symbolicate runs the whole pipeline: collect modules, bulk-get the
// store, download what is missing, resolve every frame. A failing module
// never fails the request; its frames fall back to hex offsets.
func (e *Engine) Symbolicate(ctx context.Context, req *Request, debug bool) (*Response, error) {
	t0 := time.Now()

	// Every frame naming a module must point into the memory map.
	for _, stack := range req.Stacks {
		for _, frame := range stack {
			if frame.Mapped() && frame.ModuleIndex >= len(req.MemoryMap) {
				return nil, fmt.Errorf("%w: %d with %d modules",
					ErrInvalidModuleIndex, frame.ModuleIndex, len(req.MemoryMap))
			}
		}
	}

	// Collect unique modules. The whole memory map takes part in the
	// store lookup so knownModules is accurate even for modules no frame
	// uses, but only modules actually referenced by a frame are worth a
	// download.
	indexesByKey := map[symbols.Key][]int{}
	keys := make([]symbols.Key, 0, len(req.MemoryMap))
	for i, mod := range req.MemoryMap {
		k := mod.key()
		if _, seen := indexesByKey[k]; !seen {
			keys = append(keys, k)
		}
		indexesByKey[k] = append(indexesByKey[k], i)
	}
	referenced := map[symbols.Key]bool{}
	for _, stack := range req.Stacks {
		for _, frame := range stack {
			if frame.Mapped() {
				referenced[req.MemoryMap[frame.ModuleIndex].key()] = true
			}
		}
	}

	// One round-trip against the shared store.
	tCache := time.Now()
	cached, err := e.store.BulkGet(ctx, keys)
	cacheLookupTime := time.Since(tCache)
	if err != nil {
		// The store being down degrades to downloading everything.
		e.logger.Error("symbol store bulk get failed", zap.Error(err))
		cached = map[symbols.Key]*symbols.Map{}
	}

	outcomes := make(map[symbols.Key]*moduleOutcome, len(keys))
	var toFetch []symbols.Key
	for _, k := range keys {
		if m, ok := cached[k]; ok {
			if m.IsEmpty() {
				outcomes[k] = &moduleOutcome{m: symbols.Empty}
			} else {
				metrics.CacheHits.Inc()
				outcomes[k] = &moduleOutcome{m: m, found: true}
			}
			continue
		}
		metrics.CacheMisses.Inc()
		if referenced[k] {
			toFetch = append(toFetch, k)
		} else {
			outcomes[k] = &moduleOutcome{m: symbols.Empty}
		}
	}

	// Fan out the downloads, bounded, joined before any frame resolves.
	if len(toFetch) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxConcurrency)
		var mu sync.Mutex
		for _, k := range toFetch {
			g.Go(func() error {
				out := e.fetchModule(gctx, k)
				mu.Lock()
				outcomes[k] = out
				mu.Unlock()
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			// Only cancellation comes out of a branch.
			return nil, err
		}
	}

	resp := &Response{
		SymbolicatedStacks: make([][]string, 0, len(req.Stacks)),
		KnownModules:       make([]bool, len(req.MemoryMap)),
	}
	for k, out := range outcomes {
		for _, idx := range indexesByKey[k] {
			resp.KnownModules[idx] = out.found
		}
	}

	// Resolve every frame, stacks and frames in input order.
	totalFrames := 0
	realFrames := 0
	stacksPerModule := map[string]int{}
	for _, stack := range req.Stacks {
		responseStack := make([]string, 0, len(stack))
		for _, frame := range stack {
			totalFrames++
			if !frame.Mapped() {
				responseStack = append(responseStack, frame.RenderOffset())
				continue
			}
			realFrames++
			mod := req.MemoryMap[frame.ModuleIndex]
			k := mod.key()
			stacksPerModule[k.String()]++

			rendered := frame.RenderOffset()
			if frame.Resolvable() {
				if name, ok := outcomes[k].m.Lookup(frame.Offset()); ok {
					rendered = name
				}
			}
			responseStack = append(responseStack, rendered+" (in "+mod.DebugFile+")")
		}
		resp.SymbolicatedStacks = append(resp.SymbolicatedStacks, responseStack)
	}

	elapsed := time.Since(t0)
	metrics.SymbolicateDuration.Observe(elapsed.Seconds())
	e.logger.Info("symbolicated stacks",
		zap.Int("frames", totalFrames),
		zap.Int("real_frames", realFrames),
		zap.Int("modules", len(keys)),
		zap.Duration("elapsed", elapsed))

	if debug {
		downloads := DebugDownloads{}
		for _, out := range outcomes {
			if out.downloaded {
				downloads.Count++
				downloads.Time += out.downloadTime.Seconds()
				downloads.Size += float64(out.downloadSize)
			}
		}
		resp.Debug = &Debug{
			Time: elapsed.Seconds(),
			Stacks: DebugStacks{
				Count: totalFrames,
				Real:  realFrames,
			},
			Modules: DebugModules{
				Count:           len(keys),
				StacksPerModule: stacksPerModule,
			},
			CacheLookups: DebugCacheLookups{
				Count: 1,
				Time:  cacheLookupTime.Seconds(),
			},
			Downloads: downloads,
		}
	}
	return resp, nil
}

// fetchModule downloads and parses one symbol file and settles the store:
// a definitive miss or an empty file becomes a negative sentinel, a parsed
// table is written back positively, and a transient failure writes nothing
// so the module is retried on the next request.
func (e *Engine) fetchModule(ctx context.Context, key symbols.Key) *moduleOutcome {
	symbolFile := key.SymbolFilename()
	t0 := time.Now()

	res, body := e.fetcher.OpenStream(ctx, key.DebugFile, key.DebugID, symbolFile)
	if !res.Found {
		if ctx.Err() == nil {
			metrics.MissingSymbols.Inc()
			if err := e.store.PutNegative(ctx, key); err != nil {
				e.logger.Warn("storing negative sentinel failed",
					zap.String("symbol", key.String()), zap.Error(err))
			}
		}
		return &moduleOutcome{m: symbols.Empty}
	}
	defer body.Close()

	parsed, err := symbols.ParseSym(body, res.URL, e.logger)
	if err != nil {
		// Transient: the module is just unknown for this request.
		e.logger.Warn("symbol download failed mid-stream",
			zap.String("symbol", key.String()),
			zap.String("url", res.URL),
			zap.Error(err))
		return &moduleOutcome{m: symbols.Empty}
	}

	if parsed.Map.IsEmpty() {
		// The file exists but is useless today.
		e.logger.Warn("downloaded symbol file is empty",
			zap.String("symbol", key.String()), zap.String("url", res.URL))
		if err := e.store.PutNegative(ctx, key); err != nil {
			e.logger.Warn("storing negative sentinel failed",
				zap.String("symbol", key.String()), zap.Error(err))
		}
		return &moduleOutcome{
			m:            symbols.Empty,
			downloaded:   true,
			downloadTime: time.Since(t0),
			downloadSize: parsed.BytesRead,
		}
	}

	storedBytes, err := e.store.PutPositive(ctx, key, parsed.Map)
	if err != nil {
		// Next request downloads again; the response is unaffected.
		e.logger.Warn("storing symbol table failed",
			zap.String("symbol", key.String()), zap.Error(err))
	} else {
		metrics.StoredSymbolBytes.Set(float64(storedBytes))
	}

	elapsed := time.Since(t0)
	metrics.Downloads.Inc()
	metrics.DownloadBytes.Add(float64(parsed.BytesRead))
	metrics.DownloadDuration.Observe(elapsed.Seconds())
	e.logger.Info("stored symbol table",
		zap.String("symbol", key.String()),
		zap.Int("symbols", parsed.Map.Len()),
		zap.Int("stored_bytes", storedBytes),
		zap.Duration("elapsed", elapsed))

	return &moduleOutcome{
		m:            parsed.Map,
		found:        true,
		downloaded:   true,
		downloadTime: elapsed,
		downloadSize: parsed.BytesRead,
	}
}
