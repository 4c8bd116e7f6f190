// Package metrics registers the service's Prometheus collectors. Global
// counters only; no per-module labels so cardinality stays bounded.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CacheHits counts symbol-map store lookups that returned a table.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tecken_cache_hit_total",
		Help: "Symbol-map store lookups that found a previously stored table",
	})

	// CacheMisses counts symbol-map store lookups that found nothing.
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tecken_cache_miss_total",
		Help: "Symbol-map store lookups that found nothing stored",
	})

	// Downloads counts symbol files fetched from an origin.
	Downloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tecken_downloads_total",
		Help: "Symbol files downloaded from a configured origin",
	})

	// DownloadBytes sums the size of downloaded symbol files.
	DownloadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tecken_download_bytes_total",
		Help: "Bytes of symbol file content downloaded from origins",
	})

	// StoredSymbolBytes tracks the serialised size of the most recently
	// stored symbol table.
	StoredSymbolBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tecken_storing_symbol_bytes",
		Help: "Serialised size of the last symbol table written to the store",
	})

	// SymbolicateDuration observes whole-request symbolication time.
	SymbolicateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tecken_symbolicate_duration_seconds",
		Help:    "Wall-clock duration of symbolication requests",
		Buckets: prometheus.DefBuckets,
	})

	// DownloadDuration observes the download+parse time of one symbol file.
	DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tecken_download_duration_seconds",
		Help:    "Download and parse duration of individual symbol files",
		Buckets: prometheus.DefBuckets,
	})

	// MissingSymbols counts symbol files the symbolication engine could
	// not open from any origin. Download-facade 404s are not counted here.
	MissingSymbols = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tecken_missing_symbols_total",
		Help: "Symbol downloads that missed every configured origin",
	})
)

// Register adds all collectors to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CacheHits,
		CacheMisses,
		Downloads,
		DownloadBytes,
		StoredSymbolBytes,
		SymbolicateDuration,
		DownloadDuration,
		MissingSymbols,
	)
}
