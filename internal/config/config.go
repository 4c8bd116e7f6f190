// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the server needs at start-up. All fields come from
// environment variables applied over Default().
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// SymbolURLs is the ordered list of symbol origin URLs. Each URL may
	// carry a "?access=public" suffix to mark the origin as publicly
	// readable (probed with plain HTTP instead of a storage client).
	SymbolURLs []string

	// GetTimeout bounds each individual origin probe.
	GetTimeout time.Duration

	// ExistsCacheMaxSize is the entry budget of the in-process existence
	// cache.
	ExistsCacheMaxSize int

	// ExistsCacheTTL is how long an existence record (hit or miss) is
	// trusted before the origins are probed again.
	ExistsCacheTTL time.Duration

	// RedisStoreURL points at the Redis instance backing the shared
	// symbol-map store and the missing-symbols counters.
	RedisStoreURL string

	// NegativeTTL is how long a "tried and found nothing" record lives in
	// the symbol-map store.
	NegativeTTL time.Duration

	// DownloadMaxConcurrency caps how many symbol files one symbolication
	// request downloads at the same time. The cap is per request; there is
	// no process-wide cap across concurrent requests.
	DownloadMaxConcurrency int

	// Debug shortens the symbol-map store's negative TTL and switches the
	// logger to development output. Positive store entries and the
	// existence cache TTL are not shortened.
	Debug bool
}

// Default returns the production baseline.
func Default() Config {
	return Config{
		Port:                   "8000",
		GetTimeout:             5 * time.Second,
		ExistsCacheMaxSize:     10000,
		ExistsCacheTTL:         time.Hour,
		RedisStoreURL:          "redis://localhost:6379/0",
		NegativeTTL:            time.Hour,
		DownloadMaxConcurrency: 32,
	}
}

// Load builds a Config from the environment.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("SYMBOL_URLS"); v != "" {
		cfg.SymbolURLs = splitCSV(v)
	}
	if v := os.Getenv("SYMBOLS_GET_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return cfg, fmt.Errorf("invalid SYMBOLS_GET_TIMEOUT %q", v)
		}
		cfg.GetTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("SYMBOLDOWNLOAD_EXISTS_TIMEOUT_MAXSIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid SYMBOLDOWNLOAD_EXISTS_TIMEOUT_MAXSIZE %q", v)
		}
		cfg.ExistsCacheMaxSize = n
	}
	if v := os.Getenv("SYMBOLDOWNLOAD_MAX_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return cfg, fmt.Errorf("invalid SYMBOLDOWNLOAD_MAX_TTL_SECONDS %q", v)
		}
		cfg.ExistsCacheTTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("REDIS_STORE_URL"); v != "" {
		cfg.RedisStoreURL = v
	}
	if v := os.Getenv("DOWNLOAD_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid DOWNLOAD_MAX_CONCURRENCY %q", v)
		}
		cfg.DownloadMaxConcurrency = n
	}
	cfg.Debug = truthy(os.Getenv("DEBUG"))

	if cfg.Debug {
		// Local development: negatives should not linger for an hour.
		cfg.NegativeTTL = time.Minute
	}

	if len(cfg.SymbolURLs) == 0 {
		return cfg, fmt.Errorf("SYMBOL_URLS must list at least one origin")
	}
	return cfg, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
