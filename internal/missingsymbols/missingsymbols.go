// Package missingsymbols keeps a best-effort tally of symbol downloads
// that missed every origin, so operators can see which symbols are worth
// chasing. Counters live in Redis under date-prefixed keys and expire on
// their own; undercounts under contention are acceptable.
package missingsymbols

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "missingsymbols:"

	// Records stay for two days so yesterday's export can run at any
	// point today.
	retention = 48 * time.Hour

	scanBatch = 1000
)

// Client is the minimal Redis surface the recorder needs.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
}

// GoRedisClient adapts *redis.Client to Client.
type GoRedisClient struct {
	c *redis.Client
}

// NewGoRedisClient wraps an already configured go-redis client.
func NewGoRedisClient(c *redis.Client) *GoRedisClient {
	return &GoRedisClient{c: c}
}

func (g *GoRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

func (g *GoRedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return g.c.Scan(ctx, cursor, match, count).Result()
}

// incrScript bumps the counter and stamps the retention TTL when the key
// is new, in one round-trip.
const incrScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`

// Recorder writes and exports missing-symbol counters.
type Recorder struct {
	client Client
	logger *zap.Logger
}

// New builds a Recorder.
func New(client Client, logger *zap.Logger) *Recorder {
	return &Recorder{client: client, logger: logger}
}

func dayPrefix(day time.Time) string {
	return keyPrefix + day.Format("2006-01-02") + ":"
}

// Record notes one failed lookup. Best-effort: errors are logged, never
// returned, because losing a count must not affect the download response.
func (r *Recorder) Record(ctx context.Context, debugFile, debugID, symbolFile, codeFile, codeID string) {
	key := dayPrefix(time.Now().UTC()) + strings.Join([]string{
		debugFile,
		debugID,
		symbolFile,
		strings.TrimSpace(codeFile),
		strings.TrimSpace(codeID),
	}, "|")
	if _, err := r.client.Eval(ctx, incrScript, []string{key}, int(retention.Seconds())); err != nil {
		r.logger.Warn("recording missing symbol failed",
			zap.String("key", key), zap.Error(err))
	}
}

// WriteCSV streams the keys recorded on the given day as CSV with columns
// debug_file, debug_id, code_file, code_id.
func (r *Recorder) WriteCSV(ctx context.Context, w io.Writer, day time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"debug_file", "debug_id", "code_file", "code_id"}); err != nil {
		return err
	}

	prefix := dayPrefix(day)
	cursor := uint64(0)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", scanBatch)
		if err != nil {
			return fmt.Errorf("scanning missing symbols: %w", err)
		}
		for _, key := range keys {
			fields := strings.SplitN(strings.TrimPrefix(key, prefix), "|", 5)
			if len(fields) != 5 {
				r.logger.Warn("malformed missing-symbol key", zap.String("key", key))
				continue
			}
			// The symbol filename (fields[2]) is derivable and not
			// part of the export.
			if err := writer.Write([]string{fields[0], fields[1], fields[3], fields[4]}); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	writer.Flush()
	return writer.Error()
}
