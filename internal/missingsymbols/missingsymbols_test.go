package missingsymbols

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient emulates INCR-with-expiry and prefix scans over a plain map.
type fakeClient struct {
	counts map[string]int
	ttls   map[string]int
	evals  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{counts: map[string]int{}, ttls: map[string]int{}}
}

func (f *fakeClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.evals++
	key := keys[0]
	f.counts[key]++
	if f.counts[key] == 1 {
		f.ttls[key] = args[0].(int)
	}
	return int64(f.counts[key]), nil
}

func (f *fakeClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.counts {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, 0, nil
}

func TestRecord(t *testing.T) {
	client := newFakeClient()
	rec := New(client, zaptest.NewLogger(t))

	rec.Record(context.Background(), "foo.pdb", "ABCD", "foo.sym", "foo.dll", "123")

	require.Len(t, client.counts, 1)
	today := time.Now().UTC().Format("2006-01-02")
	key := "missingsymbols:" + today + ":foo.pdb|ABCD|foo.sym|foo.dll|123"
	assert.Equal(t, 1, client.counts[key])
	assert.Equal(t, int(retention.Seconds()), client.ttls[key])
}

func TestRecordIncrements(t *testing.T) {
	client := newFakeClient()
	rec := New(client, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		rec.Record(context.Background(), "foo.pdb", "ABCD", "foo.sym", "", "")
	}

	require.Len(t, client.counts, 1)
	for _, n := range client.counts {
		assert.Equal(t, 3, n)
	}
}

func TestRecordTrimsCodeFields(t *testing.T) {
	client := newFakeClient()
	rec := New(client, zaptest.NewLogger(t))

	rec.Record(context.Background(), "foo.pdb", "ABCD", "foo.sym", "  foo.dll ", " ")

	today := time.Now().UTC().Format("2006-01-02")
	assert.Contains(t, client.counts, "missingsymbols:"+today+":foo.pdb|ABCD|foo.sym|foo.dll|")
}

func TestWriteCSV(t *testing.T) {
	client := newFakeClient()
	rec := New(client, zaptest.NewLogger(t))
	ctx := context.Background()

	rec.Record(ctx, "foo.pdb", "ABCD", "foo.sym", "foo.dll", "123")
	rec.Record(ctx, "bar.pdb", "EF01", "bar.sym", "", "")

	var buf bytes.Buffer
	require.NoError(t, rec.WriteCSV(ctx, &buf, time.Now().UTC()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "debug_file,debug_id,code_file,code_id", lines[0])
	assert.Contains(t, lines, "foo.pdb,ABCD,foo.dll,123")
	assert.Contains(t, lines, "bar.pdb,EF01,,")
}

func TestWriteCSVOtherDayIsEmpty(t *testing.T) {
	client := newFakeClient()
	rec := New(client, zaptest.NewLogger(t))
	ctx := context.Background()

	rec.Record(ctx, "foo.pdb", "ABCD", "foo.sym", "", "")

	var buf bytes.Buffer
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	require.NoError(t, rec.WriteCSV(ctx, &buf, yesterday))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1, "only the header row")
}
