package downloader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/g-k/tecken/internal/origins"
)

// fakeBackend serves symbol files from a map keyed "file/id/symfile" and
// counts probes.
type fakeBackend struct {
	files   map[string]string
	headErr error
	heads   atomic.Int64
	opens   atomic.Int64
}

func (f *fakeBackend) asBackend(rawURL string) *backend {
	o := &origins.Origin{RawURL: rawURL, Public: true}
	key := func(debugFile, debugID, symbolFile string) string {
		return debugFile + "/" + debugID + "/" + symbolFile
	}
	return &backend{
		origin: o,
		head: func(ctx context.Context, debugFile, debugID, symbolFile string) (bool, error) {
			f.heads.Add(1)
			if f.headErr != nil {
				return false, f.headErr
			}
			_, ok := f.files[key(debugFile, debugID, symbolFile)]
			return ok, nil
		},
		open: func(ctx context.Context, debugFile, debugID, symbolFile string) (io.ReadCloser, error) {
			f.opens.Add(1)
			if f.headErr != nil {
				return nil, f.headErr
			}
			content, ok := f.files[key(debugFile, debugID, symbolFile)]
			if !ok {
				return nil, errNotFound
			}
			return io.NopCloser(strings.NewReader(content)), nil
		},
		resolveURL: func(ctx context.Context, debugFile, debugID, symbolFile string) (string, error) {
			return rawURL + "/" + key(debugFile, debugID, symbolFile), nil
		},
	}
}

func newTestDownloader(t *testing.T, backends ...*backend) *Downloader {
	t.Helper()
	return newWithBackends(backends,
		NewExistsCache(100, time.Minute),
		time.Second,
		zaptest.NewLogger(t))
}

func TestHasSymbolProbesInOrder(t *testing.T) {
	first := &fakeBackend{files: map[string]string{}}
	second := &fakeBackend{files: map[string]string{
		"xul.pdb/ABCD/xul.sym": "PUBLIC 1000 0 Target\n",
	}}
	d := newTestDownloader(t, first.asBackend("https://one"), second.asBackend("https://two"))

	res := d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.True(t, res.Found)
	assert.Equal(t, int64(1), first.heads.Load())
	assert.Equal(t, int64(1), second.heads.Load())
}

func TestHasSymbolFirstOriginShortCircuits(t *testing.T) {
	first := &fakeBackend{files: map[string]string{
		"xul.pdb/ABCD/xul.sym": "PUBLIC 1000 0 Target\n",
	}}
	second := &fakeBackend{files: map[string]string{}}
	d := newTestDownloader(t, first.asBackend("https://one"), second.asBackend("https://two"))

	res := d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.True(t, res.Found)
	assert.Equal(t, int64(0), second.heads.Load())
}

func TestHasSymbolCachesPresence(t *testing.T) {
	b := &fakeBackend{files: map[string]string{
		"xul.pdb/ABCD/xul.sym": "x",
	}}
	d := newTestDownloader(t, b.asBackend("https://one"))

	require.True(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	require.True(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	assert.Equal(t, int64(1), b.heads.Load(), "second lookup must come from the cache")
}

func TestHasSymbolCachesAbsence(t *testing.T) {
	b := &fakeBackend{files: map[string]string{}}
	d := newTestDownloader(t, b.asBackend("https://one"))

	require.False(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	require.False(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	assert.Equal(t, int64(1), b.heads.Load(), "a definitive miss must be cached")
}

func TestHasSymbolTransientErrorNotCached(t *testing.T) {
	b := &fakeBackend{headErr: errors.New("origin down")}
	d := newTestDownloader(t, b.asBackend("https://one"))

	require.False(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	require.False(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	assert.Equal(t, int64(2), b.heads.Load(), "errors must not poison the cache")
}

func TestOriginOutageDoesNotHideOthers(t *testing.T) {
	broken := &fakeBackend{headErr: errors.New("origin down")}
	working := &fakeBackend{files: map[string]string{
		"xul.pdb/ABCD/xul.sym": "x",
	}}
	d := newTestDownloader(t, broken.asBackend("https://one"), working.asBackend("https://two"))

	res := d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.True(t, res.Found)
}

func TestSymbolURL(t *testing.T) {
	b := &fakeBackend{files: map[string]string{
		"xul.pdb/ABCD/xul.sym": "x",
	}}
	d := newTestDownloader(t, b.asBackend("https://one"))

	res := d.SymbolURL(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.True(t, res.Found)
	assert.Equal(t, "https://one/xul.pdb/ABCD/xul.sym", res.URL)

	res = d.SymbolURL(context.Background(), "missing.pdb", "ABCD", "missing.sym")
	assert.False(t, res.Found)
	assert.Empty(t, res.URL)
}

func TestOpenStream(t *testing.T) {
	b := &fakeBackend{files: map[string]string{
		"xul.pdb/ABCD/xul.sym": "PUBLIC 1000 0 Target\n",
	}}
	d := newTestDownloader(t, b.asBackend("https://one"))

	res, body := d.OpenStream(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.True(t, res.Found)
	require.NotNil(t, body)
	defer body.Close()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "PUBLIC 1000 0 Target\n", string(content))
}

func TestOpenStreamMissCachesAbsence(t *testing.T) {
	b := &fakeBackend{files: map[string]string{}}
	d := newTestDownloader(t, b.asBackend("https://one"))

	res, body := d.OpenStream(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.False(t, res.Found)
	assert.Nil(t, body)

	// The follow-up head must be answered from the cache.
	require.False(t, d.HasSymbol(context.Background(), "xul.pdb", "ABCD", "xul.sym").Found)
	assert.Equal(t, int64(0), b.heads.Load())
	assert.Equal(t, int64(1), b.opens.Load())
}

func TestHTTPBackend(t *testing.T) {
	var sawPath, sawMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		sawMethod = r.Method
		if r.URL.Path == "/xul.pdb/ABCD/xul.sym" {
			io.WriteString(w, "PUBLIC 1000 0 Target\n")
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	o, err := origins.Parse(server.URL + "?access=public")
	require.NoError(t, err)
	b := newHTTPBackend(o, server.Client(), zaptest.NewLogger(t))

	present, err := b.head(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, http.MethodHead, sawMethod)
	assert.Equal(t, "/xul.pdb/ABCD/xul.sym", sawPath)

	present, err = b.head(context.Background(), "nope.pdb", "ABCD", "nope.sym")
	require.NoError(t, err)
	assert.False(t, present)

	body, err := b.open(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "PUBLIC 1000 0 Target\n", string(content))

	_, err = b.open(context.Background(), "nope.pdb", "ABCD", "nope.sym")
	assert.ErrorIs(t, err, errNotFound)

	url, err := b.resolveURL(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/xul.pdb/ABCD/xul.sym", url)
}

func TestHTTPBackendForbiddenIsAbsence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	o, err := origins.Parse(server.URL + "?access=public")
	require.NoError(t, err)
	b := newHTTPBackend(o, server.Client(), zaptest.NewLogger(t))

	present, err := b.head(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestHTTPBackendServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	o, err := origins.Parse(server.URL + "?access=public")
	require.NoError(t, err)
	b := newHTTPBackend(o, server.Client(), zaptest.NewLogger(t))

	_, err = b.head(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.Error(t, err)
}

func TestExistsCacheEviction(t *testing.T) {
	c := NewExistsCache(2, time.Minute)
	c.putPresent("a", 0, "http://one/a")
	c.putPresent("b", 0, "http://one/b")
	c.putPresent("c", 0, "http://one/c")

	assert.Equal(t, 2, c.Len())
	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry evicted first")
	rec, ok := c.get("c")
	assert.True(t, ok)
	assert.True(t, rec.present)
}
