// Package origins parses the SYMBOL_URLS configuration into an ordered,
// read-only registry of symbol origins.
package origins

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind says which storage client an origin needs.
type Kind int

const (
	// KindHTTP is a plain web server; only public access is possible.
	KindHTTP Kind = iota
	// KindS3 is an S3 bucket (or an S3-compatible endpoint).
	KindS3
	// KindGCS is a Google Cloud Storage bucket.
	KindGCS
)

func (k Kind) String() string {
	switch k {
	case KindS3:
		return "s3"
	case KindGCS:
		return "gcs"
	}
	return "http"
}

// Origin is one configured symbol source. Immutable after Parse.
type Origin struct {
	// RawURL is the configured URL with annotation queries stripped.
	RawURL string

	Kind   Kind
	Public bool

	// Bucket and Prefix are set for S3 and GCS origins. Prefix carries a
	// trailing slash when non-empty.
	Bucket string
	Prefix string

	// Region is set for S3 origins.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string
}

// KeyFor returns the object key of a symbol file inside this origin.
func (o *Origin) KeyFor(debugFile, debugID, symbolFile string) string {
	return o.Prefix + debugFile + "/" + debugID + "/" + symbolFile
}

// FileURL returns the direct (unsigned) URL of a symbol file. Only
// meaningful for public origins.
func (o *Origin) FileURL(debugFile, debugID, symbolFile string) string {
	base := strings.TrimSuffix(o.RawURL, "/")
	return base + "/" + debugFile + "/" + debugID + "/" + symbolFile
}

// Registry is the ordered list of origins. Read-only after construction.
type Registry struct {
	origins []*Origin
}

// NewRegistry parses each configured URL in order.
func NewRegistry(urls []string) (*Registry, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no symbol origin URLs configured")
	}
	parsed := make([]*Origin, 0, len(urls))
	for _, u := range urls {
		o, err := Parse(u)
		if err != nil {
			return nil, fmt.Errorf("symbol origin %q: %w", u, err)
		}
		parsed = append(parsed, o)
	}
	return &Registry{origins: parsed}, nil
}

// Origins yields the origins in priority order. Callers must not mutate.
func (r *Registry) Origins() []*Origin {
	return r.origins
}

// Len returns how many origins are configured.
func (r *Registry) Len() int { return len(r.origins) }

// Parse classifies a single origin URL.
//
// Recognised hosts:
//   - *.amazonaws.com           -> S3; bucket is the first path segment
//   - storage.googleapis.com    -> GCS; bucket is the first path segment
//   - anything else             -> plain HTTP, must be ?access=public,
//     unless ?backend=s3 forces an S3-compatible endpoint.
//
// Annotation query parameters (access, backend, region) are stripped from
// the stored RawURL.
func Parse(raw string) (*Origin, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	o := &Origin{
		Public: q.Get("access") == "public",
	}
	regionOverride := q.Get("region")
	backend := q.Get("backend")
	for _, k := range []string{"access", "backend", "region"} {
		q.Del(k)
	}
	u.RawQuery = q.Encode()

	host := u.Hostname()
	switch {
	case strings.HasSuffix(host, ".amazonaws.com"):
		o.Kind = KindS3
		o.Region = regionFromHost(host)
	case host == "storage.googleapis.com":
		o.Kind = KindGCS
	case backend == "s3":
		o.Kind = KindS3
		o.Endpoint = u.Scheme + "://" + u.Host
		o.Region = "us-east-1"
	default:
		if !o.Public {
			return nil, fmt.Errorf("host %q is not a known storage service; mark it ?access=public", host)
		}
		o.Kind = KindHTTP
		o.RawURL = u.String()
		return o, nil
	}

	if regionOverride != "" {
		o.Region = regionOverride
	}

	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return nil, fmt.Errorf("no bucket in path %q", u.Path)
	}
	o.Bucket = bucket
	o.Prefix = prefix
	o.RawURL = u.String()
	return o, nil
}

// regionFromHost understands both "s3-us-west-2.amazonaws.com" and
// "s3.us-west-2.amazonaws.com". A bare "s3.amazonaws.com" is us-east-1.
func regionFromHost(host string) string {
	head := strings.TrimSuffix(host, ".amazonaws.com")
	if head == "s3" {
		return "us-east-1"
	}
	if r, ok := strings.CutPrefix(head, "s3-"); ok {
		return r
	}
	if r, ok := strings.CutPrefix(head, "s3."); ok {
		return r
	}
	// Virtual-hosted style: <bucket>.s3.<region>
	if i := strings.Index(head, ".s3."); i >= 0 {
		return head[i+len(".s3."):]
	}
	return "us-east-1"
}

// splitBucketPath splits "/bucket/some/prefix/" into its bucket and prefix.
// The prefix keeps a trailing slash so keys can be appended directly.
func splitBucketPath(p string) (bucket, prefix string) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 && parts[1] != "" {
		prefix = strings.TrimPrefix(parts[1], "/")
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
	}
	return bucket, prefix
}
