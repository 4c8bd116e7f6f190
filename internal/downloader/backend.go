package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/g-k/tecken/internal/origins"
)

// errNotFound marks a definitive "this origin does not have the object".
// Anything else coming out of a probe is a transient origin problem.
var errNotFound = errors.New("symbol not found at origin")

// signedURLLifetime is how long download redirects into private buckets
// stay valid.
const signedURLLifetime = 30 * time.Minute

// backend wraps one origin with the operations the downloader needs. The
// closures hide which storage client is underneath.
type backend struct {
	origin *origins.Origin

	// head reports presence. (false, nil) is a definitive absence.
	head func(ctx context.Context, debugFile, debugID, symbolFile string) (bool, error)

	// open returns the object's content, or errNotFound.
	open func(ctx context.Context, debugFile, debugID, symbolFile string) (io.ReadCloser, error)

	// resolveURL returns a URL a client can be redirected to; signed for
	// private origins.
	resolveURL func(ctx context.Context, debugFile, debugID, symbolFile string) (string, error)
}

// s3API is the slice of the S3 client the backend uses.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Presigner is the slice of the S3 presign client the backend uses.
type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the URL field of the SDK's presigned request
// so tests can fake the presigner without the signer internals.
type v4PresignedRequest struct {
	URL string
}

// presignAdapter narrows *s3.PresignClient to s3Presigner.
type presignAdapter struct {
	client *s3.PresignClient
}

func (p *presignAdapter) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// NewBackends builds one backend per origin, in registry order. AWS
// configuration comes from the ambient provider chain; one client is built
// per distinct region/endpoint.
func NewBackends(ctx context.Context, registry *origins.Registry, httpClient *http.Client, logger *zap.Logger) ([]*backend, error) {
	var gcsClient *storage.Client
	s3Clients := map[string]*s3.Client{}

	backends := make([]*backend, 0, registry.Len())
	for _, o := range registry.Origins() {
		if o.Public {
			// Public origins are probed and streamed over plain HTTP.
			backends = append(backends, newHTTPBackend(o, httpClient, logger))
			continue
		}
		switch o.Kind {
		case origins.KindS3:
			clientKey := o.Region + "|" + o.Endpoint
			client, ok := s3Clients[clientKey]
			if !ok {
				awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(o.Region))
				if err != nil {
					return nil, fmt.Errorf("aws config for %s: %w", o.RawURL, err)
				}
				client = s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
					if o.Endpoint != "" {
						opts.BaseEndpoint = aws.String(o.Endpoint)
						opts.UsePathStyle = true
					}
				})
				s3Clients[clientKey] = client
			}
			presigner := &presignAdapter{client: s3.NewPresignClient(client, func(po *s3.PresignOptions) {
				po.Expires = signedURLLifetime
			})}
			backends = append(backends, newS3Backend(o, client, presigner))
		case origins.KindGCS:
			if gcsClient == nil {
				var err error
				gcsClient, err = storage.NewClient(ctx)
				if err != nil {
					return nil, fmt.Errorf("gcs client: %w", err)
				}
			}
			backends = append(backends, newGCSBackend(o, gcsClient))
		default:
			backends = append(backends, newHTTPBackend(o, httpClient, logger))
		}
	}
	return backends, nil
}

// newHTTPBackend probes a public origin over plain HTTP.
func newHTTPBackend(o *origins.Origin, client *http.Client, logger *zap.Logger) *backend {
	return &backend{
		origin: o,
		head: func(ctx context.Context, debugFile, debugID, symbolFile string) (bool, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.FileURL(debugFile, debugID, symbolFile), nil)
			if err != nil {
				return false, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return false, err
			}
			defer resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return true, nil
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
				// Public buckets answer 403 for keys they refuse to
				// list; that is an absence, not an outage.
				return false, nil
			}
			return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
		},
		open: func(ctx context.Context, debugFile, debugID, symbolFile string) (io.ReadCloser, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.FileURL(debugFile, debugID, symbolFile), nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return resp.Body, nil
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return nil, errNotFound
			}
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		},
		resolveURL: func(ctx context.Context, debugFile, debugID, symbolFile string) (string, error) {
			return o.FileURL(debugFile, debugID, symbolFile), nil
		},
	}
}

// newS3Backend probes a bucket with the S3 client for the origin's region.
func newS3Backend(o *origins.Origin, api s3API, presigner s3Presigner) *backend {
	return &backend{
		origin: o,
		head: func(ctx context.Context, debugFile, debugID, symbolFile string) (bool, error) {
			_, err := api.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(o.Bucket),
				Key:    aws.String(o.KeyFor(debugFile, debugID, symbolFile)),
			})
			if err != nil {
				var notFound *types.NotFound
				if errors.As(err, &notFound) {
					return false, nil
				}
				return false, err
			}
			return true, nil
		},
		open: func(ctx context.Context, debugFile, debugID, symbolFile string) (io.ReadCloser, error) {
			out, err := api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(o.Bucket),
				Key:    aws.String(o.KeyFor(debugFile, debugID, symbolFile)),
			})
			if err != nil {
				var noSuchKey *types.NoSuchKey
				if errors.As(err, &noSuchKey) {
					return nil, errNotFound
				}
				return nil, err
			}
			return out.Body, nil
		},
		resolveURL: func(ctx context.Context, debugFile, debugID, symbolFile string) (string, error) {
			if o.Public {
				return o.FileURL(debugFile, debugID, symbolFile), nil
			}
			req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(o.Bucket),
				Key:    aws.String(o.KeyFor(debugFile, debugID, symbolFile)),
			})
			if err != nil {
				return "", err
			}
			return req.URL, nil
		},
	}
}

// newGCSBackend probes a Google Cloud Storage bucket.
func newGCSBackend(o *origins.Origin, client *storage.Client) *backend {
	bucket := client.Bucket(o.Bucket)
	return &backend{
		origin: o,
		head: func(ctx context.Context, debugFile, debugID, symbolFile string) (bool, error) {
			_, err := bucket.Object(o.KeyFor(debugFile, debugID, symbolFile)).Attrs(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return false, nil
				}
				return false, err
			}
			return true, nil
		},
		open: func(ctx context.Context, debugFile, debugID, symbolFile string) (io.ReadCloser, error) {
			r, err := bucket.Object(o.KeyFor(debugFile, debugID, symbolFile)).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil, errNotFound
				}
				return nil, err
			}
			return r, nil
		},
		resolveURL: func(ctx context.Context, debugFile, debugID, symbolFile string) (string, error) {
			if o.Public {
				return o.FileURL(debugFile, debugID, symbolFile), nil
			}
			return bucket.SignedURL(o.KeyFor(debugFile, debugID, symbolFile), &storage.SignedURLOptions{
				Scheme:  storage.SigningSchemeV4,
				Method:  http.MethodGet,
				Expires: time.Now().Add(signedURLLifetime),
			})
		},
	}
}
