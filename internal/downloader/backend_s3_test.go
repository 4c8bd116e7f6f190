package downloader

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-k/tecken/internal/origins"
)

type mockS3API struct {
	headObject func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	getObject  func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func (m *mockS3API) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return m.headObject(ctx, params, optFns...)
}

func (m *mockS3API) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return m.getObject(ctx, params, optFns...)
}

type mockPresigner struct {
	url string
}

func (m *mockPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	return &v4PresignedRequest{URL: m.url}, nil
}

func s3Origin(t *testing.T, raw string) *origins.Origin {
	t.Helper()
	o, err := origins.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, origins.KindS3, o.Kind)
	return o
}

func TestS3BackendHead(t *testing.T) {
	o := s3Origin(t, "https://s3-us-west-2.amazonaws.com/private-bucket/v1/")

	var sawBucket, sawKey string
	api := &mockS3API{
		headObject: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			sawBucket = *params.Bucket
			sawKey = *params.Key
			return &s3.HeadObjectOutput{}, nil
		},
	}
	b := newS3Backend(o, api, &mockPresigner{})

	present, err := b.head(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, "private-bucket", sawBucket)
	assert.Equal(t, "v1/xul.pdb/ABCD/xul.sym", sawKey)
}

func TestS3BackendHeadNotFound(t *testing.T) {
	o := s3Origin(t, "https://s3-us-west-2.amazonaws.com/private-bucket/")
	api := &mockS3API{
		headObject: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, &types.NotFound{}
		},
	}
	b := newS3Backend(o, api, &mockPresigner{})

	present, err := b.head(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestS3BackendOpen(t *testing.T) {
	o := s3Origin(t, "https://s3-us-west-2.amazonaws.com/private-bucket/")
	api := &mockS3API{
		getObject: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{
				Body: io.NopCloser(strings.NewReader("PUBLIC 1000 0 Target\n")),
			}, nil
		},
	}
	b := newS3Backend(o, api, &mockPresigner{})

	body, err := b.open(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	defer body.Close()
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "PUBLIC 1000 0 Target\n", string(content))
}

func TestS3BackendOpenNoSuchKey(t *testing.T) {
	o := s3Origin(t, "https://s3-us-west-2.amazonaws.com/private-bucket/")
	api := &mockS3API{
		getObject: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, &types.NoSuchKey{}
		},
	}
	b := newS3Backend(o, api, &mockPresigner{})

	_, err := b.open(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	assert.ErrorIs(t, err, errNotFound)
}

func TestS3BackendPrivateURLIsSigned(t *testing.T) {
	o := s3Origin(t, "https://s3-us-west-2.amazonaws.com/private-bucket/")
	b := newS3Backend(o, &mockS3API{}, &mockPresigner{url: "https://signed.example/xul.sym?sig=abc"})

	url, err := b.resolveURL(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/xul.sym?sig=abc", url)
}

func TestS3BackendPublicURLIsDirect(t *testing.T) {
	o := s3Origin(t, "https://s3-us-west-2.amazonaws.com/public-bucket/v1/?access=public")
	b := newS3Backend(o, &mockS3API{}, &mockPresigner{url: "https://signed.example/never"})

	url, err := b.resolveURL(context.Background(), "xul.pdb", "ABCD", "xul.sym")
	require.NoError(t, err)
	assert.Equal(t, "https://s3-us-west-2.amazonaws.com/public-bucket/v1/xul.pdb/ABCD/xul.sym", url)
}
