// Package attrs implements the AttributeFetcher of spec §4.8: head-object
// translated to (last-modified, size, etag), with a directory sentinel
// returned for directory-inferred paths without any network I/O. Grounded
// on internal/storage/s3/backend.go's HeadObject (field extraction shape),
// narrowed to the three-field tuple spec.md names (no content-type, no
// user metadata map — those serve a richer ObjectInfo this core doesn't
// expose).
package attrs

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

// ClientProvider is the subset of internal/client.Provider a Fetcher needs.
type ClientProvider interface {
	GetClient(ctx context.Context, bucket string) (*s3.Client, error)
}

// Attributes is the (last-modified, size, etag) tuple of spec §3.
type Attributes struct {
	LastModified time.Time
	Size         int64
	ETag         string
}

// DirectorySentinel is the fixed sentinel returned for directory-inferred
// paths: epoch time, size zero, no etag.
var DirectorySentinel = Attributes{LastModified: time.Unix(0, 0).UTC()}

// Fetcher is the AttributeFetcher of spec §4.8. There is no setter surface:
// attribute mutation is always unsupported (spec §7).
type Fetcher struct {
	clients ClientProvider
	timeout time.Duration
}

const defaultTimeout = 30 * time.Second

// New builds a Fetcher. A zero timeout falls back to the package default.
func New(clients ClientProvider, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{clients: clients, timeout: timeout}
}

// Fetch returns key's attributes via head-object. isDir callers should pass
// true for directory-inferred paths, in which case Fetch returns
// DirectorySentinel without any network I/O.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string, isDir bool) (Attributes, error) {
	if isDir {
		return DirectorySentinel, nil
	}

	client, err := f.clients.GetClient(ctx, bucket)
	if err != nil {
		return Attributes{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Attributes{}, fserrors.New(fserrors.AttributeTimeout, "attrs.Fetch").WithPath(key)
		}
		return Attributes{}, wrapHeadFailure(key, err)
	}

	return Attributes{
		LastModified: aws.ToTime(out.LastModified),
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         trimQuotes(aws.ToString(out.ETag)),
	}, nil
}

// CheckAccess reports whether key is currently reachable (spec.md §9's
// existence-only resolution of checkAccess): a successful head-object means
// access is permitted, no-such-object/access-denied are reported as false
// with no error, and any other failure is surfaced.
func (f *Fetcher) CheckAccess(ctx context.Context, bucket, key string) (bool, error) {
	_, err := f.Fetch(ctx, bucket, key, false)
	if err == nil {
		return true, nil
	}
	if fserrors.Is(err, fserrors.NoSuchObject) || fserrors.Is(err, fserrors.AccessDenied) {
		return false, nil
	}
	return false, err
}

// SetAttributes always fails unsupported: there is no setter surface (spec §4.8).
func (f *Fetcher) SetAttributes(context.Context, string, string, Attributes) error {
	return fserrors.New(fserrors.Unsupported, "attrs.SetAttributes").
		WithContext("reason", "attribute mutation is not supported")
}

func wrapHeadFailure(key string, err error) error {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return fserrors.New(fserrors.NoSuchObject, "attrs.Fetch").WithPath(key).WithCause(err)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case 404:
			return fserrors.New(fserrors.NoSuchObject, "attrs.Fetch").WithPath(key).WithCause(err)
		case 403:
			return fserrors.New(fserrors.AccessDenied, "attrs.Fetch").WithPath(key).WithCause(err)
		}
	}

	return fserrors.New(fserrors.TransferFailure, "attrs.Fetch").WithPath(key).WithCause(err)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
