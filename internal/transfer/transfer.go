// Package transfer implements the TransferUtil of spec §4.3: whole-object
// parallel multi-part download/upload against a staging file, applying each
// OpenOption's request adapter before dispatch and its response observer
// after, translating failures into *errors.Error.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"

	"github.com/s3fs-spi/s3fs/internal/options"
)

// ClientProvider is the subset of internal/client.Provider TransferUtil
// needs; declared locally so this package doesn't import internal/client.
type ClientProvider interface {
	GetClient(ctx context.Context, bucket string) (*s3.Client, error)
}

// Metrics receives byte-transfer observations. internal/metrics.Collector
// implements this; a nil Metrics field on Util is valid (recordings become
// no-ops).
type Metrics interface {
	RecordDownloadBytes(n int64)
	RecordUploadBytes(n int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordDownloadBytes(int64) {}
func (noopMetrics) RecordUploadBytes(int64)   {}

const (
	defaultTimeout          = 5 * time.Minute
	multipartPartSize       = 16 * 1024 * 1024
	multipartThreshold      = 32 * 1024 * 1024
	multipartConcurrency    = 8
)

// Util is the TransferUtil of spec §4.3.
type Util struct {
	clients ClientProvider
	timeout time.Duration
	metrics Metrics
}

// New builds a Util. A zero timeout falls back to the package default.
func New(clients ClientProvider, timeout time.Duration) *Util {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Util{clients: clients, timeout: timeout, metrics: noopMetrics{}}
}

// WithMetrics attaches a Metrics sink that receives byte-transfer
// observations from subsequent Download/Upload/FetchRange calls.
func (u *Util) WithMetrics(m Metrics) *Util {
	if m == nil {
		m = noopMetrics{}
	}
	u.metrics = m
	return u
}

// Download fetches bucket/key into stagingPath by parallel multi-part range
// requests, applying opts' download-request adapter first and its
// download-response observer on success.
func (u *Util) Download(ctx context.Context, bucket, key, stagingPath string, opts options.Set) error {
	client, err := u.clients.GetClient(ctx, bucket)
	if err != nil {
		return err
	}

	req := &options.GetRequest{}
	opts.AdaptGet(req)

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if req.Range != nil {
		input.Range = aws.String(formatRange(*req.Range))
	}

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fserrors.New(fserrors.TransferFailure, "transfer.Download").WithPath(key).WithCause(err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = multipartPartSize
		d.Concurrency = multipartConcurrency
	})

	size, err := downloader.Download(ctx, f, input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fserrors.New(fserrors.TransferTimeout, "transfer.Download").WithPath(key).WithCause(err)
		}
		return wrapTransferFailure("transfer.Download", key, "GET", err)
	}

	head, herr := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	resp := options.GetResponse{Size: size}
	if herr == nil {
		resp.ETag = strings.Trim(aws.ToString(head.ETag), `"`)
	}
	opts.ObserveGet(resp, stagingPath)
	u.metrics.RecordDownloadBytes(size)
	return nil
}

// Upload probes stagingPath's content-type and performs a parallel
// multi-part upload to bucket/key, applying opts' upload-request adapter
// first and its upload-response observer on success. Returns the resulting
// ETag.
func (u *Util) Upload(ctx context.Context, bucket, key, stagingPath string, opts options.Set) (string, error) {
	client, err := u.clients.GetClient(ctx, bucket)
	if err != nil {
		return "", err
	}

	req := &options.PutRequest{}
	opts.AdaptPut(req, stagingPath)

	f, err := os.Open(stagingPath)
	if err != nil {
		return "", fserrors.New(fserrors.TransferFailure, "transfer.Upload").WithPath(key).WithCause(err)
	}
	defer f.Close()

	var uploadSize int64
	if info, statErr := f.Stat(); statErr == nil {
		uploadSize = info.Size()
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(detectContentType(key)),
	}
	if req.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(req.IfNoneMatch)
	}
	if req.IfMatch != "" {
		input.IfMatch = aws.String(req.IfMatch)
	}
	if req.ChecksumAlgorithm != "" {
		input.ChecksumAlgorithm = s3types.ChecksumAlgorithm(req.ChecksumAlgorithm)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	uploader := manager.NewUploader(client, func(up *manager.Uploader) {
		up.PartSize = multipartPartSize
		up.Concurrency = multipartConcurrency
	})

	out, err := uploader.Upload(ctx, input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fserrors.New(fserrors.TransferTimeout, "transfer.Upload").WithPath(key).WithCause(err)
		}
		if isPreconditionFailure(err) {
			return "", fserrors.New(fserrors.PreconditionFailed, "transfer.Upload").WithPath(key).WithCause(err)
		}
		return "", wrapTransferFailure("transfer.Upload", key, "PUT", err)
	}

	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	opts.ObservePut(options.PutResponse{ETag: etag}, stagingPath)
	u.metrics.RecordUploadBytes(uploadSize)
	return etag, nil
}

// Exists reports whether bucket/key currently has an object, via head-object.
func (u *Util) Exists(ctx context.Context, bucket, key string) (bool, error) {
	client, err := u.clients.GetClient(ctx, bucket)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	status, _ := responseStatus(err)
	if status == 404 {
		return false, nil
	}
	return false, wrapTransferFailure("transfer.Exists", key, "HEAD", err)
}

// FetchRange retrieves the inclusive byte range [start, end] of bucket/key
// into memory via a single ranged GetObject, for the read-ahead channel's
// per-fragment fetches (spec §4.4 step 3). end == -1 means open-ended.
func (u *Util) FetchRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	client, err := u.clients.GetClient(ctx, bucket)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(formatRange(options.ByteRange{Start: start, End: end})),
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fserrors.New(fserrors.ReadTimeout, "transfer.FetchRange").WithPath(key).WithCause(err)
		}
		return nil, wrapTransferFailure("transfer.FetchRange", key, "GET", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapTransferFailure("transfer.FetchRange", key, "GET", err)
	}
	u.metrics.RecordDownloadBytes(int64(len(data)))
	return data, nil
}

func formatRange(r options.ByteRange) string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// detectContentType infers a MIME type from key's extension, falling back to
// the generic binary type the teacher's backend.go uses for unknown suffixes.
func detectContentType(key string) string {
	if t := mime.TypeByExtension(filepath.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func isPreconditionFailure(err error) bool {
	status, _ := responseStatus(err)
	if status == 412 {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

func responseStatus(err error) (int, string) {
	var status int
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}

	var rid interface{ RequestID() string }
	requestID := ""
	if errors.As(err, &rid) {
		requestID = rid.RequestID()
	}
	return status, requestID
}

func wrapTransferFailure(op, key, method string, err error) error {
	status, requestID := responseStatus(err)
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	return fserrors.Transfer(op, key, method, status, code, requestID, 1, err)
}
