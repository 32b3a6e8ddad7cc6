// Package writable implements the WritableChannel of spec §4.5: write-through
// semantics against an object via a local staging file uploaded on close,
// generalized from the teacher's internal/filesystem/s3_backend.go
// S3FileHandle (which buffers writes in memory) to a real staging *file*, as
// the staging-file model spec §4.5 requires.
package writable

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"

	"github.com/s3fs-spi/s3fs/internal/options"
)

// Transferer is the subset of internal/transfer.Util a WritableChannel needs.
type Transferer interface {
	Download(ctx context.Context, bucket, key, stagingPath string, opts options.Set) error
	Upload(ctx context.Context, bucket, key, stagingPath string, opts options.Set) (etag string, err error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Channel is the WritableChannel of spec §4.5.
type Channel struct {
	bucket, key string
	transfer    Transferer
	opts        options.Set

	stagingPath string
	file        *os.File

	mu       sync.Mutex
	position int64
	closed   bool
}

// Open runs spec §4.5's open procedure: optional create-new precondition
// check, staging file creation under tempDir mirroring key's tail name,
// optional open-time download, then marks the channel open.
func Open(ctx context.Context, bucket, key, tempDir string, transfer Transferer, opts options.Set) (*Channel, error) {
	opts = opts.Clone()

	if opts.Has(options.CreateNew) {
		exists, err := transfer.Exists(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fserrors.New(fserrors.AlreadyExists, "writable.Open").WithPath(key)
		}
	}

	stagingPath, err := createStagingFile(tempDir, key)
	if err != nil {
		return nil, fserrors.New(fserrors.Unsupported, "writable.Open").WithPath(key).WithCause(err)
	}

	f, err := os.OpenFile(stagingPath, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fserrors.New(fserrors.Unsupported, "writable.Open").WithPath(key).WithCause(err)
	}

	c := &Channel{
		bucket:      bucket,
		key:         key,
		transfer:    transfer,
		opts:        opts,
		stagingPath: stagingPath,
		file:        f,
	}

	if !opts.Has(options.CreateNew) && !opts.Has(options.AssumeNotExists) {
		if err := transfer.Download(ctx, bucket, key, stagingPath, opts); err != nil {
			f.Close()
			os.Remove(stagingPath)
			return nil, err
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			os.Remove(stagingPath)
			return nil, fserrors.New(fserrors.Unsupported, "writable.Open").WithPath(key).WithCause(err)
		}
	}

	return c, nil
}

// Write appends p at the channel's current position. Position is strictly
// monotonic: writable channels never seek backward.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, fserrors.New(fserrors.ClosedChannel, "writable.Write").WithPath(c.key)
	}

	n, err := c.file.Write(p)
	c.position += int64(n)
	if err != nil {
		return n, fserrors.New(fserrors.Unsupported, "writable.Write").WithPath(c.key).WithCause(err)
	}
	return n, nil
}

// Position returns the number of bytes written so far.
func (c *Channel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Size returns the staging file's current size.
func (c *Channel) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, err := c.file.Stat()
	if err != nil {
		return 0, fserrors.New(fserrors.Unsupported, "writable.Size").WithPath(c.key).WithCause(err)
	}
	return info.Size(), nil
}

// Force uploads the staging file's current contents without closing the
// channel or deleting the staging file. Incompatible with assume-not-exists,
// since a second upload under If-None-Match: * would always fail
// precondition-failed once the first has succeeded (spec §4.5).
func (c *Channel) Force(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fserrors.New(fserrors.ClosedChannel, "writable.Force").WithPath(c.key)
	}
	if c.opts.Has(options.AssumeNotExists) {
		c.mu.Unlock()
		return fserrors.New(fserrors.InvalidOptions, "writable.Force").
			WithPath(c.key).WithContext("reason", "force is incompatible with assume-not-exists")
	}
	if err := c.file.Sync(); err != nil {
		c.mu.Unlock()
		return fserrors.New(fserrors.Unsupported, "writable.Force").WithPath(c.key).WithCause(err)
	}
	c.mu.Unlock()

	_, err := c.transfer.Upload(ctx, c.bucket, c.key, c.stagingPath, c.opts)
	return err
}

// Close closes the local file and, unless already closed, consults each
// option's prevent-upload hook before uploading. The staging file is removed
// on a clean close (upload succeeded or was vetoed) but left in place when
// the upload fails, so a caller can retry against it (spec §7). Idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stagingPath := c.stagingPath
	opts := c.opts
	c.mu.Unlock()

	syncErr := c.file.Sync()
	closeErr := c.file.Close()

	if syncErr != nil || closeErr != nil {
		return fserrors.New(fserrors.Unsupported, "writable.Close").WithPath(c.key).WithCause(closeErr)
	}

	if opts.PreventUpload(stagingPath) {
		os.Remove(stagingPath)
		return nil
	}

	if _, err := c.transfer.Upload(ctx, c.bucket, c.key, stagingPath, opts); err != nil {
		return err
	}

	os.Remove(stagingPath)
	return nil
}

// createStagingFile creates an empty file under tempDir mirroring key's
// directory tail, suffixing with a nanosecond timestamp on name collision.
func createStagingFile(tempDir, key string) (string, error) {
	dir := filepath.Join(tempDir, filepath.Dir(key))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	name := filepath.Base(key)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		f.Close()
		return path, nil
	}
	if !os.IsExist(err) {
		return "", err
	}

	suffixed := fmt.Sprintf("%s.%d", path, time.Now().UnixNano())
	f, err = os.OpenFile(suffixed, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	f.Close()
	return suffixed, nil
}
