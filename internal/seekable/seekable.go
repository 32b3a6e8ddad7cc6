// Package seekable implements the SeekableChannel façade of spec §4.6: a
// single handle exposing both read and write surfaces but rejecting mixed
// use, delegating to a ReadAheadChannel or a WritableChannel depending on
// which mode the caller opened with. Grounded on the teacher's FileHandle
// contract (internal/filesystem/s3_backend.go's S3FileHandle), narrowed here
// to read-xor-write instead of one handle serving both directions.
package seekable

import (
	"context"
	"sync"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"

	"github.com/s3fs-spi/s3fs/internal/options"
)

// Reader is the subset of internal/readahead.Channel a SeekableChannel needs.
type Reader interface {
	Read(ctx context.Context, dst []byte) (int, error)
	Seek(n int64) error
	Position() int64
	Size() int64
	Close() error
}

// Writer is the subset of internal/writable.Channel a SeekableChannel needs.
type Writer interface {
	Write(p []byte) (int, error)
	Position() int64
	Size() (int64, error)
	Force(ctx context.Context) error
	Close(ctx context.Context) error
}

// Deregisterer is called once, on the first Close (even if closing the
// delegate fails), so the owning
// filesystem can drop this channel from its open-channel set.
type Deregisterer func()

// Channel is the SeekableChannel of spec §4.6. Exactly one of reader/writer
// is non-nil for the channel's lifetime.
type Channel struct {
	path string

	reader Reader
	writer Writer

	deregister Deregisterer

	mu         sync.Mutex
	closed     bool
	cachedSize int64
	sizeCached bool
}

// Open validates opts against spec §4.6's gating rules and wraps one
// delegate: it calls exactly one of newReader/newWriter, matching the mode
// opts selects. They are late-bound constructors so callers needn't build an
// unused delegate.
func Open(path string, opts options.Set, newReader func() (Reader, error), newWriter func() (Writer, error), deregister Deregisterer) (*Channel, error) {
	if opts.Has(options.SyncMode) || opts.Has(options.DsyncMode) {
		return nil, fserrors.New(fserrors.Unsupported, "seekable.Open").WithPath(path).
			WithContext("reason", "sync/dsync modes are not supported")
	}

	wantRead := opts.Has(options.ReadMode)
	wantWrite := opts.Has(options.WriteMode)
	if wantRead && wantWrite {
		return nil, fserrors.New(fserrors.InvalidOptions, "seekable.Open").WithPath(path).
			WithContext("reason", "read and write cannot both be requested on one channel")
	}
	if !wantRead && !wantWrite {
		wantRead = true // missing options default to read, per spec §4.6
	}

	c := &Channel{path: path, deregister: deregister}

	if wantWrite {
		w, err := newWriter()
		if err != nil {
			return nil, err
		}
		c.writer = w
		return c, nil
	}

	r, err := newReader()
	if err != nil {
		return nil, err
	}
	c.reader = r
	return c, nil
}

// Read delegates to the read-ahead channel. Fails non-readable if the
// channel was opened for write.
func (c *Channel) Read(ctx context.Context, dst []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fserrors.New(fserrors.ClosedChannel, "seekable.Read").WithPath(c.path)
	}
	reader := c.reader
	c.mu.Unlock()

	if reader == nil {
		return 0, fserrors.New(fserrors.Unsupported, "seekable.Read").WithPath(c.path).
			WithContext("reason", "non-readable: channel opened for write")
	}
	return reader.Read(ctx, dst)
}

// Write delegates to the writable channel. Fails non-writable if the
// channel was opened for read.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fserrors.New(fserrors.ClosedChannel, "seekable.Write").WithPath(c.path)
	}
	writer := c.writer
	c.mu.Unlock()

	if writer == nil {
		return 0, fserrors.New(fserrors.Unsupported, "seekable.Write").WithPath(c.path).
			WithContext("reason", "non-writable: channel opened for read")
	}
	return writer.Write(p)
}

// Position returns the channel's tracked position.
func (c *Channel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return c.reader.Position()
	}
	return c.writer.Position()
}

// Seek repositions a read channel. Valid only for read channels; write
// position is monotonic by contract and seeking a write channel is
// rejected outright.
func (c *Channel) Seek(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fserrors.New(fserrors.ClosedChannel, "seekable.Seek").WithPath(c.path)
	}
	if c.writer != nil {
		return fserrors.New(fserrors.Unsupported, "seekable.Seek").WithPath(c.path).
			WithContext("reason", "write channels have a monotonic position")
	}

	return c.reader.Seek(n)
}

// Size returns the channel's size, cached after the first call: for read
// channels this is the content-length captured at open; for write channels
// it is the staging file's current size.
func (c *Channel) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sizeCached {
		return c.cachedSize, nil
	}

	if c.reader != nil {
		c.cachedSize = c.reader.Size()
		c.sizeCached = true
		return c.cachedSize, nil
	}

	size, err := c.writer.Size()
	if err != nil {
		return 0, err
	}
	c.cachedSize = size
	c.sizeCached = true
	return c.cachedSize, nil
}

// Force flushes a write channel's staging content without closing it.
// Unsupported on a read channel.
func (c *Channel) Force(ctx context.Context) error {
	c.mu.Lock()
	writer := c.writer
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return fserrors.New(fserrors.ClosedChannel, "seekable.Force").WithPath(c.path)
	}
	if writer == nil {
		return fserrors.New(fserrors.Unsupported, "seekable.Force").WithPath(c.path).
			WithContext("reason", "force is only meaningful on a write channel")
	}
	return writer.Force(ctx)
}

// Truncate is unsupported (spec §4.6).
func (c *Channel) Truncate(int64) error {
	return fserrors.New(fserrors.Unsupported, "seekable.Truncate").WithPath(c.path)
}

// Close closes the active delegate and deregisters this channel from the
// filesystem's open-channel set. Idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	reader := c.reader
	writer := c.writer
	deregister := c.deregister
	c.mu.Unlock()

	var err error
	if reader != nil {
		err = reader.Close()
	} else {
		err = writer.Close(ctx)
	}

	if deregister != nil {
		deregister()
	}
	return err
}
