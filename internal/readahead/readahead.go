// Package readahead implements the ReadAheadChannel of spec §4.4: random
// access reads over a remote object backed by a bounded, concurrent cache of
// fixed-size fragments, with eager prefetch once a fragment is half-consumed.
package readahead

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s3fs-spi/s3fs/internal/cachefrag"
	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

// Metrics receives cache-effectiveness and prefetch-latency observations.
// internal/metrics.Collector implements this; nil is a valid Options value
// (all recordings become no-ops).
type Metrics interface {
	RecordCacheHit()
	RecordCacheMiss()
	ObservePrefetchLatency(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheHit()                      {}
func (noopMetrics) RecordCacheMiss()                     {}
func (noopMetrics) ObservePrefetchLatency(time.Duration) {}

const (
	DefaultFragmentSize    = 5 * 1024 * 1024
	DefaultMaxFragments    = 50
	DefaultFragmentTimeout = 5 * time.Minute
)

// RangeFetcher fetches the inclusive byte range [start, end] of bucket/key.
// end == -1 means "to end of object". Implemented by internal/transfer.Util.
type RangeFetcher interface {
	FetchRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error)
}

// Options configures a Channel; zero values fall back to spec defaults.
type Options struct {
	FragmentSize         int64
	MaxFragments         int
	FragmentTimeout      time.Duration
	DisableEagerPrefetch bool
	Metrics              Metrics
}

func (o Options) withDefaults() Options {
	if o.FragmentSize <= 0 {
		o.FragmentSize = DefaultFragmentSize
	}
	if o.MaxFragments < 2 {
		o.MaxFragments = DefaultMaxFragments
	}
	if o.FragmentTimeout <= 0 {
		o.FragmentTimeout = DefaultFragmentTimeout
	}
	return o
}

// Channel is the ReadAheadChannel of spec §4.4.
type Channel struct {
	bucket, key string
	size        int64

	fragmentSize    int64
	maxFragments    int
	fragmentTimeout time.Duration
	eagerPrefetch   bool
	lastFragment    int

	fetcher RangeFetcher
	cache   *cachefrag.Cache
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	position int64
	open     bool
}

// Open captures the (object-identity, size) immutably and returns a ready
// Channel. size must be the object's content-length at open time.
func Open(ctx context.Context, bucket, key string, size int64, fetcher RangeFetcher, opts Options) *Channel {
	opts = opts.withDefaults()

	cctx, cancel := context.WithCancel(ctx)
	group, _ := errgroup.WithContext(context.Background())
	group.SetLimit(opts.MaxFragments)

	lastFragment := 0
	if size > 0 {
		lastFragment = int((size - 1) / opts.FragmentSize)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Channel{
		bucket:          bucket,
		key:             key,
		size:            size,
		fragmentSize:    opts.FragmentSize,
		maxFragments:    opts.MaxFragments,
		fragmentTimeout: opts.FragmentTimeout,
		eagerPrefetch:   !opts.DisableEagerPrefetch,
		lastFragment:    lastFragment,
		fetcher:         fetcher,
		cache:           cachefrag.New(opts.MaxFragments),
		metrics:         metrics,
		ctx:             cctx,
		cancel:          cancel,
		group:           group,
		open:            true,
	}
}

// Size returns the object's content-length captured at open.
func (c *Channel) Size() int64 { return c.size }

// Position returns the channel's current read position.
func (c *Channel) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Read serves one read call per spec §4.4's algorithm: locate the covering
// fragment, await it, copy bytes out, and trigger prefetch if the fragment's
// consumed offset has crossed its midpoint.
func (c *Channel) Read(ctx context.Context, dst []byte) (int, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return 0, fserrors.New(fserrors.ClosedChannel, "readahead.Read").WithPath(c.key)
	}
	p := c.position
	if p >= c.size {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.mu.Unlock()

	index := int(p / c.fragmentSize)
	offset := p - int64(index)*c.fragmentSize

	frag, created := c.cache.GetOrCreate(index, func() *cachefrag.Fragment {
		return c.launchFetch(index)
	})
	if created {
		c.metrics.RecordCacheMiss()
	} else {
		c.metrics.RecordCacheHit()
	}

	data, err := frag.Await(ctx, c.fragmentTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fserrors.New(fserrors.ReadTimeout, "readahead.Read").WithPath(c.key)
		}
		return 0, err
	}

	if offset >= int64(len(data)) {
		return 0, io.EOF
	}

	n := copy(dst, data[offset:])

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return 0, fserrors.New(fserrors.ClosedChannel, "readahead.Read").WithPath(c.key)
	}
	c.position += int64(n)
	c.mu.Unlock()

	if offset+int64(n) >= c.fragmentSize/2 {
		c.triggerPrefetch(index)
	}

	return n, nil
}

// Seek repositions the channel for a subsequent Read. Negative positions are
// rejected; positions at or beyond Size are allowed and simply read as EOF.
func (c *Channel) Seek(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return fserrors.New(fserrors.ClosedChannel, "readahead.Seek").WithPath(c.key)
	}
	if n < 0 {
		return fserrors.New(fserrors.InvalidOptions, "readahead.Seek").WithPath(c.key).
			WithContext("reason", "negative position")
	}
	c.position = n
	return nil
}

// Close invalidates all cached futures (best-effort cancellation) and marks
// the channel closed. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()

	c.cancel()
	c.cache.Close()
	return nil
}

func (c *Channel) launchFetch(index int) *cachefrag.Fragment {
	fctx, cancel := context.WithCancel(c.ctx)
	frag := cachefrag.NewFragment(index, cancel)

	start := int64(index) * c.fragmentSize
	end := start + c.fragmentSize - 1
	if end > c.size-1 {
		end = c.size - 1
	}

	c.group.Go(func() error {
		started := time.Now()
		data, err := c.fetcher.FetchRange(fctx, c.bucket, c.key, start, end)
		c.metrics.ObservePrefetchLatency(time.Since(started))
		frag.Complete(data, err)
		return nil
	})
	return frag
}

// triggerPrefetch implements spec §4.4 step 6: invalidate fragments below
// index, then fan out futures for up to maxPrefetch fragments ahead of it.
func (c *Channel) triggerPrefetch(index int) {
	c.cache.InvalidateBelow(index)

	if !c.eagerPrefetch {
		return
	}

	maxPrefetch := c.maxFragments - 1
	if remaining := c.lastFragment - index; remaining < maxPrefetch {
		maxPrefetch = remaining
	}
	if maxPrefetch <= 0 {
		return
	}

	for j := index + 1; j <= index+maxPrefetch; j++ {
		if _, ok := c.cache.Get(j); ok {
			continue
		}
		c.cache.GetOrCreate(j, func() *cachefrag.Fragment {
			return c.launchFetch(j)
		})
	}
}
