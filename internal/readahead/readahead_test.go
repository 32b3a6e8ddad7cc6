package readahead

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves ranges out of an in-memory object and counts fetches
// per fragment so tests can assert on prefetch behavior.
type fakeFetcher struct {
	object []byte

	mu     sync.Mutex
	fetches map[string]int
	delay  time.Duration
}

func newFakeFetcher(object []byte) *fakeFetcher {
	return &fakeFetcher{object: object, fetches: make(map[string]int)}
}

func (f *fakeFetcher) FetchRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	f.mu.Lock()
	f.fetches[fmt.Sprintf("%d-%d", start, end)]++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if end < 0 || end >= int64(len(f.object)) {
		end = int64(len(f.object)) - 1
	}
	if start > end {
		return []byte{}, nil
	}
	return append([]byte(nil), f.object[start:end+1]...), nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.fetches {
		total += n
	}
	return total
}

func makeObject(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestReadReturnsExactBytesSequentially(t *testing.T) {
	t.Parallel()

	object := makeObject(100)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 32, MaxFragments: 4})
	defer ch.Close()

	out := make([]byte, 0, len(object))
	buf := make([]byte, 10)
	for {
		n, err := ch.Read(context.Background(), buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.True(t, bytes.Equal(object, out))
}

func TestReadAtEOFReturnsEOF(t *testing.T) {
	t.Parallel()

	object := makeObject(10)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 32, MaxFragments: 4})
	defer ch.Close()

	buf := make([]byte, 10)
	n, err := ch.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = ch.Read(context.Background(), buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadAfterCloseFailsClosedChannel(t *testing.T) {
	t.Parallel()

	object := makeObject(10)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 32, MaxFragments: 4})
	require.NoError(t, ch.Close())

	_, err := ch.Read(context.Background(), make([]byte, 4))
	require.Error(t, err)
}

func TestPositionAdvancesByBytesRead(t *testing.T) {
	t.Parallel()

	object := makeObject(64)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 32, MaxFragments: 4})
	defer ch.Close()

	buf := make([]byte, 5)
	n, err := ch.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.EqualValues(t, n, ch.Position())
}

func TestPrefetchTriggersAheadFragments(t *testing.T) {
	t.Parallel()

	object := makeObject(320) // 10 fragments of 32 bytes
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 32, MaxFragments: 6})
	defer ch.Close()

	// Reading past the midpoint of fragment 0 (offset 16 of 32) should
	// trigger prefetch of subsequent fragments.
	buf := make([]byte, 20)
	_, err := ch.Read(context.Background(), buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fetcher.fetchCount() > 1
	}, time.Second, 10*time.Millisecond, "prefetch should have fetched more than the demanded fragment")
}

func TestDisableEagerPrefetchFetchesOnlyOnDemand(t *testing.T) {
	t.Parallel()

	object := makeObject(320)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher,
		Options{FragmentSize: 32, MaxFragments: 6, DisableEagerPrefetch: true})
	defer ch.Close()

	buf := make([]byte, 20)
	_, err := ch.Read(context.Background(), buf)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetcher.fetchCount())
}

func TestReadTimesOutWhenFetchNeverCompletes(t *testing.T) {
	t.Parallel()

	object := makeObject(64)
	fetcher := newFakeFetcher(object)
	fetcher.delay = time.Hour

	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher,
		Options{FragmentSize: 32, MaxFragments: 4, FragmentTimeout: 30 * time.Millisecond})
	defer ch.Close()

	_, err := ch.Read(context.Background(), make([]byte, 4))
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	object := makeObject(10)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 32, MaxFragments: 4})

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

type fakeMetrics struct {
	mu              sync.Mutex
	hits, misses    int
	latencyObserved int
}

func (m *fakeMetrics) RecordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *fakeMetrics) RecordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *fakeMetrics) ObservePrefetchLatency(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyObserved++
}

func TestMetricsRecordsCacheMissThenHit(t *testing.T) {
	t.Parallel()

	object := makeObject(100)
	fetcher := newFakeFetcher(object)
	fm := &fakeMetrics{}
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher,
		Options{FragmentSize: 32, MaxFragments: 4, DisableEagerPrefetch: true, Metrics: fm})
	defer ch.Close()

	buf := make([]byte, 4)
	_, err := ch.Read(context.Background(), buf)
	require.NoError(t, err)
	_, err = ch.Read(context.Background(), buf)
	require.NoError(t, err)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	assert.Equal(t, 1, fm.misses, "first read of a fragment must be a cache miss")
	assert.Equal(t, 1, fm.hits, "second read of the same fragment must be a cache hit")
	assert.GreaterOrEqual(t, fm.latencyObserved, 1, "the miss's fetch must record a prefetch latency sample")
}

func TestConcurrentSequentialReadsYieldCorrectTotal(t *testing.T) {
	t.Parallel()

	object := makeObject(1000)
	fetcher := newFakeFetcher(object)
	ch := Open(context.Background(), "bucket", "key", int64(len(object)), fetcher, Options{FragmentSize: 64, MaxFragments: 8})
	defer ch.Close()

	var total int64
	buf := make([]byte, 17)
	for {
		n, err := ch.Read(context.Background(), buf)
		atomic.AddInt64(&total, int64(n))
		if err != nil {
			break
		}
	}
	assert.EqualValues(t, len(object), total)
}
