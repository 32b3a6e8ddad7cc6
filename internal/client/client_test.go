package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-spi/s3fs/internal/config"
)

func TestNewWithEndpointDoesNotRequireDiscovery(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{
		URL:       "https://minio.local:9000",
		AccessKey: "AKIA123",
		SecretKey: "secret",
	}, nil)
	require.NoError(t, err)

	c1, err := p.GetClient(context.Background(), "my-bucket")
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := p.GetClient(context.Background(), "my-bucket")
	require.NoError(t, err)
	assert.Same(t, c1, c2, "second call should hit the client cache rather than rebuild")
}

func TestGetClientRejectsEmptyBucket(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{URL: "https://minio.local"}, nil)
	require.NoError(t, err)

	_, err = p.GetClient(context.Background(), "")
	require.Error(t, err)
}

func TestMarkClosedForcesRebuild(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{URL: "https://minio.local"}, nil)
	require.NoError(t, err)

	c1, err := p.GetClient(context.Background(), "bucket-a")
	require.NoError(t, err)

	p.MarkClosed("bucket-a")

	c2, err := p.GetClient(context.Background(), "bucket-a")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2, "a client marked closed should be evicted and rebuilt")
}

func TestDifferentBucketsGetIndependentEndpointClients(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{URL: "https://minio.local"}, nil)
	require.NoError(t, err)

	a, err := p.GetClient(context.Background(), "bucket-a")
	require.NoError(t, err)
	b, err := p.GetClient(context.Background(), "bucket-b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestResponseStatusAndRegionReturnsZeroForUnrelatedError(t *testing.T) {
	t.Parallel()

	status, region := responseStatusAndRegion(errors.New("boom"))
	assert.Equal(t, 0, status)
	assert.Empty(t, region)
}

func TestCloseClearsCaches(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{URL: "https://minio.local"}, nil)
	require.NoError(t, err)

	_, err = p.GetClient(context.Background(), "bucket-a")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, ok := p.clients.get("bucket-a")
	assert.False(t, ok)
}

type fakeClientMetrics struct {
	regionSize, clientSize int
}

func (m *fakeClientMetrics) SetRegionCacheSize(n int) { m.regionSize = n }
func (m *fakeClientMetrics) SetClientCacheSize(n int) { m.clientSize = n }

func TestWithMetricsRecordsClientCacheSizeOnBuild(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{URL: "https://minio.local"}, nil)
	require.NoError(t, err)

	fm := &fakeClientMetrics{}
	p.WithMetrics(fm)

	_, err = p.GetClient(context.Background(), "bucket-a")
	require.NoError(t, err)
	assert.Equal(t, 1, fm.clientSize)

	_, err = p.GetClient(context.Background(), "bucket-b")
	require.NoError(t, err)
	assert.Equal(t, 2, fm.clientSize)
}

func TestWithMetricsNilFallsBackToNoop(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), config.Default(), &Endpoint{URL: "https://minio.local"}, nil)
	require.NoError(t, err)

	p.WithMetrics(nil)
	assert.NotPanics(t, func() {
		_, _ = p.GetClient(context.Background(), "bucket-a")
	})
}
