// Package client implements the ClientProvider of spec §4.2: given a bucket
// name it returns an *s3.Client capable of addressing that bucket, handling
// region discovery, endpoint overrides, and bounded client/region caches.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/singleflight"

	"github.com/s3fs-spi/s3fs/internal/config"
	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

const (
	regionCacheTTL    = 30 * time.Minute
	clientCacheTTL    = time.Hour
	defaultCacheLimit = 512
	fallbackRegion    = "us-east-1"
)

// Metrics receives cache-size observations. internal/metrics.Collector
// implements this; a nil Metrics field on Provider is valid (recordings
// become no-ops).
type Metrics interface {
	SetRegionCacheSize(n int)
	SetClientCacheSize(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetRegionCacheSize(int) {}
func (noopMetrics) SetClientCacheSize(int) {}

// Endpoint carries a filesystem-level override for a non-AWS (s3x://) host,
// parsed upstream by pkg/s3uri. A nil *Endpoint means "use AWS's own
// region-discovery flow".
type Endpoint struct {
	URL            string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// Provider is the ClientProvider of spec §4.2.
type Provider struct {
	cfg      config.Config
	endpoint *Endpoint
	logger   *slog.Logger

	awsCfg          aws.Config
	universalClient *s3.Client

	regions *boundedCache[string, string]
	clients *boundedCache[string, *clientEntry]
	metrics Metrics

	group singleflight.Group
}

type clientEntry struct {
	client *s3.Client
	closed bool
}

// New builds a Provider. endpoint may be nil for the canonical s3:// flow.
func New(ctx context.Context, cfg config.Config, endpoint *Endpoint, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fserrors.New(fserrors.BucketDiscoveryTimeout, "client.New").WithCause(err)
	}

	universalRegion := cfg.Region
	if universalRegion == "" {
		universalRegion = fallbackRegion
	}

	p := &Provider{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   logger,
		awsCfg:   awsCfg,
		regions:  newBoundedCache[string, string](defaultCacheLimit),
		clients:  newBoundedCache[string, *clientEntry](defaultCacheLimit),
		metrics:  noopMetrics{},
	}

	p.universalClient = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Region = universalRegion
	})

	if endpoint != nil {
		logger.Info("client provider using endpoint override", "endpoint", endpoint.URL)
	}

	return p, nil
}

// WithMetrics attaches a Metrics sink that receives region/client cache size
// observations after each cache mutation.
func (p *Provider) WithMetrics(m Metrics) *Provider {
	if m == nil {
		m = noopMetrics{}
	}
	p.metrics = m
	return p
}

// GetClient returns a client able to address bucket, building and caching it
// per spec §4.2's algorithm.
func (p *Provider) GetClient(ctx context.Context, bucket string) (*s3.Client, error) {
	if bucket == "" {
		return nil, fserrors.New(fserrors.InvalidPath, "client.GetClient").WithContext("reason", "empty bucket")
	}

	if p.endpoint != nil {
		return p.getEndpointClient(bucket)
	}

	if entry, ok := p.clients.get(bucket); ok && !entry.closed {
		return entry.client, nil
	}

	v, err, _ := p.group.Do(bucket, func() (interface{}, error) {
		if entry, ok := p.clients.get(bucket); ok && !entry.closed {
			return entry.client, nil
		}

		region, rerr := p.regionFor(ctx, bucket)
		if rerr != nil {
			return nil, rerr
		}

		c := s3.NewFromConfig(p.awsCfg, func(o *s3.Options) {
			o.Region = region
		})
		p.clients.put(bucket, &clientEntry{client: c}, clientCacheTTL)
		p.metrics.SetClientCacheSize(p.clients.len())
		p.logger.Debug("built regional client", "bucket", bucket, "region", region)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*s3.Client), nil
}

// MarkClosed evicts bucket's cached client, forcing GetClient to rebuild it
// on the next call (spec §4.2 step 4: "if the cached client reports closed,
// evict and rebuild").
func (p *Provider) MarkClosed(bucket string) {
	if entry, ok := p.clients.get(bucket); ok {
		entry.closed = true
	}
}

// Close releases provider-held resources. The universal client and any
// cached regional clients are plain HTTP-backed values with no explicit
// teardown in aws-sdk-go-v2; Close exists for symmetry with the filesystem's
// lifecycle and to drop cache references promptly.
func (p *Provider) Close() error {
	p.regions.clear()
	p.clients.clear()
	return nil
}

func (p *Provider) getEndpointClient(bucket string) (*s3.Client, error) {
	if entry, ok := p.clients.get(bucket); ok && !entry.closed {
		return entry.client, nil
	}

	v, err, _ := p.group.Do("endpoint:"+bucket, func() (interface{}, error) {
		if entry, ok := p.clients.get(bucket); ok && !entry.closed {
			return entry.client, nil
		}

		creds := aws.AnonymousCredentials{}
		var credProvider aws.CredentialsProvider = creds
		if p.endpoint.AccessKey != "" {
			credProvider = credentials.NewStaticCredentialsProvider(p.endpoint.AccessKey, p.endpoint.SecretKey, "")
		}

		region := p.cfg.Region
		if region == "" {
			region = fallbackRegion
		}

		c := s3.New(s3.Options{
			Region:       region,
			Credentials:  credProvider,
			BaseEndpoint: aws.String(p.endpoint.URL),
			UsePathStyle: true,
		})
		p.clients.put(bucket, &clientEntry{client: c}, clientCacheTTL)
		p.metrics.SetClientCacheSize(p.clients.len())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*s3.Client), nil
}

// regionFor resolves bucket's region via the cache, falling back to the
// discovery algorithm of spec §4.2 step 2 on a miss.
func (p *Provider) regionFor(ctx context.Context, bucket string) (string, error) {
	if region, ok := p.regions.get(bucket); ok {
		return region, nil
	}

	region, err := p.discoverRegion(ctx, bucket)
	if err != nil {
		return "", err
	}
	p.regions.put(bucket, region, regionCacheTTL)
	p.metrics.SetRegionCacheSize(p.regions.len())
	return region, nil
}

func (p *Provider) discoverRegion(ctx context.Context, bucket string) (string, error) {
	out, err := p.universalClient.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		if out.BucketRegion != nil && *out.BucketRegion != "" {
			return *out.BucketRegion, nil
		}
		return p.cfg.Region, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fserrors.New(fserrors.BucketDiscoveryTimeout, "client.discoverRegion").
			WithContext("bucket", bucket).WithCause(err)
	}

	status, region := responseStatusAndRegion(err)

	switch status {
	case 301:
		if region != "" {
			return region, nil
		}
	case 403:
		return p.discoverRegionViaLocation(ctx, bucket)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return "", fserrors.New(fserrors.BucketNotFound, "client.discoverRegion").
				WithContext("bucket", bucket).WithCause(err)
		case "Forbidden", "AccessDenied":
			return p.discoverRegionViaLocation(ctx, bucket)
		}
	}

	return "", fmt.Errorf("discover region for bucket %q: %w", bucket, err)
}

func (p *Provider) discoverRegionViaLocation(ctx context.Context, bucket string) (string, error) {
	out, err := p.universalClient.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(bucket)})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fserrors.New(fserrors.BucketDiscoveryTimeout, "client.discoverRegionViaLocation").
				WithContext("bucket", bucket).WithCause(err)
		}
		return "", fserrors.New(fserrors.AccessDenied, "client.discoverRegionViaLocation").
			WithContext("bucket", bucket).WithCause(err)
	}
	region := string(out.LocationConstraint)
	if region == "" {
		region = fallbackRegion
	}
	return region, nil
}

// responseStatusAndRegion extracts the HTTP status code and, when present,
// the x-amz-bucket-region redirect header from an AWS SDK error.
func responseStatusAndRegion(err error) (status int, region string) {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
		if re.Response != nil && re.Response.Header != nil {
			region = re.Response.Header.Get("x-amz-bucket-region")
		}
	}
	return status, region
}
