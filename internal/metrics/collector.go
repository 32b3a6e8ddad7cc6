// Package metrics implements the Prometheus metrics surface this core
// exposes: fragment cache hit/miss counters, prefetch fetch latency,
// transfer byte counters, and client/region cache size gauges. Grounded on
// the teacher's internal/metrics.Collector (Prometheus registry + init/
// register split, HTTP exposition server), narrowed from its full
// FUSE-operation surface (per-operation counters/histograms for read,
// write, mkdir, chmod, and so on) down to the components
// internal/readahead, internal/transfer, and internal/client actually have.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where the collector exposes itself over HTTP.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector is the metrics surface of spec.md's supplemented metrics
// feature: cache hit/miss, prefetch latency, transfer bytes, and
// client/region cache sizes.
type Collector struct {
	config *Config

	registry *prometheus.Registry

	cacheRequests   *prometheus.CounterVec
	prefetchLatency prometheus.Histogram
	transferBytes   *prometheus.CounterVec
	cacheSize       *prometheus.GaugeVec

	server *http.Server
}

// NewCollector builds a Collector. A nil config enables collection with
// defaults (port 8080, path /metrics, namespace "s3fs").
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Port: 8080, Path: "/metrics", Namespace: "s3fs"}
	}
	if config.Namespace == "" {
		config.Namespace = "s3fs"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{config: config, registry: registry}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "fragment_cache_requests_total",
		Help:      "Total read-ahead fragment cache lookups by result (hit or miss).",
	}, []string{"result"})

	c.prefetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "prefetch_fetch_duration_seconds",
		Help:      "Duration of read-ahead prefetch fragment fetches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	})

	c.transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "transfer_bytes_total",
		Help:      "Total bytes transferred between staging files and object storage, by direction.",
	}, []string{"direction"})

	c.cacheSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "provider_cache_entries",
		Help:      "Current entry count of the client-provider's region and client caches.",
	}, []string{"cache"})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{c.cacheRequests, c.prefetchLatency, c.transferBytes, c.cacheSize}
	for _, cl := range collectors {
		if err := c.registry.Register(cl); err != nil {
			return err
		}
	}
	return nil
}

// RecordCacheHit records a read-ahead fragment cache hit.
func (c *Collector) RecordCacheHit() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a read-ahead fragment cache miss.
func (c *Collector) RecordCacheMiss() {
	if !c.enabled() {
		return
	}
	c.cacheRequests.WithLabelValues("miss").Inc()
}

// ObservePrefetchLatency records how long a prefetch fragment fetch took.
func (c *Collector) ObservePrefetchLatency(d time.Duration) {
	if !c.enabled() {
		return
	}
	c.prefetchLatency.Observe(d.Seconds())
}

// RecordDownloadBytes adds n to the total bytes downloaded from object
// storage into staging files.
func (c *Collector) RecordDownloadBytes(n int64) {
	if !c.enabled() {
		return
	}
	c.transferBytes.WithLabelValues("download").Add(float64(n))
}

// RecordUploadBytes adds n to the total bytes uploaded from staging files
// to object storage.
func (c *Collector) RecordUploadBytes(n int64) {
	if !c.enabled() {
		return
	}
	c.transferBytes.WithLabelValues("upload").Add(float64(n))
}

// SetRegionCacheSize reports the current entry count of the ClientProvider's
// region cache.
func (c *Collector) SetRegionCacheSize(n int) {
	if !c.enabled() {
		return
	}
	c.cacheSize.WithLabelValues("region").Set(float64(n))
}

// SetClientCacheSize reports the current entry count of the ClientProvider's
// client cache.
func (c *Collector) SetClientCacheSize(n int) {
	if !c.enabled() {
		return
	}
	c.cacheSize.WithLabelValues("client").Set(float64(n))
}

// Registry exposes the underlying Prometheus registry, e.g. for tests that
// want to scrape recorded values directly.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) enabled() bool { return c.config != nil && c.config.Enabled }

// Start begins serving the Prometheus exposition endpoint in the
// background. A no-op when the collector is disabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop shuts down the exposition server, if one was started.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
