// Package filesystem ties the leaf components together into the end-to-end
// operations spec §2 describes: a URI resolves to a Filesystem, opening a
// path dispatches to a ReadAheadChannel or a WritableChannel behind the
// SeekableChannel façade, and a directory path drives a DirectoryStream.
// Grounded on the teacher's internal/filesystem package (FilesystemInterface
// and S3FilesystemBackend's handle-map/path-translation shape), narrowed
// from its FUSE-breadth operation set (Mkdir/Chmod/Chown/symlink/xattr/
// Statfs, protocol context keys, cost-optimization hooks) down to the
// open/list/stat surface this core actually implements.
package filesystem

import (
	"context"
	"log/slog"
	"sync"

	"github.com/s3fs-spi/s3fs/internal/attrs"
	"github.com/s3fs-spi/s3fs/internal/client"
	"github.com/s3fs-spi/s3fs/internal/config"
	"github.com/s3fs-spi/s3fs/internal/dirstream"
	"github.com/s3fs-spi/s3fs/internal/fsregistry"
	"github.com/s3fs-spi/s3fs/internal/metrics"
	"github.com/s3fs-spi/s3fs/internal/options"
	"github.com/s3fs-spi/s3fs/internal/readahead"
	"github.com/s3fs-spi/s3fs/internal/seekable"
	"github.com/s3fs-spi/s3fs/internal/transfer"
	"github.com/s3fs-spi/s3fs/internal/writable"
	"github.com/s3fs-spi/s3fs/pkg/fspath"
	"github.com/s3fs-spi/s3fs/pkg/s3uri"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

// Manager is the top-level entry point: it resolves a URI to a Filesystem,
// building and caching the per-bucket ClientProvider/TransferUtil/Fetcher
// triple on first use, and lets a caller close a Filesystem to release them.
type Manager struct {
	cfg     config.Config
	metrics *metrics.Collector
	logger  *slog.Logger

	registry *fsregistry.Registry

	mu          sync.Mutex
	filesystems map[string]*Filesystem
}

// NewManager builds a Manager. collector may be nil to disable metrics.
func NewManager(cfg config.Config, collector *metrics.Collector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		metrics:     collector,
		logger:      logger,
		registry:    fsregistry.NewRegistry(),
		filesystems: make(map[string]*Filesystem),
	}
}

// Open resolves raw (an "s3://bucket/key" or "s3x://[access:secret@]host/bucket/key"
// URI per spec §6) to its Filesystem, building one lazily on first
// resolution for its fs-key and returning the live instance thereafter.
func (m *Manager) Open(ctx context.Context, raw string) (*Filesystem, error) {
	loc, err := s3uri.Parse(raw, m.cfg.EndpointProtocol)
	if err != nil {
		return nil, err
	}

	fsKey := fsKeyFor(loc)

	m.mu.Lock()
	if fs, ok := m.filesystems[fsKey]; ok {
		m.mu.Unlock()
		return fs, nil
	}
	m.mu.Unlock()

	entry, err := m.registry.GetOrCreate(fsKey)
	if err != nil {
		return nil, err
	}

	cfg := m.cfg
	if loc.AccessKey != "" {
		cfg.AccessKey = loc.AccessKey
		cfg.SecretKey = loc.SecretKey
	}

	var endpoint *client.Endpoint
	if loc.HasEndpoint() {
		endpoint = &client.Endpoint{
			URL:            loc.Endpoint,
			AccessKey:      loc.AccessKey,
			SecretKey:      loc.SecretKey,
			ForcePathStyle: true,
		}
	}

	clients, err := client.New(ctx, cfg, endpoint, m.logger)
	if err != nil {
		return nil, err
	}
	xfer := transfer.New(clients, cfg.TimeoutLow)
	fetcher := attrs.New(clients, cfg.TimeoutLow)
	if m.metrics != nil {
		clients.WithMetrics(m.metrics)
		xfer.WithMetrics(m.metrics)
	}

	fs := &Filesystem{
		manager:     m,
		fsKey:       fsKey,
		bucket:      loc.Bucket,
		cfg:         cfg,
		clients:     clients,
		transfer:    xfer,
		attrFetcher: fetcher,
		entry:       entry,
		metrics:     m.metrics,
		logger:      m.logger,
	}

	m.mu.Lock()
	m.filesystems[fsKey] = fs
	m.mu.Unlock()
	return fs, nil
}

func fsKeyFor(loc s3uri.Location) string {
	if loc.Endpoint == "" {
		return loc.Bucket
	}
	return loc.Endpoint + "/" + loc.Bucket
}

// Filesystem is the Filesystem of spec §3: a bucket reached either directly
// (canonical s3://) or through an endpoint override (s3x://), bound to its
// own ClientProvider, TransferUtil, AttributeFetcher, and open-channel
// registry.
type Filesystem struct {
	manager *Manager

	fsKey  string
	bucket string
	cfg    config.Config

	clients     *client.Provider
	transfer    *transfer.Util
	attrFetcher *attrs.Fetcher
	entry       *fsregistry.Filesystem
	metrics     *metrics.Collector
	logger      *slog.Logger
}

// FSKey returns this filesystem's stable identity.
func (fs *Filesystem) FSKey() string { return fs.fsKey }

// Bucket returns the S3 bucket this filesystem addresses.
func (fs *Filesystem) Bucket() string { return fs.bucket }

// Root returns the root path of this filesystem.
func (fs *Filesystem) Root() fspath.Path { return fspath.Root(fs.fsKey) }

// lazyChannel defers to a *seekable.Channel built after registration, so the
// channel can be registered under fsregistry's Close-all-on-exit sweep
// before it exists yet (fsregistry.Register needs a Channel up front;
// seekable.Open needs a deregister callback up front — this breaks the
// cycle).
type lazyChannel struct {
	ch *seekable.Channel
}

func (l *lazyChannel) Close(ctx context.Context) error {
	return l.ch.Close(ctx)
}

// OpenChannel opens path for reading or writing per opts (spec §4.6),
// dispatching to a ReadAheadChannel or a WritableChannel depending on
// whether opts carries WriteMode. The returned channel is tracked by this
// filesystem's registry until its Close runs.
func (fs *Filesystem) OpenChannel(ctx context.Context, path fspath.Path, opts options.Set) (*seekable.Channel, error) {
	if path.FSKey() != fs.fsKey {
		return nil, fserrors.New(fserrors.InvalidPath, "filesystem.OpenChannel").
			WithPath(path.String()).WithContext("reason", "path belongs to a different filesystem")
	}

	key := path.ObjectKey()

	lazy := &lazyChannel{}
	deregister, err := fs.entry.Register(lazy)
	if err != nil {
		return nil, err
	}

	ch, err := seekable.Open(path.String(), opts,
		func() (seekable.Reader, error) {
			attr, aerr := fs.attrFetcher.Fetch(ctx, fs.bucket, key, path.IsDir())
			if aerr != nil {
				return nil, aerr
			}
			var rm readahead.Metrics
			if fs.metrics != nil {
				rm = fs.metrics
			}
			return readahead.Open(ctx, fs.bucket, key, attr.Size, fs.transfer, readahead.Options{
				FragmentSize: fs.cfg.ReadMaxFragmentSize,
				MaxFragments: fs.cfg.ReadMaxFragmentNumber,
				Metrics:      rm,
			}), nil
		},
		func() (seekable.Writer, error) {
			return writable.Open(ctx, fs.bucket, key, fs.entry.TempDir(), fs.transfer, opts)
		},
		deregister,
	)
	if err != nil {
		deregister()
		return nil, err
	}
	lazy.ch = ch
	return ch, nil
}

// NewDirectoryStream opens a paginated listing of dir's children (spec §4.7).
func (fs *Filesystem) NewDirectoryStream(ctx context.Context, dir fspath.Path, predicate dirstream.Predicate) (*dirstream.Stream, error) {
	if dir.FSKey() != fs.fsKey {
		return nil, fserrors.New(fserrors.InvalidPath, "filesystem.NewDirectoryStream").
			WithPath(dir.String()).WithContext("reason", "path belongs to a different filesystem")
	}
	return dirstream.Open(ctx, fs.bucket, fs.fsKey, dir.ObjectKey(), fs.clients, predicate, fs.logger)
}

// GetAttributes returns path's (last-modified, size, etag) tuple (spec §4.8).
func (fs *Filesystem) GetAttributes(ctx context.Context, path fspath.Path) (attrs.Attributes, error) {
	if path.FSKey() != fs.fsKey {
		return attrs.Attributes{}, fserrors.New(fserrors.InvalidPath, "filesystem.GetAttributes").
			WithPath(path.String()).WithContext("reason", "path belongs to a different filesystem")
	}
	return fs.attrFetcher.Fetch(ctx, fs.bucket, path.ObjectKey(), path.IsDir())
}

// CheckAccess reports whether path is currently readable (spec §9 Open
// Question resolution: existence via a successful head-object is access).
func (fs *Filesystem) CheckAccess(ctx context.Context, path fspath.Path) (bool, error) {
	if path.FSKey() != fs.fsKey {
		return false, fserrors.New(fserrors.InvalidPath, "filesystem.CheckAccess").
			WithPath(path.String()).WithContext("reason", "path belongs to a different filesystem")
	}
	return fs.attrFetcher.CheckAccess(ctx, fs.bucket, path.ObjectKey())
}

// Close closes every open channel on this filesystem, removes its staging
// directory, releases its ClientProvider's caches, and forgets it from the
// owning Manager so a later Open for the same URI builds a fresh instance.
func (fs *Filesystem) Close(ctx context.Context) error {
	fs.manager.mu.Lock()
	delete(fs.manager.filesystems, fs.fsKey)
	fs.manager.mu.Unlock()

	err := fs.manager.registry.Close(ctx, fs.fsKey)
	if cerr := fs.clients.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
