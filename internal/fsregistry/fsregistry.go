// Package fsregistry implements the fs-key → Filesystem map and each
// Filesystem's open-channel registry and temp-dir lifecycle of spec §3 and
// §6. Grounded on internal/storage/s3/multipart_state.go's
// MultipartStateManager (mutex-guarded map keyed by an opaque ID, with
// register/lookup/remove operations), generalized from upload IDs to
// fs-keys and channel IDs.
package fsregistry

import (
	"context"
	"os"
	"strings"
	"sync"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

// Channel is the minimal close contract a registered channel satisfies.
// internal/seekable.Channel implements this.
type Channel interface {
	Close(ctx context.Context) error
}

// Filesystem is the Filesystem of spec §3: identified by a stable fs-key,
// owning a process-unique temporary directory and a registry of open
// channels. Created lazily by Registry.GetOrCreate; closed explicitly.
type Filesystem struct {
	fsKey   string
	tempDir string

	mu       sync.Mutex
	channels map[uint64]Channel
	nextID   uint64
	closed   bool
}

func newFilesystem(fsKey string) (*Filesystem, error) {
	tempDir, err := os.MkdirTemp("", "s3fs-"+sanitizeForPath(fsKey)+"-")
	if err != nil {
		return nil, fserrors.New(fserrors.Unsupported, "fsregistry.newFilesystem").WithPath(fsKey).WithCause(err)
	}
	return &Filesystem{fsKey: fsKey, tempDir: tempDir, channels: make(map[uint64]Channel)}, nil
}

// FSKey returns the identity this filesystem was created for.
func (fs *Filesystem) FSKey() string { return fs.fsKey }

// TempDir returns this filesystem's process-unique staging directory.
func (fs *Filesystem) TempDir() string { return fs.tempDir }

// Register adds ch to the open-channel set, returning a deregister callback
// the caller invokes from its own Close so the channel stops being tracked
// for the filesystem's close-all-channels sweep.
func (fs *Filesystem) Register(ch Channel) (deregister func(), err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, fserrors.New(fserrors.ClosedChannel, "fsregistry.Register").WithPath(fs.fsKey)
	}

	fs.nextID++
	id := fs.nextID
	fs.channels[id] = ch
	return func() { fs.deregister(id) }, nil
}

func (fs *Filesystem) deregister(id uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.channels, id)
}

// OpenChannelCount reports how many channels are currently registered.
func (fs *Filesystem) OpenChannelCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.channels)
}

// Closed reports whether Close has already run on this filesystem.
func (fs *Filesystem) Closed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closed
}

// Close closes every registered channel first, then removes the staging
// directory (spec §6's exit behavior). Idempotent; returns the first
// channel-close error encountered, if any, after attempting every channel.
func (fs *Filesystem) Close(ctx context.Context) error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	channels := make([]Channel, 0, len(fs.channels))
	for _, ch := range fs.channels {
		channels = append(channels, ch)
	}
	fs.channels = nil
	fs.mu.Unlock()

	var firstErr error
	for _, ch := range channels {
		if err := ch.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	os.RemoveAll(fs.tempDir)
	return firstErr
}

func sanitizeForPath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "fs"
	}
	return b.String()
}

// Registry is the fs-key → Filesystem map of spec §3. A filesystem is not
// re-openable under the same key while it is already open: GetOrCreate
// returns the same live instance for concurrent callers, and a fresh one is
// only built once the prior instance has been explicitly closed and
// forgotten.
type Registry struct {
	mu          sync.Mutex
	filesystems map[string]*Filesystem
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{filesystems: make(map[string]*Filesystem)}
}

// GetOrCreate returns the Filesystem for fsKey, creating it lazily on first
// resolution for an unseen key.
func (r *Registry) GetOrCreate(fsKey string) (*Filesystem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fs, ok := r.filesystems[fsKey]; ok {
		return fs, nil
	}

	fs, err := newFilesystem(fsKey)
	if err != nil {
		return nil, err
	}
	r.filesystems[fsKey] = fs
	return fs, nil
}

// Close closes and forgets the filesystem registered under fsKey, if any,
// so a subsequent GetOrCreate for the same key builds a fresh instance.
func (r *Registry) Close(ctx context.Context, fsKey string) error {
	r.mu.Lock()
	fs, ok := r.filesystems[fsKey]
	if ok {
		delete(r.filesystems, fsKey)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return fs.Close(ctx)
}

// Len reports how many filesystems are currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filesystems)
}
