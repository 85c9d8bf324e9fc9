// Package modelcache keeps model weights from the blob store on local disk so each
// artifact is downloaded at most once, and evicts the least recently used files
// when disk or cache limits are exceeded.
//
// One Manager must own a cache root. Per-key locking is in-process only.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tnqbao/gau-forge/blobstore"
	"github.com/tnqbao/gau-forge/errs"
	"github.com/tnqbao/gau-forge/infra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tnqbao/gau-forge/modelcache"

var ErrEntryInUse = errors.New("cache entry in use")

// Entry is a fully published cache file
type Entry struct {
	Key        string    `json:"key"`
	LocalPath  string    `json:"local_path"`
	SizeBytes  int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
}

type Options struct {
	Root          string
	MaxCacheBytes uint64
	MinFreeBytes  uint64
	// Disk defaults to statfs on Root
	Disk DiskStats
}

type Manager struct {
	root     string
	tmpDir   string
	maxCache uint64
	minFree  uint64

	store  blobstore.Store
	disk   DiskStats
	logger *infra.LoggerClient
	locks  *keyLocks

	// spaceMu serializes space accounting; reserved counts bytes of downloads in flight
	spaceMu  sync.Mutex
	reserved uint64

	tracer    trace.Tracer
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	downloads metric.Int64Counter
}

// NewManager prepares the cache root and removes partial downloads left by a
// previous process.
func NewManager(opts Options, store blobstore.Store, logger *infra.LoggerClient) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("cache root is required: %w", errs.ErrValidation)
	}
	if opts.Disk == nil {
		opts.Disk = StatfsDisk()
	}

	m := &Manager{
		root:     opts.Root,
		tmpDir:   filepath.Join(opts.Root, tmpDirName),
		maxCache: opts.MaxCacheBytes,
		minFree:  opts.MinFreeBytes,
		store:    store,
		disk:     opts.Disk,
		logger:   logger,
		locks:    newKeyLocks(),
		tracer:   otel.Tracer(instrumentationName),
	}

	if err := os.MkdirAll(m.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dirs: %w", err)
	}
	if err := m.sweepPartials(); err != nil {
		return nil, err
	}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if m.hits, err = meter.Int64Counter("modelcache.hits", metric.WithDescription("Resolve calls served from disk")); err != nil {
		return err
	}
	if m.misses, err = meter.Int64Counter("modelcache.misses", metric.WithDescription("Resolve calls that downloaded")); err != nil {
		return err
	}
	if m.evictions, err = meter.Int64Counter("modelcache.evictions", metric.WithDescription("Files evicted")); err != nil {
		return err
	}
	if m.downloads, err = meter.Int64Counter("modelcache.download.bytes", metric.WithUnit("By")); err != nil {
		return err
	}
	return nil
}

func (m *Manager) sweepPartials() error {
	partials, err := os.ReadDir(m.tmpDir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", m.tmpDir, err)
	}
	for _, p := range partials {
		if err := os.RemoveAll(filepath.Join(m.tmpDir, p.Name())); err != nil {
			return fmt.Errorf("failed to remove stale partial %s: %w", p.Name(), err)
		}
	}
	if len(partials) > 0 {
		m.logger.InfoWithContextf(context.Background(), "[Model Cache] Removed %d stale partial downloads", len(partials))
	}
	return nil
}

func (m *Manager) Root() string {
	return m.root
}

// PathFor is where key lives once published
func (m *Manager) PathFor(key string) string {
	return filepath.Join(m.root, fileName(key))
}

// touch records an access. Both times are set because access time alone is not
// maintained on relatime or noatime mounts.
func touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

// Resolve returns the local path of key, downloading it on first use
func (m *Manager) Resolve(ctx context.Context, key string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "modelcache.Resolve", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	name := fileName(key)
	path := filepath.Join(m.root, name)

	if _, err := os.Stat(path); err == nil {
		touch(path)
		m.hits.Add(ctx, 1)
		return path, nil
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	// another caller may have published it while we waited
	if _, err := os.Stat(path); err == nil {
		touch(path)
		m.hits.Add(ctx, 1)
		return path, nil
	}
	m.misses.Add(ctx, 1)

	info, err := m.store.Stat(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: stat %s: %v", errs.ErrDownloadFailed, key, err)
	}
	size := uint64(info.Size)

	if err := m.reserve(ctx, size); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer m.unreserve(size)

	m.logger.InfoWithContextf(ctx, "[Model Cache] Downloading %s (%s)", key, humanize.IBytes(size))
	start := time.Now()

	written, err := m.download(ctx, key, path)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.logger.ErrorWithContextf(ctx, err, "[Model Cache] Download of %s failed", key)
		return "", err
	}

	m.downloads.Add(ctx, written)
	m.logger.InfoWithContextf(ctx, "[Model Cache] Cached %s in %s", key, time.Since(start).Round(time.Millisecond))
	return path, nil
}

// Acquire resolves key and pins it so eviction leaves it alone until release is
// called. Use it when the file is read for longer than the Resolve call.
func (m *Manager) Acquire(ctx context.Context, key string) (string, func(), error) {
	release := m.locks.Pin(fileName(key))
	path, err := m.Resolve(ctx, key)
	if err != nil {
		release()
		return "", nil, err
	}
	return path, release, nil
}

// download writes into .tmp, fsyncs and renames so the canonical name only ever
// refers to a complete file.
func (m *Manager) download(ctx context.Context, key, path string) (int64, error) {
	tmp := filepath.Join(m.tmpDir, fmt.Sprintf("%s.%s.part", filepath.Base(path), uuid.NewString()[:8]))

	fail := func(err error) (int64, error) {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: %s: %v", errs.ErrDownloadFailed, key, err)
	}

	body, err := m.store.Get(ctx, key)
	if err != nil {
		return fail(err)
	}
	defer body.Close()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fail(err)
	}

	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		f.Close()
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fail(err)
	}
	if err := f.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail(err)
	}
	return written, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (m *Manager) reserve(ctx context.Context, size uint64) error {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()
	if err := m.ensureSpaceLocked(ctx, size); err != nil {
		return err
	}
	m.reserved += size
	return nil
}

func (m *Manager) unreserve(size uint64) {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()
	m.reserved -= size
}

// EnsureSpace evicts until a download of needed bytes fits, or returns
// errs.ErrInsufficientSpace without touching anything else.
func (m *Manager) EnsureSpace(ctx context.Context, needed uint64) error {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()
	return m.ensureSpaceLocked(ctx, needed)
}

// ensureSpaceLocked requires free space of at least MinFreeBytes after the
// download, and a current cache size (in-flight downloads included) within
// MaxCacheBytes. Least recently accessed files go first; pinned or locked files
// are skipped.
func (m *Manager) ensureSpaceLocked(ctx context.Context, needed uint64) error {
	free, err := m.disk.FreeBytes(m.root)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInsufficientSpace, err)
	}
	free = subFloor(free, m.reserved)

	entries, err := m.scan()
	if err != nil {
		return err
	}
	var size uint64
	for _, e := range entries {
		size += uint64(e.SizeBytes)
	}
	size += m.reserved

	satisfied := func() bool {
		freeOK := free >= m.minFree+needed
		sizeOK := m.maxCache == 0 || size <= m.maxCache
		return freeOK && sizeOK
	}

	for _, e := range entries {
		if satisfied() {
			break
		}
		evicted, err := m.evictIdle(ctx, e)
		if err != nil {
			return err
		}
		if evicted {
			free += uint64(e.SizeBytes)
			size = subFloor(size, uint64(e.SizeBytes))
		}
	}

	if !satisfied() {
		return fmt.Errorf("%w: need %s with %s free and %s cached (min free %s, max cache %s)",
			errs.ErrInsufficientSpace,
			humanize.IBytes(needed), humanize.IBytes(free), humanize.IBytes(size),
			humanize.IBytes(m.minFree), humanize.IBytes(m.maxCache))
	}
	return nil
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// evictIdle removes e unless someone holds or pins it
func (m *Manager) evictIdle(ctx context.Context, e Entry) (bool, error) {
	name := filepath.Base(e.LocalPath)
	unlock, ok := m.locks.TryLockIdle(name)
	if !ok {
		m.logger.DebugWithContextf(ctx, "[Model Cache] Skipping in-use entry %s", e.Key)
		return false, nil
	}
	defer unlock()

	if err := os.Remove(e.LocalPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to evict %s: %w", e.Key, err)
	}
	m.evictions.Add(ctx, 1)
	m.logger.InfoWithContextf(ctx, "[Model Cache] Evicted %s (%s, last used %s)",
		e.Key, humanize.IBytes(uint64(e.SizeBytes)), humanize.Time(e.LastAccess))
	return true, nil
}

func (m *Manager) scan() ([]Entry, error) {
	return ScanDir(m.root)
}

// ScanDir lists the published entries under a cache root, least recently
// accessed first. It only reads, so processes that do not own the cache may use it.
func ScanDir(root string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache root: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if d.IsDir() || d.Name() == tmpDirName {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		entries = append(entries, Entry{
			Key:        keyOf(d.Name()),
			LocalPath:  filepath.Join(root, d.Name()),
			SizeBytes:  info.Size(),
			LastAccess: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})
	return entries, nil
}

// List returns published entries, least recently accessed first
func (m *Manager) List() ([]Entry, error) {
	return m.scan()
}

// Size is the total bytes of published entries
func (m *Manager) Size() (uint64, error) {
	entries, err := m.scan()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, e := range entries {
		total += uint64(e.SizeBytes)
	}
	return total, nil
}

// Evict removes one entry. It fails with ErrEntryInUse while a resolve or pin
// holds the key and with errs.ErrNotFound if the key is not cached.
func (m *Manager) Evict(ctx context.Context, key string) error {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()

	path := m.PathFor(key)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cache entry %s: %w", key, errs.ErrNotFound)
	}
	evicted, err := m.evictIdle(ctx, Entry{Key: key, LocalPath: path, SizeBytes: info.Size(), LastAccess: info.ModTime()})
	if err != nil {
		return err
	}
	if !evicted {
		return fmt.Errorf("%s: %w", key, ErrEntryInUse)
	}
	return nil
}

// Prune evicts until the configured limits hold with nothing pending
func (m *Manager) Prune(ctx context.Context) error {
	return m.EnsureSpace(ctx, 0)
}

// Clear evicts every idle entry and returns how many were removed
func (m *Manager) Clear(ctx context.Context) (int, error) {
	m.spaceMu.Lock()
	defer m.spaceMu.Unlock()

	entries, err := m.scan()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		evicted, err := m.evictIdle(ctx, e)
		if err != nil {
			return removed, err
		}
		if evicted {
			removed++
		}
	}
	return removed, nil
}
