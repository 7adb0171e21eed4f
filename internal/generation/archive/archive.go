// Package archive zips a batch namespace into {dir}/{batchId}.zip.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/singleflight"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/generation/lock"
	"github.com/cristim67/diploma-generator/internal/generation/store"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/logger"
	"github.com/cristim67/diploma-generator/pkg/metrics"
)

const Ext = ".zip"

// Builder builds and serves batch archives. Builds of one batch are
// serialized: concurrent callers in this process share one build through
// singleflight, and the Locker keeps other processes out.
type Builder struct {
	store    *store.Store
	dir      string
	locker   lock.Locker
	metrics  *metrics.Metrics
	notifier generation.Notifier
	group    singleflight.Group
	logger   *slog.Logger
}

type Option func(*Builder)

func WithNotifier(n generation.Notifier) Option {
	return func(b *Builder) { b.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// New returns a Builder writing archives into dir. A nil locker falls back
// to an in-process one.
func New(st *store.Store, dir string, locker lock.Locker, opts ...Option) *Builder {
	if locker == nil {
		locker = lock.NewLocal()
	}
	b := &Builder{
		store:  st,
		dir:    dir,
		locker: locker,
		logger: slog.Default().With("component", "archive"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.NewNop()
	}
	return b
}

// Path returns where the archive of id lives once built.
func (b *Builder) Path(id generation.BatchID) string {
	return filepath.Join(b.dir, string(id)+Ext)
}

// Build zips every document currently stored for id, replacing any earlier
// archive. It fails with ErrNamespaceNotFound when nothing was ever stored.
func (b *Builder) Build(ctx context.Context, id generation.BatchID) (*generation.ArchiveHandle, error) {
	if _, err := b.store.NamespacePath(id); err != nil {
		return nil, err
	}
	// The shared build outlives any one caller; each caller only stops
	// waiting for it when its own ctx ends.
	ch := b.group.DoChan(string(id), func() (any, error) {
		return b.build(context.WithoutCancel(ctx), id)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for archive of %s: %w", id, ctx.Err())
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		status := "error"
		if errors.Is(err, apperrors.ErrNamespaceNotFound) {
			status = "not_found"
		}
		b.metrics.ArchiveBuildsTotal.WithLabelValues(status).Inc()
		return nil, err
	}
	h := v.(*generation.ArchiveHandle)
	if shared {
		logger.FromContext(ctx).Debug("archive build shared", "component", "archive", "batch_id", id)
	}
	return h, nil
}

func (b *Builder) build(ctx context.Context, id generation.BatchID) (*generation.ArchiveHandle, error) {
	log := logger.FromContext(ctx).With("component", "archive", "batch_id", id)
	unlock, err := b.locker.Lock(ctx, "archive:"+string(id))
	if err != nil {
		return nil, fmt.Errorf("locking batch %s: %w", id, err)
	}
	defer unlock()

	entries, err := b.store.List(id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNamespaceNotFound, 0, "batch %s has no stored documents", id)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	dest := b.Path(id)
	start := time.Now()
	err = store.WriteAtomic(ctx, dest, func(w io.Writer) error {
		return writeZip(ctx, w, entries)
	})
	if err != nil {
		return nil, fmt.Errorf("building archive for %s: %w", id, err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	files := make([]string, len(entries))
	for i, e := range entries {
		files[i] = e.Name
	}
	h := &generation.ArchiveHandle{
		BatchID:   id,
		Name:      string(id) + Ext,
		Path:      dest,
		Size:      info.Size(),
		Files:     files,
		CreatedAt: info.ModTime().UTC(),
	}
	b.metrics.ArchiveBuildsTotal.WithLabelValues("ok").Inc()
	b.metrics.ArchiveBytes.Observe(float64(h.Size))
	log.Info("archive built", "files", len(files), "bytes", h.Size, "duration", time.Since(start))

	if b.notifier != nil {
		if err := b.notifier.ArchiveBuilt(ctx, h); err != nil {
			log.Warn("archive event not published", "error", err)
		}
	}
	return h, nil
}

// writeZip writes a flat archive. Entry order and timestamps come from the
// namespace listing, so an unchanged namespace yields identical bytes.
func writeZip(ctx context.Context, w io.Writer, entries []store.Entry) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, e); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, e store.Entry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", e.Name, err)
	}
	defer f.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     e.Name,
		Method:   zip.Deflate,
		Modified: e.ModTime.UTC().Truncate(time.Second),
	})
	if err != nil {
		return fmt.Errorf("adding %s: %w", e.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compressing %s: %w", e.Name, err)
	}
	return nil
}

// Open returns the built archive of id for streaming. The caller closes the
// file. It fails with ErrNotFound when no archive was built yet.
func (b *Builder) Open(ctx context.Context, id generation.BatchID) (*os.File, *generation.ArchiveHandle, error) {
	if _, err := b.store.NamespacePath(id); err != nil {
		return nil, nil, err
	}
	path := b.Path(id)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, apperrors.Newf(apperrors.ErrNotFound, 0, "archive for batch %s has not been built", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat archive: %w", err)
	}
	logger.FromContext(ctx).Debug("archive opened", "component", "archive", "batch_id", id, "bytes", info.Size())
	return f, &generation.ArchiveHandle{
		BatchID:   id,
		Name:      string(id) + Ext,
		Path:      path,
		Size:      info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}, nil
}
