// Package store persists rendered documents under per-batch namespaces:
// {root}/batches/{batchId}/{name}.docx.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cristim67/diploma-generator/internal/generation"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/logger"
)

const batchesDir = "batches"

// Entry is one stored document.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// NamespacePath returns the directory of a batch after validating its id.
func (s *Store) NamespacePath(id generation.BatchID) (string, error) {
	if _, err := generation.ParseBatchID(string(id)); err != nil {
		return "", err
	}
	return filepath.Join(s.root, batchesDir, string(id)), nil
}

// Put writes payload as the document of identity under Name(identity),
// replacing any earlier document with the same name. It returns the stored
// name.
func (s *Store) Put(ctx context.Context, id generation.BatchID, identity generation.Identity, payload []byte) (string, error) {
	return s.PutNamed(ctx, id, Name(identity), payload)
}

// PutNamed writes payload under name, which must be a bare file name such as
// one returned by Name or Names.
func (s *Store) PutNamed(ctx context.Context, id generation.BatchID, name string, payload []byte) (string, error) {
	err := s.put(ctx, id, name, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(payload))
		return err
	})
	if err != nil {
		return "", err
	}
	logger.FromContext(ctx).Debug("document stored", "component", "store", "name", name, "bytes", len(payload))
	return name, nil
}

// put stages the document next to the namespace and only then creates the
// namespace and renames it in, so a failed first write leaves no empty
// namespace behind.
func (s *Store) put(ctx context.Context, id generation.BatchID, name string, write func(w io.Writer) error) error {
	dir, err := s.NamespacePath(id)
	if err != nil {
		return err
	}
	if name == "" || strings.HasPrefix(name, ".") || filepath.Base(name) != name {
		return apperrors.Newf(apperrors.ErrStoreWrite, 0, "name %q escapes namespace", name)
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return apperrors.Newf(apperrors.ErrStoreWrite, 0, "creating %s: %v", parent, err)
	}
	tmpPath, err := writeTemp(ctx, parent, write)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("storing %s: %w", name, ctx.Err())
		}
		return apperrors.Newf(apperrors.ErrStoreWrite, 0, "storing %s: %v", name, err)
	}
	created, err := s.ensureNamespace(dir)
	if err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Newf(apperrors.ErrStoreWrite, 0, "creating namespace %s: %v", id, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		if created {
			// Only succeeds while the namespace is still empty.
			_ = os.Remove(dir)
		}
		return apperrors.Newf(apperrors.ErrStoreWrite, 0, "storing %s: %v", name, err)
	}
	return nil
}

// ensureNamespace creates the batch directory. Concurrent first writers race
// on os.Mkdir and the losers see ErrExist, which is success.
func (s *Store) ensureNamespace(dir string) (created bool, err error) {
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exists reports whether anything was ever stored for the batch.
func (s *Store) Exists(id generation.BatchID) (bool, error) {
	dir, err := s.NamespacePath(id)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", dir, err)
	}
	return info.IsDir(), nil
}

// List returns the documents currently in the namespace, sorted by name.
// In-flight temp files are not listed.
func (s *Store) List(id generation.BatchID) ([]Entry, error) {
	dir, err := s.NamespacePath(id)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Newf(apperrors.ErrNamespaceNotFound, 0, "batch %s has no stored documents", id)
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", d.Name(), err)
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Path:    filepath.Join(dir, d.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
