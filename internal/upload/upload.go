// Package upload stores raw template and dataset uploads until a batch
// reads them back as handles.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/internal/generation/store"
	apperrors "github.com/cristim67/diploma-generator/pkg/errors"
	"github.com/cristim67/diploma-generator/pkg/logger"
)

// Kind selects the upload area and the accepted extension.
type Kind struct {
	dir    string
	suffix string
}

var (
	Template = Kind{dir: "templates", suffix: "_template.docx"}
	Dataset  = Kind{dir: "data", suffix: "_data.xlsx"}
)

func (k Kind) String() string { return k.dir }

func (k Kind) ext() string { return filepath.Ext(k.suffix) }

var storedName = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}_(template\.docx|data\.xlsx)$`)

type Storage struct {
	dir      string
	maxBytes int64
}

// New returns a Storage rooted at dir. maxBytes <= 0 means no size limit.
func New(dir string, maxBytes int64) *Storage {
	return &Storage{dir: dir, maxBytes: maxBytes}
}

// Save stores r under a fresh {uuid}{suffix} name and returns that name.
// original is the client's file name and is only checked for its extension.
func (s *Storage) Save(ctx context.Context, kind Kind, original string, r io.Reader) (string, error) {
	if !strings.EqualFold(filepath.Ext(original), kind.ext()) {
		return "", apperrors.Newf(apperrors.ErrInvalidInput, 0, "%s upload must be a %s file, got %q", kind, kind.ext(), original)
	}
	dir := filepath.Join(s.dir, kind.dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	name := uuid.NewString() + kind.suffix
	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	var written int64
	err := store.WriteAtomic(ctx, filepath.Join(dir, name), func(w io.Writer) error {
		n, err := io.Copy(w, src)
		written = n
		if err != nil {
			return fmt.Errorf("receiving upload: %w", err)
		}
		if s.maxBytes > 0 && n > s.maxBytes {
			return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.maxBytes)
		}
		if n == 0 {
			return apperrors.New(apperrors.ErrInvalidInput, 0, "upload is empty")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.FromContext(ctx).Info("upload stored", "component", "upload", "kind", kind.String(), "name", name, "bytes", written)
	return name, nil
}

// Load reads a stored upload back. Only names produced by Save are accepted.
func (s *Storage) Load(kind Kind, name string) (generation.Handle, error) {
	if !storedName.MatchString(name) || !strings.HasSuffix(name, kind.suffix) {
		return generation.Handle{}, apperrors.Newf(apperrors.ErrInvalidInput, 0, "%q is not a stored %s name", name, kind)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, kind.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return generation.Handle{}, apperrors.Newf(apperrors.ErrNotFound, 0, "%s %s", kind, name)
	}
	if err != nil {
		return generation.Handle{}, fmt.Errorf("reading %s: %w", name, err)
	}
	return generation.Handle{Name: name, Data: data}, nil
}

// Inputs loads the template and dataset of one batch request.
func (s *Storage) Inputs(templateName, datasetName string) (tmpl, dataset generation.Handle, err error) {
	if tmpl, err = s.Load(Template, templateName); err != nil {
		return tmpl, dataset, err
	}
	dataset, err = s.Load(Dataset, datasetName)
	return tmpl, dataset, err
}
