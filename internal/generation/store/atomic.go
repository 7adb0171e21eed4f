package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const tempPrefix = ".tmp-"

// WriteAtomic streams write into a temp file next to dest and renames it
// over dest, so readers only ever see the previous or the complete file.
func WriteAtomic(ctx context.Context, dest string, write func(w io.Writer) error) error {
	tmpPath, err := writeTemp(ctx, filepath.Dir(dest), write)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming into %s: %w", dest, err)
	}
	return nil
}

// writeTemp writes a complete, synced temp file in dir and returns its path.
// On error nothing is left behind.
func writeTemp(ctx context.Context, dir string, write func(w io.Writer) error) (_ string, err error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("chmod %s: %w", tmpPath, err)
	}

	bw := bufio.NewWriterSize(tmp, 64<<10)
	if err := write(bw); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("flushing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	return tmpPath, nil
}
