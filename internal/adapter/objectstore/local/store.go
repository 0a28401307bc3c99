package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/coachfeed/internal/domain"
	"github.com/bnema/coachfeed/internal/port"
)

// Store serves media objects from a directory tree. Keys are relative paths.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve object dir %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir %q: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) pathForKey(key string) (string, error) {
	full := filepath.Join(s.root, strings.TrimPrefix(key, "/"))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes store root", key)
	}
	return full, nil
}

// Fetch copies the object into destDir so callers may delete their copy freely.
func (s *Store) Fetch(ctx context.Context, key, destDir string) (string, error) {
	src, err := s.pathForKey(key)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
		}
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create fetch dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, readerWithContext{ctx: ctx, r: in}); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("copy object %s: %w", key, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.pathForKey(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

var _ port.ObjectStore = (*Store)(nil)
