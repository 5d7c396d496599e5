package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// FSStore keeps blobs on a filesystem and serves them over HTTP under
// baseURL. It backs local development and tests.
type FSStore struct {
	fs      afero.Fs
	baseURL string
}

// NewFSStore roots a store at dir of fsys.
func NewFSStore(fsys afero.Fs, dir, baseURL string) *FSStore {
	return &FSStore{
		fs:      afero.NewBasePathFs(fsys, dir),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (s *FSStore) Upload(ctx context.Context, p string, r io.Reader, contentType string) (string, error) {
	name, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp := name + ".part"
	if err := afero.WriteReader(s.fs, tmp, r); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to write object %s: %w", p, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to store object %s: %w", p, err)
	}
	return s.URL(ctx, p)
}

func (s *FSStore) URL(ctx context.Context, p string) (string, error) {
	if _, err := cleanPath(p); err != nil {
		return "", err
	}
	return s.baseURL + "/" + escapePath(p), nil
}

func (s *FSStore) Delete(ctx context.Context, p string) error {
	name, err := cleanPath(p)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", p, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to delete object %s: %w", p, err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, p string) (bool, error) {
	name, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, name)
	if err != nil {
		return false, fmt.Errorf("failed to stat object %s: %w", p, err)
	}
	return ok, nil
}

// Handler serves stored objects; mount it at the path of baseURL.
func (s *FSStore) Handler() http.Handler {
	return http.FileServer(afero.NewHttpFs(afero.NewReadOnlyFs(s.fs)))
}

func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid object path %q", p)
	}
	clean := path.Clean(p)
	if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("invalid object path %q", p)
	}
	return "/" + clean, nil
}
