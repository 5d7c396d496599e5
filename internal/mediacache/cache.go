// Package mediacache keeps device-local copies of gallery photos keyed by
// image id.
package mediacache

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Cache is a directory of photos named after their image id.
type Cache struct {
	fs  afero.Fs
	dir string
}

// New creates a cache rooted at dir, creating it if needed.
func New(fsys afero.Fs, dir string) (*Cache, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media cache dir: %w", err)
	}
	return &Cache{fs: fsys, dir: dir}, nil
}

// Path returns where the photo with imageID is stored.
func (c *Cache) Path(imageID string) string {
	return path.Join(c.dir, imageID+".jpg")
}

// Has reports whether the photo is cached.
func (c *Cache) Has(imageID string) bool {
	if !validID(imageID) {
		return false
	}
	ok, err := afero.Exists(c.fs, c.Path(imageID))
	return err == nil && ok
}

// Put stores the photo read from r. A partially written file never becomes
// visible under the final name.
func (c *Cache) Put(imageID string, r io.Reader) error {
	if !validID(imageID) {
		return fmt.Errorf("invalid image id %q", imageID)
	}
	final := c.Path(imageID)
	tmp := final + ".part"
	if err := afero.WriteReader(c.fs, tmp, r); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", imageID, err)
	}
	if err := c.fs.Rename(tmp, final); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("failed to store %s: %w", imageID, err)
	}
	return nil
}

// List returns the cached image ids.
func (c *Cache) List() ([]string, error) {
	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list media cache: %w", err)
	}
	ids := make([]string, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jpg"))
	}
	return ids, nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
