// Package cache manages the persistent disk cache of previously fetched
// CDN resources, laid out as <root>/<product>/<kind>/<xx>/<yy>/<hex>
// (plus a bare <root>/<product>/<hash>.index path for generated group
// indices). It guarantees at most one concurrent writer per cache path and
// that partial downloads are never observable at the real path.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/ngdp-go/tactcore/metrics"
)

// Cache is the process-wide disk cache for one (product, root) pair. The
// per-path mutex map is the single mechanism enforcing the at-most-one-
// download-per-path guarantee; callers that want to serialize a fetch with
// the cache write must hold the mutex for the whole operation.
type Cache struct {
	root    string
	product string

	mu      sync.Mutex // guards paths
	paths   map[string]*sync.Mutex
}

func New(root, product string) *Cache {
	return &Cache{root: root, product: product, paths: make(map[string]*sync.Mutex)}
}

// Path computes the on-disk location for a config/data resource named by
// its hex digest.
func (c *Cache) Path(kind, hex string) string {
	if len(hex) < 4 {
		return filepath.Join(c.root, c.product, kind, hex)
	}
	return filepath.Join(c.root, c.product, kind, hex[0:2], hex[2:4], hex)
}

// IndexPath computes the on-disk location for a generated group-index file.
func (c *Cache) IndexPath(hash string) string {
	return filepath.Join(c.root, c.product, hash+".index")
}

// Lock returns the mutex guarding path, creating it if necessary. Callers
// must Unlock it when done; the mutex set itself grows monotonically for
// the Cache's lifetime (paths are never evicted), matching the "process-
// wide mapping from cache path to a mutex" the resolver specification
// describes.
func (c *Cache) Lock(path string) *sync.Mutex {
	c.mu.Lock()
	m, ok := c.paths[path]
	if !ok {
		m = &sync.Mutex{}
		c.paths[path] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m
}

// Stat reports whether path exists and, if so, its size. A non-existent
// file is not an error.
func Stat(path string) (size int64, exists bool, err error) {
	info, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		return 0, false, nil
	}
	if statErr != nil {
		return 0, false, errs.New("cache.Stat", errs.Transport, statErr)
	}
	return info.Size(), true, nil
}

// Lookup checks whether path exists with the expected size (0 means "any
// size is fine"). A size mismatch deletes the stale file and reports a
// miss, per the cache's "if the file exists and fileSize == expectedLength"
// invariant.
func Lookup(path string, expectedLength int64) (ok bool, err error) {
	const op = "cache.Lookup"
	size, exists, err := Stat(path)
	if err != nil {
		return false, err
	}
	if !exists {
		metrics.CacheLookupsTotal.WithLabelValues("disk", "miss").Inc()
		return false, nil
	}
	if expectedLength != 0 && size != expectedLength {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, errs.New(op, errs.Transport, err)
		}
		metrics.CacheLookupsTotal.WithLabelValues("disk", "stale").Inc()
		return false, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("disk", "hit").Inc()
	return true, nil
}

// WriteAtomic writes data to path by creating a temp file in the same
// directory and renaming it into place, so a concurrent reader never
// observes a partially written file.
func WriteAtomic(path string, data []byte) error {
	const op = "cache.WriteAtomic"
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(op, errs.Transport, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(op, errs.Transport, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.New(op, errs.Transport, err)
	}
	return nil
}

// DeletePartial removes path, ignoring a not-exist error; used to clean up
// after a cancelled or failed download so no partial file is left behind.
func DeletePartial(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New("cache.DeletePartial", errs.Transport, err)
	}
	return nil
}

// Validate computes path's MD5 and compares it to expectedDigest (typically
// an encoding key). On mismatch, it deletes the file and returns a Corrupt
// error; callers use this for high-value resources (root, install) where
// the extra read is worth the assurance.
func Validate(path string, expectedDigest []byte) error {
	const op = "cache.Validate"
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(op, errs.Transport, err)
	}
	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != hex.EncodeToString(expectedDigest) {
		os.Remove(path)
		return errs.Corruptf(op, "checksum mismatch for %s", path)
	}
	return nil
}
