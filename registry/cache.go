package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// memCacheEntries bounds the in-memory layer. Model files are large, so
// the count is small; the disk layer holds everything else.
const memCacheEntries = 8

const indexFile = "index.cbor"

// Cache is the persistent blob store keyed by (model id, version,
// filename). Blobs land on disk under dir; a small LRU keeps recently
// used blobs in memory. Eviction of the disk layer is owned by the
// caller (Delete / DeleteModel).
type Cache struct {
	dir string
	mem *lru.Cache[uint64, []byte]

	mu sync.Mutex // guards index files
}

type indexEntry struct {
	Digest string `cbor:"1,keyasint"`
	Size   int64  `cbor:"2,keyasint"`
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	mem, err := lru.New[uint64, []byte](memCacheEntries)
	if err != nil {
		return nil, err
	}

	return &Cache{dir: dir, mem: mem}, nil
}

// Dir returns the cache's root directory.
func (c *Cache) Dir() string { return c.dir }

func memKey(modelID, version, filename string) uint64 {
	d := xxhash.New()
	d.WriteString(modelID)
	d.WriteString("\x00")
	d.WriteString(version)
	d.WriteString("\x00")
	d.WriteString(filename)
	return d.Sum64()
}

func (c *Cache) blobPath(modelID, version, filename string) string {
	return filepath.Join(c.dir, sanitize(modelID), sanitize(version), sanitize(filename))
}

// sanitize keeps ids usable as path components.
func sanitize(s string) string {
	return filepath.Base(filepath.Clean(s))
}

// Get returns the cached blob, or nil and false on a miss.
func (c *Cache) Get(modelID, version, filename string) ([]byte, bool) {
	key := memKey(modelID, version, filename)
	if data, ok := c.mem.Get(key); ok {
		return data, true
	}

	data, err := os.ReadFile(c.blobPath(modelID, version, filename))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache read failed", "file", filename, "error", err)
		}
		return nil, false
	}

	c.mem.Add(key, data)
	return data, true
}

// Digest returns the recorded digest for a cached blob, if the index has
// one. Cached blobs with a matching recorded digest skip re-verification.
func (c *Cache) Digest(modelID, version, filename string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.loadIndex(modelID, version)
	entry, ok := index[filename]
	if !ok {
		return "", false
	}
	return entry.Digest, true
}

// Put stores a blob and records its digest in the index. The write is
// atomic: a temp file is renamed into place.
func (c *Cache) Put(modelID, version, filename string, data []byte, digest string) error {
	path := c.blobPath(modelID, version, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filename+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	c.mem.Add(memKey(modelID, version, filename), data)

	c.mu.Lock()
	defer c.mu.Unlock()
	index := c.loadIndex(modelID, version)
	index[filename] = indexEntry{Digest: digest, Size: int64(len(data))}
	return c.saveIndex(modelID, version, index)
}

// Delete removes one blob and its index entry.
func (c *Cache) Delete(modelID, version, filename string) error {
	c.mem.Remove(memKey(modelID, version, filename))

	if err := os.Remove(c.blobPath(modelID, version, filename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	index := c.loadIndex(modelID, version)
	delete(index, filename)
	return c.saveIndex(modelID, version, index)
}

// DeleteModel removes every blob for a model version.
func (c *Cache) DeleteModel(modelID, version string) error {
	c.mem.Purge()
	return os.RemoveAll(filepath.Join(c.dir, sanitize(modelID), sanitize(version)))
}

func (c *Cache) indexPath(modelID, version string) string {
	return filepath.Join(c.dir, sanitize(modelID), sanitize(version), indexFile)
}

func (c *Cache) loadIndex(modelID, version string) map[string]indexEntry {
	index := make(map[string]indexEntry)
	data, err := os.ReadFile(c.indexPath(modelID, version))
	if err != nil {
		return index
	}
	if err := cbor.Unmarshal(data, &index); err != nil {
		slog.Warn("discarding corrupt cache index", "model", modelID, "error", err)
		return make(map[string]indexEntry)
	}
	return index
}

func (c *Cache) saveIndex(modelID, version string, index map[string]indexEntry) error {
	data, err := cbor.Marshal(index)
	if err != nil {
		return err
	}
	path := c.indexPath(modelID, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
