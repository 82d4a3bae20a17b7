package archive

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Key addresses one rewritten class in a Cache.
type Key [32]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// cacheDomainKey keys the BLAKE3 hash of cache entries. Changing it
// invalidates every cache.
var cacheDomainKey = [32]byte{
	'j', 'v', 'm', 's', 'a', 'n', 'd', 'b', 'o', 'x', '.', 'r', 'e', 'w', 'r', 'i',
	't', 'e', '.', 'c', 'l', 'a', 's', 's', 0, 0, 0, 0, 0, 0, 0, 0,
}

// Cache stores rewritten class files on disk, one file per key. Entries
// are keyed by the input bytes and a salt naming everything else the
// output depends on (runtime class, rewrite policy).
type Cache struct {
	dir  string
	salt []byte
}

// NewCache returns a cache in dir, creating it if needed.
func NewCache(dir string, salt []byte) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir, salt: append([]byte(nil), salt...)}, nil
}

// Key returns the cache key of a class file's bytes.
func (c *Cache) Key(input []byte) Key {
	h, err := blake3.NewKeyed(cacheDomainKey[:])
	if err != nil {
		panic("archive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var n [8]byte
	for i, l := 0, uint64(len(c.salt)); i < 8; i++ {
		n[i] = byte(l >> (8 * i))
	}
	h.Write(n[:])
	h.Write(c.salt)
	h.Write(input)
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (c *Cache) path(k Key) string {
	s := k.String()
	return filepath.Join(c.dir, s[:2], s[2:]+".class")
}

// Get returns the entry for k.
func (c *Cache) Get(k Key) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", k, err)
	}
	return data, true, nil
}

// Put stores data under k. A concurrent Put of the same key is harmless:
// the entry is written to a temporary file and renamed into place.
func (c *Cache) Put(k Key, data []byte) error {
	p := c.path(k)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("writing cache entry %s: %w", k, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry %s: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry %s: %w", k, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry %s: %w", k, err)
	}
	return nil
}
