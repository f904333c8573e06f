package store

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"
)

// FileStore implements Store on the local filesystem, one file per key.
// Expired files are treated as absent and removed on read.
type FileStore struct {
	dir string
	cfg config
	now func() time.Time
}

var _ Store = (*FileStore)(nil)

type fileEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
	Value     []byte    `json:"value"`
}

// NewFileStore creates a file-backed store rooted at dir.
// If dir is empty, ~/.apicache is used.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".apicache")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStore{dir: dir, cfg: applyOptions(opts), now: time.Now}, nil
}

func (f *FileStore) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("set %s: ttl must be positive, got %v", key, ttl)
	}
	data, err := json.Marshal(&fileEntry{ExpiresAt: f.now().Add(ttl), Value: value})
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	path := f.path(key)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := f.load(key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (f *FileStore) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, _, err := f.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *FileStore) Exists(_ context.Context, key string) (bool, error) {
	entry, err := f.load(key)
	return entry != nil, err
}

func (f *FileStore) ExistsMany(ctx context.Context, keys []string) ([]bool, error) {
	out := make([]bool, len(keys))
	for i, k := range keys {
		ok, err := f.Exists(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func (f *FileStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if err := os.Remove(f.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// load returns nil without error when the key is absent or expired.
func (f *FileStore) load(key string) (*fileEntry, error) {
	path := f.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	if !f.now().Before(entry.ExpiresAt) {
		_ = os.Remove(path)
		return nil, nil
	}
	return &entry, nil
}

// path generates the full filesystem path for a key
func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(f.cfg.prefixKey(key))+".json")
}

// sanitizeKey ensures the key is safe for use as a filename
func sanitizeKey(key string) string {
	// For very long keys, use hash to avoid filesystem limits
	if len(key) > 200 {
		hash := md5.Sum([]byte(key))
		return fmt.Sprintf("hash_%x", hash)
	}

	unsafe := []string{"/", "\\", ":", "?", "&", "=", "#", "<", ">", "|", "*", "\""}
	result := key
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	if result != key {
		// keep "a:b" and "a_b" apart
		hash := md5.Sum([]byte(key))
		result = fmt.Sprintf("%s_%x", result, hash[:4])
	}
	return result
}
