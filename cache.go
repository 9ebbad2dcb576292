package ezproxy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Cache file name prefixes.
const (
	cacheDirPrefix      = "cache_r"
	bodyFilePrefix      = "res_body_"
	wsMessageFilePrefix = "ws_message_"
)

// ErrInvalidCachePath is returned when a cache file name resolves outside
// the session cache directory.
var ErrInvalidCachePath = errors.New("invalid cache file path")

// CacheDir is a session-scoped directory that holds every file a Recorder
// writes. Paths handed out by File never escape it.
type CacheDir struct {
	fs   afero.Fs
	path string
}

// DefaultCacheRoot returns the directory that session cache directories are
// created in: $EZPROXY_HOME/cache, or ~/.ezproxy/cache.
func DefaultCacheRoot() (string, error) {
	if home := os.Getenv("EZPROXY_HOME"); home != "" {
		return filepath.Join(home, "cache"), nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, ".ezproxy", "cache"), nil
}

// NewCacheDir creates a fresh cache_r<N> directory under root.
func NewCacheDir(fs afero.Fs, root string) (*CacheDir, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root == "" {
		var err error
		if root, err = DefaultCacheRoot(); err != nil {
			return nil, err
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	for range 10 {
		dir := filepath.Join(root, fmt.Sprintf("%s%d", cacheDirPrefix, rand.IntN(1000000)))
		if ok, _ := afero.DirExists(fs, dir); ok {
			continue
		}
		if err := fs.Mkdir(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		return &CacheDir{fs: fs, path: dir}, nil
	}
	return nil, fmt.Errorf("create cache dir: no free name under %s", root)
}

// Path returns the absolute session directory.
func (c *CacheDir) Path() string { return c.path }

// Fs returns the filesystem the directory lives on.
func (c *CacheDir) Fs() afero.Fs { return c.fs }

// File joins name to the session directory and rejects results that are
// not strictly inside it.
func (c *CacheDir) File(name string) (string, error) {
	p := filepath.Join(c.path, name)
	if !strings.HasPrefix(p, c.path+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCachePath, name)
	}
	return p, nil
}

// Clear removes the session directory and everything in it.
func (c *CacheDir) Clear() error {
	if err := c.fs.RemoveAll(c.path); err != nil {
		return fmt.Errorf("clear cache dir: %w", err)
	}
	return nil
}
