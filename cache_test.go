package ezproxy

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newTestCacheDir(t *testing.T) *CacheDir {
	t.Helper()
	dir, err := NewCacheDir(afero.NewMemMapFs(), "/cache")
	if err != nil {
		t.Fatalf("NewCacheDir: %v", err)
	}
	return dir
}

func TestNewCacheDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := NewCacheDir(fs, "/cache")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCacheDir(fs, "/cache")
	if err != nil {
		t.Fatal(err)
	}
	if a.Path() == b.Path() {
		t.Errorf("two sessions share %s", a.Path())
	}
	for _, d := range []*CacheDir{a, b} {
		if filepath.Dir(d.Path()) != "/cache" || !strings.HasPrefix(filepath.Base(d.Path()), cacheDirPrefix) {
			t.Errorf("unexpected session dir %s", d.Path())
		}
		if ok, _ := afero.DirExists(fs, d.Path()); !ok {
			t.Errorf("%s not created", d.Path())
		}
	}
}

func TestDefaultCacheRoot(t *testing.T) {
	t.Setenv("EZPROXY_HOME", "/srv/ezproxy")
	root, err := DefaultCacheRoot()
	if err != nil {
		t.Fatal(err)
	}
	if root != "/srv/ezproxy/cache" {
		t.Errorf("root = %q", root)
	}
}

func TestCacheDir_File(t *testing.T) {
	dir := newTestCacheDir(t)

	p, err := dir.File("res_body_1")
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(dir.Path(), "res_body_1") {
		t.Errorf("path = %q", p)
	}

	for _, name := range []string{"", ".", "../escape", "../../etc/passwd", "a/../../b"} {
		if _, err := dir.File(name); !errors.Is(err, ErrInvalidCachePath) {
			t.Errorf("File(%q) err = %v, want ErrInvalidCachePath", name, err)
		}
	}
}

func TestCacheDir_Clear(t *testing.T) {
	dir := newTestCacheDir(t)
	p, _ := dir.File("ws_message_3")
	if err := afero.WriteFile(dir.Fs(), p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := dir.Clear(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.DirExists(dir.Fs(), dir.Path()); ok {
		t.Error("session dir still exists")
	}
}
