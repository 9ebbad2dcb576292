package ezproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRuntime struct {
	mu       sync.Mutex
	force    bool
	throttle int
	filters  []FilterRule
	applied  int
}

func (f *fakeRuntime) EnableForceProxyHTTPS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.force = true
}

func (f *fakeRuntime) DisableForceProxyHTTPS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.force = false
}

func (f *fakeRuntime) DisableThrottle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttle = 0
}

func (f *fakeRuntime) Throttle(kbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttle = kbps
	return nil
}

func (f *fakeRuntime) SetFilterRules(rules []FilterRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = rules
	f.applied++
	return nil
}

func (f *fakeRuntime) snapshot() (bool, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.force, f.throttle, len(f.filters), f.applied
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestApplyRuntimeConfig(t *testing.T) {
	rt := &fakeRuntime{throttle: 10}
	cfg := DefaultConfig()
	cfg.Proxy.ForceHTTPS = true
	cfg.Filters = []FilterRule{{Type: FilterDomain, Pattern: "a.com"}}

	if err := ApplyRuntimeConfig(rt, &cfg); err != nil {
		t.Fatalf("ApplyRuntimeConfig: %v", err)
	}
	force, throttle, filters, _ := rt.snapshot()
	if !force || throttle != 0 || filters != 1 {
		t.Errorf("force=%v throttle=%d filters=%d", force, throttle, filters)
	}

	cfg.Proxy.ForceHTTPS = false
	cfg.Proxy.Throttle = 128
	if err := ApplyRuntimeConfig(rt, &cfg); err != nil {
		t.Fatal(err)
	}
	force, throttle, _, _ = rt.snapshot()
	if force || throttle != 128 {
		t.Errorf("force=%v throttle=%d", force, throttle)
	}
}

func TestApplyRuntimeConfig_ProxyServer(t *testing.T) {
	srv := newTestServer(t, Options{})

	cfg := DefaultConfig()
	cfg.Proxy.ForceHTTPS = true
	cfg.Proxy.Throttle = 64
	cfg.Filters = []FilterRule{{Name: "posts", Type: FilterMethod, Pattern: "POST"}}
	if err := ApplyRuntimeConfig(srv, &cfg); err != nil {
		t.Fatalf("ApplyRuntimeConfig: %v", err)
	}

	h := srv.Core().Handler()
	if !h.ForceProxyHTTPS() {
		t.Error("expected force HTTPS enabled")
	}
	if h.Throttle() == nil {
		t.Error("expected throttle set")
	}
	if names := srv.Recorder().Filters().Names(); len(names) != 1 || names[0] != "posts" {
		t.Errorf("filters = %v", names)
	}

	cfg.Filters = nil
	cfg.Proxy.Throttle = 0
	if err := ApplyRuntimeConfig(srv, &cfg); err != nil {
		t.Fatal(err)
	}
	if h.Throttle() != nil {
		t.Error("expected throttle cleared")
	}
	if n := srv.Recorder().Filters().Len(); n != 0 {
		t.Errorf("expected declarative filters removed, got %d", n)
	}
}

func TestWatchSIGHUP_Reload(t *testing.T) {
	rt := &fakeRuntime{}
	m := NewMetrics()

	reload := func(_ context.Context) (*Config, error) {
		cfg := DefaultConfig()
		cfg.Proxy.ForceHTTPS = true
		return &cfg, nil
	}

	reloader := WatchSIGHUP(rt, reload, discardLogger(), m)
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitFor(t, func() bool { _, _, _, n := rt.snapshot(); return n > 0 })
	reloader.Cancel()

	if force, _, _, _ := rt.snapshot(); !force {
		t.Error("expected force HTTPS applied")
	}
	if got := testutil.ToFloat64(m.configReloads); got < 1 {
		t.Errorf("config reloads = %v, want >= 1", got)
	}
}

func TestWatchSIGHUP_ReloadError(t *testing.T) {
	rt := &fakeRuntime{force: true}
	m := NewMetrics()

	reload := func(_ context.Context) (*Config, error) {
		return nil, errors.New("config load failed")
	}

	reloader := WatchSIGHUP(rt, reload, discardLogger(), m)
	defer reloader.Cancel()

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitFor(t, func() bool { return testutil.ToFloat64(m.configReloadErrs) > 0 })

	if force, _, _, applied := rt.snapshot(); !force || applied != 0 {
		t.Error("settings should not change on error")
	}
}

func TestSIGHUPReloader_Cancel(t *testing.T) {
	reload := func(_ context.Context) (*Config, error) { return nil, nil }
	reloader := WatchSIGHUP(&fakeRuntime{}, reload, discardLogger(), nil)

	done := make(chan struct{})
	go func() {
		reloader.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return in time")
	}
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ezproxy.yaml")
	if err := os.WriteFile(path, []byte("proxy:\n  port: 8001\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rt := &fakeRuntime{}
	m := NewMetrics()
	cw, err := WatchConfig(path, rt, discardLogger(), m)
	if err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	defer cw.Close()

	yaml := "proxy:\n  port: 8001\n  throttle: 32\nfilters:\n  - type: mime\n    pattern: image/\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { _, throttle, _, _ := rt.snapshot(); return throttle == 32 })

	if _, _, filters, _ := rt.snapshot(); filters != 1 {
		t.Errorf("filters = %d, want 1", filters)
	}

	// an invalid file is counted and leaves the settings alone
	if err := os.WriteFile(path, []byte("proxy:\n  port: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return testutil.ToFloat64(m.configReloadErrs) > 0 })
	if _, throttle, _, _ := rt.snapshot(); throttle != 32 {
		t.Errorf("throttle = %d after failed reload, want 32", throttle)
	}
}

func TestWatchConfig_MissingDir(t *testing.T) {
	_, err := WatchConfig(filepath.Join(t.TempDir(), "missing", "ezproxy.yaml"), &fakeRuntime{}, nil, nil)
	if err == nil {
		t.Error("expected error for missing directory")
	}
}
