package ezproxy

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// newTestServer builds a ProxyServer on a free port with an in-memory
// cache. It is stopped when the test ends.
func newTestServer(t *testing.T, opts Options) *ProxyServer {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = freePort(t)
	}
	if opts.CacheFs == nil {
		opts.CacheFs = afero.NewMemMapFs()
	}
	if opts.CacheRoot == "" {
		opts.CacheRoot = "/cache"
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	srv, err := NewProxyServer(opts)
	if err != nil {
		t.Fatalf("NewProxyServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func waitDone(t *testing.T, srv *ProxyServer) {
	t.Helper()
	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type failingSystemProxy struct{ *MemorySystemProxy }

func (failingSystemProxy) EnableGlobalProxy(string, int) error {
	return errors.New("permission denied")
}

type countingSystemProxy struct {
	*MemorySystemProxy
	disables atomic.Int32
}

func (p *countingSystemProxy) DisableGlobalProxy() error {
	p.disables.Add(1)
	return p.MemorySystemProxy.DisableGlobalProxy()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewProxyServer_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{"no port", Options{}, ErrPortRequired},
		{"https without hostname", Options{Port: 1, Type: TypeHTTPS}, ErrHostnameRequired},
		{"negative throttle", Options{Port: 1, ThrottleKbps: -5}, ErrInvalidThrottle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.CacheFs = afero.NewMemMapFs()
			tt.opts.CacheRoot = "/cache"
			tt.opts.Logger = discardLogger()
			_, err := NewProxyServer(tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProxyServer_StartStop(t *testing.T) {
	sys := NewMemorySystemProxy()
	srv := newTestServer(t, Options{SystemProxy: sys})
	cacheDir := srv.Recorder().CacheDir()

	if srv.State() != StateInit {
		t.Fatalf("state = %s, want INIT", srv.State())
	}
	if err := srv.Start(StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.State() != StateReady {
		t.Errorf("state = %s, want READY", srv.State())
	}
	host, port := sys.Address()
	if !sys.ProxyEnabled() || host != DefaultHost || port != srv.opts.Port {
		t.Errorf("system proxy = %v %s:%d", sys.ProxyEnabled(), host, port)
	}
	if err := srv.Start(StartOptions{}); !errors.Is(err, ErrNotInit) {
		t.Errorf("second Start = %v, want ErrNotInit", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitDone(t, srv)
	if srv.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", srv.State())
	}
	if sys.ProxyEnabled() {
		t.Error("system proxy still enabled")
	}
	if ok, _ := afero.DirExists(cacheDir.Fs(), cacheDir.Path()); ok {
		t.Error("session cache survived Stop")
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestProxyServer_StartFailsWithoutSystemProxy(t *testing.T) {
	srv := newTestServer(t, Options{SystemProxy: failingSystemProxy{NewMemorySystemProxy()}})
	if err := srv.Start(StartOptions{}); err == nil {
		t.Fatal("expected error when the system proxy cannot be enabled")
	}
	if srv.State() != StateInit {
		t.Errorf("state = %s, want INIT", srv.State())
	}
}

func TestProxyServer_Duration(t *testing.T) {
	srv := newTestServer(t, Options{})
	if err := srv.Start(StartOptions{Duration: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, srv)
	if srv.State() != StateClosed {
		t.Errorf("state = %s", srv.State())
	}
}

func TestProxyServer_ReportOnStop(t *testing.T) {
	fs := afero.NewMemMapFs()
	srv := newTestServer(t, Options{CacheFs: fs})

	err := srv.AddTests(map[string]TestDefinition{
		"ok":      {Assert: func(*Record) (bool, error) { return true, nil }},
		"missing": {},
	})
	if !errors.Is(err, ErrAssertRequired) {
		t.Errorf("AddTests err = %v, want ErrAssertRequired", err)
	}
	if got := srv.Recorder().Tests().Names(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("tests = %v", got)
	}

	if err := srv.Start(StartOptions{EnableTests: true}); err != nil {
		t.Fatal(err)
	}
	seedRecords(t, srv, 1)
	name := srv.Recorder().Tests().Name()
	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}

	// defaults to a reports directory next to the cache root
	p := filepath.Join("/reports", name+".json")
	if ok, _ := afero.Exists(fs, p); !ok {
		t.Errorf("report %s not written", p)
	}
}

func TestProxyServer_EndAfterTestsComplete(t *testing.T) {
	srv := newTestServer(t, Options{})
	_ = srv.AddTests(map[string]TestDefinition{
		"once": {Assert: func(*Record) (bool, error) { return true, nil }},
	})
	srv.EnableEndTestAfterComplete()
	if err := srv.Start(StartOptions{}); err != nil {
		t.Fatal(err)
	}
	seedRecords(t, srv, 1)
	waitDone(t, srv)
}

func TestProxyServer_NetworkAdaptor(t *testing.T) {
	sys := NewMemorySystemProxy()
	srv := newTestServer(t, Options{
		SystemProxy: sys,
		Network:     &NetworkSettings{AdaptorName: "VPN"},
	})
	if err := srv.Start(StartOptions{}); err != nil {
		t.Fatal(err)
	}
	encoded, applied := sys.Adaptor("VPN")
	if encoded != EncodeAdaptorAddress(DefaultHost, srv.opts.Port) || applied != 1 {
		t.Errorf("adaptor = %q applied %d", encoded, applied)
	}

	if err := srv.EnableNetworkAdaptorProxySession(NetworkSettings{}); err == nil {
		t.Error("expected error for an empty adaptor name")
	}
	if err := srv.EnableNetworkAdaptorProxySession(NetworkSettings{AdaptorName: "Wi-Fi", Persistent: true}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		enc, _ := sys.Adaptor("Wi-Fi")
		return enc != ""
	})
}

func TestProxyServer_SetFilterRules(t *testing.T) {
	srv := newTestServer(t, Options{})
	srv.AddFilter("manual", func(*Record) bool { return true })

	rules := []FilterRule{{Name: "api", Type: FilterDomain, Pattern: "api.example.com"}}
	if err := srv.SetFilterRules(rules); err != nil {
		t.Fatal(err)
	}
	if err := srv.SetFilterRules([]FilterRule{{Type: FilterRegex, Pattern: "("}}); err == nil {
		t.Error("expected compile error")
	}
	if got := srv.FilterRules(); len(got) != 1 || got[0].Name != "api" {
		t.Errorf("rules after failed update = %+v", got)
	}
	if got := srv.Recorder().Filters().Names(); len(got) != 2 {
		t.Errorf("filters = %v", got)
	}

	srv.RemoveAllFilters()
	if srv.Recorder().Filters().Len() != 0 {
		t.Error("RemoveAllFilters left filters")
	}
}

func TestProxyServer_Throttle(t *testing.T) {
	srv := newTestServer(t, Options{ThrottleKbps: 8})
	h := srv.Core().Handler()
	if h.Throttle() == nil {
		t.Fatal("throttle not set from options")
	}
	if err := srv.Throttle(0); !errors.Is(err, ErrInvalidThrottle) {
		t.Errorf("Throttle(0) = %v", err)
	}
	srv.DisableThrottle()
	if h.Throttle() != nil {
		t.Error("throttle still set")
	}
}

func TestProxyServer_RuleAndTestRegistration(t *testing.T) {
	srv := newTestServer(t, Options{})
	rules := srv.Rules()

	srv.AddRuleOnRequest("req", func(*RequestDetail) *RequestDetail { return nil })
	srv.AddRuleOnResponse("res", func(*RequestDetail, *ResponseDetail) *ResponseDetail { return nil })
	srv.AddRuleOnForceHTTPSBeforeRequest("https", func(*ConnectDetail) bool { return true })
	srv.AddRuleOnError("err", func(*RequestDetail, error) *ResponseDetail { return nil })
	srv.AddRuleOnConnectError("conn", func(*ConnectDetail, error) bool { return false })
	for name, n := range map[string]int{
		"request":  rules.Request.Len(),
		"response": rules.Response.Len(),
		"https":    rules.HTTPS.Len(),
		"error":    rules.Error.Len(),
		"connect":  rules.ConnectError.Len(),
	} {
		if n != 1 {
			t.Errorf("%s rules = %d, want 1", name, n)
		}
	}

	srv.RemoveRuleOnRequest("req")
	srv.RemoveRuleOnResponse("res")
	srv.RemoveRuleForceHTTPSBeforeRequest("https")
	srv.RemoveRuleOnError("err")
	srv.RemoveRuleOnConnectError("conn")
	if sum := rules.Request.Len() + rules.Response.Len() + rules.HTTPS.Len() +
		rules.Error.Len() + rules.ConnectError.Len(); sum != 0 {
		t.Errorf("%d rules left after removal", sum)
	}

	srv.AddFilter("a", func(*Record) bool { return true })
	srv.RemoveFilter("a")
	if srv.Recorder().Filters().Len() != 0 {
		t.Error("filter not removed")
	}

	_ = srv.AddTests(map[string]TestDefinition{
		"a": {Assert: func(*Record) (bool, error) { return true, nil }},
		"b": {Assert: func(*Record) (bool, error) { return true, nil }},
	})
	srv.DisableAllTests()
	for _, info := range srv.Recorder().Tests().Info() {
		if info.Enabled {
			t.Errorf("%s still enabled", info.Name)
		}
	}
	srv.EnableAllTests()
	if !srv.DisableTest("a") || srv.DisableTest("missing") {
		t.Error("DisableTest reported the wrong registration state")
	}
	if !srv.EnableTest("a") {
		t.Error("EnableTest(a) = false")
	}

	srv.EnableEndTestAfterComplete()
	srv.DisableEndTestAfterComplete()
	srv.mu.Lock()
	endAfter := srv.endAfterTests
	srv.mu.Unlock()
	if endAfter {
		t.Error("end-after-tests still set")
	}
}

func TestProxyServer_ConcurrentStopRunsOnce(t *testing.T) {
	sys := &countingSystemProxy{MemorySystemProxy: NewMemorySystemProxy()}
	var logs lockedBuffer
	srv := newTestServer(t, Options{
		SystemProxy: sys,
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err := srv.Start(StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn, err := net.Dial("tcp", srv.Core().Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	pool := srv.Core().Sockets()
	waitFor(t, func() bool { return pool.Len() == 1 })

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = srv.Stop()
		}(i)
	}
	wg.Wait()
	waitDone(t, srv)

	for i, err := range errs {
		if err != nil {
			t.Errorf("Stop %d = %v", i, err)
		}
	}
	if n := sys.disables.Load(); n != 1 {
		t.Errorf("DisableGlobalProxy calls = %d, want 1", n)
	}
	out := logs.String()
	if n := strings.Count(out, "proxy server was stopped"); n != 1 {
		t.Errorf("stop sequence ran %d times, want 1", n)
	}
	if n := strings.Count(out, "proxy server closed at"); n != 1 {
		t.Errorf("core closed %d times, want 1", n)
	}
	if pool.Len() != 0 {
		t.Errorf("sockets left open: %v", pool.Keys())
	}
	select {
	case <-srv.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestProxyServer_HTTPSRulesOption(t *testing.T) {
	srv := newTestServer(t, Options{ForceProxyHTTPS: true})
	if !srv.Core().Handler().ForceProxyHTTPS() {
		t.Error("force flag lost without HTTPS rules")
	}

	apiOnly := func(conn *ConnectDetail) bool { return conn.Host == "api.test:443" }
	srv = newTestServer(t, Options{
		ForceProxyHTTPS: true,
		HTTPSRules: map[string]HTTPSRule{
			"web": apiOnly,
			"api": apiOnly,
		},
	})
	if srv.Core().Handler().ForceProxyHTTPS() {
		t.Error("force flag kept alongside HTTPS rules")
	}
	if got := srv.rules.HTTPS.Names(); !slices.Equal(got, []string{"api", "web"}) {
		t.Errorf("HTTPS rules = %v, want [api web]", got)
	}
}
