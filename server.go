package ezproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// DefaultHost is the address the proxy listens on and advertises to the
// system proxy settings.
const DefaultHost = "127.0.0.1"

const (
	testPollInterval    = time.Second
	adaptorApplyPeriod  = time.Second
	defaultReportSubdir = "reports"
)

// NetworkSettings selects a network adaptor to point at the proxy.
type NetworkSettings struct {
	AdaptorName string

	// Persistent re-applies the adaptor setting every second until Stop.
	Persistent bool
}

// Options configures a ProxyServer.
type Options struct {
	Port     int
	Host     string
	Type     string
	Hostname string

	// Certs mints certificates for intercepted hosts and the https
	// listener.
	Certs CertificateSource

	// ThrottleKbps limits response bandwidth. Zero disables throttling.
	ThrottleKbps int

	ForceProxyHTTPS    bool
	IgnoreUnauthorized bool
	WsIntercept        bool

	// HTTPSRules are registered before the core is built, in name order.
	// Any entry turns ForceProxyHTTPS off.
	HTTPSRules map[string]HTTPSRule

	// MaxRequestBody bounds captured request bodies. Zero uses
	// DefaultMaxRequestBody, negative disables the limit.
	MaxRequestBody int64

	// Upstream chains outgoing traffic through a parent proxy.
	Upstream *UpstreamProxy

	// SystemProxy defaults to an in-memory implementation.
	SystemProxy SystemProxy
	Network     *NetworkSettings

	CacheFs            afero.Fs
	CacheRoot          string
	CompactionInterval time.Duration

	// ReportDir receives the JSON test report. Defaults to a reports
	// directory next to the cache root.
	ReportDir string

	// ReportFs defaults to CacheFs.
	ReportFs afero.Fs

	// Direct serves requests addressed to the proxy itself.
	Direct http.Handler

	Logger    *slog.Logger
	Metrics   *Metrics
	Health    *HealthChecker
	AccessLog *AccessLogger
}

// StartOptions controls a single proxy session.
type StartOptions struct {
	// Duration stops the session after the given time. Zero runs until
	// Stop.
	Duration time.Duration

	// EnableTests writes the test report when the session stops.
	EnableTests bool

	// EndAfterTestsComplete stops the session once no test definitions
	// remain.
	EndAfterTestsComplete bool
}

// ProxyServer is the public facade: it wires a recorder, rule set and
// proxy core for one session and manages system proxy settings around it.
type ProxyServer struct {
	opts     Options
	logger   *slog.Logger
	recorder *Recorder
	rules    *Rules
	core     *ProxyCore
	sysProxy SystemProxy

	mu            sync.Mutex
	enableTests   bool
	endAfterTests bool
	timers        []*time.Timer
	tickers       []*time.Ticker
	filterNames   []string
	filterRules   []FilterRule

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
	quit     chan struct{}
}

// NewProxyServer creates the session recorder, rules and proxy core.
func NewProxyServer(opts Options) (*ProxyServer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.SystemProxy == nil {
		opts.SystemProxy = NewMemorySystemProxy()
	}

	var throttle *rate.Limiter
	if opts.ThrottleKbps != 0 {
		lim, err := NewThrottle(opts.ThrottleKbps)
		if err != nil {
			return nil, err
		}
		throttle = lim
	}

	recorder, err := NewRecorder(RecorderConfig{
		Fs:                 opts.CacheFs,
		Root:               opts.CacheRoot,
		CompactionInterval: opts.CompactionInterval,
		Logger:             logger,
		Metrics:            opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}

	var bodyLimit *BodyLimiter
	switch {
	case opts.MaxRequestBody == 0:
		bodyLimit = NewBodyLimiter(DefaultMaxRequestBody)
	case opts.MaxRequestBody > 0:
		bodyLimit = NewBodyLimiter(opts.MaxRequestBody)
	}

	rules := NewRules(logger, opts.Metrics)
	for _, name := range slices.Sorted(maps.Keys(opts.HTTPSRules)) {
		rules.HTTPS.Add(name, opts.HTTPSRules[name])
	}
	core, err := NewProxyCore(CoreConfig{
		Port:               opts.Port,
		Host:               opts.Host,
		Type:               opts.Type,
		Hostname:           opts.Hostname,
		Recorder:           recorder,
		Rules:              rules,
		Certs:              opts.Certs,
		Throttle:           throttle,
		ForceProxyHTTPS:    opts.ForceProxyHTTPS,
		IgnoreUnauthorized: opts.IgnoreUnauthorized,
		WsIntercept:        opts.WsIntercept,
		Direct:             opts.Direct,
		Upstream:           opts.Upstream,
		BodyLimit:          bodyLimit,
		Logger:             logger,
		Metrics:            opts.Metrics,
		Health:             opts.Health,
		AccessLog:          opts.AccessLog,
	})
	if err != nil {
		_ = recorder.Clear()
		return nil, err
	}
	if opts.Health != nil {
		opts.Health.AddCheck("records", recorder.Ping)
	}

	return &ProxyServer{
		opts:     opts,
		logger:   logger,
		recorder: recorder,
		rules:    rules,
		core:     core,
		sysProxy: opts.SystemProxy,
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}, nil
}

// Recorder returns the session recorder.
func (s *ProxyServer) Recorder() *Recorder { return s.recorder }

// Rules returns the session rule set.
func (s *ProxyServer) Rules() *Rules { return s.rules }

// Core returns the proxy core.
func (s *ProxyServer) Core() *ProxyCore { return s.core }

// State returns the proxy core state.
func (s *ProxyServer) State() State { return s.core.State() }

// Done is closed when Stop completes.
func (s *ProxyServer) Done() <-chan struct{} { return s.done }

// SetDirect serves h for requests addressed to the proxy itself, such as
// the web API. Call it before Start.
func (s *ProxyServer) SetDirect(h http.Handler) { s.core.SetDirect(h) }

// Throttle limits response bandwidth to kbps kilobytes per second.
func (s *ProxyServer) Throttle(kbps int) error {
	lim, err := NewThrottle(kbps)
	if err != nil {
		return err
	}
	s.core.Handler().SetThrottle(lim)
	return nil
}

// DisableThrottle removes the bandwidth limit.
func (s *ProxyServer) DisableThrottle() { s.core.Handler().SetThrottle(nil) }

// EnableForceProxyHTTPS intercepts every CONNECT tunnel that no HTTPS
// rule decides.
func (s *ProxyServer) EnableForceProxyHTTPS() { s.core.Handler().SetForceProxyHTTPS(true) }

// DisableForceProxyHTTPS relays undecided CONNECT tunnels untouched.
func (s *ProxyServer) DisableForceProxyHTTPS() { s.core.Handler().SetForceProxyHTTPS(false) }

// AddRuleOnRequest registers a rule run before each request is sent.
func (s *ProxyServer) AddRuleOnRequest(name string, fn RequestRule) {
	s.rules.Request.Add(name, fn)
}

func (s *ProxyServer) RemoveRuleOnRequest(name string) { s.rules.Request.Remove(name) }

// AddRuleOnResponse registers a rule run before each response is sent.
func (s *ProxyServer) AddRuleOnResponse(name string, fn ResponseRule) {
	s.rules.Response.Add(name, fn)
}

func (s *ProxyServer) RemoveRuleOnResponse(name string) { s.rules.Response.Remove(name) }

// AddRuleOnForceHTTPSBeforeRequest registers a rule deciding whether a
// CONNECT tunnel is intercepted.
func (s *ProxyServer) AddRuleOnForceHTTPSBeforeRequest(name string, fn HTTPSRule) {
	s.rules.HTTPS.Add(name, fn)
}

func (s *ProxyServer) RemoveRuleForceHTTPSBeforeRequest(name string) { s.rules.HTTPS.Remove(name) }

// AddRuleOnError registers a rule answering failed upstream requests.
func (s *ProxyServer) AddRuleOnError(name string, fn ErrorRule) {
	s.rules.Error.Add(name, fn)
}

func (s *ProxyServer) RemoveRuleOnError(name string) { s.rules.Error.Remove(name) }

// AddRuleOnConnectError registers a rule handling failed tunnel dials.
func (s *ProxyServer) AddRuleOnConnectError(name string, fn ConnectErrorRule) {
	s.rules.ConnectError.Add(name, fn)
}

func (s *ProxyServer) RemoveRuleOnConnectError(name string) { s.rules.ConnectError.Remove(name) }

// AddFilter registers a record filter. Each accepting filter triggers its
// own persist and test pass.
func (s *ProxyServer) AddFilter(name string, fn FilterFunc) { s.recorder.Filters().Add(name, fn) }

func (s *ProxyServer) RemoveFilter(name string) { s.recorder.Filters().Remove(name) }

func (s *ProxyServer) RemoveAllFilters() { s.recorder.Filters().RemoveAll() }

// SetFilterRules replaces the filters installed by a previous call with the
// compiled rules. Filters added through AddFilter are left alone.
func (s *ProxyServer) SetFilterRules(rules []FilterRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := ApplyFilterRules(s.recorder.Filters(), s.filterNames, rules)
	if err != nil {
		return err
	}
	s.filterNames = names
	s.filterRules = slices.Clone(rules)
	return nil
}

// FilterRules returns the declarative rules installed by SetFilterRules.
func (s *ProxyServer) FilterRules() []FilterRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.filterRules)
}

// AddTests registers test definitions. Definitions without an assertion
// are skipped and reported in the returned error.
func (s *ProxyServer) AddTests(defs map[string]TestDefinition) error {
	if len(defs) == 0 {
		s.logger.Warn("no test definitions found, tests won't be added")
		return nil
	}
	var errs []error
	for name, def := range defs {
		if err := s.recorder.Tests().Register(name, def); err != nil {
			s.logger.Warn("test skipped", "test", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *ProxyServer) EnableTest(name string) bool { return s.recorder.Tests().Enable(name) }

func (s *ProxyServer) DisableTest(name string) bool { return s.recorder.Tests().Disable(name) }

func (s *ProxyServer) EnableAllTests() { s.recorder.Tests().EnableAll() }

func (s *ProxyServer) DisableAllTests() { s.recorder.Tests().DisableAll() }

// EnableEndTestAfterComplete stops the session once every test has
// completed its runs.
func (s *ProxyServer) EnableEndTestAfterComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endAfterTests = true
}

func (s *ProxyServer) DisableEndTestAfterComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endAfterTests = false
}

// EnableNetworkAdaptorProxySession points the named adaptor at the proxy,
// once or every second when ns.Persistent is set.
func (s *ProxyServer) EnableNetworkAdaptorProxySession(ns NetworkSettings) error {
	if ns.AdaptorName == "" {
		s.logger.Error("network adaptor name was not provided, skipping this configuration")
		return errors.New("network adaptor name is required")
	}
	encoded := EncodeAdaptorAddress(s.opts.Host, s.opts.Port)
	apply := func() error {
		err := s.sysProxy.EnableNetworkAdaptorProxy(ns.AdaptorName, encoded)
		if err != nil {
			s.logger.Error("configuring network adaptor proxy failed", "adaptor", ns.AdaptorName, "error", err)
		}
		return err
	}
	if !ns.Persistent {
		return apply()
	}

	t := time.NewTicker(adaptorApplyPeriod)
	s.mu.Lock()
	s.tickers = append(s.tickers, t)
	s.mu.Unlock()
	go func() {
		for {
			select {
			case <-s.quit:
				return
			case <-t.C:
				_ = apply()
			}
		}
	}()
	return nil
}

// Start arms the session timers, enables the system proxy and starts the
// proxy core.
func (s *ProxyServer) Start(opts StartOptions) error {
	s.mu.Lock()
	s.enableTests = opts.EnableTests
	s.endAfterTests = s.endAfterTests || opts.EndAfterTestsComplete
	endAfter := s.endAfterTests
	if opts.Duration > 0 {
		s.logger.Info("proxy server will stop after " + opts.Duration.String())
		s.timers = append(s.timers, time.AfterFunc(opts.Duration, func() {
			s.logger.Info("proxy server ran for " + opts.Duration.String() + ", stopping")
			_ = s.Stop()
		}))
	}
	s.mu.Unlock()

	if s.recorder.Filters().Len() == 0 {
		s.logger.Info("no filters are added for this session")
	}
	if s.recorder.Tests().Active() == 0 {
		s.logger.Info("no tests are added for this session")
	}
	if endAfter {
		s.watchTests()
	}

	if !s.sysProxy.ProxyEnabled() {
		s.logger.Info("enabling system proxy settings")
		if err := s.sysProxy.EnableGlobalProxy(s.opts.Host, s.opts.Port); err != nil {
			s.logger.Error("enabling system proxy failed", "error", err)
		}
	}
	if !s.sysProxy.ProxyEnabled() {
		return errors.New("system proxy could not be enabled")
	}
	if s.opts.Network != nil {
		_ = s.EnableNetworkAdaptorProxySession(*s.opts.Network)
	}

	s.logger.Info("starting proxy server")
	if err := s.core.Start(); err != nil {
		s.logger.Error("proxy server was unable to start", "error", err)
		return err
	}
	s.logger.Info("proxy server is " + string(s.core.State()))
	return nil
}

// watchTests stops the server once every test definition has retired.
func (s *ProxyServer) watchTests() {
	t := time.NewTicker(testPollInterval)
	s.mu.Lock()
	s.tickers = append(s.tickers, t)
	s.mu.Unlock()
	go func() {
		for {
			select {
			case <-s.quit:
				return
			case <-t.C:
				if s.recorder.Tests().Active() == 0 {
					s.logger.Info("all tests completed, generating report")
					_ = s.Stop()
					return
				}
			}
		}
	}()
}

// Stop closes the core, clears the session cache, disables the system
// proxy and writes the test report. Only the first call has any effect.
func (s *ProxyServer) Stop() error {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		for _, t := range s.timers {
			t.Stop()
		}
		for _, t := range s.tickers {
			t.Stop()
		}
		enableTests := s.enableTests
		s.mu.Unlock()

		var errs []error
		if err := s.core.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close proxy core: %w", err))
		}
		if err := s.recorder.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear recorder cache: %w", err))
		}
		if err := s.sysProxy.DisableGlobalProxy(); err != nil {
			errs = append(errs, fmt.Errorf("disable system proxy: %w", err))
		}
		s.logger.Info("proxy server was stopped")

		if enableTests {
			if err := s.finalizeTests(); err != nil {
				errs = append(errs, err)
			}
		}
		s.stopErr = errors.Join(errs...)
		if s.stopErr != nil {
			s.logger.Error("there was an error while stopping the proxy server", "error", s.stopErr)
		}
		close(s.done)
	})
	return s.stopErr
}

func (s *ProxyServer) finalizeTests() error {
	fs := s.opts.ReportFs
	if fs == nil {
		fs = s.opts.CacheFs
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := s.opts.ReportDir
	if dir == "" {
		root := s.opts.CacheRoot
		if root == "" {
			var err error
			if root, err = DefaultCacheRoot(); err != nil {
				return err
			}
		}
		dir = filepath.Join(filepath.Dir(root), defaultReportSubdir)
	}
	path, err := s.recorder.Tests().WriteReport(fs, dir)
	if err != nil {
		return fmt.Errorf("write test report: %w", err)
	}
	s.logger.Info("tests completed", "report", path)
	return nil
}

// Wait blocks until the server stops or ctx is done.
func (s *ProxyServer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
