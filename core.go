package ezproxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a ProxyCore.
type State string

// Lifecycle states. A core moves INIT → READY → CLOSED and never back.
const (
	StateInit   State = "INIT"
	StateReady  State = "READY"
	StateClosed State = "CLOSED"
)

// Proxy listener types.
const (
	TypeHTTP  = "http"
	TypeHTTPS = "https"
)

var (
	// ErrNotInit is returned by Start on a core that has already started
	// or closed.
	ErrNotInit = errors.New("proxy core is not in INIT state")

	// ErrPortRequired is returned when no listen port is configured.
	ErrPortRequired = errors.New("proxy port is required")

	// ErrHostnameRequired is returned for an https core without a
	// hostname.
	ErrHostnameRequired = errors.New("hostname is required for an https proxy")

	// ErrRecorderRequired is returned when no recorder is configured.
	ErrRecorderRequired = errors.New("recorder is required")
)

// CoreEventKind identifies a lifecycle event.
type CoreEventKind string

const (
	CoreReady CoreEventKind = "ready"
	CoreError CoreEventKind = "error"
)

// CoreEvent reports the outcome of Start.
type CoreEvent struct {
	Kind CoreEventKind
	Err  error
}

// CoreConfig configures a ProxyCore.
type CoreConfig struct {
	Port int

	// Host is the listen address. Empty listens on all interfaces.
	Host string

	// Type is "http" (default) or "https". An https core serves the proxy
	// itself over TLS using a certificate for Hostname.
	Type     string
	Hostname string

	Recorder *Recorder
	Rules    *Rules
	Certs    CertificateSource

	// Throttle limits response bandwidth. See NewThrottle.
	Throttle *rate.Limiter

	ForceProxyHTTPS    bool
	IgnoreUnauthorized bool
	WsIntercept        bool

	// Direct serves requests addressed to the proxy itself rather than
	// through it, such as /metrics. Optional.
	Direct http.Handler

	// Upstream is an optional parent proxy for all outgoing traffic.
	Upstream *UpstreamProxy

	BodyLimit *BodyLimiter
	Logger    *slog.Logger
	Metrics   *Metrics
	Health    *HealthChecker
	AccessLog *AccessLogger
}

// ProxyCore owns the proxy listener and its lifecycle.
type ProxyCore struct {
	cfg     CoreConfig
	handler *RequestHandler
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	server   *http.Server
	listener net.Listener
	pool     *SocketPool

	subMu sync.RWMutex
	subs  []func(CoreEvent)
}

// NewProxyCore validates cfg and builds the request handler. A custom
// HTTPS rule combined with ForceProxyHTTPS disables the force flag.
func NewProxyCore(cfg CoreConfig) (*ProxyCore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		return nil, ErrPortRequired
	}
	if cfg.Type == "" {
		cfg.Type = TypeHTTP
	}
	if cfg.Type != TypeHTTP && cfg.Type != TypeHTTPS {
		return nil, fmt.Errorf("unknown proxy type %q", cfg.Type)
	}
	if cfg.Type == TypeHTTPS && cfg.Hostname == "" {
		return nil, ErrHostnameRequired
	}
	if cfg.Recorder == nil {
		return nil, ErrRecorderRequired
	}
	if cfg.Rules == nil {
		cfg.Rules = NewRules(logger, cfg.Metrics)
	}
	if cfg.ForceProxyHTTPS && cfg.Rules.HTTPS.Len() > 0 {
		logger.Warn("a custom HTTPS rule is registered, force proxy HTTPS is disabled")
		cfg.ForceProxyHTTPS = false
	}

	handler := NewRequestHandler(HandlerConfig{
		Recorder:           cfg.Recorder,
		Rules:              cfg.Rules,
		Certs:              cfg.Certs,
		Upstream:           cfg.Upstream,
		BodyLimit:          cfg.BodyLimit,
		Throttle:           cfg.Throttle,
		ForceProxyHTTPS:    cfg.ForceProxyHTTPS,
		WsIntercept:        cfg.WsIntercept,
		IgnoreUnauthorized: cfg.IgnoreUnauthorized,
		Logger:             logger,
		Metrics:            cfg.Metrics,
		AccessLog:          cfg.AccessLog,
	})

	return &ProxyCore{cfg: cfg, handler: handler, logger: logger, state: StateInit}, nil
}

// Handler returns the core's request handler.
func (c *ProxyCore) Handler() *RequestHandler { return c.handler }

// State returns the current lifecycle state.
func (c *ProxyCore) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the listener address once the core is READY.
func (c *ProxyCore) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Sockets returns the pool of accepted connections, or nil before Start.
func (c *ProxyCore) Sockets() *SocketPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

// SetDirect replaces the handler for requests addressed to the proxy
// itself. It takes effect at the next Start.
func (c *ProxyCore) SetDirect(h http.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Direct = h
}

// Subscribe registers fn for lifecycle events.
func (c *ProxyCore) Subscribe(fn func(CoreEvent)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *ProxyCore) emit(ev CoreEvent) {
	c.subMu.RLock()
	subs := append([]func(CoreEvent)(nil), c.subs...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Start builds the server, attaches the CONNECT and websocket handlers and
// begins listening. On failure the core stays in INIT and an error event
// is emitted.
func (c *ProxyCore) Start() error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return ErrNotInit
	}
	err := c.start()
	if err == nil {
		c.state = StateReady
		// Close clears readiness under the same lock.
		if c.cfg.Health != nil {
			c.cfg.Health.SetReady(true)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("proxy start failed", "error", err)
		c.emit(CoreEvent{Kind: CoreError, Err: err})
		return err
	}
	c.emit(CoreEvent{Kind: CoreReady})
	return nil
}

// start must be called with mu held.
func (c *ProxyCore) start() error {
	var tlsCfg *tls.Config
	if c.cfg.Type == TypeHTTPS {
		if c.cfg.Certs == nil {
			return errors.New("https proxy requires a certificate source")
		}
		cert, err := c.cfg.Certs.GetCertificateForHost(c.cfg.Hostname)
		if err != nil {
			return fmt.Errorf("proxy certificate for %s: %w", c.cfg.Hostname, err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{*cert}, NextProtos: []string{"http/1.1"}}
	}

	mux := &proxyMux{direct: c.cfg.Direct, request: c.handler}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(c.logger.Handler(), slog.LevelDebug),
	}

	mux.connect = c.handler.ServeConnect

	pool := NewSocketPool(c.cfg.Metrics)
	if c.cfg.WsIntercept {
		mux.websocket = c.handler.ServeWebSocket
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln = pool.Listener(ln)
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	c.server = srv
	c.listener = ln
	c.pool = pool

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("proxy server stopped", "error", err)
		}
	}()

	if c.cfg.Type == TypeHTTPS {
		c.logger.Info("Https proxy started on port " + strconv.Itoa(c.cfg.Port))
	} else {
		c.logger.Info("Http proxy started on port " + strconv.Itoa(c.cfg.Port))
	}
	return nil
}

// Close ends open tunnels, destroys tracked sockets and closes the
// listener. The core ends in CLOSED even when closing fails.
func (c *ProxyCore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if c.cfg.Health != nil {
		c.cfg.Health.SetReady(false)
	}

	c.handler.CloseTunnels()
	if c.pool != nil {
		c.pool.DestroyAll()
	}
	var err error
	if c.server != nil {
		err = c.server.Close()
	}
	c.handler.Transport().CloseIdleConnections()
	c.state = StateClosed

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	if err != nil {
		c.logger.Error("proxy server close failed", "addr", addr, "error", err)
		return err
	}
	c.logger.Info("proxy server closed at " + addr)
	return nil
}

// proxyMux routes CONNECT, websocket upgrades, direct requests and
// proxied requests to their handlers.
type proxyMux struct {
	connect   http.HandlerFunc
	websocket http.HandlerFunc
	direct    http.Handler
	request   http.Handler
}

func (m *proxyMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect && m.connect != nil:
		m.connect(w, r)
	case m.websocket != nil && websocket.IsWebSocketUpgrade(r):
		m.websocket(w, r)
	case r.URL.Host == "" && m.direct != nil:
		m.direct.ServeHTTP(w, r)
	case r.URL.Host == "":
		http.Error(w, "this is a proxy server; direct requests are not served", http.StatusBadRequest)
	default:
		m.request.ServeHTTP(w, r)
	}
}
