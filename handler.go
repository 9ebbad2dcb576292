package ezproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	tunnelDialTimeout  = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// HandlerConfig configures a RequestHandler.
type HandlerConfig struct {
	// Recorder receives every exchange. Required.
	Recorder *Recorder

	// Rules are consulted at each hook. Nil means an empty rule set.
	Rules *Rules

	// Certs mints per-host certificates for intercepted tunnels. Without
	// it every CONNECT is relayed as a raw tunnel.
	Certs CertificateSource

	// Transport sends requests upstream. Nil builds a default pool.
	Transport *TransportPool

	// Upstream chains tunnels, websockets and the default pool through a
	// parent proxy. Optional.
	Upstream *UpstreamProxy

	// ErrorPage renders upstream failures. Nil uses the default page.
	ErrorPage *ErrorPage

	// BodyLimit bounds captured request bodies. Nil means no limit.
	BodyLimit *BodyLimiter

	Throttle           *rate.Limiter
	ForceProxyHTTPS    bool
	WsIntercept        bool
	IgnoreUnauthorized bool

	Logger    *slog.Logger
	Metrics   *Metrics
	AccessLog *AccessLogger
}

// RequestHandler proxies plain HTTP requests, CONNECT tunnels and
// websocket upgrades, recording every exchange.
type RequestHandler struct {
	recorder    *Recorder
	rules       *Rules
	certs       CertificateSource
	transport   *TransportPool
	upstream    *UpstreamProxy
	errorPage   *ErrorPage
	bodyLimit   *BodyLimiter
	wsIntercept bool
	insecure    bool
	logger      *slog.Logger
	metrics     *Metrics
	accessLog   *AccessLogger

	forceHTTPS atomic.Bool
	throttle   atomic.Pointer[rate.Limiter]

	// conns holds upstream tunnel sockets and cltSockets the client side,
	// both keyed host#N.
	mu         sync.Mutex
	tunnelSeq  int64
	conns      map[string]net.Conn
	cltSockets map[string]net.Conn
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(cfg HandlerConfig) *RequestHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rules := cfg.Rules
	if rules == nil {
		rules = NewRules(logger, cfg.Metrics)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransportPool(cfg.IgnoreUnauthorized)
		transport.Upstream = cfg.Upstream
	}
	errorPage := cfg.ErrorPage
	if errorPage == nil {
		errorPage = NewErrorPage()
	}

	h := &RequestHandler{
		recorder:    cfg.Recorder,
		rules:       rules,
		certs:       cfg.Certs,
		transport:   transport,
		upstream:    cfg.Upstream,
		errorPage:   errorPage,
		bodyLimit:   cfg.BodyLimit,
		wsIntercept: cfg.WsIntercept,
		insecure:    cfg.IgnoreUnauthorized,
		logger:      logger,
		metrics:     cfg.Metrics,
		accessLog:   cfg.AccessLog,
		conns:       make(map[string]net.Conn),
		cltSockets:  make(map[string]net.Conn),
	}
	h.forceHTTPS.Store(cfg.ForceProxyHTTPS)
	h.throttle.Store(cfg.Throttle)
	return h
}

// SetForceProxyHTTPS toggles interception of every CONNECT tunnel.
func (h *RequestHandler) SetForceProxyHTTPS(on bool) { h.forceHTTPS.Store(on) }

// ForceProxyHTTPS reports whether every CONNECT tunnel is intercepted.
func (h *RequestHandler) ForceProxyHTTPS() bool { return h.forceHTTPS.Load() }

// SetThrottle replaces the response throttle. Nil removes it.
func (h *RequestHandler) SetThrottle(lim *rate.Limiter) { h.throttle.Store(lim) }

// Throttle returns the current response throttle, or nil.
func (h *RequestHandler) Throttle() *rate.Limiter { return h.throttle.Load() }

// Rules returns the rule set consulted by the handler.
func (h *RequestHandler) Rules() *Rules { return h.rules }

// Transport returns the upstream transport pool.
func (h *RequestHandler) Transport() *TransportPool { return h.transport }

// ServeHTTP proxies a plain (absolute-form) HTTP request.
func (h *RequestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	h.serveRequest(w, r, "http", false)
}

func (h *RequestHandler) serveRequest(w http.ResponseWriter, r *http.Request, protocol string, intercepted bool) {
	start := time.Now()
	if h.metrics != nil {
		h.metrics.RecordRequest(r.Method, protocol)
	}
	h.logger.Debug("request", "method", r.Method, "url", r.URL)

	body, err := h.bodyLimit.ReadBody(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	rawURL := r.URL.String()
	ex := &Exchange{
		URL:       rawURL,
		Host:      r.Host,
		Path:      r.URL.RequestURI(),
		Method:    r.Method,
		Protocol:  protocol,
		ReqHeader: r.Header.Clone(),
		ReqBody:   body,
		StartTime: start,
	}
	id := h.recorder.Append(ex)

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)

	detail := &RequestDetail{Protocol: protocol, URL: rawURL, Request: out, Body: body}
	if d := h.rules.BeforeSendRequest(detail); d != nil {
		detail = d
	}

	var (
		res       *Response
		upErr     error
		fromRules = detail.Response != nil
	)
	if fromRules {
		res = detail.Response
	} else {
		res, upErr = h.fetch(detail)
		if upErr != nil {
			h.logger.Error("forward request", "error", upErr, "url", rawURL)
			if h.metrics != nil {
				h.metrics.RecordUpstreamError(hostOnly(r.Host))
			}
			if rd := h.rules.OnError(detail, upErr); rd != nil && rd.Response != nil {
				res = rd.Response
				fromRules = true
			} else {
				res = h.errorPage.Response(rawURL, hostOnly(r.Host), upErr)
			}
		}
	}
	if upErr == nil {
		if rd := h.rules.BeforeSendResponse(detail, &ResponseDetail{Response: res}); rd != nil && rd.Response != nil {
			res = rd.Response
			fromRules = true
		}
	}

	written, werr := h.writeResponse(r.Context(), w, res)

	ex.StatusCode = res.StatusCode
	ex.ResHeader = res.Header
	ex.ResBody = res.Body
	ex.Length = int64(len(res.Body))
	ex.EndTime = time.Now()
	h.recorder.Update(id, ex)

	if h.metrics != nil {
		h.metrics.RecordRequestDuration(r.Method, res.StatusCode, time.Since(start))
	}
	if h.accessLog != nil {
		e := AccessLogEntry{
			RecordID:     id,
			Timestamp:    start,
			Method:       r.Method,
			Host:         r.Host,
			Path:         ex.Path,
			Protocol:     protocol,
			StatusCode:   res.StatusCode,
			Duration:     time.Since(start),
			BytesWritten: written,
			ClientAddr:   r.RemoteAddr,
			Intercepted:  intercepted,
			RuleResponse: fromRules,
			UserAgent:    r.UserAgent(),
		}
		switch {
		case upErr != nil:
			e.Error = upErr.Error()
		case werr != nil:
			e.Error = werr.Error()
		}
		h.accessLog.Log(e)
	}
}

// fetch sends the detail's request upstream and buffers the response,
// undoing any Content-Encoding.
func (h *RequestHandler) fetch(d *RequestDetail) (*Response, error) {
	req := d.Request
	req.Body = io.NopCloser(bytes.NewReader(d.Body))
	req.ContentLength = int64(len(d.Body))
	if len(d.Body) == 0 {
		req.Body = http.NoBody
	}

	resp, err := h.transport.Transport().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	removeHopByHopHeaders(header)
	if ce := header.Get("Content-Encoding"); ce != "" {
		decoded, derr := DecodeContent(ce, raw)
		if derr != nil {
			h.logger.Debug("response body left encoded", "encoding", ce, "error", derr)
		} else {
			raw = decoded
			header.Del("Content-Encoding")
		}
	}
	header.Del("Content-Length")

	return &Response{StatusCode: resp.StatusCode, Header: header, Body: raw}, nil
}

func (h *RequestHandler) writeResponse(ctx context.Context, w http.ResponseWriter, res *Response) (int64, error) {
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	n, err := throttleWriter(ctx, w, h.throttle.Load()).Write(res.Body)
	return int64(n), err
}

// ServeConnect handles a CONNECT request, either intercepting the tunnel
// with a minted certificate or relaying it untouched.
func (h *RequestHandler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.RecordRequest(r.Method, "https")
		h.metrics.IncActiveConns()
		defer h.metrics.DecActiveConns()
	}
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	h.logger.Debug("CONNECT", "host", target)

	detail := &ConnectDetail{Host: target, Request: r}
	if h.certs != nil && h.rules.BeforeDealHTTPSRequest(detail, h.ForceProxyHTTPS()) {
		h.intercept(w, target)
		return
	}
	h.tunnel(w, detail)
}

func (h *RequestHandler) intercept(w http.ResponseWriter, target string) {
	clientConn, _, err := hijack(w)
	if err != nil {
		h.logger.Error("hijack failed", "error", err)
		return
	}
	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		h.logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	host := hostOnly(target)
	tlsConn := tls.Server(clientConn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = host
			}
			return h.certs.GetCertificateForHost(name)
		},
		NextProtos: []string{"http/1.1"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	err = tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		h.logger.Debug("TLS handshake with client", "error", err, "host", host)
		if h.metrics != nil {
			h.metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}

	key := h.trackTunnel(target, tlsConn, nil)
	defer h.untrackTunnel(key)

	l := newOneConnListener(tlsConn)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.URL.Scheme = "https"
			if r.URL.Host == "" {
				r.URL.Host = r.Host
			}
			if r.URL.Host == "" {
				r.URL.Host = target
			}
			if h.wsIntercept && websocket.IsWebSocketUpgrade(r) {
				h.ServeWebSocket(w, r)
				return
			}
			h.serveRequest(w, r, "https", true)
		}),
		ConnState: func(_ net.Conn, st http.ConnState) {
			if st == http.StateClosed || st == http.StateHijacked {
				_ = l.Close()
			}
		},
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(h.logger.Handler(), slog.LevelDebug),
	}
	_ = srv.Serve(l)
}

func (h *RequestHandler) tunnel(w http.ResponseWriter, detail *ConnectDetail) {
	upstream, err := h.dialTunnel(detail.Host)
	if err != nil {
		h.logger.Warn("tunnel dial failed", "host", detail.Host, "error", err)
		if h.metrics != nil {
			h.metrics.RecordUpstreamError(hostOnly(detail.Host))
		}
		if !h.rules.OnConnectError(detail, err) {
			http.Error(w, "Proxy Error: "+err.Error(), http.StatusBadGateway)
		}
		return
	}

	clientConn, brw, err := hijack(w)
	if err != nil {
		h.logger.Error("hijack failed", "error", err)
		_ = upstream.Close()
		return
	}
	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	key := h.trackTunnel(detail.Host, clientConn, upstream)
	defer h.untrackTunnel(key)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, brw.Reader)
		_ = upstream.Close()
		_ = clientConn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(clientConn, upstream)
		_ = clientConn.Close()
		_ = upstream.Close()
	}()
	wg.Wait()
}

// dialTunnel connects to host directly or through the parent proxy.
func (h *RequestHandler) dialTunnel(host string) (net.Conn, error) {
	if h.upstream == nil {
		return net.DialTimeout("tcp", host, tunnelDialTimeout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), tunnelDialTimeout)
	defer cancel()
	return h.upstream.DialConnect(ctx, host)
}

func (h *RequestHandler) trackTunnel(host string, client, upstream net.Conn) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tunnelSeq++
	key := host + "#" + strconv.FormatInt(h.tunnelSeq, 10)
	h.cltSockets[key] = client
	if upstream != nil {
		h.conns[key] = upstream
	}
	return key
}

func (h *RequestHandler) untrackTunnel(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cltSockets, key)
	delete(h.conns, key)
}

// TunnelCount returns the number of open CONNECT tunnels.
func (h *RequestHandler) TunnelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cltSockets)
}

// CloseTunnels ends every open tunnel socket and returns how many were
// closed.
func (h *RequestHandler) CloseTunnels() int {
	h.mu.Lock()
	socks := make([]net.Conn, 0, len(h.conns)+len(h.cltSockets))
	for _, c := range h.conns {
		socks = append(socks, c)
	}
	for _, c := range h.cltSockets {
		socks = append(socks, c)
	}
	clear(h.conns)
	clear(h.cltSockets)
	h.mu.Unlock()

	for _, c := range socks {
		_ = c.Close()
	}
	if len(socks) > 0 {
		h.logger.Debug("closed tunnel sockets", "count", len(socks))
	}
	return len(socks)
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, nil, err
	}
	return conn, brw, nil
}

// oneConnListener hands a single connection to an http.Server and blocks
// further Accepts until closed.
type oneConnListener struct {
	conn   net.Conn
	once   sync.Once
	mu     sync.Mutex
	served bool
	done   chan struct{}
}

func newOneConnListener(c net.Conn) *oneConnListener {
	return &oneConnListener{conn: c, done: make(chan struct{})}
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.served {
		l.served = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *oneConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
