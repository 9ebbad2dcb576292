package ezproxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool is the pooled upstream transport used by the request
// handler. It never consults proxy environment variables, so the proxy
// cannot loop back into itself when it is the system proxy. Upstream
// chains requests through a parent proxy instead.
type TransportPool struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 enables h2 negotiation with upstream servers.
	EnableHTTP2 bool

	// IgnoreUnauthorized skips verification of upstream certificates.
	IgnoreUnauthorized bool

	// Upstream is an optional parent proxy.
	Upstream *UpstreamProxy

	transport atomic.Pointer[http.Transport]
	stats     transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// NewTransportPool creates a TransportPool with proxy defaults.
func NewTransportPool(ignoreUnauthorized bool) *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
		IgnoreUnauthorized:    ignoreUnauthorized,
	}
}

// Build creates the underlying transport, replacing and draining any
// previous one.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := &tls.Config{InsecureSkipVerify: tp.IgnoreUnauthorized} //nolint:gosec
	if tp.EnableHTTP2 {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
		// Bodies are recorded as sent by the server and decoded by the
		// handler.
		DisableCompression: true,
	}

	if tp.Upstream != nil {
		t.Proxy = tp.Upstream.ProxyFunc()
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns a RoundTripper over the pooled transport, building it
// on first use.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
	}
}

// TransportPoolStats holds a snapshot of connection pool statistics.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"totalRequests"`
	ActiveRequests int64 `json:"activeRequests"`
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}
	return t.RoundTrip(req)
}
