package ezproxy

import (
	"net"
	"slices"
	"strconv"
	"sync"
)

const socketKeyPrefix = "socketIndex_"

// SocketPool tracks every connection accepted by the proxy listener so
// they can be force-closed on shutdown. A connection leaves the pool when
// it is closed.
type SocketPool struct {
	metrics *Metrics

	mu      sync.Mutex
	index   int64
	sockets map[string]*trackedConn
}

// NewSocketPool creates an empty pool. metrics may be nil.
func NewSocketPool(metrics *Metrics) *SocketPool {
	return &SocketPool{metrics: metrics, sockets: make(map[string]*trackedConn)}
}

// Track registers c under the next socketIndex_N key and returns a
// connection that removes itself from the pool when closed.
func (p *SocketPool) Track(c net.Conn) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index++
	tc := &trackedConn{Conn: c, pool: p, key: socketKeyPrefix + strconv.FormatInt(p.index, 10)}
	p.sockets[tc.key] = tc
	p.report()
	return tc
}

func (p *SocketPool) remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sockets, key)
	p.report()
}

// report must be called with mu held.
func (p *SocketPool) report() {
	if p.metrics != nil {
		p.metrics.SetSocketPoolSize(len(p.sockets))
	}
}

// Len returns the number of tracked connections.
func (p *SocketPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets)
}

// Keys returns the tracked keys in sorted order.
func (p *SocketPool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.sockets))
	for k := range p.sockets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DestroyAll closes every tracked connection and returns how many there
// were.
func (p *SocketPool) DestroyAll() int {
	p.mu.Lock()
	conns := make([]*trackedConn, 0, len(p.sockets))
	for _, tc := range p.sockets {
		conns = append(conns, tc)
	}
	p.mu.Unlock()

	for _, tc := range conns {
		_ = tc.Close()
	}
	return len(conns)
}

// Listener wraps l so every accepted connection is tracked.
func (p *SocketPool) Listener(l net.Listener) net.Listener {
	return &trackingListener{Listener: l, pool: p}
}

type trackingListener struct {
	net.Listener
	pool *SocketPool
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return l.pool.Track(c), nil
}

type trackedConn struct {
	net.Conn
	pool *SocketPool
	key  string
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.pool.remove(c.key) })
	return c.Conn.Close()
}
