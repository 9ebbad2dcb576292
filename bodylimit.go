package ezproxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultMaxRequestBody bounds request bodies captured by the handler.
const DefaultMaxRequestBody = 32 * MB

// ErrBodyTooLarge is returned when a request body exceeds the configured
// limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BodyLimiter bounds request bodies read by the proxy. Every request body
// is buffered for recording and rule evaluation, so an unbounded body would
// be held in memory in full.
type BodyLimiter struct {
	// MaxSize is the maximum allowed body size in bytes. Zero means no
	// limit.
	MaxSize int64
}

// NewBodyLimiter creates a BodyLimiter with the given maximum size.
func NewBodyLimiter(maxSize int64) *BodyLimiter {
	return &BodyLimiter{MaxSize: maxSize}
}

// Check rejects requests whose declared Content-Length exceeds the limit
// and wraps the body so an undeclared overrun fails while reading.
func (bl *BodyLimiter) Check(req *http.Request) error {
	if bl == nil || bl.MaxSize <= 0 {
		return nil
	}
	if req.ContentLength > bl.MaxSize {
		return fmt.Errorf("%w: content-length %d exceeds limit %d", ErrBodyTooLarge, req.ContentLength, bl.MaxSize)
	}
	if req.Body != nil && req.Body != http.NoBody {
		req.Body = &limitedReadCloser{
			ReadCloser: req.Body,
			remaining:  bl.MaxSize,
			limit:      bl.MaxSize,
		}
	}
	return nil
}

// ReadBody checks req and reads its body in full.
func (bl *BodyLimiter) ReadBody(req *http.Request) ([]byte, error) {
	if err := bl.Check(req); err != nil {
		return nil, err
	}
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	return io.ReadAll(req.Body)
}

// Middleware returns an http.Handler middleware that enforces the limit.
func (bl *BodyLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := bl.Check(r); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	// At the limit exactly: peek for more data.
	if l.remaining == 0 && err == nil {
		var peek [1]byte
		pn, perr := l.ReadCloser.Read(peek[:])
		if pn > 0 {
			return n, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
		}
		if perr == io.EOF {
			err = io.EOF
		}
	}

	return n, err
}
