package ezproxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// ErrInvalidThrottle is returned for a throttle rate below 1 kb/s.
var ErrInvalidThrottle = errors.New("invalid throttle rate value, should be positive integer")

// NewThrottle returns a limiter that allows kbps kilobytes (1024 bytes) per
// second with a one-second burst. The same limiter is shared by every
// response the proxy writes.
func NewThrottle(kbps int) (*rate.Limiter, error) {
	if kbps < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThrottle, kbps)
	}
	bps := 1024 * kbps
	return rate.NewLimiter(rate.Limit(bps), bps), nil
}

// throttledWriter delays writes so they never exceed the limiter's rate.
type throttledWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

// throttleWriter wraps w with lim. A nil limiter returns w unchanged.
func throttleWriter(ctx context.Context, w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, w: w, lim: lim}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := min(len(p), t.lim.Burst())
		if err := t.lim.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
