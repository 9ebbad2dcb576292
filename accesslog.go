package ezproxy

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured entry per recorded exchange.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// RecordID is the recorder id of the exchange, or -1 when it was not
	// recorded.
	RecordID int64

	Timestamp time.Time
	Method    string
	Host      string
	Path      string

	// Protocol is "http", "https", "ws" or "wss".
	Protocol string

	// StatusCode is the status sent to the client. Zero for tunnels.
	StatusCode int

	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string

	// Intercepted is true for exchanges decrypted through a MITM tunnel.
	Intercepted bool

	// RuleResponse is true when a rule answered instead of the upstream.
	RuleResponse bool

	Error     string
	UserAgent string
}

// NewAccessLogger creates an AccessLogger that writes to logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.Int64("id", e.RecordID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("protocol", e.Protocol),
		slog.String("client", e.ClientAddr),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Intercepted {
		attrs = append(attrs, slog.Bool("intercepted", true))
	}
	if e.RuleResponse {
		attrs = append(attrs, slog.Bool("rule_response", true))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
