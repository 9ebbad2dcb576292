package ezproxy

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Exchange is one client request plus its eventual upstream response, as
// observed by the request handler. A zero EndTime marks the exchange as
// still in flight.
type Exchange struct {
	URL      string
	Host     string
	Path     string
	Method   string
	Protocol string

	ReqHeader http.Header
	ReqBody   []byte
	StartTime time.Time

	StatusCode int
	ResHeader  http.Header
	// ResBody is nil when no body was captured; the archive skips the write.
	ResBody []byte
	Length  int64
	EndTime time.Time
}

// Done reports whether the response facet is populated.
func (e *Exchange) Done() bool { return !e.EndTime.IsZero() }

// Record is the persisted document for one Exchange. Response fields stay
// blank ("") until the exchange completes.
type Record struct {
	DocID      int64           `json:"_id"`
	ID         int64           `json:"id"`
	URL        string          `json:"url"`
	Host       string          `json:"host"`
	Path       string          `json:"path"`
	Method     string          `json:"method"`
	ReqHeader  string          `json:"reqHeader"`
	StartTime  int64           `json:"startTime"`
	ReqBody    string          `json:"reqBody"`
	Protocol   string          `json:"protocol"`
	StatusCode BlankInt        `json:"statusCode"`
	EndTime    BlankInt        `json:"endTime"`
	ResHeader  string          `json:"resHeader"`
	ResBody    string          `json:"resBody"`
	Length     BlankInt        `json:"length"`
	Mime       string          `json:"mime"`
	Duration   BlankInt        `json:"duration"`
	Ext        json.RawMessage `json:"ext,omitempty"`
}

// InFlight reports whether the record has no response facet yet.
func (r *Record) InFlight() bool { return !r.EndTime.Valid }

// ResHeaderValue looks up a response header by name in the serialized
// header document.
func (r *Record) ResHeaderValue(name string) string {
	return headerValue(r.ResHeader, name)
}

// ReqHeaderValue looks up a request header by name in the serialized
// header document.
func (r *Record) ReqHeaderValue(name string) string {
	return headerValue(r.ReqHeader, name)
}

func headerValue(doc, name string) string {
	if doc == "" {
		return ""
	}
	return gjson.Get(doc, gjsonEscape(strings.ToLower(name))).String()
}

func gjsonEscape(key string) string {
	var b strings.Builder
	for _, c := range key {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// normalize builds the persisted document for id from an exchange.
func normalize(id int64, ex *Exchange) *Record {
	rec := &Record{
		DocID:     id,
		ID:        id,
		URL:       ex.URL,
		Host:      ex.Host,
		Path:      ex.Path,
		Method:    ex.Method,
		ReqHeader: serializeHeader(ex.ReqHeader),
		StartTime: ex.StartTime.UnixMilli(),
		ReqBody:   string(ex.ReqBody),
		Protocol:  ex.Protocol,
	}
	if !ex.Done() {
		return rec
	}

	rec.StatusCode = Int(int64(ex.StatusCode))
	rec.EndTime = Int(ex.EndTime.UnixMilli())
	rec.ResHeader = serializeHeader(ex.ResHeader)
	rec.ResBody = string(ex.ResBody)
	rec.Length = Int(ex.Length)
	if ct := ex.ResHeader.Get("Content-Type"); ct != "" {
		rec.Mime = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	rec.Duration = Int(rec.EndTime.V - rec.StartTime)
	return rec
}

// serializeHeader renders a header set as a JSON object of lower-cased
// names to comma-joined values. A nil header renders as "{}".
func serializeHeader(h http.Header) string {
	flat := make(map[string]string, len(h))
	for k, vv := range h {
		flat[strings.ToLower(k)] = strings.Join(vv, ", ")
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// BlankInt is an integer that serializes as the empty string until it is
// set, both in JSON and in the record database.
type BlankInt struct {
	V     int64
	Valid bool
}

// Int returns a set BlankInt.
func Int(v int64) BlankInt { return BlankInt{V: v, Valid: true} }

// String returns the decimal value, or "" when blank.
func (b BlankInt) String() string {
	if !b.Valid {
		return ""
	}
	return strconv.FormatInt(b.V, 10)
}

// MarshalJSON implements json.Marshaler.
func (b BlankInt) MarshalJSON() ([]byte, error) {
	if !b.Valid {
		return []byte(`""`), nil
	}
	return strconv.AppendInt(nil, b.V, 10), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BlankInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`""`)) || bytes.Equal(data, []byte("null")) {
		*b = BlankInt{}
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("blank int: %w", err)
	}
	*b = Int(v)
	return nil
}

// Value implements driver.Valuer.
func (b BlankInt) Value() (driver.Value, error) {
	if !b.Valid {
		return "", nil
	}
	return b.V, nil
}

// Scan implements sql.Scanner.
func (b *BlankInt) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b = BlankInt{}
	case int64:
		*b = Int(v)
	case float64:
		*b = Int(int64(v))
	case []byte:
		return b.scanString(string(v))
	case string:
		return b.scanString(v)
	default:
		return fmt.Errorf("blank int: unsupported type %T", src)
	}
	return nil
}

func (b *BlankInt) scanString(s string) error {
	if s == "" {
		*b = BlankInt{}
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("blank int: %w", err)
	}
	*b = Int(v)
	return nil
}
