package ezproxy

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

var (
	charsetPattern = regexp.MustCompile(`charset='?([a-zA-Z0-9-]+)'?`)
	jsonPattern    = regexp.MustCompile(`(?i)application/json`)
	imagePattern   = regexp.MustCompile(`(?i)image/`)
)

// DecodedBody is a response body prepared for display.
type DecodedBody struct {
	Method string `json:"method"`
	// Type is "json", "text", "image", the raw content type, or "unknown"
	// when no body is stored.
	Type string `json:"type"`
	Mime string `json:"mime"`
	// Content is a string, except for images where it holds the raw bytes.
	Content    any      `json:"content"`
	FileName   string   `json:"fileName,omitempty"`
	StatusCode BlankInt `json:"statusCode"`
}

// decodeBody classifies body using the response headers stored in rec and
// converts it to UTF-8 when a decodable charset is named.
func decodeBody(rec *Record, body []byte) DecodedBody {
	res := DecodedBody{
		Method:  rec.Method,
		Type:    "unknown",
		Content: "",
	}
	if len(body) == 0 {
		return res
	}

	contentType := rec.ResHeaderValue("content-type")
	switch m := charsetPattern.FindStringSubmatch(rec.ResHeader); {
	case m != nil:
		if cs := strings.ToLower(m[1]); cs != "utf-8" {
			if decoded, ok := decodeCharset(cs, body); ok {
				body = decoded
			}
		}
		res.Content = string(body)
		res.Type = "text"
		if jsonPattern.MatchString(contentType) {
			res.Type = "json"
		}
	case imagePattern.MatchString(contentType):
		res.Type = "image"
		res.Content = body
	default:
		res.Type = contentType
		res.Content = string(body)
	}

	res.Mime = contentType
	p := rec.Path
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	res.FileName = path.Base(p)
	res.StatusCode = rec.StatusCode
	return res
}

// decodeCharset converts b from the named charset to UTF-8. It reports
// false when the charset is unknown or the input does not decode.
func decodeCharset(name string, b []byte) ([]byte, bool) {
	enc := lookupCharset(name)
	if enc == nil {
		return nil, false
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, false
	}
	return out, true
}

func lookupCharset(name string) encoding.Encoding {
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc
	}
	if enc, err := htmlindex.Get(name); err == nil {
		return enc
	}
	return nil
}
