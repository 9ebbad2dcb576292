package ezproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens understood by DecodeContent.
const (
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingDeflate  = "deflate"
	EncodingIdentity = "identity"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding token that
// cannot be decoded.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// maxDecodedSize bounds the output of DecodeContent.
const maxDecodedSize = 64 << 20

// DecodeContent reverses the codings listed in a Content-Encoding header
// value. Codings are undone last-applied first.
func DecodeContent(contentEncoding string, data []byte) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		data, err = decodeOne(coding, data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func decodeOne(coding string, data []byte) ([]byte, error) {
	switch coding {
	case "", EncodingIdentity:
		return data, nil

	case EncodingGzip, "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = r.Close() }()
		return readAllLimited(r)

	case EncodingDeflate:
		// Most servers send zlib-wrapped deflate; fall back to raw deflate.
		if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer func() { _ = r.Close() }()
			return readAllLimited(r)
		}
		r := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = r.Close() }()
		return readAllLimited(r)

	case EncodingBrotli:
		return readAllLimited(brotli.NewReader(bytes.NewReader(data)))

	case EncodingZstd:
		d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer d.Close()
		out, err := d.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
}

func readAllLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", maxDecodedSize)
	}
	return out, nil
}
