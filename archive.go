package ezproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/afero"
)

// frameSeparator terminates every entry of a websocket frame log.
const frameSeparator = ','

// WsFrame is one websocket message as stored in a frame log.
type WsFrame struct {
	Time       int64  `json:"time"`
	Message    string `json:"message"`
	IsToServer bool   `json:"isToServer"`
}

// Archive stores response bodies and websocket frame logs as files in the
// session cache directory.
type Archive struct {
	dir    *CacheDir
	logger *slog.Logger

	// appends to one frame log must not interleave
	mu sync.Mutex
}

// NewArchive creates an Archive over dir.
func NewArchive(dir *CacheDir, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{dir: dir, logger: logger}
}

func (a *Archive) fs() afero.Fs { return a.dir.Fs() }

// WriteBody stores body as the response body of record id, replacing any
// earlier body. It does nothing for ids below 1 or a nil body.
func (a *Archive) WriteBody(id int64, body []byte) error {
	if id <= 0 || body == nil {
		return nil
	}
	p, err := a.dir.File(bodyFilePrefix + strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	if err := afero.WriteFile(a.fs(), p, body, 0o644); err != nil {
		return fmt.Errorf("write body %d: %w", id, err)
	}
	return nil
}

// ReadBody returns the raw stored body of record id.
func (a *Archive) ReadBody(id int64) ([]byte, error) {
	if id < 0 {
		return nil, fmt.Errorf("read body: invalid id %d", id)
	}
	p, err := a.dir.File(bodyFilePrefix + strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(a.fs(), p)
	if err != nil {
		return nil, fmt.Errorf("read body %d: %w", id, err)
	}
	return b, nil
}

// AppendFrame appends f, followed by a separator, to the frame log of
// record id. Negative ids are ignored.
func (a *Archive) AppendFrame(id int64, f WsFrame) error {
	if id < 0 {
		return nil
	}
	p, err := a.dir.File(wsMessageFilePrefix + strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	entry, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame for %d: %w", id, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := a.fs().OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open frame log %d: %w", id, err)
	}
	if _, err := file.Write(entry); err != nil {
		_ = file.Close()
		return fmt.Errorf("append frame %d: %w", id, err)
	}
	return file.Close()
}

// Frames reads back the frame log of record id. A negative id yields an
// empty list.
func (a *Archive) Frames(id int64) ([]WsFrame, error) {
	if id < 0 {
		return []WsFrame{}, nil
	}
	p, err := a.dir.File(wsMessageFilePrefix + strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(a.fs(), p)
	if err != nil {
		return nil, fmt.Errorf("read frame log %d: %w", id, err)
	}

	frames, err := parseFrameLog(content)
	if err != nil {
		a.logger.Error("malformed frame log", "id", id, "error", err)
		return nil, fmt.Errorf("parse frame log %d: %w", id, err)
	}
	return frames, nil
}

// encodeFrame renders one frame log entry: the JSON object and a trailing
// separator, without HTML escaping.
func encodeFrame(f WsFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append(out, frameSeparator), nil
}

// parseFrameLog strips one trailing separator, wraps the content in array
// brackets and decodes it.
func parseFrameLog(content []byte) ([]WsFrame, error) {
	content = bytes.TrimSuffix(content, []byte{frameSeparator})
	doc := make([]byte, 0, len(content)+2)
	doc = append(doc, '[')
	doc = append(doc, content...)
	doc = append(doc, ']')

	frames := []WsFrame{}
	if err := json.Unmarshal(doc, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
