package ezproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// recordDBFile is the record database file name inside the session
// cache directory.
const recordDBFile = "_data"

// EventKind identifies a recorder notification.
type EventKind int

const (
	// EventUpdate carries a record that was written or changed.
	EventUpdate EventKind = iota
	// EventWsMessage carries the latest websocket frame of a record.
	EventWsMessage
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventWsMessage:
		return "updateLatestWsMsg"
	default:
		return "unknown"
	}
}

// RecorderEvent is delivered to Subscribe callbacks.
type RecorderEvent struct {
	Kind   EventKind
	ID     int64
	Record *Record
	Frame  *WsFrame
}

// RecorderConfig configures NewRecorder.
type RecorderConfig struct {
	// Fs backs the cache directory. Defaults to the OS filesystem. With any
	// other filesystem the record database is kept in memory.
	Fs afero.Fs

	// Root is the parent of the session cache directory. Defaults to
	// DefaultCacheRoot().
	Root string

	// CompactionInterval overrides DefaultCompactionInterval.
	CompactionInterval time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Recorder captures exchanges into a per-session store, archives bodies and
// websocket frames, and runs registered tests against accepted records.
//
// Append returns the record id immediately; all persistence happens in
// order on a single background worker and failures are only logged.
type Recorder struct {
	dir     *CacheDir
	store   *RecordStore
	archive *Archive
	filters *FilterChain
	tests   *TestEngine
	logger  *slog.Logger
	metrics *Metrics

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []func(context.Context)
	closed  bool
	stopped chan struct{}

	subMu   sync.RWMutex
	subs    map[int]func(RecorderEvent)
	nextSub int

	closeOnce sync.Once
	closeErr  error
}

// NewRecorder creates the session cache directory, opens the record
// database inside it and starts the write worker.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	root := cfg.Root
	if root == "" {
		var err error
		if root, err = DefaultCacheRoot(); err != nil {
			return nil, err
		}
	}

	dir, err := NewCacheDir(fs, root)
	if err != nil {
		return nil, err
	}
	dbPath := ":memory:"
	if _, onDisk := fs.(*afero.OsFs); onDisk {
		if dbPath, err = dir.File(recordDBFile); err != nil {
			return nil, err
		}
	}
	store, err := OpenRecordStore(dbPath, logger)
	if err != nil {
		_ = dir.Clear()
		return nil, err
	}
	if cfg.CompactionInterval > 0 {
		store.CompactionInterval = cfg.CompactionInterval
	}
	logger.Info("records location", "path", dir.Path())

	tests := NewTestEngine(logger)
	if cfg.Metrics != nil {
		tests.OnResult = cfg.Metrics.RecordTestResult
	}
	logger.Info("test report name", "name", tests.Name())

	r := &Recorder{
		dir:     dir,
		store:   store,
		archive: NewArchive(dir, logger),
		filters: NewFilterChain(),
		tests:   tests,
		logger:  logger,
		metrics: cfg.Metrics,
		stopped: make(chan struct{}),
		subs:    make(map[int]func(RecorderEvent)),
	}
	r.qcond = sync.NewCond(&r.qmu)
	store.StartCompaction()
	go r.work()
	return r, nil
}

// Filters returns the record filter chain.
func (r *Recorder) Filters() *FilterChain { return r.filters }

// Tests returns the test engine.
func (r *Recorder) Tests() *TestEngine { return r.tests }

// Ping verifies the record store is reachable.
func (r *Recorder) Ping(ctx context.Context) error { return r.store.Ping(ctx) }

// CacheDir returns the session cache directory.
func (r *Recorder) CacheDir() *CacheDir { return r.dir }

// Subscribe registers fn for recorder events and returns a function that
// removes it. Callbacks run on the write worker or, for websocket frames,
// on the caller's goroutine.
func (r *Recorder) Subscribe(fn func(RecorderEvent)) (cancel func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Recorder) emit(ev RecorderEvent) {
	r.subMu.RLock()
	subs := make([]func(RecorderEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Append assigns an id to ex and schedules it for recording.
func (r *Recorder) Append(ex *Exchange) int64 {
	id := r.store.NextID()
	rec := normalize(id, ex)
	body := ex.ResBody
	r.enqueue(func(ctx context.Context) {
		r.apply(ctx, "insert", rec, body, r.store.Insert)
	})
	return id
}

// Update schedules a rewrite of record id from ex. Negative ids are ignored.
func (r *Recorder) Update(id int64, ex *Exchange) {
	if id < 0 {
		return
	}
	rec := normalize(id, ex)
	body := ex.ResBody
	r.enqueue(func(ctx context.Context) {
		r.apply(ctx, "update", rec, body, r.store.Update)
	})
}

// apply runs the per-pass effects for rec once for every filter pass.
func (r *Recorder) apply(ctx context.Context, op string, rec *Record, body []byte,
	write func(context.Context, *Record) error) {
	passes := r.filters.Passes(rec)
	for range passes {
		if err := write(ctx, rec); err != nil {
			r.writeFailed(op, err)
		} else if r.metrics != nil {
			r.metrics.RecordPersisted(op)
		}
		if err := r.archive.WriteBody(rec.ID, body); err != nil {
			r.writeFailed("body", err)
		}
		snapshot := *rec
		r.emit(RecorderEvent{Kind: EventUpdate, ID: rec.ID, Record: &snapshot})
		if r.tests.Active() > 0 {
			r.tests.Run(rec)
		}
	}
}

// UpdateExt schedules a replacement of the ext field of record id and
// emits an update with the stored record once it succeeds.
func (r *Recorder) UpdateExt(id int64, ext any) {
	r.enqueue(func(ctx context.Context) {
		if err := r.store.SetExt(ctx, id, ext); err != nil {
			r.writeFailed("ext", err)
			return
		}
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			r.writeFailed("ext", err)
			return
		}
		r.emit(RecorderEvent{Kind: EventUpdate, ID: id, Record: &rec})
	})
}

// AppendWsFrame schedules f for the frame log of record id and emits the
// frame to subscribers immediately. Negative ids are ignored.
func (r *Recorder) AppendWsFrame(id int64, f WsFrame) {
	if id < 0 {
		return
	}
	r.enqueue(func(context.Context) {
		if err := r.archive.AppendFrame(id, f); err != nil {
			r.writeFailed("ws_frame", err)
		}
	})
	if r.metrics != nil {
		r.metrics.RecordWsFrame(f.IsToServer)
	}
	frame := f
	r.emit(RecorderEvent{Kind: EventWsMessage, ID: id, Frame: &frame})
}

func (r *Recorder) writeFailed(op string, err error) {
	r.logger.Error("record write failed", "op", op, "error", err)
	if r.metrics != nil {
		r.metrics.RecordWriteError(op)
	}
}

// Record returns the stored record for id.
func (r *Recorder) Record(ctx context.Context, id int64) (Record, error) {
	return r.store.Get(ctx, id)
}

// Summary returns every stored record.
func (r *Recorder) Summary(ctx context.Context) ([]Record, error) {
	return r.store.List(ctx)
}

// Count returns the number of stored records.
func (r *Recorder) Count(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// Records returns a page of records; see RecordStore.Range.
func (r *Recorder) Records(ctx context.Context, from *int64, limit int) ([]Record, error) {
	return r.store.Range(ctx, from, limit)
}

// Body returns the raw response body stored for id.
//
// Negative ids are the sentinels given to exchanges that were never
// stored, so Body returns an empty body with a nil error for them instead
// of the error ReadBody reports.
func (r *Recorder) Body(id int64) ([]byte, error) {
	if id < 0 {
		return []byte{}, nil
	}
	return r.archive.ReadBody(id)
}

// DecodedBody returns the response body of id prepared for display. The
// record must exist; a missing body gives an empty result.
func (r *Recorder) DecodedBody(ctx context.Context, id int64) (DecodedBody, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return DecodedBody{}, err
	}
	body, err := r.archive.ReadBody(id)
	if err != nil && !isNotExist(err) {
		return DecodedBody{}, err
	}
	return decodeBody(&rec, body), nil
}

// WsFrames returns the websocket frames recorded for id.
func (r *Recorder) WsFrames(id int64) ([]WsFrame, error) {
	return r.archive.Frames(id)
}

func (r *Recorder) enqueue(job func(context.Context)) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.closed {
		r.logger.Debug("recorder closed, dropping write")
		return
	}
	r.queue = append(r.queue, job)
	r.qcond.Signal()
}

func (r *Recorder) work() {
	defer close(r.stopped)
	ctx := context.Background()
	for {
		r.qmu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.qcond.Wait()
		}
		if len(r.queue) == 0 {
			r.qmu.Unlock()
			return
		}
		job := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.qmu.Unlock()

		r.run(ctx, job)
	}
}

// run executes one queued write. Filters and assertions are caller code,
// so a panic is logged instead of stopping the worker.
func (r *Recorder) run(ctx context.Context, job func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recorder job panicked", "panic", p)
		}
	}()
	job(ctx)
}

// Flush waits until every write queued before the call has completed.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return errors.New("recorder closed")
	}
	r.queue = append(r.queue, func(context.Context) { close(done) })
	r.qcond.Signal()
	r.qmu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush recorder: %w", ctx.Err())
	}
}

// Close drains the write queue, stops the worker and closes the database.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.qmu.Lock()
		r.closed = true
		r.qcond.Broadcast()
		r.qmu.Unlock()
		<-r.stopped
		r.closeErr = r.store.Close()
	})
	return r.closeErr
}

// Clear closes the recorder and removes the session cache directory.
func (r *Recorder) Clear() error {
	closeErr := r.Close()
	if err := r.dir.Clear(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return closeErr
}
