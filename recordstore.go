package ezproxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultCompactionInterval is how often the record database is compacted.
const DefaultCompactionInterval = 5001 * time.Millisecond

// ErrRecordNotFound is returned by reads for an id with no stored record.
var ErrRecordNotFound = errors.New("record not found")

const recordSchema = `
CREATE TABLE IF NOT EXISTS records (
	_id         INTEGER PRIMARY KEY,
	id          INTEGER NOT NULL,
	url         TEXT    NOT NULL DEFAULT '',
	host        TEXT    NOT NULL DEFAULT '',
	path        TEXT    NOT NULL DEFAULT '',
	method      TEXT    NOT NULL DEFAULT '',
	req_header  TEXT    NOT NULL DEFAULT '',
	start_time  INTEGER NOT NULL DEFAULT 0,
	req_body    TEXT    NOT NULL DEFAULT '',
	protocol    TEXT    NOT NULL DEFAULT '',
	status_code NUMERIC NOT NULL DEFAULT '',
	end_time    NUMERIC NOT NULL DEFAULT '',
	res_header  TEXT    NOT NULL DEFAULT '',
	res_body    TEXT    NOT NULL DEFAULT '',
	length      NUMERIC NOT NULL DEFAULT '',
	mime        TEXT    NOT NULL DEFAULT '',
	duration    NUMERIC NOT NULL DEFAULT '',
	ext         TEXT
)`

const upsertRecordSQL = `
INSERT INTO records (
	_id, id, url, host, path, method, req_header, start_time, req_body, protocol,
	status_code, end_time, res_header, res_body, length, mime, duration
) VALUES (
	:_id, :id, :url, :host, :path, :method, :req_header, :start_time, :req_body, :protocol,
	:status_code, :end_time, :res_header, :res_body, :length, :mime, :duration
)
ON CONFLICT(_id) DO UPDATE SET
	url = excluded.url, host = excluded.host, path = excluded.path,
	method = excluded.method, req_header = excluded.req_header,
	start_time = excluded.start_time, req_body = excluded.req_body,
	protocol = excluded.protocol, status_code = excluded.status_code,
	end_time = excluded.end_time, res_header = excluded.res_header,
	res_body = excluded.res_body, length = excluded.length,
	mime = excluded.mime, duration = excluded.duration`

const updateRecordSQL = `
UPDATE records SET
	url = :url, host = :host, path = :path, method = :method,
	req_header = :req_header, start_time = :start_time, req_body = :req_body,
	protocol = :protocol, status_code = :status_code, end_time = :end_time,
	res_header = :res_header, res_body = :res_body, length = :length,
	mime = :mime, duration = :duration
WHERE _id = :_id`

// recordRow is the database shape of a Record.
type recordRow struct {
	DocID      int64              `db:"_id"`
	ID         int64              `db:"id"`
	URL        string             `db:"url"`
	Host       string             `db:"host"`
	Path       string             `db:"path"`
	Method     string             `db:"method"`
	ReqHeader  string             `db:"req_header"`
	StartTime  int64              `db:"start_time"`
	ReqBody    string             `db:"req_body"`
	Protocol   string             `db:"protocol"`
	StatusCode BlankInt           `db:"status_code"`
	EndTime    BlankInt           `db:"end_time"`
	ResHeader  string             `db:"res_header"`
	ResBody    string             `db:"res_body"`
	Length     BlankInt           `db:"length"`
	Mime       string             `db:"mime"`
	Duration   BlankInt           `db:"duration"`
	Ext        types.NullJSONText `db:"ext"`
}

func rowFromRecord(r *Record) *recordRow {
	return &recordRow{
		DocID:      r.DocID,
		ID:         r.ID,
		URL:        r.URL,
		Host:       r.Host,
		Path:       r.Path,
		Method:     r.Method,
		ReqHeader:  r.ReqHeader,
		StartTime:  r.StartTime,
		ReqBody:    r.ReqBody,
		Protocol:   r.Protocol,
		StatusCode: r.StatusCode,
		EndTime:    r.EndTime,
		ResHeader:  r.ResHeader,
		ResBody:    r.ResBody,
		Length:     r.Length,
		Mime:       r.Mime,
		Duration:   r.Duration,
	}
}

func (row *recordRow) record() Record {
	rec := Record{
		DocID:      row.DocID,
		ID:         row.ID,
		URL:        row.URL,
		Host:       row.Host,
		Path:       row.Path,
		Method:     row.Method,
		ReqHeader:  row.ReqHeader,
		StartTime:  row.StartTime,
		ReqBody:    row.ReqBody,
		Protocol:   row.Protocol,
		StatusCode: row.StatusCode,
		EndTime:    row.EndTime,
		ResHeader:  row.ResHeader,
		ResBody:    row.ResBody,
		Length:     row.Length,
		Mime:       row.Mime,
		Duration:   row.Duration,
	}
	if row.Ext.Valid {
		rec.Ext = json.RawMessage(row.Ext.JSONText)
	}
	return rec
}

// RecordStore persists Record documents in a per-session SQLite database
// and owns record identity.
type RecordStore struct {
	db     *sqlx.DB
	nextID atomic.Int64
	logger *slog.Logger

	// CompactionInterval controls the background compaction loop. It is
	// read once by StartCompaction.
	CompactionInterval time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// OpenRecordStore opens (creating if needed) the record database at path.
func OpenRecordStore(path string, logger *slog.Logger) (*RecordStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_auto_vacuum=incremental"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(recordSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create record schema: %w", err)
	}

	s := &RecordStore{
		db:                 db,
		logger:             logger,
		CompactionInterval: DefaultCompactionInterval,
		done:               make(chan struct{}),
	}
	s.nextID.Store(1)
	return s, nil
}

// NextID assigns the next record id. Ids start at 1 and are never reused.
func (s *RecordStore) NextID() int64 {
	return s.nextID.Add(1) - 1
}

// PeekNextID returns the id the next NextID call will assign.
func (s *RecordStore) PeekNextID() int64 {
	return s.nextID.Load()
}

// Insert writes rec, replacing any document already stored under its id.
func (s *RecordStore) Insert(ctx context.Context, rec *Record) error {
	if _, err := s.db.NamedExecContext(ctx, upsertRecordSQL, rowFromRecord(rec)); err != nil {
		return fmt.Errorf("insert record %d: %w", rec.ID, err)
	}
	return nil
}

// Update rewrites the stored document for rec.ID in place. Negative ids
// are ignored; a missing document is left missing.
func (s *RecordStore) Update(ctx context.Context, rec *Record) error {
	if rec.ID < 0 {
		return nil
	}
	if _, err := s.db.NamedExecContext(ctx, updateRecordSQL, rowFromRecord(rec)); err != nil {
		return fmt.Errorf("update record %d: %w", rec.ID, err)
	}
	return nil
}

// SetExt replaces the ext field of the record without touching the rest.
func (s *RecordStore) SetExt(ctx context.Context, id int64, ext any) error {
	raw, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("encode ext for record %d: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE records SET ext = ? WHERE _id = ?`, string(raw), id)
	if err != nil {
		return fmt.Errorf("set ext for record %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set ext for record %d: %w", id, ErrRecordNotFound)
	}
	return nil
}

// Get returns the record stored under id.
func (s *RecordStore) Get(ctx context.Context, id int64) (Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM records WHERE _id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %d: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %d: %w", id, err)
	}
	return row.record(), nil
}

// List returns every stored record ordered by id.
func (s *RecordStore) List(ctx context.Context) ([]Record, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM records ORDER BY _id`); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return toRecords(rows), nil
}

// Range returns up to limit records with id >= from, ascending. A nil from
// starts limit ids before the next unassigned id; limit defaults to 10.
func (s *RecordStore) Range(ctx context.Context, from *int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	start := s.PeekNextID() - int64(limit)
	if from != nil {
		start = *from
	}

	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM records WHERE _id >= ? ORDER BY _id ASC LIMIT ?`, start, limit)
	if err != nil {
		return nil, fmt.Errorf("range records: %w", err)
	}
	return toRecords(rows), nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM records`); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func toRecords(rows []recordRow) []Record {
	out := make([]Record, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out
}

// Compact checkpoints the write-ahead log and returns free pages to the
// filesystem.
func (s *RecordStore) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint record db: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil {
		return fmt.Errorf("vacuum record db: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StartCompaction runs Compact every CompactionInterval until Close.
func (s *RecordStore) StartCompaction() {
	interval := s.CompactionInterval
	if interval <= 0 {
		interval = DefaultCompactionInterval
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.Compact(context.Background()); err != nil {
					s.logger.Warn("record db compaction failed", "error", err)
				}
			}
		}
	}()
}

// Close stops compaction and closes the database.
func (s *RecordStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
