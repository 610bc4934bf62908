// Package buffer provides the durable, encrypted local store of
// pending telemetry records.
//
// Records are serialized with CBOR, sealed with AES-256-GCM, and held
// in a single SQLite database in WAL mode until the batch uploader
// acknowledges them. The buffer is the only shared mutable resource in
// the process; all access goes through Append/Drain/Ack/Close and is
// serialized by an internal mutex, so no caller needs external locking.
//
// Failure policy: a corrupt individual record (seal fails to open) is
// dropped and counted, never fatal. A storage-engine failure wraps
// ErrStorage and is fatal to the process; there is no safe degraded
// mode without durable storage.
package buffer

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"activityd/internal/crypt"
	"activityd/internal/model"
)

// Buffer errors.
var (
	ErrCapacityExceeded = errors.New("buffer: capacity exceeded")
	ErrStorage          = errors.New("buffer: storage failure")
	ErrClosed           = errors.New("buffer: closed")
)

// Schema for the record buffer. Append-only: rows are never content-
// mutated, only the uploaded flag flips.
const schema = `
CREATE TABLE IF NOT EXISTS records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    idempotency_key TEXT UNIQUE,
    kind            TEXT NOT NULL,
    payload         BLOB NOT NULL,
    payload_size    INTEGER NOT NULL,
    created_at      INTEGER NOT NULL,
    uploaded        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_pending ON records(uploaded, id);
`

// Config holds buffer construction parameters.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Key is the 256-bit sealing key. The buffer does not own the
	// key; callers wipe it on shutdown.
	Key []byte

	// MaxPendingRecords and MaxPendingBytes form the retention
	// ceiling. Once either is reached Append returns
	// ErrCapacityExceeded so the IPC receiver can push back on the
	// capture process instead of growing disk unboundedly.
	MaxPendingRecords int
	MaxPendingBytes   int64
}

// Buffer is the durable encrypted record store.
type Buffer struct {
	mu     sync.Mutex
	db     *sql.DB
	key    []byte
	cfg    Config
	closed bool

	pendingCount   int
	pendingBytes   int64
	corruptDropped uint64
}

// Pending is one drained record: the storage id plus the decrypted
// serialized record. Decode it with DecodeCaptureEvent or
// DecodeVCERecord according to Kind.
type Pending struct {
	ID   int64
	Kind string
	Data []byte
}

// DecodeCaptureEvent decodes a KindCaptureEvent payload.
func (p Pending) DecodeCaptureEvent() (model.CaptureEvent, error) {
	var ev model.CaptureEvent
	if err := cbor.Unmarshal(p.Data, &ev); err != nil {
		return model.CaptureEvent{}, fmt.Errorf("decode capture event: %w", err)
	}
	return ev, nil
}

// DecodeVCERecord decodes a KindVCERecord payload.
func (p Pending) DecodeVCERecord() (model.VCERecord, error) {
	var rec model.VCERecord
	if err := cbor.Unmarshal(p.Data, &rec); err != nil {
		return model.VCERecord{}, fmt.Errorf("decode vce record: %w", err)
	}
	return rec, nil
}

// Open opens or creates the buffer database, applies the schema, and
// loads the pending totals used for the capacity check.
func Open(cfg Config) (*Buffer, error) {
	if err := crypt.ValidateKeyStrength(cfg.Key); err != nil {
		return nil, err
	}
	if cfg.MaxPendingRecords <= 0 || cfg.MaxPendingBytes <= 0 {
		return nil, fmt.Errorf("buffer: retention ceiling must be positive")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create buffer directory: %v", ErrStorage, err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorage, err)
	}

	if err := os.Chmod(cfg.Path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set database permissions: %v", ErrStorage, err)
	}

	b := &Buffer{db: db, key: cfg.Key, cfg: cfg}
	if err := b.loadTotals(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) loadTotals() error {
	var count sql.NullInt64
	var bytes sql.NullInt64
	err := b.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(payload_size), 0) FROM records WHERE uploaded = 0`,
	).Scan(&count, &bytes)
	if err != nil {
		return fmt.Errorf("%w: load pending totals: %v", ErrStorage, err)
	}
	b.pendingCount = int(count.Int64)
	b.pendingBytes = bytes.Int64
	return nil
}

// Append serializes, seals, and persists one record, returning its
// storage id. If idemKey is non-empty and already stored, the append
// is a no-op returning the existing id. The insert is a single
// statement, so a crash never leaves a half-written record visible.
func (b *Buffer) Append(kind string, record any, idemKey string) (int64, error) {
	plaintext, err := cbor.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("buffer: serialize record: %w", err)
	}
	sealed, err := crypt.Seal(plaintext, b.key)
	if err != nil {
		return 0, fmt.Errorf("buffer: seal record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	if idemKey != "" {
		var existing int64
		err := b.db.QueryRow(`SELECT id FROM records WHERE idempotency_key = ?`, idemKey).Scan(&existing)
		switch {
		case err == nil:
			return existing, nil
		case errors.Is(err, sql.ErrNoRows):
			// Not seen, fall through to insert.
		default:
			return 0, fmt.Errorf("%w: idempotency lookup: %v", ErrStorage, err)
		}
	}

	if b.pendingCount+1 > b.cfg.MaxPendingRecords || b.pendingBytes+int64(len(sealed)) > b.cfg.MaxPendingBytes {
		return 0, ErrCapacityExceeded
	}

	var key any
	if idemKey != "" {
		key = idemKey
	}
	res, err := b.db.Exec(
		`INSERT INTO records (idempotency_key, kind, payload, payload_size, created_at) VALUES (?, ?, ?, ?, ?)`,
		key, kind, sealed, len(sealed), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert record: %v", ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", ErrStorage, err)
	}

	b.pendingCount++
	b.pendingBytes += int64(len(sealed))
	return id, nil
}

// AppendEvent appends a PII-filtered capture event.
func (b *Buffer) AppendEvent(ev model.CaptureEvent) (int64, error) {
	return b.Append(model.KindCaptureEvent, ev, ev.IdempotencyKey)
}

// AppendVCE appends a visual-context record.
func (b *Buffer) AppendVCE(rec model.VCERecord) (int64, error) {
	return b.Append(model.KindVCERecord, rec, "")
}

// Drain returns the oldest unacknowledged records, in insertion order,
// up to maxCount records and maxBytes of sealed payload. It does not
// mark anything acknowledged: repeated calls return the same set until
// Ack is called (at-least-once semantics).
//
// Records that fail to open are deleted and counted, never fatal to
// the drain.
func (b *Buffer) Drain(maxCount int, maxBytes int64) ([]Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	rows, err := b.db.Query(
		`SELECT id, kind, payload, payload_size FROM records WHERE uploaded = 0 ORDER BY id ASC LIMIT ?`,
		maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending: %v", ErrStorage, err)
	}
	defer rows.Close()

	var pending []Pending
	var corrupt []int64
	var corruptBytes int64
	var budget int64

	for rows.Next() {
		var id int64
		var kind string
		var sealed []byte
		var size int64
		if err := rows.Scan(&id, &kind, &sealed, &size); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ErrStorage, err)
		}

		if budget+size > maxBytes && len(pending) > 0 {
			break
		}

		plaintext, err := crypt.Open(sealed, b.key)
		if err != nil {
			// Tampered or truncated record: record-scoped, skip.
			corrupt = append(corrupt, id)
			corruptBytes += size
			continue
		}

		pending = append(pending, Pending{ID: id, Kind: kind, Data: plaintext})
		budget += size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pending: %v", ErrStorage, err)
	}
	rows.Close()

	for _, id := range corrupt {
		if _, err := b.db.Exec(`DELETE FROM records WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("%w: drop corrupt record: %v", ErrStorage, err)
		}
	}
	if n := len(corrupt); n > 0 {
		b.corruptDropped += uint64(n)
		b.pendingCount -= n
		b.pendingBytes -= corruptBytes
	}

	return pending, nil
}

// Ack marks the given ids acknowledged. Acknowledged records are never
// returned by a subsequent Drain; their rows are reclaimed by Compact.
func (b *Buffer) Ack(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin ack: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE records SET uploaded = 1 WHERE id = ? AND uploaded = 0`)
	if err != nil {
		return fmt.Errorf("%w: prepare ack: %v", ErrStorage, err)
	}
	defer stmt.Close()

	var acked int
	var ackedBytes int64
	for _, id := range ids {
		var size int64
		err := tx.QueryRow(`SELECT payload_size FROM records WHERE id = ? AND uploaded = 0`, id).Scan(&size)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: ack lookup: %v", ErrStorage, err)
		}
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("%w: ack record: %v", ErrStorage, err)
		}
		acked++
		ackedBytes += size
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit ack: %v", ErrStorage, err)
	}

	b.pendingCount -= acked
	b.pendingBytes -= ackedBytes
	return nil
}

// Compact deletes acknowledged rows and returns how many were removed.
func (b *Buffer) Compact() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	res, err := b.db.Exec(`DELETE FROM records WHERE uploaded = 1`)
	if err != nil {
		return 0, fmt.Errorf("%w: compact: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: compact rows affected: %v", ErrStorage, err)
	}
	return n, nil
}

// PruneExpired deletes unacknowledged records older than maxAge and
// returns how many were dropped. This bounds upload staleness and disk
// growth under sustained network loss; dropped records are lost by
// policy, not by accident, and the caller counts them.
func (b *Buffer) PruneExpired(maxAge time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	cutoff := time.Now().Add(-maxAge).UnixNano()

	var count sql.NullInt64
	var bytes sql.NullInt64
	err := b.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(payload_size), 0) FROM records WHERE uploaded = 0 AND created_at < ?`,
		cutoff,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, fmt.Errorf("%w: expired lookup: %v", ErrStorage, err)
	}
	if count.Int64 == 0 {
		return 0, nil
	}

	if _, err := b.db.Exec(`DELETE FROM records WHERE uploaded = 0 AND created_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("%w: prune expired: %v", ErrStorage, err)
	}

	b.pendingCount -= int(count.Int64)
	b.pendingBytes -= bytes.Int64
	return count.Int64, nil
}

// PendingCount returns the number of unacknowledged records.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCount
}

// PendingBytes returns the sealed size of unacknowledged records.
func (b *Buffer) PendingBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingBytes
}

// CorruptDropped returns how many records were dropped because they
// failed to open.
func (b *Buffer) CorruptDropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.corruptDropped
}

// Close flushes and releases the database. It is idempotent; every
// path that opens the buffer must guarantee Close runs.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			return fmt.Errorf("%w: close database: %v", ErrStorage, err)
		}
	}
	return nil
}
