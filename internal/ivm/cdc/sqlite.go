package cdc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/ariyn/ivm/internal/ivm/types"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteCodecGobV1 = "gob-v1"

func init() {
	// Array values travel inside []any images.
	gob.Register([]any(nil))
}

// SQLiteBuffer is a Buffer persisted in a SQLite database file. Sequence
// numbers survive reopening.
type SQLiteBuffer struct {
	db         *sql.DB
	insertStmt *sql.Stmt
}

func NewSQLiteBuffer(path string) (*SQLiteBuffer, error) {
	if path == "" {
		return nil, fmt.Errorf("change buffer sqlite path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite change buffer: %w", err)
	}

	b := &SQLiteBuffer{db: db}
	if err := b.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmt, err := db.Prepare(`INSERT INTO change_events(relation, op, created_at_unix_ms, codec, old_image, new_image) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare change insert: %w", err)
	}
	b.insertStmt = stmt

	return b, nil
}

func (b *SQLiteBuffer) init() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma failed (%s): %w", p, err)
		}
	}

	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS change_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	relation TEXT NOT NULL,
	op INTEGER NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	codec TEXT NOT NULL,
	old_image BLOB,
	new_image BLOB
);
CREATE INDEX IF NOT EXISTS idx_change_events_relation_seq ON change_events(relation, seq);
`)
	if err != nil {
		return fmt.Errorf("create change buffer schema: %w", err)
	}
	return nil
}

// Append stores events in one transaction. Either all events are stored or
// none is.
func (b *SQLiteBuffer) Append(ctx context.Context, events ...types.Event) ([]types.Event, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("change buffer is nil")
	}
	for _, e := range events {
		if err := validate(e); err != nil {
			return nil, err
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.StmtContext(ctx, b.insertStmt)
	now := time.Now().UnixMilli()
	out := make([]types.Event, len(events))
	for i, e := range events {
		oldImage, err := encodeImageGobV1(e.Old)
		if err != nil {
			return nil, err
		}
		newImage, err := encodeImageGobV1(e.New)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, e.Relation, int(e.Op), now, sqliteCodecGobV1, blobOrNull(oldImage), blobOrNull(newImage))
		if err != nil {
			return nil, fmt.Errorf("append change: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append change: %w", err)
		}
		e.Seq = uint64(seq)
		out[i] = e
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return out, nil
}

func (b *SQLiteBuffer) GetDelta(ctx context.Context, rel string, since, until uint64) ([]types.Change, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("change buffer is nil")
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, op, codec, old_image, new_image FROM change_events WHERE relation = ? AND seq > ? AND seq <= ? ORDER BY seq ASC`,
		rel, int64(since), int64(until))
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []types.Change
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var (
			seq      int64
			op       int
			codec    string
			oldImage []byte
			newImage []byte
		)
		if err := rows.Scan(&seq, &op, &codec, &oldImage, &newImage); err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}
		if codec != sqliteCodecGobV1 {
			return nil, fmt.Errorf("unknown change codec: %s", codec)
		}
		e := types.Event{Seq: uint64(seq), Relation: rel, Op: types.Op(op)}
		if e.Old, err = decodeImageGobV1(oldImage); err != nil {
			return nil, err
		}
		if e.New, err = decodeImageGobV1(newImage); err != nil {
			return nil, err
		}
		cs, err := e.Split()
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change rows: %w", err)
	}
	return out, nil
}

// MaxSeq returns the current maximum change_events.seq (or 0 if empty).
// Truncated events still count: sqlite never reuses AUTOINCREMENT values.
func (b *SQLiteBuffer) MaxSeq(ctx context.Context) (uint64, error) {
	if b == nil || b.db == nil {
		return 0, fmt.Errorf("change buffer is nil")
	}
	var maxSeq sql.NullInt64
	err := b.db.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'change_events'`).Scan(&maxSeq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return uint64(maxSeq.Int64), nil
}

func (b *SQLiteBuffer) Truncate(ctx context.Context, rel string, upTo uint64) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("change buffer is nil")
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM change_events WHERE relation = ? AND seq <= ?`, rel, int64(upTo)); err != nil {
		return fmt.Errorf("truncate changes: %w", err)
	}
	return nil
}

func (b *SQLiteBuffer) Close() error {
	if b == nil {
		return nil
	}
	if b.insertStmt != nil {
		_ = b.insertStmt.Close()
	}
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeImageGobV1(image []any) ([]byte, error) {
	if image == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(image); err != nil {
		return nil, fmt.Errorf("encode row image: %w", err)
	}
	return buf.Bytes(), nil
}

func blobOrNull(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func decodeImageGobV1(payload []byte) ([]any, error) {
	if payload == nil {
		return nil, nil
	}
	dec := gob.NewDecoder(bytes.NewReader(payload))
	var image []any
	if err := dec.Decode(&image); err != nil {
		return nil, fmt.Errorf("decode row image: %w", err)
	}
	if image == nil {
		image = []any{}
	}
	return image, nil
}
