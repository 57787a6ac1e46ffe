package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"edge-sync/internal/entity"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps entity state in a local SQLite file.
//
// The sync_generation table doubles as the freshness marker: a row is
// written when the first full sync completes, so a store without one is
// new, even if a crash left it with partial data.
type SQLiteStore struct {
	db    *sql.DB
	isNew bool
}

// OpenSQLite opens (or creates) the database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// one writer; keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("sqlite pragma: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS entities (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		attrs TEXT NOT NULL DEFAULT '',
		assigned TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, id)
	);
	CREATE TABLE IF NOT EXISTS sync_generation (
		generation TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sqlite store: %w", err)
	}

	var generations int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_generation`).Scan(&generations)
	if err != nil {
		return fmt.Errorf("read sync generation: %w", err)
	}
	s.isNew = generations == 0
	return nil
}

// MarkSynced writes the sync generation unless one exists already.
func (s *SQLiteStore) MarkSynced(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_generation (generation, created_at)
		SELECT ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM sync_generation)`,
		uuid.NewString(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write sync generation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, ref entity.Ref) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, id, attrs, assigned, seq, deleted, updated_at
		FROM entities
		WHERE kind = ? AND id = ?`,
		string(ref.Kind), ref.ID.String(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) (bool, error) {
	attrs, err := entity.MarshalAttributes(rec.Attrs)
	if err != nil {
		return false, fmt.Errorf("encode %s attributes: %w", rec.Ref, err)
	}
	assigned, err := entity.MarshalContainers(rec.Assigned)
	if err != nil {
		return false, fmt.Errorf("encode %s assignments: %w", rec.Ref, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, attrs, assigned, seq, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			attrs = excluded.attrs,
			assigned = excluded.assigned,
			seq = excluded.seq,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		WHERE excluded.seq > entities.seq`,
		string(rec.Ref.Kind), rec.Ref.ID.String(), string(attrs), assigned,
		rec.Seq, rec.Deleted, rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("put %s: %w", rec.Ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put %s: %w", rec.Ref, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, attrs, assigned, seq, deleted, updated_at
		FROM entities
		WHERE deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

// IsNew pings the database so that an unreadable store surfaces as an error.
func (s *SQLiteStore) IsNew(ctx context.Context) (bool, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, fmt.Errorf("ping sqlite: %w", err)
	}
	return s.isNew, nil
}

func (s *SQLiteStore) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE deleted = 1 AND updated_at < ?`,
		before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		kind, id, attrs, assigned string
		seq, updatedAt            int64
		deleted                   bool
	)
	if err := row.Scan(&kind, &id, &attrs, &assigned, &seq, &deleted, &updatedAt); err != nil {
		return Record{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("scan entity id %q: %w", id, err)
	}
	return buildRecord(entity.Kind(kind), parsed, []byte(attrs), assigned, seq, deleted, time.Unix(0, updatedAt))
}
