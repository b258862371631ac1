package build

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists builds as JSONB documents. Archived builds stay
// in the same table with the archived flag set.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS kitchen_builds (
    id INTEGER PRIMARY KEY,
    status TEXT NOT NULL,
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    document JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS kitchen_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) upsert(tx *sql.Tx, b Build, archived bool) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO kitchen_builds (id, status, archived, document, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    archived = EXCLUDED.archived,
    document = EXCLUDED.document,
    updated_at = EXCLUDED.updated_at`,
		b.ID, string(b.Status), archived, doc, b.LastTime.UTC())
	return err
}

func (s *PostgresStore) Save(builds []Build, nextID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Rows not in the hot set and not archived belong to builds that were
	// discarded.
	ids := make([]int64, 0, len(builds))
	for _, b := range builds {
		if err := s.upsert(tx, b, false); err != nil {
			return fmt.Errorf("save build %d: %w", b.ID, err)
		}
		ids = append(ids, int64(b.ID))
	}
	if _, err := tx.Exec(`DELETE FROM kitchen_builds WHERE NOT archived AND NOT (id = ANY($1))`, ids); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO kitchen_meta (key, value) VALUES ('next_build_id', $1)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, fmt.Sprint(nextID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Load() ([]Build, int, error) {
	nextID := 1
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kitchen_meta WHERE key = 'next_build_id'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, 0, err
	default:
		if _, err := fmt.Sscan(raw, &nextID); err != nil {
			return nil, 0, fmt.Errorf("parse next build id %q: %w", raw, err)
		}
	}

	rows, err := s.db.Query(`SELECT document FROM kitchen_builds WHERE NOT archived ORDER BY id ASC`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, err
		}
		var b Build
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, 0, err
		}
		builds = append(builds, b)
	}
	return builds, nextID, rows.Err()
}

func (s *PostgresStore) Archive(b Build) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.upsert(tx, b, true); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Archived(id int) (Build, error) {
	var doc []byte
	err := s.db.QueryRow(`SELECT document FROM kitchen_builds WHERE id=$1 AND archived`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	var b Build
	if err := json.Unmarshal(doc, &b); err != nil {
		return Build{}, err
	}
	return b, nil
}
