package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/handoff-desk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes callstack rewrites to avoid SQLITE_BUSY storms
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS participants (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_participants_role ON participants(role, seq);

	CREATE TABLE IF NOT EXISTS queue_entries (
		position INTEGER PRIMARY KEY,
		participant_id TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS dialogs (
		user_id TEXT PRIMARY KEY,
		operator_id TEXT NOT NULL UNIQUE,
		start_time INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetParticipant retrieves a participant by ID.
func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	query := `
		SELECT participant_id, display_name, role, created_at, updated_at
		FROM participants WHERE participant_id = ?`

	var p domain.Participant
	var role string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.DisplayName, &role, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}

	p.Role = domain.Role(role)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// UpsertParticipant creates or overwrites a participant record.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
	INSERT INTO participants (participant_id, display_name, role, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(participant_id) DO UPDATE SET
		display_name = excluded.display_name,
		role = excluded.role,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return withBusyRetry(ctx, "upsert_participant", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			p.ID, p.DisplayName, string(p.Role), createdAt.Unix(), now.Unix(),
		); err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
		return nil
	})
}

// UpdateRole changes the role of an existing participant.
func (s *SQLiteStore) UpdateRole(ctx context.Context, id string, role domain.Role) (bool, error) {
	query := `UPDATE participants SET role = ?, updated_at = ? WHERE participant_id = ?`

	var rows int64
	err := withBusyRetry(ctx, "update_role", func() error {
		result, err := s.db.ExecContext(ctx, query, string(role), time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if rows == 0 {
		slog.Warn("UpdateRole affected 0 rows", "participant_id", id)
	}
	return rows > 0, nil
}

// ListParticipantsByRole returns IDs holding role in registration order.
func (s *SQLiteStore) ListParticipantsByRole(ctx context.Context, role domain.Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id FROM participants WHERE role = ? ORDER BY seq`, string(role))
	if err != nil {
		return nil, fmt.Errorf("query participants by role: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close participant rows", "error", closeErr)
		}
	}()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return ids, nil
}

// LoadCallstack reads the persisted queue and dialogs.
func (s *SQLiteStore) LoadCallstack(ctx context.Context) (*domain.Callstack, error) {
	cs := &domain.Callstack{Queue: []string{}, Dialogs: []domain.Dialog{}}

	qrows, err := s.db.QueryContext(ctx, `SELECT participant_id FROM queue_entries ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	for qrows.Next() {
		var id string
		if err := qrows.Scan(&id); err != nil {
			_ = qrows.Close()
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		cs.Queue = append(cs.Queue, id)
	}
	if err := qrows.Err(); err != nil {
		_ = qrows.Close()
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	_ = qrows.Close()

	drows, err := s.db.QueryContext(ctx,
		`SELECT user_id, operator_id, start_time FROM dialogs ORDER BY start_time, user_id`)
	if err != nil {
		return nil, fmt.Errorf("query dialogs: %w", err)
	}
	defer func() {
		if closeErr := drows.Close(); closeErr != nil {
			slog.Warn("failed to close dialog rows", "error", closeErr)
		}
	}()
	for drows.Next() {
		var d domain.Dialog
		var start int64
		if err := drows.Scan(&d.UserID, &d.OperatorID, &start); err != nil {
			return nil, fmt.Errorf("scan dialog: %w", err)
		}
		d.StartTime = time.Unix(0, start).UTC()
		cs.Dialogs = append(cs.Dialogs, d)
	}
	if err := drows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialogs: %w", err)
	}
	return cs, nil
}

// SaveCallstack replaces the persisted queue and dialogs in one transaction.
func (s *SQLiteStore) SaveCallstack(ctx context.Context, cs *domain.Callstack) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return withBusyRetry(ctx, "save_callstack", func() error {
		return s.saveCallstackOnce(ctx, cs)
	})
}

func (s *SQLiteStore) saveCallstackOnce(ctx context.Context, cs *domain.Callstack) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin callstack tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM queue_entries`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM dialogs`); err != nil {
		return fmt.Errorf("clear dialogs: %w", err)
	}

	for i, id := range cs.Queue {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO queue_entries (position, participant_id) VALUES (?, ?)`, i, id); err != nil {
			return fmt.Errorf("insert queue entry %s: %w", id, err)
		}
	}
	for _, d := range cs.Dialogs {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO dialogs (user_id, operator_id, start_time) VALUES (?, ?, ?)`,
			d.UserID, d.OperatorID, d.StartTime.UnixNano()); err != nil {
			return fmt.Errorf("insert dialog %s: %w", d.Key(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit callstack: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
