package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/niczy/gitsubmit/internal/models"
)

const timeFormat = time.RFC3339Nano

// SQLiteStorage keeps change metadata in a SQLite database. Changes are stored as JSON documents
// with the columns needed for filtering broken out.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps transactions serialized and avoids SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS changes (
			change_id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			branch TEXT NOT NULL,
			status TEXT NOT NULL,
			topic TEXT NOT NULL,
			document TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_branch ON changes(project, branch);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_topic ON changes(topic);`,
		`CREATE TABLE IF NOT EXISTS patch_sets (
			change_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			project TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			PRIMARY KEY (change_id, number),
			FOREIGN KEY(change_id) REFERENCES changes(change_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_sets_commit ON patch_sets(project, commit_sha);`,
		`CREATE TABLE IF NOT EXISTS change_messages (
			message_id TEXT PRIMARY KEY,
			change_id TEXT NOT NULL,
			author TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(change_id) REFERENCES changes(change_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_change_messages_change ON change_messages(change_id);`,
		`CREATE TABLE IF NOT EXISTS branch_locks (
			project TEXT NOT NULL,
			branch TEXT NOT NULL,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (project, branch)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) writeChange(ctx context.Context, tx *sql.Tx, change *models.Change, insert bool) error {
	doc, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if insert {
		_, err = tx.ExecContext(ctx, `INSERT INTO changes (change_id, project, branch, status, topic, document, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			change.ID, change.Project, change.Branch, change.Status.String(), change.Topic, string(doc),
			change.CreatedAt.UTC().Format(timeFormat), change.UpdatedAt.UTC().Format(timeFormat))
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE changes SET project = ?, branch = ?, status = ?, topic = ?, document = ?, updated_at = ?
			WHERE change_id = ?`,
			change.Project, change.Branch, change.Status.String(), change.Topic, string(doc),
			change.UpdatedAt.UTC().Format(timeFormat), change.ID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM patch_sets WHERE change_id = ?`, change.ID); err != nil {
		return err
	}
	for _, ps := range change.PatchSets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO patch_sets (change_id, number, project, commit_sha) VALUES (?, ?, ?, ?)`,
			change.ID, ps.Number, change.Project, ps.Commit); err != nil {
			return err
		}
	}
	return nil
}

// CreateChange stores a new change.
func (s *SQLiteStorage) CreateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if err := validateChange(change); err != nil {
		return err
	}
	now := s.now()
	if change.CreatedAt.IsZero() {
		change.CreatedAt = now
	}
	change.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT change_id FROM changes WHERE change_id = ?`, change.ID).Scan(&existing); err == nil {
		return ErrChangeExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := s.writeChange(ctx, tx, change, true); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChange retrieves a change by ID.
func (s *SQLiteStorage) GetChange(ctx context.Context, changeID string) (*models.Change, error) {
	ctx = ensureCtx(ctx)
	var doc string
	if err := s.db.QueryRowContext(ctx, `SELECT document FROM changes WHERE change_id = ?`, changeID).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChangeNotFound
		}
		return nil, err
	}
	var change models.Change
	if err := json.Unmarshal([]byte(doc), &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// UpdateChange replaces an existing change.
func (s *SQLiteStorage) UpdateChange(ctx context.Context, change *models.Change) error {
	ctx = ensureCtx(ctx)
	if err := validateChange(change); err != nil {
		return err
	}
	change.UpdatedAt = s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT change_id FROM changes WHERE change_id = ?`, change.ID).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChangeNotFound
		}
		return err
	}
	if err := s.writeChange(ctx, tx, change, false); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) queryChanges(ctx context.Context, query string, args ...any) ([]*models.Change, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*models.Change, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var change models.Change
		if err := json.Unmarshal([]byte(doc), &change); err != nil {
			return nil, err
		}
		result = append(result, &change)
	}
	return result, rows.Err()
}

// ListChanges returns changes matching filter ordered by id.
func (s *SQLiteStorage) ListChanges(ctx context.Context, filter models.ChangeFilter) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	query := `SELECT document FROM changes WHERE 1 = 1`
	var args []any
	if filter.Project != "" {
		query += ` AND project = ?`
		args = append(args, filter.Project)
	}
	if filter.Branch != "" {
		query += ` AND branch = ?`
		args = append(args, filter.Branch)
	}
	if filter.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, filter.Topic)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, filter.Status.String())
	}

	changes, err := s.queryChanges(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sortAndLimit(changes, filter.Limit), nil
}

// FindChangesByCommit returns changes of project with a patch set at commit.
func (s *SQLiteStorage) FindChangesByCommit(ctx context.Context, project, commit string) ([]*models.Change, error) {
	ctx = ensureCtx(ctx)
	changes, err := s.queryChanges(ctx, `SELECT DISTINCT c.document FROM changes c
		JOIN patch_sets p ON p.change_id = c.change_id
		WHERE p.project = ? AND p.commit_sha = ?`, project, commit)
	if err != nil {
		return nil, err
	}
	return sortAndLimit(changes, 0), nil
}

// AddChangeMessage appends a message to a change.
func (s *SQLiteStorage) AddChangeMessage(ctx context.Context, msg *models.ChangeMessage) error {
	ctx = ensureCtx(ctx)
	if msg == nil || msg.ChangeID == "" {
		return ErrInvalidInput
	}
	if _, err := s.GetChange(ctx, msg.ChangeID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO change_messages (message_id, change_id, author, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ChangeID, msg.Author, msg.Message, msg.CreatedAt.UTC().Format(timeFormat))
	return err
}

// ListChangeMessages returns the messages of a change, oldest first.
func (s *SQLiteStorage) ListChangeMessages(ctx context.Context, changeID string) ([]*models.ChangeMessage, error) {
	ctx = ensureCtx(ctx)
	if _, err := s.GetChange(ctx, changeID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, change_id, author, message, created_at
		FROM change_messages WHERE change_id = ?`, changeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*models.ChangeMessage, 0)
	for rows.Next() {
		var (
			msg       models.ChangeMessage
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.ChangeID, &msg.Author, &msg.Message, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, err
		}
		result = append(result, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortMessages(result)
	return result, nil
}

// LockBranches acquires every branch lock for owner in one transaction.
func (s *SQLiteStorage) LockBranches(ctx context.Context, owner string, keys []models.BranchKey, ttl time.Duration) error {
	ctx = ensureCtx(ctx)
	if owner == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, k := range sortedKeys(keys) {
		var (
			holder  string
			expires int64
		)
		err := tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM branch_locks WHERE project = ? AND branch = ?`,
			k.Project, k.Branch).Scan(&holder, &expires)
		switch {
		case err == nil && holder != owner && now.UnixMilli() < expires:
			return ErrLockHeld
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO branch_locks (project, branch, owner, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(project, branch) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at`,
			k.Project, k.Branch, owner, now.Add(ttl).UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnlockBranches releases locks owned by owner.
func (s *SQLiteStorage) UnlockBranches(ctx context.Context, owner string, keys []models.BranchKey) {
	ctx = ensureCtx(ctx)
	for _, k := range keys {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM branch_locks WHERE project = ? AND branch = ? AND owner = ?`,
			k.Project, k.Branch, owner)
	}
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ensureCtx(ctx))
}
