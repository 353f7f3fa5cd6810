// Package sqlite is the transactional Storage Adapter (C10) backed by
// github.com/mattn/go-sqlite3. Grounded on internal/persistence/store.go's
// Open/configurePragmas/retryOnBusy idiom: a single-writer WAL-mode
// connection, busy/locked errors retried with bounded exponential backoff
// rather than surfaced on first occurrence, and mutations wrapped in an
// explicit BeginTx/Commit/Rollback transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

// Store is a SQLite-backed domain.Project/Epic/AtomicTask store. Each
// entity is stored as a JSON blob alongside the narrow set of columns
// needed for the status-filtered and search queries §4.10 names, so the
// domain schema can evolve without a migration for every new field.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at path and ensures its schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.NewError(domain.ErrFatal, "create db directory", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "open sqlite3", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return domain.NewError(domain.ErrFatal, "configure pragma", err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS epics (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_epics_project_status ON epics(project_id, status);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			epic_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_epic_status ON tasks(epic_id, status);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewError(domain.ErrFatal, "begin schema tx", err)
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return domain.NewError(domain.ErrFatal, "create schema", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.NewError(domain.ErrFatal, "commit transaction", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite reports the database as busy or locked,
// with bounded exponential backoff atop the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, f func() error) error {
	const maxRetries = 5
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return domain.NewError(domain.ErrBusy, "database busy after retries", err)
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// --- Project ---

func (s *Store) SaveProject(ctx context.Context, project domain.Project) error {
	data, err := json.Marshal(project)
	if err != nil {
		return domain.NewError(domain.ErrValidation, "marshal project", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, data = excluded.data;
		`, project.ID, project.Name, project.Description, data)
		if err != nil {
			return domain.NewError(domain.ErrFatal, "save project", err)
		}
		return nil
	})
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM projects WHERE id = ?;`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, domain.NewError(domain.ErrUnknownSession, "project not found", err)
	}
	if err != nil {
		return domain.Project{}, domain.NewError(domain.ErrFatal, "get project", err)
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return domain.Project{}, domain.NewError(domain.ErrParse, "parse stored project", err)
	}
	return project, nil
}

// DeleteProject cascades to its epics and, transitively, their tasks (§4.10).
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	project, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.NewError(domain.ErrFatal, "begin delete project tx", err)
		}
		defer tx.Rollback()

		for _, epicID := range project.EpicIDs {
			if err := deleteEpicTx(ctx, tx, epicID); err != nil && !isNotFound(err) {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?;`, id); err != nil {
			return domain.NewError(domain.ErrFatal, "delete project", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.NewError(domain.ErrFatal, "commit transaction", err)
		}
		return nil
	})
}

func (s *Store) SearchProjects(ctx context.Context, query string) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM projects WHERE name LIKE ? OR description LIKE ? ORDER BY id;
	`, "%"+query+"%", "%"+query+"%")
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "search projects", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, domain.NewError(domain.ErrFatal, "scan project", err)
		}
		var project domain.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return nil, domain.NewError(domain.ErrParse, "parse stored project", err)
		}
		out = append(out, project)
	}
	return out, rows.Err()
}

// --- Epic ---

func (s *Store) SaveEpic(ctx context.Context, epic domain.Epic) error {
	data, err := json.Marshal(epic)
	if err != nil {
		return domain.NewError(domain.ErrValidation, "marshal epic", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO epics (id, project_id, status, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET project_id = excluded.project_id, status = excluded.status, data = excluded.data;
		`, epic.ID, epic.ProjectID, string(epic.Status), data)
		if err != nil {
			return domain.NewError(domain.ErrFatal, "save epic", err)
		}
		return nil
	})
}

func (s *Store) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM epics WHERE id = ?;`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Epic{}, domain.NewError(domain.ErrUnknownSession, "epic not found", err)
	}
	if err != nil {
		return domain.Epic{}, domain.NewError(domain.ErrFatal, "get epic", err)
	}
	var epic domain.Epic
	if err := json.Unmarshal(data, &epic); err != nil {
		return domain.Epic{}, domain.NewError(domain.ErrParse, "parse stored epic", err)
	}
	return epic, nil
}

func (s *Store) DeleteEpic(ctx context.Context, id string) error {
	if _, err := s.GetEpic(ctx, id); err != nil {
		return err
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.NewError(domain.ErrFatal, "begin delete epic tx", err)
		}
		defer tx.Rollback()
		if err := deleteEpicTx(ctx, tx, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return domain.NewError(domain.ErrFatal, "commit transaction", err)
		}
		return nil
	})
}

// deleteEpicTx deletes an epic and every task it owns within an existing transaction.
func deleteEpicTx(ctx context.Context, tx *sql.Tx, epicID string) error {
	var data []byte
	err := tx.QueryRowContext(ctx, `SELECT data FROM epics WHERE id = ?;`, epicID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewError(domain.ErrUnknownSession, "epic not found", err)
	}
	if err != nil {
		return domain.NewError(domain.ErrFatal, "select epic for delete", err)
	}
	var epic domain.Epic
	if err := json.Unmarshal(data, &epic); err != nil {
		return domain.NewError(domain.ErrParse, "parse stored epic", err)
	}
	for _, taskID := range epic.TaskIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID); err != nil {
			return domain.NewError(domain.ErrFatal, "delete task", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM epics WHERE id = ?;`, epicID); err != nil {
		return domain.NewError(domain.ErrFatal, "delete epic", err)
	}
	return nil
}

func (s *Store) ListEpicsByStatus(ctx context.Context, projectID string, status domain.Status) ([]domain.Epic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM epics WHERE project_id = ? AND status = ? ORDER BY id;
	`, projectID, string(status))
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "list epics by status", err)
	}
	defer rows.Close()

	var out []domain.Epic
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, domain.NewError(domain.ErrFatal, "scan epic", err)
		}
		var epic domain.Epic
		if err := json.Unmarshal(data, &epic); err != nil {
			return nil, domain.NewError(domain.ErrParse, "parse stored epic", err)
		}
		out = append(out, epic)
	}
	return out, rows.Err()
}

// --- AtomicTask ---

func (s *Store) SaveTask(ctx context.Context, task domain.AtomicTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return domain.NewError(domain.ErrValidation, "marshal task", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, epic_id, status, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET epic_id = excluded.epic_id, status = excluded.status, data = excluded.data;
		`, task.ID, task.EpicID, string(task.Status), data)
		if err != nil {
			return domain.NewError(domain.ErrFatal, "save task", err)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.AtomicTask, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?;`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AtomicTask{}, domain.NewError(domain.ErrUnknownTask, "task not found", err)
	}
	if err != nil {
		return domain.AtomicTask{}, domain.NewError(domain.ErrFatal, "get task", err)
	}
	var task domain.AtomicTask
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.AtomicTask{}, domain.NewError(domain.ErrParse, "parse stored task", err)
	}
	return task, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return domain.NewError(domain.ErrFatal, "delete task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NewError(domain.ErrUnknownTask, "task not found", nil)
		}
		return nil
	})
}

func (s *Store) ListTasksByStatus(ctx context.Context, epicID string, status domain.Status) ([]domain.AtomicTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM tasks WHERE epic_id = ? AND status = ? ORDER BY id;
	`, epicID, string(status))
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "list tasks by status", err)
	}
	defer rows.Close()

	var out []domain.AtomicTask
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, domain.NewError(domain.ErrFatal, "scan task", err)
		}
		var task domain.AtomicTask
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, domain.NewError(domain.ErrParse, "parse stored task", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func isNotFound(err error) bool {
	var dErr *domain.Error
	if errors.As(err, &dErr) {
		return dErr.Kind == domain.ErrUnknownTask || dErr.Kind == domain.ErrUnknownSession
	}
	return false
}
