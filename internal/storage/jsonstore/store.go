// Package jsonstore is the reference Storage Adapter (C10): one JSON file
// per entity under a root directory, written atomically via
// os.CreateTemp + os.Rename. Grounded on internal/memory/workspace.go's
// Write (temp file in the same directory, then rename) and on
// internal/persistence/store.go's per-row lease/lock discipline,
// generalized here to a per-id sync.Mutex rather than a time-bounded lease
// since this adapter has no distributed-worker lease model to coordinate.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

// Store is a file-backed domain.Project/Epic/AtomicTask store.
type Store struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the entity subdirectories if
// they do not already exist.
func New(dir string) (*Store, error) {
	s := &Store{root: dir, locks: make(map[string]*sync.Mutex)}
	for _, sub := range []string{"projects", "epics", "tasks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, domain.NewError(domain.ErrFatal, "cannot create storage directory", err)
		}
	}
	return s, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// tryLockFor acquires the per-id lock without blocking, surfacing a
// conflicting concurrent write as domain.ErrBusy (§4.10: "conflicts surface
// as busy with a retryable hint") instead of queuing behind it.
func (s *Store) tryLockFor(key string) (*sync.Mutex, error) {
	l := s.lockFor(key)
	if !l.TryLock() {
		return nil, domain.NewError(domain.ErrBusy, "entity "+key+" is being written concurrently", nil)
	}
	return l, nil
}

func (s *Store) path(kind, id string) string {
	return filepath.Join(s.root, kind, id+".json")
}

// writeAtomic marshals v and writes it to path via a temp file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// corrupt file in place.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.NewError(domain.ErrValidation, "cannot marshal entity", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return domain.NewError(domain.ErrFatal, "cannot create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.NewError(domain.ErrFatal, "cannot write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.NewError(domain.ErrFatal, "cannot close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return domain.NewError(domain.ErrFatal, "cannot rename temp file into place", err)
	}
	return nil
}

func readJSON[T any](path string, notFoundKind domain.ErrKind) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, domain.NewError(notFoundKind, "entity not found", err)
		}
		return v, domain.NewError(domain.ErrFatal, "cannot read entity", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, domain.NewError(domain.ErrParse, "cannot parse stored entity", err)
	}
	return v, nil
}

// --- Project ---

func (s *Store) SaveProject(ctx context.Context, project domain.Project) error {
	lock, err := s.tryLockFor("project:" + project.ID)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return writeAtomic(s.path("projects", project.ID), project)
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return readJSON[domain.Project](s.path("projects", id), domain.ErrUnknownSession)
}

// DeleteProject cascades: its epics are deleted, and each epic's tasks with them (§4.10).
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	lock, err := s.tryLockFor("project:" + id)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	project, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	for _, epicID := range project.EpicIDs {
		if err := s.DeleteEpic(ctx, epicID); err != nil && !isNotFound(err) {
			return err
		}
	}
	if err := os.Remove(s.path("projects", id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.NewError(domain.ErrFatal, "cannot remove project file", err)
	}
	return nil
}

func (s *Store) SearchProjects(ctx context.Context, query string) ([]domain.Project, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "cannot list projects", err)
	}
	query = strings.ToLower(query)
	var out []domain.Project
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		project, err := s.GetProject(ctx, id)
		if err != nil {
			continue
		}
		if query == "" || strings.Contains(strings.ToLower(project.Name), query) ||
			strings.Contains(strings.ToLower(project.Description), query) {
			out = append(out, project)
		}
	}
	return out, nil
}

// --- Epic ---

func (s *Store) SaveEpic(ctx context.Context, epic domain.Epic) error {
	lock, err := s.tryLockFor("epic:" + epic.ID)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return writeAtomic(s.path("epics", epic.ID), epic)
}

func (s *Store) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	return readJSON[domain.Epic](s.path("epics", id), domain.ErrUnknownSession)
}

// DeleteEpic cascades: its tasks are deleted along with it (§4.10).
func (s *Store) DeleteEpic(ctx context.Context, id string) error {
	lock, err := s.tryLockFor("epic:" + id)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	epic, err := s.GetEpic(ctx, id)
	if err != nil {
		return err
	}
	for _, taskID := range epic.TaskIDs {
		if err := s.DeleteTask(ctx, taskID); err != nil && !isNotFound(err) {
			return err
		}
	}
	if err := os.Remove(s.path("epics", id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.NewError(domain.ErrFatal, "cannot remove epic file", err)
	}
	return nil
}

func (s *Store) ListEpicsByStatus(ctx context.Context, projectID string, status domain.Status) ([]domain.Epic, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "epics"))
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "cannot list epics", err)
	}
	var out []domain.Epic
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		epic, err := s.GetEpic(ctx, id)
		if err != nil {
			continue
		}
		if epic.ProjectID == projectID && epic.Status == status {
			out = append(out, epic)
		}
	}
	return out, nil
}

// --- AtomicTask ---

func (s *Store) SaveTask(ctx context.Context, task domain.AtomicTask) error {
	lock, err := s.tryLockFor("task:" + task.ID)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return writeAtomic(s.path("tasks", task.ID), task)
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.AtomicTask, error) {
	return readJSON[domain.AtomicTask](s.path("tasks", id), domain.ErrUnknownTask)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	lock, err := s.tryLockFor("task:" + id)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if err := os.Remove(s.path("tasks", id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.NewError(domain.ErrFatal, "cannot remove task file", err)
	}
	return nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, epicID string, status domain.Status) ([]domain.AtomicTask, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		return nil, domain.NewError(domain.ErrFatal, "cannot list tasks", err)
	}
	var out []domain.AtomicTask
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		task, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if task.EpicID == epicID && task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	var dErr *domain.Error
	if errors.As(err, &dErr) {
		return dErr.Kind == domain.ErrUnknownTask || dErr.Kind == domain.ErrUnknownSession
	}
	return false
}
