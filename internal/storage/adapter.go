// Package storage defines the Storage Adapter (C10) capability interface
// plus reference implementations: a write-temp-then-rename JSON-on-disk
// adapter (storage/jsonstore) and a transactional SQLite adapter
// (storage/sqlite), both satisfying the same Adapter contract so either can
// back the rest of the engine interchangeably.
package storage

import (
	"context"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

// Adapter is abstract CRUD for Project/Epic/AtomicTask plus the
// status-filtered and search queries named in §4.10. All mutations are
// transactional per-entity; a concurrent write to the same entity is
// serialized by a per-id lock, surfacing a conflict as domain.ErrBusy with
// a retryable hint rather than corrupting state.
type Adapter interface {
	SaveProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
	SearchProjects(ctx context.Context, query string) ([]domain.Project, error)

	SaveEpic(ctx context.Context, epic domain.Epic) error
	GetEpic(ctx context.Context, id string) (domain.Epic, error)
	DeleteEpic(ctx context.Context, id string) error
	ListEpicsByStatus(ctx context.Context, projectID string, status domain.Status) ([]domain.Epic, error)

	SaveTask(ctx context.Context, task domain.AtomicTask) error
	GetTask(ctx context.Context, id string) (domain.AtomicTask, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasksByStatus(ctx context.Context, epicID string, status domain.Status) ([]domain.AtomicTask, error)
}
