package jsonstore

import (
	"context"
	"testing"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveAndGetProject_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	project := domain.Project{ID: "p1", Name: "Orchestrator", Status: domain.Status("active")}

	if err := s.SaveProject(ctx, project); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != project.Name {
		t.Fatalf("expected name %q, got %q", project.Name, got.Name)
	}
}

func TestGetProject_UnknownReturnsError(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetProject(context.Background(), "ghost"); err == nil {
		t.Fatal("expected an error for an unknown project")
	}
}

func TestDeleteProject_CascadesToEpicsAndTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveTask(ctx, domain.AtomicTask{ID: "t1", EpicID: "e1"}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.SaveEpic(ctx, domain.Epic{ID: "e1", ProjectID: "p1", TaskIDs: []string{"t1"}}); err != nil {
		t.Fatalf("SaveEpic: %v", err)
	}
	if err := s.SaveProject(ctx, domain.Project{ID: "p1", EpicIDs: []string{"e1"}}); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}

	if err := s.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := s.GetProject(ctx, "p1"); err == nil {
		t.Fatal("expected the project to be gone")
	}
	if _, err := s.GetEpic(ctx, "e1"); err == nil {
		t.Fatal("expected the cascaded epic to be gone")
	}
	if _, err := s.GetTask(ctx, "t1"); err == nil {
		t.Fatal("expected the cascaded task to be gone")
	}
}

func TestSearchProjects_MatchesNameOrDescriptionCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SaveProject(ctx, domain.Project{ID: "p1", Name: "Vibe Orchestrator", Description: "task engine"}); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	if err := s.SaveProject(ctx, domain.Project{ID: "p2", Name: "Unrelated"}); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}

	results, err := s.SearchProjects(ctx, "orchestrator")
	if err != nil {
		t.Fatalf("SearchProjects: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p1" {
		t.Fatalf("expected only p1 to match, got %+v", results)
	}
}

func TestListEpicsByStatus_FiltersByProjectAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SaveEpic(ctx, domain.Epic{ID: "e1", ProjectID: "p1", Status: domain.Status("in_progress")}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEpic(ctx, domain.Epic{ID: "e2", ProjectID: "p1", Status: domain.Status("done")}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEpic(ctx, domain.Epic{ID: "e3", ProjectID: "p2", Status: domain.Status("in_progress")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEpicsByStatus(ctx, "p1", domain.Status("in_progress"))
	if err != nil {
		t.Fatalf("ListEpicsByStatus: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("expected only e1, got %+v", got)
	}
}

func TestListTasksByStatus_FiltersByEpicAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.SaveTask(ctx, domain.AtomicTask{ID: "t1", EpicID: "e1", Status: domain.Status("queued")}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTask(ctx, domain.AtomicTask{ID: "t2", EpicID: "e1", Status: domain.Status("completed")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListTasksByStatus(ctx, "e1", domain.Status("queued"))
	if err != nil {
		t.Fatalf("ListTasksByStatus: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("expected only t1, got %+v", got)
	}
}

func TestDeleteTask_UnknownIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteTask(context.Background(), "ghost"); err != nil {
		t.Fatalf("expected deleting a nonexistent task to be a no-op, got %v", err)
	}
}
