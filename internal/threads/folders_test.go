package threads

import (
	"context"
	"errors"
	"testing"

	"elucide/internal/backend"
	"elucide/internal/backend/backendtest"
	"elucide/internal/model"
)

func TestFolderLifecycle(t *testing.T) {
	t.Parallel()

	server := backendtest.New(t)
	client, err := backend.New(backend.Config{BaseURL: server.URL, UserID: "user-1"})
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	folders, err := NewFolders(client, nil)
	if err != nil {
		t.Fatalf("NewFolders() error = %v", err)
	}
	ctx := context.Background()

	if _, err := folders.Create(ctx, "   ", nil); !errors.Is(err, ErrEmptyFolderName) {
		t.Fatalf("Create() error = %v, want %v", err, ErrEmptyFolderName)
	}
	work, err := folders.Create(ctx, "Work", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	archive, err := folders.Create(ctx, "archive", model.StringPtr(work.ID))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if archive.ParentID == nil || *archive.ParentID != work.ID {
		t.Fatalf("nested folder parent = %v", archive.ParentID)
	}
	if list := folders.List(); len(list) != 2 || list[0].Name != "archive" {
		t.Fatalf("List() = %v", list)
	}

	renamed, err := folders.Update(ctx, work.ID, model.FolderPatch{Name: model.StringPtr("Projects")})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if renamed.Name != "Projects" {
		t.Fatalf("Update() name = %q", renamed.Name)
	}

	if err := folders.Delete(ctx, archive.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	fetched, err := folders.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(fetched) != 1 || fetched[0].Name != "Projects" {
		t.Fatalf("Fetch() = %v", fetched)
	}
	if err := folders.Delete(ctx, archive.ID); !backend.IsNotFound(err) {
		t.Fatalf("Delete() twice error = %v, want not found", err)
	}
}
