package threads

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"elucide/internal/logging"
	"elucide/internal/model"
)

// ErrEmptyFolderName rejects a folder without a name.
var ErrEmptyFolderName = errors.New("folder name is empty")

// FolderBackend is the folder persistence surface.
type FolderBackend interface {
	FetchFolders(ctx context.Context) ([]model.Folder, error)
	CreateFolder(ctx context.Context, name string, parentID *string) (model.Folder, error)
	UpdateFolder(ctx context.Context, folderID string, patch model.FolderPatch) (model.Folder, error)
	DeleteFolder(ctx context.Context, folderID string) error
}

// Folders mirrors the user's folders. Unlike threads, folder writes wait
// for the backend before changing the mirror.
type Folders struct {
	backend FolderBackend
	log     *zap.Logger

	mu      sync.Mutex
	folders []model.Folder
}

// NewFolders constructs an empty folder mirror.
func NewFolders(backend FolderBackend, logger *zap.Logger) (*Folders, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &Folders{backend: backend, log: logging.OrNop(logger).Named("folders")}, nil
}

// Fetch replaces the mirror with the backend's folders.
func (f *Folders) Fetch(ctx context.Context) ([]model.Folder, error) {
	folders, err := f.backend.FetchFolders(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.folders = append([]model.Folder(nil), folders...)
	f.mu.Unlock()
	return f.List(), nil
}

// List returns folders sorted by name.
func (f *Folders) List() []model.Folder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]model.Folder(nil), f.folders...)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Create adds a folder, optionally nested under parentID.
func (f *Folders) Create(ctx context.Context, name string, parentID *string) (model.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Folder{}, ErrEmptyFolderName
	}
	created, err := f.backend.CreateFolder(ctx, name, parentID)
	if err != nil {
		return model.Folder{}, fmt.Errorf("create folder %q: %w", name, err)
	}
	f.mu.Lock()
	f.folders = append(f.folders, created)
	f.mu.Unlock()
	f.log.Debug("folder_created", zap.String("folder", created.ID))
	return created, nil
}

// Update renames or re-parents a folder.
func (f *Folders) Update(ctx context.Context, folderID string, patch model.FolderPatch) (model.Folder, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return model.Folder{}, ErrEmptyFolderName
	}
	updated, err := f.backend.UpdateFolder(ctx, folderID, patch)
	if err != nil {
		return model.Folder{}, fmt.Errorf("update folder %s: %w", folderID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.indexLocked(folderID); i >= 0 {
		f.folders[i] = updated
	} else {
		f.folders = append(f.folders, updated)
	}
	return updated, nil
}

// Delete removes a folder.
func (f *Folders) Delete(ctx context.Context, folderID string) error {
	if err := f.backend.DeleteFolder(ctx, folderID); err != nil {
		return fmt.Errorf("delete folder %s: %w", folderID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(folderID)
	if i < 0 {
		return nil
	}
	f.folders = append(f.folders[:i], f.folders[i+1:]...)
	f.log.Debug("folder_deleted", zap.String("folder", folderID))
	return nil
}

func (f *Folders) indexLocked(folderID string) int {
	for i, folder := range f.folders {
		if folder.ID == folderID {
			return i
		}
	}
	return -1
}
