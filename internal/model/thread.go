package model

import (
	"encoding/json"
	"time"
)

// Thread is a conversation owned by the backend.
type Thread struct {
	ID        ID        `json:"id"`
	UserID    string    `json:"user_id"`
	Title     *string   `json:"title"`
	Label     *string   `json:"label"`
	FolderID  *string   `json:"folder_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadPatch carries the mutable thread fields. Nil fields are left unchanged.
type ThreadPatch struct {
	Title     *string    `json:"title,omitempty"`
	Label     *string    `json:"label,omitempty"`
	FolderID  *string    `json:"folder_id,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// threadPatchJSON is the wire shape of ThreadPatch. FolderID is raw so an
// explicit null can be told apart from an absent field.
type threadPatchJSON struct {
	Title     *string         `json:"title,omitempty"`
	Label     *string         `json:"label,omitempty"`
	FolderID  json.RawMessage `json:"folder_id,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// MarshalJSON encodes an empty FolderID as null, which clears the folder.
func (p ThreadPatch) MarshalJSON() ([]byte, error) {
	out := threadPatchJSON{Title: p.Title, Label: p.Label, UpdatedAt: p.UpdatedAt}
	if p.FolderID != nil {
		if *p.FolderID == "" {
			out.FolderID = json.RawMessage("null")
		} else {
			raw, err := json.Marshal(*p.FolderID)
			if err != nil {
				return nil, err
			}
			out.FolderID = raw
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes "folder_id": null as an empty FolderID.
func (p *ThreadPatch) UnmarshalJSON(data []byte) error {
	var in threadPatchJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = ThreadPatch{Title: in.Title, Label: in.Label, UpdatedAt: in.UpdatedAt}
	switch string(in.FolderID) {
	case "":
	case "null":
		p.FolderID = StringPtr("")
	default:
		var folderID string
		if err := json.Unmarshal(in.FolderID, &folderID); err != nil {
			return err
		}
		p.FolderID = &folderID
	}
	return nil
}

// Apply returns t with the non-nil patch fields applied. An empty FolderID
// moves the thread to the top level.
func (p ThreadPatch) Apply(t Thread) Thread {
	if p.Title != nil {
		t.Title = p.Title
	}
	if p.Label != nil {
		t.Label = p.Label
	}
	if p.FolderID != nil {
		t.FolderID = p.FolderID
		if *p.FolderID == "" {
			t.FolderID = nil
		}
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	}
	return t
}

// Revert restores on t the fields p would change, taking them from before.
// Fields p leaves alone keep their current value.
func (p ThreadPatch) Revert(t, before Thread) Thread {
	if p.Title != nil {
		t.Title = before.Title
	}
	if p.Label != nil {
		t.Label = before.Label
	}
	if p.FolderID != nil {
		t.FolderID = before.FolderID
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = before.UpdatedAt
	}
	return t
}

// Merge overlays later on top of p.
func (p ThreadPatch) Merge(later ThreadPatch) ThreadPatch {
	if later.Title != nil {
		p.Title = later.Title
	}
	if later.Label != nil {
		p.Label = later.Label
	}
	if later.FolderID != nil {
		p.FolderID = later.FolderID
	}
	if later.UpdatedAt != nil {
		p.UpdatedAt = later.UpdatedAt
	}
	return p
}

// Folder groups threads.
type Folder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FolderPatch carries mutable folder fields.
type FolderPatch struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
