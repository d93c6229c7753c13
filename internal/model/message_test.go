package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestOptimisticIDRoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	msg := Message{ID: NewOptimisticID(), ThreadID: "t1", Role: RoleUser, Content: "hi"}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"id":"`+OptimisticPrefix) {
		t.Fatalf("encoded id missing optimistic prefix: %s", raw)
	}

	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.ID != msg.ID {
		t.Fatalf("decoded id = %s, want %s", decoded.ID, msg.ID)
	}
	if !decoded.ID.IsOptimistic() {
		t.Fatalf("decoded id lost optimistic marker")
	}
}

func TestConfirmedAndOptimisticIDsNeverCompareEqual(t *testing.T) {
	t.Parallel()

	optimistic := NewOptimisticID()
	confirmed := ConfirmedID(optimistic.String())
	if confirmed.IsOptimistic() {
		t.Fatalf("ConfirmedID must never be optimistic")
	}
	if confirmed == optimistic {
		t.Fatalf("confirmed and optimistic ids compared equal")
	}
	if NewOptimisticID() == NewOptimisticID() {
		t.Fatalf("fresh optimistic ids collided")
	}
}

func TestParseIDRejectsMalformedOptimisticID(t *testing.T) {
	t.Parallel()

	_, err := ParseID(OptimisticPrefix + "not-a-uuid")
	if !errors.Is(err, ErrInvalidID) {
		t.Fatalf("ParseID() error = %v, want ErrInvalidID", err)
	}
}

func TestMergeAppendsPendingAfterConfirmedWithoutDuplicates(t *testing.T) {
	t.Parallel()

	m1 := Message{ID: ConfirmedID("m1"), Content: "hi"}
	p1 := Message{ID: NewOptimisticID(), Content: "pending one"}
	p2 := Message{ID: NewOptimisticID(), Content: "pending two"}

	got := Merge([]Message{m1, p1}, []Message{p1, p2})
	if len(got) != 3 {
		t.Fatalf("len(Merge) = %d, want 3", len(got))
	}
	wantIDs := []ID{m1.ID, p1.ID, p2.ID}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Fatalf("Merge()[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestReplaceByIDKeepsPositionAndLength(t *testing.T) {
	t.Parallel()

	optimistic := NewOptimisticID()
	list := []Message{
		{ID: ConfirmedID("a")},
		{ID: optimistic, Content: "draft"},
		{ID: ConfirmedID("c")},
	}
	canonical := Message{ID: ConfirmedID("b"), Content: "draft"}

	if !ReplaceByID(list, optimistic, canonical) {
		t.Fatalf("ReplaceByID() = false, want true")
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[1].ID != canonical.ID {
		t.Fatalf("list[1].ID = %s, want %s", list[1].ID, canonical.ID)
	}
	if ReplaceByID(list, optimistic, canonical) {
		t.Fatalf("second ReplaceByID() should report missing id")
	}
}

func TestRemoveIDsPreservesOrder(t *testing.T) {
	t.Parallel()

	a, b, c := ConfirmedID("a"), NewOptimisticID(), ConfirmedID("c")
	got := RemoveIDs([]Message{{ID: a}, {ID: b}, {ID: c}}, b)
	if len(got) != 2 || got[0].ID != a || got[1].ID != c {
		t.Fatalf("RemoveIDs() = %#v", got)
	}
}

func TestNewMessageValidate(t *testing.T) {
	t.Parallel()

	if err := (NewMessage{ThreadID: "t1", Role: RoleUser}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := (NewMessage{Role: RoleUser}).Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("missing thread: error = %v, want ErrInvalidMessage", err)
	}
	if err := (NewMessage{ThreadID: "t1", Role: "tool"}).Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("bad role: error = %v, want ErrInvalidMessage", err)
	}
}

func TestThreadPatchEncodesEmptyFolderAsNull(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ThreadPatch{FolderID: StringPtr("")})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `{"folder_id":null}` {
		t.Fatalf("Marshal() = %s, want folder_id null", raw)
	}

	var decoded ThreadPatch
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.FolderID == nil || *decoded.FolderID != "" {
		t.Fatalf("decoded FolderID = %v, want empty", decoded.FolderID)
	}
	if err := json.Unmarshal([]byte(`{"title":"t"}`), &decoded); err != nil || decoded.FolderID != nil {
		t.Fatalf("absent folder_id decoded as %v (err %v), want nil", decoded.FolderID, err)
	}

	folder := "f1"
	th := decoded.Apply(Thread{FolderID: &folder})
	if th.FolderID == nil || *th.FolderID != "f1" {
		t.Fatalf("Apply() without folder changed it to %v", th.FolderID)
	}
	if th = (ThreadPatch{FolderID: StringPtr("")}).Apply(th); th.FolderID != nil {
		t.Fatalf("Apply() with empty folder = %q, want nil", *th.FolderID)
	}
}
