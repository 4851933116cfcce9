package directory

import (
	"context"
	"errors"
	"testing"

	"OpenCRM-Dialog/internal/session"
)

func TestMemoryStoreSearchIsScopedAndCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(
		Record{ID: "c1", OwnerID: "u1", Kind: session.KindContact, Display: "John Smith", Email: "john@a.com"},
		Record{ID: "c2", OwnerID: "u1", Kind: session.KindContact, Display: "Johnny Smithers"},
		Record{ID: "c3", OwnerID: "u2", Kind: session.KindContact, Display: "John Smith"},
		Record{ID: "p1", OwnerID: "u1", Kind: session.KindProperty, Display: "1 Smith Road"},
	)

	got, err := store.Search(ctx, "u1", session.KindContact, "SMITH")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("unexpected results: %+v", got)
	}

	got, _ = store.Search(ctx, "u1", session.KindContact, "john@a")
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("email search failed: %+v", got)
	}

	if !got[0].ExactMatch("john smith") {
		t.Fatalf("exact match must ignore case")
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	record := &Record{OwnerID: "u1", Kind: session.KindDeal, Display: "Oak deal", Fields: map[string]any{"stage": "new"}}
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.ID == "" {
		t.Fatalf("id not assigned")
	}
	if err := store.Create(ctx, record); !errors.Is(err, ErrRecordConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	update := &Record{ID: record.ID, OwnerID: "u1", Fields: map[string]any{"stage": "won"}}
	if err := store.Update(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.Display != "Oak deal" || update.Fields["stage"] != "won" {
		t.Fatalf("update did not merge: %+v", update)
	}

	if _, err := store.Get(ctx, "u2", record.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("other users must not see the record")
	}
	if err := store.Delete(ctx, "u1", record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "u1", record.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("record still present after delete")
	}
}
