package store

import (
	"errors"
	"testing"
	"time"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
)

func TestCreateCommitFetch(t *testing.T) {
	b := NewBase(nil)

	err := b.RunInContext(func(ctx *Context) error {
		rec := ctx.Create("post")
		rec.SetID("p1")
		rec.Set("title", "hello")
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	err = b.RunInContext(func(ctx *Context) error {
		rec, err := ctx.FetchOne("post", filter.Where(filter.Eq(FieldID, "p1")))
		if err != nil {
			return err
		}
		if rec == nil {
			t.Fatal("committed record not found")
		}
		if rec.Get("title") != "hello" {
			t.Errorf("title = %v", rec.Get("title"))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestErrorDiscardsStagedChanges(t *testing.T) {
	b := NewBase(nil)
	boom := errors.New("boom")

	err := b.RunInContext(func(ctx *Context) error {
		rec := ctx.Create("post")
		rec.SetID("p1")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error not surfaced: %v", err)
	}

	_ = b.RunInContext(func(ctx *Context) error {
		n, _ := ctx.Count("post")
		if n != 0 {
			t.Errorf("discarded record is visible, count = %d", n)
		}
		return nil
	})
	if b.Mutations() != 0 {
		t.Errorf("mutations = %d after discarded context", b.Mutations())
	}
}

func TestWorkingCopyIsolation(t *testing.T) {
	b := NewBase(nil)
	seed(t, b, "post", "p1", map[string]any{"title": "original"})

	// A context that errors must not leak its edits into committed state.
	boom := errors.New("boom")
	_ = func() error {
		return b.RunInContext(func(ctx *Context) error {
			rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(FieldID, "p1")))
			rec.Set("title", "mutated")
			return boom
		})
	}()

	_ = b.RunInContext(func(ctx *Context) error {
		rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(FieldID, "p1")))
		if rec.Get("title") != "original" {
			t.Errorf("title = %v, want original", rec.Get("title"))
		}
		return nil
	})
}

func TestCommitWithoutIdentityFails(t *testing.T) {
	b := NewBase(nil)
	err := b.RunInContext(func(ctx *Context) error {
		rec := ctx.Create("post")
		rec.SetID("")
		return nil
	})
	if err == nil {
		t.Fatal("commit of record without identity succeeded")
	}
}

func TestCleanFetchDoesNotMutate(t *testing.T) {
	b := NewBase(nil)
	seed(t, b, "post", "p1", nil)
	before := b.Mutations()

	err := b.RunInContext(func(ctx *Context) error {
		_, err := ctx.Fetch("post", filter.Query{})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Mutations() != before {
		t.Errorf("read-only context changed mutation count: %d -> %d", before, b.Mutations())
	}
}

func TestDelete(t *testing.T) {
	b := NewBase(nil)
	seed(t, b, "post", "p1", nil)

	err := b.RunInContext(func(ctx *Context) error {
		rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(FieldID, "p1")))
		ctx.Delete(rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = b.RunInContext(func(ctx *Context) error {
		n, _ := ctx.Count("post")
		if n != 0 {
			t.Errorf("count = %d after delete", n)
		}
		return nil
	})
}

func TestResolve(t *testing.T) {
	b := NewBase(nil)
	seed(t, b, "post", "p1", nil)

	_ = b.RunInContext(func(ctx *Context) error {
		rec, err := ctx.Resolve(entity.Container{Kind: "post", ID: "p1"})
		if err != nil || rec == nil {
			t.Fatalf("Resolve: %v", err)
		}
		if _, err := ctx.Resolve(entity.Container{Kind: "post", ID: "ghost"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve of missing record = %v, want ErrNotFound", err)
		}
		return nil
	})
}

func TestFlushRunsBeforeMemoryApply(t *testing.T) {
	flushErr := errors.New("disk full")
	b := NewBase(func(changed []RecordData, deleted []entity.Container) error {
		return flushErr
	})

	err := b.RunInContext(func(ctx *Context) error {
		rec := ctx.Create("post")
		rec.SetID("p1")
		return nil
	})
	if !errors.Is(err, flushErr) {
		t.Fatalf("flush error not surfaced: %v", err)
	}

	_ = b.RunInContext(func(ctx *Context) error {
		n, _ := ctx.Count("post")
		if n != 0 {
			t.Error("failed flush left the record in committed state")
		}
		return nil
	})
	if b.Mutations() != 0 {
		t.Errorf("mutations = %d after failed flush", b.Mutations())
	}
}

func TestFlushChangeSet(t *testing.T) {
	var gotChanged []RecordData
	var gotDeleted []entity.Container
	b := NewBase(func(changed []RecordData, deleted []entity.Container) error {
		gotChanged = changed
		gotDeleted = deleted
		return nil
	})
	seed(t, b, "post", "old", nil)

	gotChanged, gotDeleted = nil, nil
	err := b.RunInContext(func(ctx *Context) error {
		rec := ctx.Create("post")
		rec.SetID("new")
		old, _ := ctx.FetchOne("post", filter.Where(filter.Eq(FieldID, "old")))
		ctx.Delete(old)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(gotChanged) != 1 || gotChanged[0].ID != "new" {
		t.Errorf("changed = %+v", gotChanged)
	}
	if len(gotDeleted) != 1 || gotDeleted[0].ID != "old" {
		t.Errorf("deleted = %+v", gotDeleted)
	}
}

func TestIdentityRewriteRemovesOldRow(t *testing.T) {
	var gotDeleted []entity.Container
	b := NewBase(func(changed []RecordData, deleted []entity.Container) error {
		gotDeleted = append(gotDeleted, deleted...)
		return nil
	})
	seed(t, b, "post", "tmp", nil)

	err := b.RunInContext(func(ctx *Context) error {
		rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(FieldID, "tmp")))
		rec.SetID("final")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, h := range gotDeleted {
		if h.ID == "tmp" {
			found = true
		}
	}
	if !found {
		t.Error("old identity not removed on id rewrite")
	}
	_ = b.RunInContext(func(ctx *Context) error {
		n, _ := ctx.Count("post")
		if n != 1 {
			t.Errorf("count = %d after id rewrite", n)
		}
		return nil
	})
}

func TestRecordDataRoundtrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := newRecord("post", "p1")
	rec.SetCreateDate(&now)
	rec.SetUpdateDate(&now)
	rec.SetLoaded(true)
	rec.Set("title", "hello")
	rec.SetRelation("author", "u1")
	rec.AddRelations("tags", "t2", "t1")

	back := FromData(rec.Data())
	if back.ID() != "p1" || !back.Loaded() || back.Get("title") != "hello" {
		t.Errorf("roundtrip lost scalar state: %+v", back.Data())
	}
	if id, _ := back.Relation("author"); id != "u1" {
		t.Errorf("author = %q", id)
	}
	ids := back.RelationIDs("tags")
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("tags = %v, want sorted pair", ids)
	}
	if back.dirty {
		t.Error("rehydrated record starts dirty")
	}
}

func TestRecordSettersTrackChanges(t *testing.T) {
	rec := newRecord("post", "p1")
	rec.dirty = false

	rec.SetLoaded(false)
	rec.SetPendingDelete(false)
	if rec.dirty {
		t.Error("no-op setters marked the record dirty")
	}

	rec.SetRelation("author", "u1")
	if !rec.dirty {
		t.Error("SetRelation did not mark the record dirty")
	}
	rec.dirty = false
	rec.SetRelation("author", "u1")
	if rec.dirty {
		t.Error("re-setting the same relation marked the record dirty")
	}

	rec.AddRelations("tags", "t1")
	if !rec.dirty {
		t.Error("AddRelations did not mark the record dirty")
	}
	rec.dirty = false
	rec.AddRelations("tags", "t1")
	if rec.dirty {
		t.Error("re-adding an existing relation marked the record dirty")
	}
}

func seed(t *testing.T, b *Base, kind entity.Kind, id string, attrs map[string]any) {
	t.Helper()
	err := b.RunInContext(func(ctx *Context) error {
		rec := ctx.Create(kind)
		rec.SetID(id)
		for k, v := range attrs {
			rec.Set(k, v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", kind, id, err)
	}
}
