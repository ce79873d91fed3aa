package postgres

import (
	"os"
	"testing"
	"time"

	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/store"
)

// Integration tests need a real database; point MIRROR_TEST_POSTGRES_DSN at
// one to enable them.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MIRROR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MIRROR_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DELETE FROM records; DELETE FROM relations;`)
		_ = s.Close()
	})
	return s
}

func TestPersistenceAcrossReopen(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	err := s.RunInContext(func(ctx *store.Context) error {
		rec := ctx.Create("post")
		rec.SetID("pg-p1")
		rec.SetUpdateDate(&now)
		rec.SetLoaded(true)
		rec.Set("title", "hello")
		rec.SetRelation("author", "u1")
		rec.AddRelations("tags", "t1", "t2")
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	s2, err := Open(os.Getenv("MIRROR_TEST_POSTGRES_DSN"))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	err = s2.RunInContext(func(ctx *store.Context) error {
		rec, err := ctx.FetchOne("post", filter.Where(filter.Eq(store.FieldID, "pg-p1")))
		if err != nil {
			return err
		}
		if rec == nil {
			t.Fatal("record did not survive reopen")
		}
		if rec.Get("title") != "hello" || !rec.Loaded() {
			t.Errorf("record state lost: title=%v loaded=%v", rec.Get("title"), rec.Loaded())
		}
		if ts := rec.UpdateDate(); ts == nil || !ts.Equal(now) {
			t.Errorf("updateDate = %v", ts)
		}
		if tags := rec.RelationIDs("tags"); len(tags) != 2 {
			t.Errorf("tags = %v", tags)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeletePersists(t *testing.T) {
	s := openTestStore(t)
	err := s.RunInContext(func(ctx *store.Context) error {
		rec := ctx.Create("post")
		rec.SetID("pg-doomed")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.RunInContext(func(ctx *store.Context) error {
		rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(store.FieldID, "pg-doomed")))
		ctx.Delete(rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM records WHERE id = 'pg-doomed'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("row count = %d after delete", n)
	}
}
