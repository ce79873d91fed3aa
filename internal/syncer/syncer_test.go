package syncer

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/gateway"
	"github.com/mirrorkit/mirror/internal/registry"
	"github.com/mirrorkit/mirror/internal/remote"
	"github.com/mirrorkit/mirror/internal/store"
	"github.com/mirrorkit/mirror/internal/store/memory"
	"github.com/mirrorkit/mirror/internal/watermark"
)

// feedClient serves scripted entity documents plus an event feed.
type feedClient struct {
	docs   map[entity.Kind]map[string]*entity.Remote
	events []*entity.Remote

	lastEventQuery *remote.Query
}

func newFeedClient() *feedClient {
	return &feedClient{docs: map[entity.Kind]map[string]*entity.Remote{}}
}

func (f *feedClient) put(r *entity.Remote) {
	kind := r.EntityKind
	if f.docs[kind] == nil {
		f.docs[kind] = map[string]*entity.Remote{}
	}
	f.docs[kind][r.ID] = r
}

func (f *feedClient) addEvent(id string, kind entity.Kind, relatedID, action string, ts time.Time) {
	ev := entity.NewRemote(entity.EventKind)
	ev.ID = id
	ev.CreateDate = &ts
	ev.Attrs["relatedEntityKind"] = string(kind)
	ev.Attrs["relatedEntityId"] = relatedID
	ev.Attrs["action"] = action
	f.events = append(f.events, ev)
}

func (f *feedClient) LoadEntities(_ context.Context, kind entity.Kind, q remote.Query) ([]*entity.Remote, error) {
	if kind == entity.EventKind {
		f.lastEventQuery = &q
		var out []*entity.Remote
		for _, ev := range f.events {
			get := func(field string) any {
				if field == remote.FilterCreatedAfter && ev.CreateDate != nil {
					return *ev.CreateDate
				}
				return ev.Attrs[field]
			}
			if filter.Match(get, q.Filters) {
				out = append(out, ev)
			}
		}
		return out, nil
	}

	var out []*entity.Remote
	for _, r := range f.docs[kind] {
		get := func(field string) any {
			if field == remote.FilterUpdatedAfter && r.UpdateDate != nil {
				return *r.UpdateDate
			}
			return r.Attrs[field]
		}
		if filter.Match(get, q.Filters) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *feedClient) LoadOne(_ context.Context, kind entity.Kind, id string) (*entity.Remote, error) {
	r, ok := f.docs[kind][id]
	if !ok {
		return nil, &remote.ServiceError{Status: 404, Description: "not found"}
	}
	return r, nil
}

func (f *feedClient) Save(_ context.Context, r *entity.Remote) (*entity.Remote, error) {
	f.put(r)
	return r, nil
}

func (f *feedClient) Delete(_ context.Context, r *entity.Remote) error {
	delete(f.docs[r.Kind()], r.ID)
	return nil
}

func doc(kind entity.Kind, id, title string, updated time.Time) *entity.Remote {
	r := entity.NewRemote(kind)
	r.ID = id
	r.Loaded = true
	r.UpdateDate = &updated
	r.Attrs["title"] = title
	return r
}

func newTestSyncer(t *testing.T, client remote.Client, hooks Hooks) (*Syncer, store.Store) {
	t.Helper()
	reg := registry.New()
	reg.Register(&entity.Descriptor{Kind: "post", Fields: []entity.Field{{Name: "title"}}})
	reg.Register(&entity.Descriptor{Kind: "user", Fields: []entity.Field{{Name: "title"}}})
	st := memory.Open()
	logger := log.New(io.Discard, "", 0)
	s := New(Config{
		Client:   client,
		Store:    st,
		Registry: reg,
		Gateways: gateway.NewSet(reg, logger),
		Marks:    watermark.New(),
		Logger:   logger,
		Hooks:    hooks,
	})
	return s, st
}

func countKind(t *testing.T, st store.Store, kind entity.Kind) int {
	t.Helper()
	var n int
	err := st.RunInContext(func(ctx *store.Context) error {
		var err error
		n, err = ctx.Count(kind)
		return err
	})
	if err != nil {
		t.Fatalf("count %s: %v", kind, err)
	}
	return n
}

func eventWatermark(t *testing.T, s *Syncer, st store.Store) time.Time {
	t.Helper()
	var ts time.Time
	err := st.RunInContext(func(ctx *store.Context) error {
		m, err := s.marks.Get(ctx, entity.EventKind, eventFilterID)
		if err != nil {
			return err
		}
		if m != nil {
			ts = m.UpdateDate
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestFirstSyncLoadsEverythingAndSeedsWatermarks(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))
	client.put(doc("post", "p2", "two", t1))
	client.put(doc("user", "u1", "ann", t2))

	s, st := newTestSyncer(t, client, Hooks{})
	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.FirstSync {
		t.Error("round on an empty replica was not a first sync")
	}
	if res.Synced["post"] != 2 || res.Synced["user"] != 1 {
		t.Errorf("synced = %v", res.Synced)
	}
	if n := countKind(t, st, "post"); n != 2 {
		t.Errorf("post count = %d", n)
	}

	// The event watermark seeds from the newest server timestamp, not the
	// local clock, when any record carried one.
	if wm := eventWatermark(t, s, st); !wm.Equal(t2) {
		t.Errorf("event watermark = %v, want %v", wm, t2)
	}
	if last := s.Last(); last == nil || !last.FirstSync {
		t.Error("Last() does not report the completed round")
	}
}

func TestEventRoundResyncsOnlyDirtyKinds(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))
	client.put(doc("user", "u1", "ann", t1))

	s, st := newTestSyncer(t, client, Hooks{})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	t2 := t1.Add(time.Hour)
	client.put(doc("post", "p1", "edited", t2))
	client.put(doc("post", "p3", "new", t2))
	client.addEvent("e1", "post", "p1", string(entity.ActionUpdated), t2)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("event round: %v", err)
	}
	if res.FirstSync {
		t.Error("second round ran as a first sync")
	}
	if res.Events != 1 {
		t.Errorf("events = %d", res.Events)
	}
	if res.Synced["post"] != 2 {
		t.Errorf("post synced = %d, want both changed records", res.Synced["post"])
	}
	if _, ok := res.Synced["user"]; ok {
		t.Error("clean kind was resynced")
	}
	if !res.Watermark.Equal(t2) {
		t.Errorf("watermark = %v, want %v", res.Watermark, t2)
	}

	_ = st.RunInContext(func(ctx *store.Context) error {
		rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(store.FieldID, "p1")))
		if rec.Get("title") != "edited" {
			t.Errorf("p1 title = %v", rec.Get("title"))
		}
		return nil
	})
}

func TestDeleteEventRemovesRecordEagerly(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	s, st := newTestSyncer(t, client, Hooks{})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	t2 := t1.Add(time.Hour)
	delete(client.docs["post"], "p1")
	client.addEvent("e1", "post", "p1", string(entity.ActionDeleted), t2)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("delete round: %v", err)
	}
	if res.Deletes != 1 {
		t.Errorf("deletes = %d", res.Deletes)
	}
	if n := countKind(t, st, "post"); n != 0 {
		t.Errorf("post count = %d after delete event", n)
	}
	if !res.Watermark.Equal(t2) {
		t.Errorf("watermark = %v", res.Watermark)
	}
}

func TestQuietRoundIsIdempotent(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	s, st := newTestSyncer(t, client, Hooks{})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := st.Mutations()
	wmBefore := eventWatermark(t, s, st)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("quiet round: %v", err)
	}
	if res.Events != 0 || res.Total() != 0 {
		t.Errorf("quiet round reported work: %+v", res)
	}
	if st.Mutations() != before {
		t.Error("round with no events wrote to the store")
	}
	if wm := eventWatermark(t, s, st); !wm.Equal(wmBefore) {
		t.Errorf("watermark moved on a quiet round: %v -> %v", wmBefore, wm)
	}
}

func TestReplayedEventDoesNotRewriteRecords(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	s, st := newTestSyncer(t, client, Hooks{})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	t2 := t1.Add(time.Hour)
	client.put(doc("post", "p1", "edited", t2))
	client.addEvent("e1", "post", "p1", string(entity.ActionUpdated), t2)
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A stale watermark replays the same event; the unchanged update
	// timestamp short-circuits the merge.
	err := st.RunInContext(func(ctx *store.Context) error {
		rec, err := ctx.FetchOne(watermark.RecordKind,
			filter.Where(filter.Eq("entityKind", string(entity.EventKind))))
		if err != nil || rec == nil {
			t.Fatalf("event mark record missing: %v", err)
		}
		ctx.Delete(rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = st.RunInContext(func(ctx *store.Context) error {
		return s.marks.Advance(ctx, entity.EventKind, eventFilterID, t1)
	})

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("replay round: %v", err)
	}
	if res.Events != 1 {
		t.Errorf("replayed events = %d", res.Events)
	}
	if res.Synced["post"] != 0 {
		t.Errorf("replay merged %d records, want 0", res.Synced["post"])
	}
	_ = st.RunInContext(func(ctx *store.Context) error {
		rec, _ := ctx.FetchOne("post", filter.Where(filter.Eq(store.FieldID, "p1")))
		if rec.Get("title") != "edited" {
			t.Errorf("p1 title = %v after replay", rec.Get("title"))
		}
		return nil
	})
}

func TestMalformedEventsAreDropped(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	s, _ := newTestSyncer(t, client, Hooks{})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	t2 := t1.Add(time.Hour)
	ev := entity.NewRemote(entity.EventKind)
	ev.ID = "bad"
	ev.CreateDate = &t2
	ev.Attrs["action"] = string(entity.ActionUpdated)
	client.events = append(client.events, ev)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("round with malformed event: %v", err)
	}
	if res.Events != 0 {
		t.Errorf("malformed event counted: %d", res.Events)
	}
}

func TestEventForUnregisteredKindIsIgnored(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	s, _ := newTestSyncer(t, client, Hooks{})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	t2 := t1.Add(time.Hour)
	client.addEvent("e1", "ghost", "g1", string(entity.ActionUpdated), t2)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if res.Total() != 0 {
		t.Errorf("unregistered kind triggered a resync: %v", res.Synced)
	}
	// The event still moves the feed forward so it is not refetched forever.
	if !res.Watermark.Equal(t2) {
		t.Errorf("watermark = %v, want %v", res.Watermark, t2)
	}
}

func TestShouldSyncHookGatesResync(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	hooks := Hooks{ShouldSync: func(entity.Kind, time.Time) bool { return false }}
	s, _ := newTestSyncer(t, client, hooks)
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	t2 := t1.Add(time.Hour)
	client.put(doc("post", "p1", "edited", t2))
	client.addEvent("e1", "post", "p1", string(entity.ActionUpdated), t2)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Total() != 0 {
		t.Errorf("gated kinds were synced: %v", res.Synced)
	}
}

func TestLiteSyncRequestsSparseEventFields(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	reg := registry.New()
	reg.Register(&entity.Descriptor{Kind: "post", Fields: []entity.Field{{Name: "title"}}})
	logger := log.New(io.Discard, "", 0)
	s := New(Config{
		Client:   client,
		Store:    memory.Open(),
		Registry: reg,
		Gateways: gateway.NewSet(reg, logger),
		Logger:   logger,
		LiteSync: true,
	})
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	q := client.lastEventQuery
	if q == nil {
		t.Fatal("event feed never queried")
	}
	if len(q.Fields) != len(remote.LiteEventFields) {
		t.Errorf("event query fields = %v, want the sparse set", q.Fields)
	}
}

func TestOverlappingSyncWaitsAndReturnsNil(t *testing.T) {
	client := newFeedClient()
	s, _ := newTestSyncer(t, client, Hooks{})

	if !s.guard.TryAcquire() {
		t.Fatal("guard busy")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := s.Sync(context.Background())
		if res != nil || err != nil {
			t.Errorf("overlapping Sync = (%v, %v), want (nil, nil)", res, err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("overlapping Sync returned before the winner released")
	default:
	}
	s.guard.Release()
	<-done
}

func TestNewestUpdateDate(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	b := store.NewBase(nil)
	err := b.RunInContext(func(ctx *store.Context) error {
		older := ctx.Create("post")
		older.SetID("p1")
		older.SetUpdateDate(&t1)
		newest := ctx.Create("post")
		newest.SetID("p2")
		newest.SetUpdateDate(&t2)
		stub := ctx.Create("post")
		stub.SetID("p3")

		recs := []*store.Record{older, newest, stub}
		if got := newestUpdateDate(recs); !got.Equal(t2) {
			t.Errorf("newestUpdateDate = %v, want %v", got, t2)
		}
		if got := newestUpdateDate([]*store.Record{stub}); !got.IsZero() {
			t.Errorf("records without timestamps = %v, want zero", got)
		}
		if got := newestUpdateDate(nil); !got.IsZero() {
			t.Errorf("empty batch = %v, want zero", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEmptyFirstSyncNeverTrustsLocalClock(t *testing.T) {
	client := newFeedClient()
	s, st := newTestSyncer(t, client, Hooks{})

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !res.FirstSync || res.Total() != 0 {
		t.Fatalf("first sync result = %+v", res)
	}
	// With nothing server-derived to seed from, the feed mark sits at epoch
	// rather than the local clock, which may run ahead of the server.
	if wm := eventWatermark(t, s, st); !wm.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("event watermark after empty first sync = %v, want epoch", wm)
	}

	// A record the server creates afterwards, stamped by the server's own
	// (possibly slower) clock, must still replicate.
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client.put(doc("post", "p1", "late arrival", t1))
	client.addEvent("e1", "post", "p1", string(entity.ActionUpdated), t1)

	res, err = s.Sync(context.Background())
	if err != nil {
		t.Fatalf("second round: %v", err)
	}
	if res.Synced["post"] != 1 {
		t.Errorf("post synced = %d, want 1", res.Synced["post"])
	}
	if n := countKind(t, st, "post"); n != 1 {
		t.Errorf("record created on the server after first sync was never replicated: post count = %d", n)
	}
	if !res.Watermark.Equal(t1) {
		t.Errorf("watermark = %v, want %v", res.Watermark, t1)
	}
}

func TestShouldSyncHookSeesOnlyDirtyKinds(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))
	client.put(doc("user", "u1", "ann", t1))

	var mu sync.Mutex
	var consulted []entity.Kind
	hooks := Hooks{ShouldSync: func(kind entity.Kind, _ time.Time) bool {
		mu.Lock()
		consulted = append(consulted, kind)
		mu.Unlock()
		return true
	}}
	s, _ := newTestSyncer(t, client, hooks)
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	t2 := t1.Add(time.Hour)
	client.put(doc("post", "p1", "edited", t2))
	client.addEvent("e1", "post", "p1", string(entity.ActionUpdated), t2)

	res, err := s.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced["post"] != 1 {
		t.Errorf("dirty kind not synced: %v", res.Synced)
	}
	if _, ok := res.Synced["user"]; ok {
		t.Error("clean kind was resynced because a hook is installed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(consulted) != 1 || consulted[0] != "post" {
		t.Errorf("hook consulted for %v, want only the event-dirty kind", consulted)
	}
}

func TestOnRoundHookObservesResult(t *testing.T) {
	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	client := newFeedClient()
	client.put(doc("post", "p1", "one", t1))

	s, _ := newTestSyncer(t, client, Hooks{})
	var seen []Result
	s.SetOnRound(func(r Result) { seen = append(seen, r) })

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || !seen[0].FirstSync {
		t.Errorf("OnRound observed %v", seen)
	}
}
