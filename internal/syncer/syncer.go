// Package syncer orchestrates full sync rounds across every syncable kind:
// the first-sync full load, the server change-event feed, eager delete
// application, per-kind delta resyncs, and the monotonic advancement of the
// event-feed watermark. One round runs at a time; overlapping callers wait
// for the in-flight round and share its outcome.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/gateway"
	"github.com/mirrorkit/mirror/internal/guard"
	"github.com/mirrorkit/mirror/internal/metrics"
	"github.com/mirrorkit/mirror/internal/registry"
	"github.com/mirrorkit/mirror/internal/remote"
	"github.com/mirrorkit/mirror/internal/service"
	"github.com/mirrorkit/mirror/internal/store"
	"github.com/mirrorkit/mirror/internal/watermark"
)

// eventFilterID scopes the event-feed watermark.
const eventFilterID = "feed"

// Hooks let the embedding application steer a round without subclassing.
type Hooks struct {
	// FilterID names the watermark scope for a kind. Empty (or nil hook)
	// means the unscoped default.
	FilterID func(kind entity.Kind) string

	// ShouldSync gates the per-kind resync. It is consulted for each
	// event-dirty kind; false skips the kind this round. Clean kinds are
	// never offered.
	ShouldSync func(kind entity.Kind, lastSync time.Time) bool

	// OnRound is called with the outcome of every completed round.
	OnRound func(Result)
}

// Result summarizes one completed sync round.
type Result struct {
	FirstSync bool
	Events    int
	Deletes   int
	Synced    map[entity.Kind]int
	Watermark time.Time
	Duration  time.Duration
}

// Total returns the number of records merged across all kinds.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Synced {
		n += c
	}
	return n
}

// Config assembles a syncer.
type Config struct {
	Client   remote.Client
	Store    store.Store
	Registry *registry.Registry
	Gateways *gateway.Set
	Marks    *watermark.Store
	Metrics  *metrics.Metrics
	Logger   *log.Logger

	// LiteSync restricts the event fetch to the sparse field set.
	LiteSync bool

	Hooks Hooks
}

// Syncer drives sync rounds.
type Syncer struct {
	client   remote.Client
	store    store.Store
	reg      *registry.Registry
	gateways *gateway.Set
	marks    *watermark.Store
	metrics  *metrics.Metrics
	logger   *log.Logger
	lite     bool
	hooks    Hooks

	guard guard.Guard

	mu       sync.Mutex
	services map[entity.Kind]*service.Service
	last     *Result
}

// New builds a syncer from the config. Logger nil means a default stderr
// logger; Marks nil means a fresh watermark store.
func New(cfg Config) *Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	marks := cfg.Marks
	if marks == nil {
		marks = watermark.New()
	}
	return &Syncer{
		client:   cfg.Client,
		store:    cfg.Store,
		reg:      cfg.Registry,
		gateways: cfg.Gateways,
		marks:    marks,
		metrics:  cfg.Metrics,
		logger:   logger,
		lite:     cfg.LiteSync,
		hooks:    cfg.Hooks,
	}
}

// SetOnRound installs the round-completion callback. Call it before the
// first Sync; the hook is read without locking during rounds.
func (s *Syncer) SetOnRound(fn func(Result)) {
	s.hooks.OnRound = fn
}

// Last returns the outcome of the most recently completed round, nil before
// the first one.
func (s *Syncer) Last() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Sync runs one round. If a round is already in flight the call waits for
// it to finish and returns nil without starting another; the in-flight
// round's data is at least as fresh as what this call would have produced.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	if !s.guard.TryAcquire() {
		s.guard.Wait()
		s.count("skipped")
		return nil, nil
	}
	defer s.guard.Release()

	start := time.Now()
	res, err := s.round(ctx)
	if err != nil {
		s.count("error")
		return nil, err
	}
	res.Duration = time.Since(start)

	s.count("ok")
	if s.metrics != nil {
		s.metrics.RoundDuration.Observe(res.Duration.Seconds())
		s.metrics.LastSuccess.SetToCurrentTime()
		for kind, n := range res.Synced {
			s.metrics.SyncedRecords.WithLabelValues(string(kind)).Add(float64(n))
		}
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	if s.hooks.OnRound != nil {
		s.hooks.OnRound(*res)
	}
	return res, nil
}

func (s *Syncer) round(ctx context.Context) (*Result, error) {
	eventMark, err := s.eventMark()
	if err != nil {
		return nil, err
	}
	if eventMark == nil {
		return s.firstSync(ctx)
	}

	events, err := s.fetchEvents(ctx, eventMark.UpdateDate)
	if err != nil {
		return nil, err
	}

	res := &Result{Events: len(events), Synced: map[entity.Kind]int{}}
	var maxEventTS time.Time
	dirty := map[entity.Kind]bool{}
	var deletes []entity.Event
	for _, ev := range events {
		if ev.Timestamp.After(maxEventTS) {
			maxEventTS = ev.Timestamp
		}
		if !s.reg.Has(ev.RelatedKind) {
			s.logger.Printf("Ignoring event for unregistered kind %q", ev.RelatedKind)
			continue
		}
		switch ev.Action {
		case entity.ActionDeleted:
			deletes = append(deletes, ev)
		case entity.ActionUpdated:
			dirty[ev.RelatedKind] = true
		}
	}

	// Deletes are applied eagerly, before any resync, so a record deleted
	// and never re-created cannot be resurrected by a concurrent delta.
	if len(deletes) > 0 {
		err := s.store.RunInContext(func(sctx *store.Context) error {
			for _, ev := range deletes {
				if err := s.gateways.For(ev.RelatedKind).DeleteByID(sctx, ev.RelatedID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("apply deletes: %w", err)
		}
		res.Deletes = len(deletes)
	}

	if err := s.resync(ctx, s.candidates(dirty), maxEventTS, res); err != nil {
		return nil, err
	}

	// The event watermark only commits after every kind has been brought
	// current, so a failed round replays its events next time.
	if !maxEventTS.IsZero() {
		if err := s.advanceEventMark(maxEventTS); err != nil {
			return nil, err
		}
		res.Watermark = maxEventTS
	} else {
		res.Watermark = eventMark.UpdateDate
	}
	return res, nil
}

// firstSync loads every syncable kind in full and seeds the watermarks. The
// event feed is not consulted; there is no history to replay into an empty
// replica.
//
// Watermarks only move to server-derived timestamps. The local clock is never
// trusted: a client ahead of the server would seed a mark past changes the
// server has yet to record, skipping them permanently.
func (s *Syncer) firstSync(ctx context.Context) (*Result, error) {
	res := &Result{FirstSync: true, Synced: map[entity.Kind]int{}}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var maxTS time.Time

	for _, kind := range s.reg.Kinds() {
		kind := kind
		g.Go(func() error {
			filterID := s.filterID(kind)
			var kindTS time.Time
			n, err := s.serviceFor(kind).SyncFull(gctx, remote.Query{},
				service.WithBeforeCommit(func(sctx *store.Context, recs []*store.Record) error {
					kindTS = newestUpdateDate(recs)
					if kindTS.IsZero() {
						return nil
					}
					return s.marks.Advance(sctx, kind, filterID, kindTS)
				}))
			if err != nil {
				return err
			}
			mu.Lock()
			res.Synced[kind] = n
			if kindTS.After(maxTS) {
				maxTS = kindTS
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("first sync: %w", err)
	}

	// An empty first sync seeds the feed mark at epoch; the next round
	// replays the whole feed, which the merge policy absorbs idempotently.
	if maxTS.IsZero() {
		maxTS = time.Unix(0, 0).UTC()
	}
	if err := s.advanceEventMark(maxTS); err != nil {
		return nil, err
	}
	res.Watermark = maxTS
	return res, nil
}

// candidates returns the event-dirty kinds in registration order.
func (s *Syncer) candidates(dirty map[entity.Kind]bool) []entity.Kind {
	var out []entity.Kind
	for _, kind := range s.reg.Kinds() {
		if dirty[kind] {
			out = append(out, kind)
		}
	}
	return out
}

func (s *Syncer) resync(ctx context.Context, kinds []entity.Kind, maxEventTS time.Time, res *Result) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			filterID := s.filterID(kind)

			var since time.Time
			err := s.store.RunInContext(func(sctx *store.Context) error {
				m, err := s.marks.GetOrCreate(sctx, kind, filterID)
				if err != nil {
					return err
				}
				since = m.UpdateDate
				return nil
			})
			if err != nil {
				return fmt.Errorf("read %s watermark: %w", kind, err)
			}

			if s.hooks.ShouldSync != nil && !s.hooks.ShouldSync(kind, since) {
				return nil
			}

			firstKindSync := since.Equal(time.Unix(0, 0).UTC()) || since.IsZero()
			n, err := s.serviceFor(kind).SyncDelta(gctx, since,
				service.WithBeforeCommit(func(sctx *store.Context, recs []*store.Record) error {
					target := maxEventTS
					if target.IsZero() && firstKindSync {
						target = newestUpdateDate(recs)
					}
					// Without a server-derived timestamp the mark stays at
					// since; the local clock can run ahead of the server.
					if target.IsZero() || !target.After(since) {
						return nil
					}
					return s.marks.Advance(sctx, kind, filterID, target)
				}))
			if err != nil {
				return err
			}
			mu.Lock()
			res.Synced[kind] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	return nil
}

func (s *Syncer) fetchEvents(ctx context.Context, since time.Time) ([]entity.Event, error) {
	q := remote.Query{Filters: []filter.Predicate{filter.Gt(remote.FilterCreatedAfter, since)}}
	if s.lite {
		q.Fields = remote.LiteEventFields
	}
	raw, err := s.client.LoadEntities(ctx, entity.EventKind, q)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	events := make([]entity.Event, 0, len(raw))
	for _, r := range raw {
		ev, ok := decodeEvent(r)
		if !ok {
			s.logger.Printf("Dropping malformed event %q", r.ID)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// eventMark reads the event-feed watermark; nil means no sync has completed
// yet.
func (s *Syncer) eventMark() (*watermark.Mark, error) {
	var mark *watermark.Mark
	err := s.store.RunInContext(func(sctx *store.Context) error {
		m, err := s.marks.Get(sctx, entity.EventKind, eventFilterID)
		mark = m
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read event watermark: %w", err)
	}
	return mark, nil
}

// advanceEventMark moves the event watermark forward, never backward. An
// older candidate is silently kept out.
func (s *Syncer) advanceEventMark(ts time.Time) error {
	err := s.store.RunInContext(func(sctx *store.Context) error {
		cur, err := s.marks.Get(sctx, entity.EventKind, eventFilterID)
		if err != nil {
			return err
		}
		if cur != nil && !ts.After(cur.UpdateDate) {
			return nil
		}
		return s.marks.Advance(sctx, entity.EventKind, eventFilterID, ts)
	})
	if err != nil {
		return fmt.Errorf("advance event watermark: %w", err)
	}
	return nil
}

func (s *Syncer) serviceFor(kind entity.Kind) *service.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.services == nil {
		s.services = map[entity.Kind]*service.Service{}
	}
	if svc, ok := s.services[kind]; ok {
		return svc
	}
	svc := service.New(service.Config{
		Kind:     kind,
		Client:   s.client,
		Store:    s.store,
		Gateways: s.gateways,
		Registry: s.reg,
		Logger:   s.logger,
	})
	s.services[kind] = svc
	return svc
}

func (s *Syncer) filterID(kind entity.Kind) string {
	if s.hooks.FilterID != nil {
		return s.hooks.FilterID(kind)
	}
	return ""
}

func (s *Syncer) count(outcome string) {
	if s.metrics != nil {
		s.metrics.Rounds.WithLabelValues(outcome).Inc()
	}
}

// newestUpdateDate returns the latest server update timestamp carried by the
// merged records, zero when none carries one.
func newestUpdateDate(recs []*store.Record) time.Time {
	var newest time.Time
	for _, rec := range recs {
		if ts := rec.UpdateDate(); ts != nil && ts.After(newest) {
			newest = *ts
		}
	}
	return newest
}

// decodeEvent turns a raw event-feed representation into an Event. The feed
// carries the related kind and id plus the action; the event's own creation
// timestamp orders the feed.
func decodeEvent(r *entity.Remote) (entity.Event, bool) {
	kind, _ := r.Attrs["relatedEntityKind"].(string)
	id, _ := r.Attrs["relatedEntityId"].(string)
	action, _ := r.Attrs["action"].(string)
	if kind == "" || id == "" {
		return entity.Event{}, false
	}
	ev := entity.Event{
		RelatedKind: entity.Kind(kind),
		RelatedID:   id,
		Action:      entity.Action(action),
	}
	switch ev.Action {
	case entity.ActionUpdated, entity.ActionDeleted:
	default:
		return entity.Event{}, false
	}
	if r.CreateDate != nil {
		ev.Timestamp = *r.CreateDate
	} else if r.UpdateDate != nil {
		ev.Timestamp = *r.UpdateDate
	}
	return ev, true
}
