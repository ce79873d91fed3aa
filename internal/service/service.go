// Package service implements the per-kind sync unit: delta and full
// synchronization against the remote API, create/update with minimal
// patches, optimistic deletes, by-id refresh, and the cached local read
// path. Each service owns an at-most-one-concurrent-sync guard; overlapping
// sync callers wait for the in-flight round instead of stacking a second
// one.
package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/gateway"
	"github.com/mirrorkit/mirror/internal/guard"
	"github.com/mirrorkit/mirror/internal/registry"
	"github.com/mirrorkit/mirror/internal/remote"
	"github.com/mirrorkit/mirror/internal/store"
)

// Config assembles one per-kind service.
type Config struct {
	Kind     entity.Kind
	Client   remote.Client
	Store    store.Store
	Gateways *gateway.Set
	Registry *registry.Registry
	Logger   *log.Logger
}

// Service is the sync unit for a single kind.
type Service struct {
	kind     entity.Kind
	client   remote.Client
	store    store.Store
	gateways *gateway.Set
	reg      *registry.Registry
	guard    guard.Guard
	logger   *log.Logger
}

// New builds a service from the config. If Logger is nil, a default logger
// writing to stderr is used.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[service] ", log.LstdFlags)
	}
	return &Service{
		kind:     cfg.Kind,
		client:   cfg.Client,
		store:    cfg.Store,
		gateways: cfg.Gateways,
		reg:      cfg.Registry,
		logger:   logger,
	}
}

// Kind returns the kind the service synchronizes.
func (s *Service) Kind() entity.Kind { return s.kind }

// SyncOption adjusts one sync call.
type SyncOption func(*syncConfig)

type syncConfig struct {
	beforeCommit func(*store.Context, []*store.Record) error
}

// WithBeforeCommit runs fn on the sync's store context after the batch has
// been merged but before the context commits, so callers can stage extra
// records (watermarks) into the same atomic commit as the data they cover.
func WithBeforeCommit(fn func(*store.Context, []*store.Record) error) SyncOption {
	return func(c *syncConfig) { c.beforeCommit = fn }
}

// FetchDelta loads the remote representations of this kind changed strictly
// after since. No local state is touched.
func (s *Service) FetchDelta(ctx context.Context, since time.Time) ([]*entity.Remote, error) {
	return s.client.LoadEntities(ctx, s.kind, remote.UpdatedAfter(since))
}

// SyncDelta fetches the delta since the timestamp and merges it into the
// local store in one commit. If a sync of this kind is already in flight the
// call waits for it and returns without running a second round. Returns the
// number of records merged by this call.
func (s *Service) SyncDelta(ctx context.Context, since time.Time, opts ...SyncOption) (int, error) {
	if !s.guard.TryAcquire() {
		s.guard.Wait()
		return 0, nil
	}
	defer s.guard.Release()

	remotes, err := s.FetchDelta(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetch %s delta: %w", s.kind, err)
	}
	return s.merge(remotes, false, opts)
}

// SyncFull fetches every remote representation matching the query and
// merges it. On a completely empty local set the records are first-inserted,
// skipping the per-record merge policy. Overlap handling matches SyncDelta.
func (s *Service) SyncFull(ctx context.Context, q remote.Query, opts ...SyncOption) (int, error) {
	if !s.guard.TryAcquire() {
		s.guard.Wait()
		return 0, nil
	}
	defer s.guard.Release()

	remotes, err := s.client.LoadEntities(ctx, s.kind, q)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", s.kind, err)
	}
	return s.merge(remotes, true, opts)
}

func (s *Service) merge(remotes []*entity.Remote, firstInsertIfEmpty bool, opts []SyncOption) (int, error) {
	var cfg syncConfig
	for _, o := range opts {
		o(&cfg)
	}

	var merged int
	err := s.store.RunInContext(func(sctx *store.Context) error {
		var gwOpts gateway.Options
		if firstInsertIfEmpty {
			// The emptiness check must share the merge's commit. A sibling
			// kind syncing concurrently can commit reference stubs of this
			// kind in between two contexts; first-inserting over them would
			// drop their inverse relations.
			n, err := sctx.Count(s.kind)
			if err != nil {
				return err
			}
			gwOpts.FirstInsert = n == 0
		}
		recs, err := s.gateways.For(s.kind).UpsertBatch(sctx, remotes, gwOpts)
		if err != nil {
			return err
		}
		merged = len(recs)
		if cfg.beforeCommit != nil {
			return cfg.beforeCommit(sctx, recs)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge %s batch: %w", s.kind, err)
	}
	return merged, nil
}

// CreateOrUpdate sends the draft to the remote side and merges the server's
// authoritative representation back into the store.
//
// A provisional draft (no id) is created remotely with every field the
// caller set. A draft with an id produces a minimal patch: mutate is applied
// to a fresh placeholder carrying only the identity, so the payload holds
// the id plus exactly the fields mutate touched.
func (s *Service) CreateOrUpdate(ctx context.Context, draft *entity.Placeholder, mutate func(*entity.Placeholder)) (*entity.Remote, error) {
	if draft.Kind() != s.kind {
		return nil, fmt.Errorf("%w: got %q, want %q", gateway.ErrKindMismatch, draft.Kind(), s.kind)
	}

	payload := draft
	if !draft.Provisional() {
		payload = entity.NewPlaceholder(s.kind)
		payload.SetID(draft.ID())
	}
	if mutate != nil {
		mutate(payload)
	}

	saved, err := s.client.Save(ctx, payload.Remote())
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", s.kind, err)
	}
	if err := s.absorb(saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteEntity removes the entity remotely and locally. The local record is
// tombstoned before the remote call so readers hide it immediately; a
// gone-class remote response counts as success, any other failure clears the
// tombstone and surfaces. A provisional entity has nothing remote to delete.
func (s *Service) DeleteEntity(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("delete %s: %w", s.kind, gateway.ErrMissingID)
	}

	if err := s.setPendingDelete(id, true); err != nil {
		return err
	}

	err := s.client.Delete(ctx, entity.NewReference(s.kind, id))
	if err != nil && !remote.IsGone(err) {
		if rbErr := s.setPendingDelete(id, false); rbErr != nil {
			s.logger.Printf("Failed to clear delete tombstone on %s/%s: %v", s.kind, id, rbErr)
		}
		return fmt.Errorf("delete %s/%s: %w", s.kind, id, err)
	}

	return s.store.RunInContext(func(sctx *store.Context) error {
		return s.gateways.For(s.kind).DeleteByID(sctx, id)
	})
}

// RefreshEntity reloads the entity by id from the remote side and merges the
// result. A provisional entity cannot be refreshed.
func (s *Service) RefreshEntity(ctx context.Context, id string) (*entity.Remote, error) {
	if id == "" {
		return nil, fmt.Errorf("refresh %s: %w", s.kind, gateway.ErrMissingID)
	}
	r, err := s.client.LoadOne(ctx, s.kind, id)
	if err != nil {
		return nil, fmt.Errorf("refresh %s/%s: %w", s.kind, id, err)
	}
	if err := s.absorb(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Cached reads matching records from the local replica without touching the
// network. Only hydrated records not awaiting a remote delete are visible.
// Results are context-independent snapshots.
func (s *Service) Cached(q filter.Query) ([]*entity.Remote, error) {
	q.Where = append([]filter.Predicate{
		filter.Eq(store.FieldLoaded, true),
		filter.Eq(store.FieldPendingDelete, false),
	}, q.Where...)

	related := s.relatedResolver()
	var out []*entity.Remote
	err := s.store.RunInContext(func(sctx *store.Context) error {
		recs, err := sctx.Fetch(s.kind, q)
		if err != nil {
			return err
		}
		out = make([]*entity.Remote, len(recs))
		for i, rec := range recs {
			out[i] = rec.Remote(related)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cached %s fetch: %w", s.kind, err)
	}
	return out, nil
}

// CachedOne returns the local snapshot for the id, or nil when absent or
// hidden.
func (s *Service) CachedOne(id string) (*entity.Remote, error) {
	recs, err := s.Cached(filter.Where(filter.Eq(store.FieldID, id)).WithLimit(1))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (s *Service) absorb(r *entity.Remote) error {
	if s.store == nil || r == nil {
		return nil
	}
	err := s.store.RunInContext(func(sctx *store.Context) error {
		_, err := s.gateways.For(s.kind).Upsert(sctx, r, gateway.Options{})
		return err
	})
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", s.kind, r.ID, err)
	}
	return nil
}

func (s *Service) setPendingDelete(id string, v bool) error {
	err := s.store.RunInContext(func(sctx *store.Context) error {
		rec, err := sctx.FetchOne(s.kind, filter.Where(filter.Eq(store.FieldID, id)))
		if err != nil || rec == nil {
			return err
		}
		rec.SetPendingDelete(v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark %s/%s pending delete: %w", s.kind, id, err)
	}
	return nil
}

func (s *Service) relatedResolver() func(name string) entity.Kind {
	desc := s.reg.Descriptor(s.kind)
	return func(name string) entity.Kind {
		if rel, ok := desc.Relationship(name); ok {
			return rel.Kind
		}
		return ""
	}
}
