// Package watermark persists, per entity kind and optional scoping filter,
// the timestamp through which that kind's local data is known to be current
// with the server. Watermarks only ever move forward.
package watermark

import (
	"fmt"
	"time"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/store"
)

// RecordKind is the reserved record kind watermarks are stored under.
const RecordKind entity.Kind = "update_info"

const (
	fieldEntityKind = "entityKind"
	fieldFilterID   = "filterID"
)

// Mark is one persisted watermark.
type Mark struct {
	Kind       entity.Kind
	FilterID   string
	UpdateDate time.Time
}

// Store reads and advances watermarks through a store context. All
// operations run on the context of the sync round they belong to, so a
// watermark commits atomically with the data it covers.
type Store struct{}

// New returns a watermark store.
func New() *Store { return &Store{} }

// Get returns the watermark for (kind, filterID), if present.
func (s *Store) Get(ctx *store.Context, kind entity.Kind, filterID string) (*Mark, error) {
	rec, err := s.record(ctx, kind, filterID)
	if err != nil || rec == nil {
		return nil, err
	}
	return markOf(rec), nil
}

// GetOrCreate returns the watermark for (kind, filterID), creating it with
// an epoch-zero timestamp when absent.
func (s *Store) GetOrCreate(ctx *store.Context, kind entity.Kind, filterID string) (*Mark, error) {
	rec, err := s.record(ctx, kind, filterID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = ctx.Create(RecordKind)
		rec.Set(fieldEntityKind, string(kind))
		rec.Set(fieldFilterID, filterID)
		epoch := time.Unix(0, 0).UTC()
		rec.SetUpdateDate(&epoch)
	}
	return markOf(rec), nil
}

// Advance moves the watermark for (kind, filterID) to ts, creating it when
// absent. Moving a watermark backward is rejected; advancing to the
// identical timestamp is a no-op.
func (s *Store) Advance(ctx *store.Context, kind entity.Kind, filterID string, ts time.Time) error {
	rec, err := s.record(ctx, kind, filterID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = ctx.Create(RecordKind)
		rec.Set(fieldEntityKind, string(kind))
		rec.Set(fieldFilterID, filterID)
	} else if cur := rec.UpdateDate(); cur != nil {
		if ts.Before(*cur) {
			return fmt.Errorf("watermark %s/%s: %v is earlier than recorded %v", kind, filterID, ts, *cur)
		}
		if ts.Equal(*cur) {
			return nil
		}
	}
	utc := ts.UTC()
	rec.SetUpdateDate(&utc)
	return nil
}

func (s *Store) record(ctx *store.Context, kind entity.Kind, filterID string) (*store.Record, error) {
	return ctx.FetchOne(RecordKind, filter.Where(
		filter.Eq(fieldEntityKind, string(kind)),
		filter.Eq(fieldFilterID, filterID),
	))
}

func markOf(rec *store.Record) *Mark {
	m := &Mark{
		Kind:     entity.Kind(rec.Get(fieldEntityKind).(string)),
		FilterID: rec.Get(fieldFilterID).(string),
	}
	if t := rec.UpdateDate(); t != nil {
		m.UpdateDate = *t
	}
	return m
}
