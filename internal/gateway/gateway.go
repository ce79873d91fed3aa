// Package gateway merges remote representation graphs into the local store.
// It resolves to-one and to-many relationships recursively, prefetches
// existing records for batches to avoid per-record point queries, and
// applies the field-level merge policy that protects locally-set flags from
// stale server data.
package gateway

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/registry"
	"github.com/mirrorkit/mirror/internal/store"
)

// ErrKindMismatch is returned when a remote representation reaches a
// gateway configured for a different kind. Inside a batch the record is
// logged and skipped; it never aborts the batch.
var ErrKindMismatch = errors.New("entity kind mismatch")

// ErrMissingID is returned when an operation that requires a remote
// identity is given a provisional entity.
var ErrMissingID = errors.New("entity has no id")

// Options adjust one upsert call.
type Options struct {
	// FirstInsert always creates a fresh record instead of upserting by
	// id. Used on the full-resync path so first-time loads are not routed
	// through the conflict-merge policy against stale local records.
	FirstInsert bool

	// inverse is the relationship name on the incoming entity's side that
	// the current recursion arrived through; it is skipped to stop cyclic
	// graphs from re-entering.
	inverse string

	// prefetched indexes already-fetched records by id for this batch.
	prefetched map[string]*store.Record
}

// Set resolves the gateway responsible for each kind. Relationship
// recursion crosses gateways through it.
type Set struct {
	reg      *registry.Registry
	logger   *log.Logger
	gateways map[entity.Kind]*Gateway
}

// NewSet builds a gateway set over the registry. If logger is nil, a
// default logger writing to stderr is used.
func NewSet(reg *registry.Registry, logger *log.Logger) *Set {
	if logger == nil {
		logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}
	return &Set{reg: reg, logger: logger, gateways: map[entity.Kind]*Gateway{}}
}

// For returns the gateway for the kind, creating it on first use. The kind
// must be registered.
func (s *Set) For(kind entity.Kind) *Gateway {
	if gw, ok := s.gateways[kind]; ok {
		return gw
	}
	gw := &Gateway{kind: kind, desc: s.reg.Descriptor(kind), set: s, logger: s.logger}
	s.gateways[kind] = gw
	return gw
}

// Gateway maps remote representations of one kind onto persisted records.
type Gateway struct {
	kind   entity.Kind
	desc   *entity.Descriptor
	set    *Set
	logger *log.Logger
}

// Kind returns the kind the gateway is configured for.
func (g *Gateway) Kind() entity.Kind { return g.kind }

// Upsert merges one remote representation into the store and returns the
// persisted record, creating it when absent.
func (g *Gateway) Upsert(ctx *store.Context, r *entity.Remote, opts Options) (*store.Record, error) {
	if r.EntityKind != g.kind {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, r.EntityKind, g.kind)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%w: %s upsert", ErrMissingID, g.kind)
	}

	var rec *store.Record
	var err error
	switch {
	case opts.prefetched[r.ID] != nil:
		rec = opts.prefetched[r.ID]
	case opts.FirstInsert:
		rec = ctx.Create(g.kind)
		rec.SetID(r.ID)
	default:
		rec, err = g.byID(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			rec = ctx.Create(g.kind)
			rec.SetID(r.ID)
		}
	}

	if err := g.mapOnto(ctx, r, rec, opts); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertBatch merges many remote representations in one pass. Existing
// records for the batch are prefetched with a single id-membership query
// and indexed, so each per-record upsert skips its point query. A record
// that fails to map because of a kind mismatch or missing identity is
// logged and dropped; the batch continues.
func (g *Gateway) UpsertBatch(ctx *store.Context, rs []*entity.Remote, opts Options) ([]*store.Record, error) {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) > 0 && opts.prefetched == nil {
		existing, err := ctx.Fetch(g.kind, filter.Where(filter.InStrings(store.FieldID, ids)))
		if err != nil {
			return nil, fmt.Errorf("prefetch %s batch: %w", g.kind, err)
		}
		opts.prefetched = make(map[string]*store.Record, len(existing))
		for _, rec := range existing {
			opts.prefetched[rec.ID()] = rec
		}
	}

	out := make([]*store.Record, 0, len(rs))
	for _, r := range rs {
		rec, err := g.Upsert(ctx, r, opts)
		if err != nil {
			if errors.Is(err, ErrKindMismatch) || errors.Is(err, ErrMissingID) {
				g.logger.Printf("Skipping %s record %q: %v", g.kind, r.ID, err)
				continue
			}
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteByID removes the persisted record with the id. Absence is not an
// error.
func (g *Gateway) DeleteByID(ctx *store.Context, id string) error {
	rec, err := g.byID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	ctx.Delete(rec)
	return nil
}

func (g *Gateway) byID(ctx *store.Context, id string) (*store.Record, error) {
	rec, err := ctx.FetchOne(g.kind, filter.Where(filter.Eq(store.FieldID, id)))
	if err != nil {
		return nil, fmt.Errorf("fetch %s %q: %w", g.kind, id, err)
	}
	return rec, nil
}

// mapOnto applies the merge policy for properties and relationships.
func (g *Gateway) mapOnto(ctx *store.Context, r *entity.Remote, rec *store.Record, opts Options) error {
	if rec.ID() == "" {
		rec.SetID(r.ID)
	}

	// A reference placeholder carries identity only. Never let it null out
	// hydrated data.
	if !r.Loaded {
		return nil
	}

	// Skip records the server has not touched since the last merge: same
	// updateDate means same content, for both properties and relationships.
	if nd, od := r.UpdateDate, rec.UpdateDate(); nd != nil && od != nil && nd.Equal(*od) {
		return nil
	}

	g.mapProperties(r, rec)
	return g.mapRelationships(ctx, r, rec, opts.inverse)
}

func (g *Gateway) mapProperties(r *entity.Remote, rec *store.Record) {
	firstLoad := !rec.Loaded()

	for _, f := range g.desc.Fields {
		if f.Skip {
			continue
		}
		v, present := r.Attrs[f.Name]
		if !present || v == nil {
			// The server omitted (or nulled) the field. Defaults apply on
			// first load only; a delta never nulls out existing data.
			if firstLoad && f.Default != nil {
				rec.Set(f.Name, f.Default)
			}
			continue
		}
		if f.MergeOr && truthy(rec.Get(f.Name)) {
			continue
		}
		rec.Set(f.Name, v)
	}

	rec.SetCreateDate(r.CreateDate)
	rec.SetUpdateDate(r.UpdateDate)
	rec.SetLoaded(true)
}

func (g *Gateway) mapRelationships(ctx *store.Context, r *entity.Remote, rec *store.Record, except string) error {
	for _, rel := range g.desc.Relationships {
		if rel.Name == except {
			continue
		}
		related := g.set.For(rel.Kind)

		if rel.ToMany {
			children := r.ToMany[rel.Name]
			if len(children) == 0 {
				continue
			}
			mapped, err := related.UpsertBatch(ctx, children, Options{inverse: rel.Inverse})
			if err != nil {
				return fmt.Errorf("map %s.%s: %w", g.kind, rel.Name, err)
			}
			// Union semantics: a payload that omits a related record never
			// removes it; removal is driven only by delete events.
			for _, child := range mapped {
				rec.AddRelations(rel.Name, child.ID())
				g.setInverse(child, rel, rec)
			}
			continue
		}

		child := r.ToOne[rel.Name]
		if child == nil {
			continue
		}
		mapped, err := related.Upsert(ctx, child, Options{inverse: rel.Inverse})
		if err != nil {
			if errors.Is(err, ErrKindMismatch) || errors.Is(err, ErrMissingID) {
				g.logger.Printf("Skipping relation %s.%s: %v", g.kind, rel.Name, err)
				continue
			}
			return fmt.Errorf("map %s.%s: %w", g.kind, rel.Name, err)
		}
		if cur, ok := rec.Relation(rel.Name); !ok || cur != mapped.ID() {
			rec.SetRelation(rel.Name, mapped.ID())
			g.setInverse(mapped, rel, rec)
		}
	}
	return nil
}

// setInverse keeps the reciprocal edge consistent, the way an object graph
// with managed inverse relationships would.
func (g *Gateway) setInverse(child *store.Record, rel entity.Relationship, parent *store.Record) {
	if rel.Inverse == "" {
		return
	}
	inv, ok := g.set.reg.Descriptor(rel.Kind).Relationship(rel.Inverse)
	if !ok {
		return
	}
	if inv.ToMany {
		child.AddRelations(rel.Inverse, parent.ID())
	} else if cur, ok := child.Relation(rel.Inverse); !ok || cur != parent.ID() {
		child.SetRelation(rel.Inverse, parent.ID())
	}
}

// truthy implements the merge-or notion of "already set": true booleans,
// non-zero numbers and non-empty strings protect the stored value.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	}
	return true
}
