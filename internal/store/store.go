package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
)

// ErrNotFound is returned when resolving a container that references no
// committed or staged record.
var ErrNotFound = errors.New("record not found")

// Store is the local-store contract the sync core depends on. Drivers wrap
// Base and add their own lifecycle.
type Store interface {
	// RunInContext runs fn inside a fresh execution context. Contexts are
	// single-writer: calls serialize, and the records fn touches are valid
	// only until fn returns. If fn returns nil the staged changes commit
	// atomically; any error discards them.
	RunInContext(fn func(*Context) error) error

	// Mutations reports the total number of records written by commits so
	// far. Sync idempotence is observable through it.
	Mutations() uint64

	Close() error
}

// FlushFunc persists one committed change set. It runs under the store lock
// after the in-memory state has been updated; an error fails the commit.
type FlushFunc func(changed []RecordData, deleted []entity.Container) error

// Base is the in-memory committed state shared by all drivers. Durable
// drivers hydrate it at open time and install a flush hook that writes each
// change set through to their backing engine, following the
// snapshot-through pattern.
type Base struct {
	mu        sync.Mutex
	committed map[entity.Kind]map[string]*Record
	flush     FlushFunc
	mutations uint64
}

// NewBase returns an empty base. flush may be nil for purely in-memory use.
func NewBase(flush FlushFunc) *Base {
	return &Base{
		committed: map[entity.Kind]map[string]*Record{},
		flush:     flush,
	}
}

// Seed inserts a record into the committed state without flushing. Only for
// driver hydration before the store is handed out.
func (b *Base) Seed(rec *Record) {
	m := b.committed[rec.Kind()]
	if m == nil {
		m = map[string]*Record{}
		b.committed[rec.Kind()] = m
	}
	m[rec.ID()] = rec
}

// Mutations implements Store.
func (b *Base) Mutations() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mutations
}

// RunInContext implements Store.
func (b *Base) RunInContext(fn func(*Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx := &Context{base: b, origin: map[*Record]string{}, deleted: map[*Record]bool{}}
	if err := fn(ctx); err != nil {
		return err
	}
	return ctx.commit()
}

// Context is one execution-context scope over the store. It stages working
// copies of records; nothing is visible to other contexts until commit.
// Contexts must not be retained or shared across goroutines.
type Context struct {
	base    *Base
	live    []*Record
	origin  map[*Record]string // committed id the copy came from; "" if created here
	deleted map[*Record]bool
}

// Create stages a new record of the kind with a generated identity. Mapping
// normally overwrites the identity with the remote one before commit.
func (c *Context) Create(kind entity.Kind) *Record {
	rec := newRecord(kind, uuid.NewString())
	rec.dirty = true
	c.live = append(c.live, rec)
	c.origin[rec] = ""
	return rec
}

// FetchOne returns the first record of the kind matching the query, or nil.
func (c *Context) FetchOne(kind entity.Kind, q filter.Query) (*Record, error) {
	recs, err := c.Fetch(kind, q.WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Fetch returns the records of the kind matching the query, as working
// copies owned by this context.
func (c *Context) Fetch(kind entity.Kind, q filter.Query) ([]*Record, error) {
	var candidates []*Record
	seen := map[*Record]bool{}

	// Staged records first so a created-then-fetched record is found under
	// its current id.
	for _, rec := range c.live {
		if rec.Kind() == kind && !c.deleted[rec] {
			candidates = append(candidates, rec)
			seen[rec] = true
		}
	}
	for id := range c.base.committed[kind] {
		rec := c.working(kind, id)
		if rec == nil || seen[rec] || c.deleted[rec] {
			continue
		}
		candidates = append(candidates, rec)
		seen[rec] = true
	}

	out := filter.Apply(candidates, func(r *Record) filter.Getter { return r.Get }, q)
	return out, nil
}

// Count returns the number of records of the kind matching the predicates.
func (c *Context) Count(kind entity.Kind, preds ...filter.Predicate) (int, error) {
	recs, err := c.Fetch(kind, filter.Where(preds...))
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Delete stages removal of the record.
func (c *Context) Delete(rec *Record) {
	c.deleted[rec] = true
}

// Resolve turns a container handle back into a live record on this context.
func (c *Context) Resolve(h entity.Container) (*Record, error) {
	rec := c.working(h.Kind, h.ID)
	if rec == nil || c.deleted[rec] {
		return nil, fmt.Errorf("resolve %s: %w", h, ErrNotFound)
	}
	return rec, nil
}

// Kinds lists every kind present in the store, sorted.
func (c *Context) Kinds() []entity.Kind {
	set := map[entity.Kind]bool{}
	for k, m := range c.base.committed {
		if len(m) > 0 {
			set[k] = true
		}
	}
	for _, rec := range c.live {
		if !c.deleted[rec] {
			set[rec.Kind()] = true
		}
	}
	out := make([]entity.Kind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// working returns the context's working copy for (kind, id), cloning from
// the committed state on first access. nil when the id is unknown.
func (c *Context) working(kind entity.Kind, id string) *Record {
	for _, rec := range c.live {
		if rec.Kind() == kind && rec.ID() == id {
			return rec
		}
	}
	src, ok := c.base.committed[kind][id]
	if !ok {
		return nil
	}
	cp := src.Clone()
	c.live = append(c.live, cp)
	c.origin[cp] = id
	return cp
}

// commit applies the staged working set to the committed state and flushes
// through the driver hook. The change set is computed and flushed before
// memory is touched, so a flush failure leaves the committed state as it
// was. Runs under the base lock.
func (c *Context) commit() error {
	var upserts []*Record
	var changed []RecordData
	var removed []entity.Container

	for _, rec := range c.live {
		origin := c.origin[rec]
		if c.deleted[rec] {
			id := origin
			if id == "" {
				id = rec.ID()
			}
			if _, ok := c.base.committed[rec.Kind()][id]; ok {
				removed = append(removed, entity.Container{Kind: rec.Kind(), ID: id})
			}
			continue
		}
		if !rec.dirty {
			continue
		}
		if rec.ID() == "" {
			return fmt.Errorf("commit: %s record without identity", rec.Kind())
		}
		if origin != "" && origin != rec.ID() {
			removed = append(removed, entity.Container{Kind: rec.Kind(), ID: origin})
		}
		upserts = append(upserts, rec)
		changed = append(changed, rec.Data())
	}

	if len(changed) == 0 && len(removed) == 0 {
		return nil
	}
	if c.base.flush != nil {
		if err := c.base.flush(changed, removed); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	for _, h := range removed {
		delete(c.base.committed[h.Kind], h.ID)
	}
	for _, rec := range upserts {
		m := c.base.committed[rec.Kind()]
		if m == nil {
			m = map[string]*Record{}
			c.base.committed[rec.Kind()] = m
		}
		m[rec.ID()] = rec.Clone()
	}
	c.base.mutations += uint64(len(changed)) + uint64(len(removed))
	return nil
}
