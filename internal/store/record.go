// Package store defines the persisted-record model and the execution-context
// discipline every driver follows: all record access happens inside a
// context obtained from RunInContext, contexts are single-writer and never
// shared across goroutines, and records never leave the context that
// produced them except through an entity.Container handle.
package store

import (
	"sort"
	"time"

	"github.com/mirrorkit/mirror/internal/entity"
)

// Reserved field names resolvable through Record.Get alongside the scalar
// attributes of the kind.
const (
	FieldID            = "id"
	FieldCreateDate    = "createDate"
	FieldUpdateDate    = "updateDate"
	FieldLoaded        = "isLoaded"
	FieldPendingDelete = "pendingDelete"
)

// Record is the persisted representation of an entity. A record is only
// valid on the execution context that produced it.
type Record struct {
	kind entity.Kind
	id   string

	createDate *time.Time
	updateDate *time.Time

	loaded        bool
	pendingDelete bool

	attrs  map[string]any
	toOne  map[string]string
	toMany map[string]map[string]struct{}

	dirty bool
}

func newRecord(kind entity.Kind, id string) *Record {
	return &Record{
		kind:   kind,
		id:     id,
		attrs:  map[string]any{},
		toOne:  map[string]string{},
		toMany: map[string]map[string]struct{}{},
	}
}

// Kind returns the abstract kind of the record.
func (r *Record) Kind() entity.Kind { return r.kind }

// ID returns the remote identity of the record.
func (r *Record) ID() string { return r.id }

// SetID assigns the remote identity.
func (r *Record) SetID(id string) {
	if r.id == id {
		return
	}
	r.id = id
	r.dirty = true
}

// CreateDate returns the server-side creation timestamp, nil if never loaded.
func (r *Record) CreateDate() *time.Time { return r.createDate }

// SetCreateDate assigns the server-side creation timestamp.
func (r *Record) SetCreateDate(t *time.Time) {
	r.createDate = cloneTime(t)
	r.dirty = true
}

// UpdateDate returns the server-side update timestamp, nil if never loaded.
func (r *Record) UpdateDate() *time.Time { return r.updateDate }

// SetUpdateDate assigns the server-side update timestamp.
func (r *Record) SetUpdateDate(t *time.Time) {
	r.updateDate = cloneTime(t)
	r.dirty = true
}

// Loaded reports whether the record has been hydrated from a full remote
// representation. A record with Loaded == false is a reference placeholder
// and must not have its data overwritten during mapping.
func (r *Record) Loaded() bool { return r.loaded }

// SetLoaded marks the record as hydrated.
func (r *Record) SetLoaded(v bool) {
	if r.loaded == v {
		return
	}
	r.loaded = v
	r.dirty = true
}

// PendingDelete reports whether the record is a local tombstone awaiting
// remote confirmation.
func (r *Record) PendingDelete() bool { return r.pendingDelete }

// SetPendingDelete marks or clears the local tombstone.
func (r *Record) SetPendingDelete(v bool) {
	if r.pendingDelete == v {
		return
	}
	r.pendingDelete = v
	r.dirty = true
}

// Get resolves a reserved field or scalar attribute by name. Used by filter
// evaluation and the merge policy.
func (r *Record) Get(field string) any {
	switch field {
	case FieldID:
		return r.id
	case FieldCreateDate:
		return r.createDate
	case FieldUpdateDate:
		return r.updateDate
	case FieldLoaded:
		return r.loaded
	case FieldPendingDelete:
		return r.pendingDelete
	}
	return r.attrs[field]
}

// Set assigns a scalar attribute.
func (r *Record) Set(field string, v any) {
	r.attrs[field] = v
	r.dirty = true
}

// Relation returns the target id of a to-one relationship.
func (r *Record) Relation(name string) (string, bool) {
	id, ok := r.toOne[name]
	return id, ok
}

// SetRelation assigns a to-one relationship target.
func (r *Record) SetRelation(name, targetID string) {
	if cur, ok := r.toOne[name]; ok && cur == targetID {
		return
	}
	r.toOne[name] = targetID
	r.dirty = true
}

// RelationIDs returns the target ids of a to-many relationship, sorted.
func (r *Record) RelationIDs(name string) []string {
	set := r.toMany[name]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AddRelations unions target ids into a to-many relationship. Existing
// members are never removed here; removal is driven only by explicit
// deletes.
func (r *Record) AddRelations(name string, targetIDs ...string) {
	set := r.toMany[name]
	if set == nil {
		set = map[string]struct{}{}
		r.toMany[name] = set
	}
	for _, id := range targetIDs {
		if _, ok := set[id]; !ok {
			set[id] = struct{}{}
			r.dirty = true
		}
	}
}

// RemoveRelation drops one target id from a to-many relationship.
func (r *Record) RemoveRelation(name, targetID string) {
	if set, ok := r.toMany[name]; ok {
		if _, ok := set[targetID]; ok {
			delete(set, targetID)
			r.dirty = true
		}
	}
}

// Container returns the context-independent handle for the record.
func (r *Record) Container() entity.Container {
	return entity.Container{Kind: r.kind, ID: r.id}
}

// Remote snapshots the record into an immutable remote-shaped representation
// safe to return across context boundaries. Relationships are rendered as
// reference placeholders.
func (r *Record) Remote(related func(name string) entity.Kind) *entity.Remote {
	out := entity.NewRemote(r.kind)
	out.ID = r.id
	out.CreateDate = cloneTime(r.createDate)
	out.UpdateDate = cloneTime(r.updateDate)
	out.Loaded = r.loaded
	for k, v := range r.attrs {
		out.Attrs[k] = v
	}
	if related != nil {
		for name, id := range r.toOne {
			out.ToOne[name] = entity.NewReference(related(name), id)
		}
		for name := range r.toMany {
			for _, id := range r.RelationIDs(name) {
				out.ToMany[name] = append(out.ToMany[name], entity.NewReference(related(name), id))
			}
		}
	}
	return out
}

// Clone returns a deep copy of the record. The copy starts clean.
func (r *Record) Clone() *Record {
	cp := newRecord(r.kind, r.id)
	cp.createDate = cloneTime(r.createDate)
	cp.updateDate = cloneTime(r.updateDate)
	cp.loaded = r.loaded
	cp.pendingDelete = r.pendingDelete
	for k, v := range r.attrs {
		cp.attrs[k] = v
	}
	for k, v := range r.toOne {
		cp.toOne[k] = v
	}
	for name, set := range r.toMany {
		dst := make(map[string]struct{}, len(set))
		for id := range set {
			dst[id] = struct{}{}
		}
		cp.toMany[name] = dst
	}
	return cp
}

// RecordData is the storage- and wire-neutral shape of a record, used by
// drivers and the replica export format.
type RecordData struct {
	Kind          entity.Kind         `json:"kind"`
	ID            string              `json:"id"`
	CreateDate    *time.Time          `json:"create_date,omitempty"`
	UpdateDate    *time.Time          `json:"update_date,omitempty"`
	Loaded        bool                `json:"loaded"`
	PendingDelete bool                `json:"pending_delete,omitempty"`
	Attrs         map[string]any      `json:"attrs,omitempty"`
	ToOne         map[string]string   `json:"to_one,omitempty"`
	ToMany        map[string][]string `json:"to_many,omitempty"`
}

// Data snapshots the record into its neutral shape.
func (r *Record) Data() RecordData {
	d := RecordData{
		Kind:          r.kind,
		ID:            r.id,
		CreateDate:    cloneTime(r.createDate),
		UpdateDate:    cloneTime(r.updateDate),
		Loaded:        r.loaded,
		PendingDelete: r.pendingDelete,
	}
	if len(r.attrs) > 0 {
		d.Attrs = make(map[string]any, len(r.attrs))
		for k, v := range r.attrs {
			d.Attrs[k] = v
		}
	}
	if len(r.toOne) > 0 {
		d.ToOne = make(map[string]string, len(r.toOne))
		for k, v := range r.toOne {
			d.ToOne[k] = v
		}
	}
	if len(r.toMany) > 0 {
		d.ToMany = make(map[string][]string, len(r.toMany))
		for name := range r.toMany {
			d.ToMany[name] = r.RelationIDs(name)
		}
	}
	return d
}

// FromData rebuilds a record from its neutral shape. Used by drivers during
// hydration; the result starts clean.
func FromData(d RecordData) *Record {
	r := newRecord(d.Kind, d.ID)
	r.createDate = cloneTime(d.CreateDate)
	r.updateDate = cloneTime(d.UpdateDate)
	r.loaded = d.Loaded
	r.pendingDelete = d.PendingDelete
	for k, v := range d.Attrs {
		r.attrs[k] = v
	}
	for k, v := range d.ToOne {
		r.toOne[k] = v
	}
	for name, ids := range d.ToMany {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		r.toMany[name] = set
	}
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
