// Package entity defines the abstract entity model shared by the sync core:
// kinds, representations (remote, placeholder), mapping descriptors, change
// events, and the context-independent Container handle.
//
// A "kind" is the abstract identity of a domain object type. Each kind has
// three representation roles: the remote form received from the resource API,
// the persisted form held by the local store, and a lightweight in-memory
// placeholder used for patch building and flows without a configured store.
package entity

import (
	"fmt"
	"time"
)

// Kind is the abstract identity of a domain object type, independent of
// which concrete representation is in play.
type Kind string

// EventKind is the reserved kind of the server-side change-event feed.
const EventKind Kind = "event"

// Action describes what happened to the entity an event refers to.
type Action string

const (
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Event is a single entry of the server-side change-event feed. Events are
// consumed once by the sync orchestrator and are not persisted locally beyond
// the watermark they produce.
type Event struct {
	RelatedKind Kind
	RelatedID   string
	Action      Action
	Timestamp   time.Time
}

// Container is an opaque, storage-independent handle for a persisted record.
// Persisted records are only valid on the execution context that produced
// them; a Container is the only form in which a reference may cross context
// or goroutine boundaries. It is resolved back into a live record through a
// store context.
type Container struct {
	Kind Kind
	ID   string
}

func (c Container) String() string {
	return fmt.Sprintf("%s/%s", c.Kind, c.ID)
}

// Zero reports whether the container does not reference anything.
func (c Container) Zero() bool {
	return c.Kind == "" && c.ID == ""
}

// Remote is the remote representation of an entity: the graph shape returned
// by the resource API, already decoded from the wire by the transport layer.
//
// A Remote with Loaded == false is a reference placeholder: it carries an
// identity but no hydrated data, and must never overwrite local state beyond
// the identity field.
type Remote struct {
	EntityKind Kind
	ID         string

	CreateDate *time.Time
	UpdateDate *time.Time

	// Loaded is true when the representation is a full document rather than
	// a relationship reference.
	Loaded bool

	// Attrs holds the scalar fields present in the payload. A field the
	// server omitted is simply absent from the map.
	Attrs map[string]any

	// ToOne and ToMany hold related representations keyed by relationship
	// name. Related entries may themselves be reference placeholders.
	ToOne  map[string]*Remote
	ToMany map[string][]*Remote
}

// NewRemote returns an empty, unloaded remote representation of the kind.
func NewRemote(kind Kind) *Remote {
	return &Remote{
		EntityKind: kind,
		Attrs:      map[string]any{},
		ToOne:      map[string]*Remote{},
		ToMany:     map[string][]*Remote{},
	}
}

// NewReference returns a reference placeholder: identity only, not loaded.
func NewReference(kind Kind, id string) *Remote {
	r := NewRemote(kind)
	r.ID = id
	return r
}

// Kind returns the abstract kind of the representation.
func (r *Remote) Kind() Kind { return r.EntityKind }

// Attr returns the named scalar attribute and whether it was present in the
// payload.
func (r *Remote) Attr(name string) (any, bool) {
	v, ok := r.Attrs[name]
	return v, ok
}

// SetAttr sets a scalar attribute on the representation.
func (r *Remote) SetAttr(name string, v any) {
	if r.Attrs == nil {
		r.Attrs = map[string]any{}
	}
	r.Attrs[name] = v
}

// Provisional reports whether the entity has not yet been assigned a remote
// identity.
func (r *Remote) Provisional() bool { return r.ID == "" }

// Container returns the context-independent handle for the representation.
func (r *Remote) Container() Container {
	return Container{Kind: r.EntityKind, ID: r.ID}
}
