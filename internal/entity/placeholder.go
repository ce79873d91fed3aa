package entity

import "time"

// Placeholder is the minimal in-memory representation of an entity. It is
// used where no persisted record is wanted: building minimal patches for
// createOrUpdate, validation-only flows, and as the mutable draft handed to
// mutation closures.
//
// Unlike Remote, a Placeholder remembers which fields were explicitly
// assigned, so a patch built from it carries only the identity plus the
// fields the caller actually touched.
type Placeholder struct {
	kind Kind
	id   string

	createDate *time.Time
	updateDate *time.Time

	attrs map[string]any
	set   map[string]bool

	toOne  map[string]Container
	toMany map[string][]Container
}

// NewPlaceholder returns an empty placeholder of the kind.
func NewPlaceholder(kind Kind) *Placeholder {
	return &Placeholder{
		kind:   kind,
		attrs:  map[string]any{},
		set:    map[string]bool{},
		toOne:  map[string]Container{},
		toMany: map[string][]Container{},
	}
}

// Kind returns the abstract kind of the representation.
func (p *Placeholder) Kind() Kind { return p.kind }

// ID returns the remote identity, empty while provisional.
func (p *Placeholder) ID() string { return p.id }

// SetID assigns the remote identity.
func (p *Placeholder) SetID(id string) { p.id = id }

// Provisional reports whether the entity has no remote identity yet.
func (p *Placeholder) Provisional() bool { return p.id == "" }

// CreateDate returns the server-side creation timestamp, nil if never loaded.
func (p *Placeholder) CreateDate() *time.Time { return p.createDate }

// UpdateDate returns the server-side update timestamp, nil if never loaded.
func (p *Placeholder) UpdateDate() *time.Time { return p.updateDate }

// Set assigns a scalar field and records it as explicitly set.
func (p *Placeholder) Set(field string, v any) {
	p.attrs[field] = v
	p.set[field] = true
}

// Get returns the scalar field value and whether it was explicitly set.
func (p *Placeholder) Get(field string) (any, bool) {
	v, ok := p.attrs[field]
	return v, ok
}

// SetRelation assigns a to-one relationship by handle.
func (p *Placeholder) SetRelation(name string, target Container) {
	p.toOne[name] = target
	p.set[name] = true
}

// AddRelation appends a to-many relationship entry by handle.
func (p *Placeholder) AddRelation(name string, target Container) {
	p.toMany[name] = append(p.toMany[name], target)
	p.set[name] = true
}

// Fields returns the names of fields and relationships explicitly set.
func (p *Placeholder) Fields() []string {
	out := make([]string, 0, len(p.set))
	for f := range p.set {
		out = append(out, f)
	}
	return out
}

// Remote converts the placeholder into a remote representation carrying only
// the identity and the explicitly set fields. Relationship handles become
// reference placeholders. The result is unsuited for local mapping (it is
// not loaded); it exists to be sent to the remote side as a create or patch
// payload.
func (p *Placeholder) Remote() *Remote {
	r := NewRemote(p.kind)
	r.ID = p.id
	for field := range p.set {
		if c, ok := p.toOne[field]; ok {
			r.ToOne[field] = NewReference(c.Kind, c.ID)
			continue
		}
		if cs, ok := p.toMany[field]; ok {
			for _, c := range cs {
				r.ToMany[field] = append(r.ToMany[field], NewReference(c.Kind, c.ID))
			}
			continue
		}
		r.Attrs[field] = p.attrs[field]
	}
	return r
}
