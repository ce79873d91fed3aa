package entity

import "fmt"

// Field describes one scalar field of a kind and its merge policy.
type Field struct {
	// Name is the field name as it appears in payloads and records.
	Name string

	// Default is substituted for a nil incoming value on an entity's
	// first-ever load. Deltas never null out omitted fields.
	Default any

	// MergeOr marks a sync-only-if-not-already-set field: once the locally
	// stored value is truthy, no incoming payload may change it.
	MergeOr bool

	// Skip excludes the field from mapping entirely.
	Skip bool
}

// Relationship describes one relationship of a kind.
type Relationship struct {
	Name string

	// Kind of the related entity.
	Kind Kind

	// ToMany distinguishes collection relationships from to-one.
	ToMany bool

	// Inverse is the name of the reciprocal relationship on the related
	// kind, used both to stop relationship recursion from bouncing back and
	// to keep mutual references consistent.
	Inverse string

	// Ordered collections are not supported; registering one is a
	// programming error.
	Ordered bool
}

// Descriptor carries the mapping metadata for one kind: its scalar fields
// with merge policies and its relationships.
type Descriptor struct {
	Kind          Kind
	Fields        []Field
	Relationships []Relationship
}

// Field returns the named field description.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Relationship returns the named relationship description.
func (d *Descriptor) Relationship(name string) (Relationship, bool) {
	for _, r := range d.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// Validate checks the descriptor for constructs the mapping layer does not
// support. It is called at registration time, before any sync traffic.
func (d *Descriptor) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("descriptor has no kind")
	}
	seen := map[string]bool{}
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("kind %q: field with empty name", d.Kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("kind %q: duplicate field %q", d.Kind, f.Name)
		}
		seen[f.Name] = true
	}
	for _, r := range d.Relationships {
		if r.Name == "" {
			return fmt.Errorf("kind %q: relationship with empty name", d.Kind)
		}
		if seen[r.Name] {
			return fmt.Errorf("kind %q: duplicate relationship %q", d.Kind, r.Name)
		}
		if r.Kind == "" {
			return fmt.Errorf("kind %q: relationship %q has no related kind", d.Kind, r.Name)
		}
		if r.Ordered {
			return fmt.Errorf("kind %q: relationship %q: ordered collections are unsupported", d.Kind, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
