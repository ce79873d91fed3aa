// Package registry maps abstract entity kinds to their representations and
// mapping metadata. The table is populated once at process start, before any
// sync traffic; lookups of unregistered kinds are programming errors and
// panic rather than returning recoverable errors.
package registry

import (
	"fmt"
	"sync"

	"github.com/mirrorkit/mirror/internal/entity"
)

// Role names one of the three representation roles of a kind.
type Role int

const (
	// RoleRemote is the remote-serializable form received from the API.
	RoleRemote Role = iota
	// RolePersisted is the locally persisted record form. Persisted
	// representations are created by store contexts, not the registry.
	RolePersisted
	// RolePlaceholder is the minimal in-memory stand-in form.
	RolePlaceholder
)

// Kinder is implemented by every concrete representation: it answers which
// abstract kind the representation belongs to.
type Kinder interface {
	Kind() entity.Kind
}

// Option adjusts a registration.
type Option func(*registration)

type registration struct {
	desc     *entity.Descriptor
	syncable bool
}

// NotSyncable excludes the kind from the orchestrator's "entities to sync"
// set. The event-feed kind and purely local kinds are registered this way.
func NotSyncable() Option {
	return func(r *registration) { r.syncable = false }
}

// Registry is the static table of registered kinds. Registration order fixes
// the enumeration order of kinds.
type Registry struct {
	mu    sync.RWMutex
	byKind map[entity.Kind]*registration
	order  []entity.Kind
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byKind: map[entity.Kind]*registration{}}
}

// Register adds a kind with its mapping descriptor. Re-registering the same
// kind is idempotent and replaces the descriptor without changing the kind's
// position in the registration order. An invalid descriptor (including an
// ordered relationship) is a programming error.
func (r *Registry) Register(desc *entity.Descriptor, opts ...Option) {
	if err := desc.Validate(); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
	reg := &registration{desc: desc, syncable: true}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKind[desc.Kind]; !ok {
		r.order = append(r.order, desc.Kind)
	}
	r.byKind[desc.Kind] = reg
}

// Has reports whether the kind is registered.
func (r *Registry) Has(kind entity.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKind[kind]
	return ok
}

// Descriptor returns the mapping descriptor of a registered kind.
func (r *Registry) Descriptor(kind entity.Kind) *entity.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byKind[kind]
	if !ok {
		panic(fmt.Sprintf("registry: kind %q is not registered", kind))
	}
	return reg.desc
}

// Kinds returns the syncable kinds in registration order.
func (r *Registry) Kinds() []entity.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entity.Kind
	for _, k := range r.order {
		if r.byKind[k].syncable {
			out = append(out, k)
		}
	}
	return out
}

// KindOf resolves a concrete representation back to its abstract kind. The
// representation's kind must be registered.
func (r *Registry) KindOf(rep Kinder) entity.Kind {
	kind := rep.Kind()
	if !r.Has(kind) {
		panic(fmt.Sprintf("registry: representation of unregistered kind %q", kind))
	}
	return kind
}

// New returns a fresh representation of the kind in the given role.
// Persisted representations are owned by store contexts; requesting one here
// is a programming error.
func (r *Registry) New(kind entity.Kind, role Role) Kinder {
	if !r.Has(kind) {
		panic(fmt.Sprintf("registry: kind %q is not registered", kind))
	}
	switch role {
	case RoleRemote:
		return entity.NewRemote(kind)
	case RolePlaceholder:
		return entity.NewPlaceholder(kind)
	case RolePersisted:
		panic("registry: persisted representations are created by store contexts")
	}
	panic(fmt.Sprintf("registry: unknown role %d", int(role)))
}
