package registry

import (
	"testing"

	"github.com/mirrorkit/mirror/internal/entity"
)

func postDescriptor() *entity.Descriptor {
	return &entity.Descriptor{
		Kind:   "post",
		Fields: []entity.Field{{Name: "title"}},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	reg.Register(postDescriptor())
	reg.Register(&entity.Descriptor{Kind: "user"})

	if !reg.Has("post") || !reg.Has("user") {
		t.Fatal("registered kinds not found")
	}
	if reg.Has("comment") {
		t.Error("unregistered kind reported present")
	}
	if d := reg.Descriptor("post"); d.Kind != "post" {
		t.Errorf("Descriptor kind = %q", d.Kind)
	}
}

func TestKindsOrderAndSyncable(t *testing.T) {
	reg := New()
	reg.Register(&entity.Descriptor{Kind: "b"})
	reg.Register(&entity.Descriptor{Kind: "a"})
	reg.Register(&entity.Descriptor{Kind: "local"}, NotSyncable())

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != "b" || kinds[1] != "a" {
		t.Errorf("Kinds() = %v, want registration order without non-syncable", kinds)
	}
}

func TestReRegisterKeepsOrder(t *testing.T) {
	reg := New()
	reg.Register(&entity.Descriptor{Kind: "a"})
	reg.Register(&entity.Descriptor{Kind: "b"})
	reg.Register(&entity.Descriptor{Kind: "a", Fields: []entity.Field{{Name: "x"}}})

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != "a" || kinds[1] != "b" {
		t.Errorf("Kinds() = %v after re-register", kinds)
	}
	if _, ok := reg.Descriptor("a").Field("x"); !ok {
		t.Error("re-registration did not replace the descriptor")
	}
}

func TestUnregisteredLookupPanics(t *testing.T) {
	reg := New()
	defer func() {
		if recover() == nil {
			t.Error("Descriptor of unregistered kind did not panic")
		}
	}()
	reg.Descriptor("ghost")
}

func TestRegisterOrderedRelationshipPanics(t *testing.T) {
	reg := New()
	defer func() {
		if recover() == nil {
			t.Error("registering an ordered collection did not panic")
		}
	}()
	reg.Register(&entity.Descriptor{
		Kind:          "post",
		Relationships: []entity.Relationship{{Name: "comments", Kind: "comment", ToMany: true, Ordered: true}},
	})
}

func TestNewRepresentations(t *testing.T) {
	reg := New()
	reg.Register(postDescriptor())

	if r, ok := reg.New("post", RoleRemote).(*entity.Remote); !ok || r.EntityKind != "post" {
		t.Error("RoleRemote did not produce a remote representation")
	}
	if p, ok := reg.New("post", RolePlaceholder).(*entity.Placeholder); !ok || p.Kind() != "post" {
		t.Error("RolePlaceholder did not produce a placeholder")
	}

	defer func() {
		if recover() == nil {
			t.Error("RolePersisted did not panic")
		}
	}()
	reg.New("post", RolePersisted)
}
