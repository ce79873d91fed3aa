// Package memory provides the in-memory store driver. It backs
// validation-only flows and tests, and serves as the working state embedded
// by the durable drivers.
package memory

import "github.com/mirrorkit/mirror/internal/store"

// Store is a purely in-memory record store.
type Store struct {
	*store.Base
}

// Open returns an empty in-memory store.
func Open() *Store {
	return &Store{Base: store.NewBase(nil)}
}

// Close implements store.Store. Nothing to release.
func (s *Store) Close() error { return nil }
