// Package remote defines the contract between the sync core and the remote
// resource API: the client interface, the error taxonomy every transport
// must map onto, and the one-shot renew-and-retry session policy.
//
// The wire format itself is out of scope; transports decode documents into
// entity.Remote graphs before they reach this layer.
package remote

import (
	"context"
	"time"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
)

// Standard remote filter fields. The server guarantees "greater than"
// semantics on the timestamp fields.
const (
	FilterUpdatedAfter = "updated_at"
	FilterCreatedAfter = "created_at"
)

// Sparse event fields requested in lite mode.
var LiteEventFields = []string{"relatedEntityKind", "relatedEntityId", "action"}

// Query carries the remote load parameters: typed filter predicates, the
// relationship paths to include, and an optional sparse field set.
type Query struct {
	Filters  []filter.Predicate
	Includes []string
	Fields   []string
}

// UpdatedAfter builds the delta-fetch query for records changed since ts.
func UpdatedAfter(ts time.Time) Query {
	return Query{Filters: []filter.Predicate{filter.Gt(FilterUpdatedAfter, ts)}}
}

// Client is the remote resource API the sync core consumes.
type Client interface {
	// LoadEntities returns the remote representation graphs matching the
	// query for the kind.
	LoadEntities(ctx context.Context, kind entity.Kind, q Query) ([]*entity.Remote, error)

	// LoadOne returns a single entity by id.
	LoadOne(ctx context.Context, kind entity.Kind, id string) (*entity.Remote, error)

	// Save creates (no id) or patches (id set) the entity and returns the
	// server's authoritative representation.
	Save(ctx context.Context, r *entity.Remote) (*entity.Remote, error)

	// Delete removes the entity on the remote side.
	Delete(ctx context.Context, r *entity.Remote) error
}

// Session renews the auth session consumed by a Client.
type Session interface {
	Renew(ctx context.Context) error
}

// WithSession wraps a client with the single renew-and-retry policy: on an
// auth-class error the session is renewed once and the original call
// retried once; a second failure surfaces as a terminal auth error.
func WithSession(c Client, s Session) Client {
	return &sessionClient{c: c, s: s}
}

type sessionClient struct {
	c Client
	s Session
}

func (sc *sessionClient) LoadEntities(ctx context.Context, kind entity.Kind, q Query) ([]*entity.Remote, error) {
	out, err := sc.c.LoadEntities(ctx, kind, q)
	if retryErr := sc.renewIfAuth(ctx, err); retryErr != nil {
		return nil, retryErr
	} else if err != nil {
		return sc.c.LoadEntities(ctx, kind, q)
	}
	return out, nil
}

func (sc *sessionClient) LoadOne(ctx context.Context, kind entity.Kind, id string) (*entity.Remote, error) {
	out, err := sc.c.LoadOne(ctx, kind, id)
	if retryErr := sc.renewIfAuth(ctx, err); retryErr != nil {
		return nil, retryErr
	} else if err != nil {
		return sc.c.LoadOne(ctx, kind, id)
	}
	return out, nil
}

func (sc *sessionClient) Save(ctx context.Context, r *entity.Remote) (*entity.Remote, error) {
	out, err := sc.c.Save(ctx, r)
	if retryErr := sc.renewIfAuth(ctx, err); retryErr != nil {
		return nil, retryErr
	} else if err != nil {
		return sc.c.Save(ctx, r)
	}
	return out, nil
}

func (sc *sessionClient) Delete(ctx context.Context, r *entity.Remote) error {
	err := sc.c.Delete(ctx, r)
	if retryErr := sc.renewIfAuth(ctx, err); retryErr != nil {
		return retryErr
	} else if err != nil {
		return sc.c.Delete(ctx, r)
	}
	return nil
}

// renewIfAuth returns nil when the caller should retry the original call
// (session renewed), or the error to surface. A non-auth error is surfaced
// unchanged; an auth error with a failed renewal surfaces the renewal
// failure wrapped as terminal.
func (sc *sessionClient) renewIfAuth(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if !IsAuth(err) || sc.s == nil {
		return err
	}
	if rerr := sc.s.Renew(ctx); rerr != nil {
		return &AuthError{Cause: rerr}
	}
	return nil
}
