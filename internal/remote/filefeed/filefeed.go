// Package filefeed is a file-backed implementation of the remote client.
// Each kind lives in its own directory of JSON documents and the change
// feed is an append-only events.jsonl. It serves local demos, the CLI
// against a shared folder, and integration tests that need a real Client
// without a network.
package filefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/remote"
)

const eventsFile = "events.jsonl"

// Client reads and writes a feed directory. It implements remote.Client.
type Client struct {
	root string
	now  func() time.Time
}

// New returns a client over the feed directory rooted at root.
func New(root string) *Client {
	return &Client{root: root, now: func() time.Time { return time.Now().UTC() }}
}

// document is the on-disk shape of one entity.
type document struct {
	Kind       string           `json:"kind"`
	ID         string           `json:"id"`
	CreateDate *time.Time       `json:"created_at,omitempty"`
	UpdateDate *time.Time       `json:"updated_at,omitempty"`
	Attrs      map[string]any   `json:"attrs,omitempty"`
	ToOne      map[string]ref   `json:"to_one,omitempty"`
	ToMany     map[string][]ref `json:"to_many,omitempty"`
}

type ref struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// eventEntry is one line of events.jsonl.
type eventEntry struct {
	ID          string    `json:"id"`
	RelatedKind string    `json:"related_kind"`
	RelatedID   string    `json:"related_id"`
	Action      string    `json:"action"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoadEntities implements remote.Client.
func (c *Client) LoadEntities(ctx context.Context, kind entity.Kind, q remote.Query) ([]*entity.Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.ConnectionError{Cause: err}
	}
	if kind == entity.EventKind {
		return c.loadEvents(q)
	}

	dir := filepath.Join(c.root, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &remote.ConnectionError{Cause: err}
	}

	var out []*entity.Remote
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		doc, err := readDocument(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		r := doc.remote()
		if !filter.Match(remoteGetter(r), q.Filters) {
			continue
		}
		if err := c.hydrateIncludes(r, q.Includes); err != nil {
			return nil, err
		}
		applyFields(r, q.Fields)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadOne implements remote.Client. A missing document maps to a gone-class
// service error.
func (c *Client) LoadOne(ctx context.Context, kind entity.Kind, id string) (*entity.Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.ConnectionError{Cause: err}
	}
	doc, err := c.readByID(kind, id)
	if err != nil {
		return nil, err
	}
	return doc.remote(), nil
}

// Save implements remote.Client. A payload without an id creates a new
// document; one with an id patches the stored document with exactly the
// fields the payload carries. Every save appends an updated event.
func (c *Client) Save(ctx context.Context, r *entity.Remote) (*entity.Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, &remote.ConnectionError{Cause: err}
	}

	now := c.now()
	var doc *document
	if r.ID == "" {
		doc = &document{
			Kind:       string(r.EntityKind),
			ID:         uuid.NewString(),
			CreateDate: &now,
			Attrs:      map[string]any{},
			ToOne:      map[string]ref{},
			ToMany:     map[string][]ref{},
		}
	} else {
		var err error
		doc, err = c.readByID(r.EntityKind, r.ID)
		if err != nil {
			return nil, err
		}
	}

	for k, v := range r.Attrs {
		if doc.Attrs == nil {
			doc.Attrs = map[string]any{}
		}
		doc.Attrs[k] = v
	}
	for name, target := range r.ToOne {
		if doc.ToOne == nil {
			doc.ToOne = map[string]ref{}
		}
		doc.ToOne[name] = ref{Kind: string(target.EntityKind), ID: target.ID}
	}
	for name, targets := range r.ToMany {
		if doc.ToMany == nil {
			doc.ToMany = map[string][]ref{}
		}
		existing := map[string]bool{}
		for _, t := range doc.ToMany[name] {
			existing[t.ID] = true
		}
		for _, target := range targets {
			if !existing[target.ID] {
				doc.ToMany[name] = append(doc.ToMany[name], ref{Kind: string(target.EntityKind), ID: target.ID})
			}
		}
	}
	doc.UpdateDate = &now

	if err := c.writeDocument(doc); err != nil {
		return nil, err
	}
	if err := c.appendEvent(entity.Kind(doc.Kind), doc.ID, entity.ActionUpdated, now); err != nil {
		return nil, err
	}
	return doc.remote(), nil
}

// Delete implements remote.Client. Deleting a document that is already gone
// returns a gone-class service error, matching what HTTP backends do.
func (c *Client) Delete(ctx context.Context, r *entity.Remote) error {
	if err := ctx.Err(); err != nil {
		return &remote.ConnectionError{Cause: err}
	}
	if r.ID == "" {
		return &remote.ServiceError{Status: 404, Description: "no id"}
	}
	path := c.docPath(r.EntityKind, r.ID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &remote.ServiceError{Status: 404, Description: fmt.Sprintf("%s/%s not found", r.EntityKind, r.ID)}
		}
		return &remote.ConnectionError{Cause: err}
	}
	return c.appendEvent(r.EntityKind, r.ID, entity.ActionDeleted, c.now())
}

func (c *Client) loadEvents(q remote.Query) ([]*entity.Remote, error) {
	f, err := os.Open(filepath.Join(c.root, eventsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &remote.ConnectionError{Cause: err}
	}
	defer f.Close()

	var out []*entity.Remote
	dec := json.NewDecoder(f)
	line := 0
	for {
		var e eventEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &remote.ServiceError{Description: fmt.Sprintf("invalid event at line %d: %v", line+1, err)}
		}
		line++

		r := entity.NewRemote(entity.EventKind)
		r.ID = e.ID
		r.Loaded = true
		ts := e.CreatedAt
		r.CreateDate = &ts
		r.Attrs["relatedEntityKind"] = e.RelatedKind
		r.Attrs["relatedEntityId"] = e.RelatedID
		r.Attrs["action"] = e.Action
		if !filter.Match(remoteGetter(r), q.Filters) {
			continue
		}
		applyFields(r, q.Fields)
		out = append(out, r)
	}
	return out, nil
}

func (c *Client) hydrateIncludes(r *entity.Remote, includes []string) error {
	for _, name := range includes {
		if target, ok := r.ToOne[name]; ok && !target.Loaded {
			doc, err := c.readByID(target.EntityKind, target.ID)
			if err != nil {
				if remote.IsGone(err) {
					continue
				}
				return err
			}
			r.ToOne[name] = doc.remote()
		}
		for i, target := range r.ToMany[name] {
			if target.Loaded {
				continue
			}
			doc, err := c.readByID(target.EntityKind, target.ID)
			if err != nil {
				if remote.IsGone(err) {
					continue
				}
				return err
			}
			r.ToMany[name][i] = doc.remote()
		}
	}
	return nil
}

func (c *Client) readByID(kind entity.Kind, id string) (*document, error) {
	doc, err := readDocument(c.docPath(kind, id))
	if err != nil {
		var se *remote.ServiceError
		if errors.As(err, &se) && se.Status == 404 {
			return nil, &remote.ServiceError{Status: 404, Description: fmt.Sprintf("%s/%s not found", kind, id)}
		}
		return nil, err
	}
	return doc, nil
}

func (c *Client) docPath(kind entity.Kind, id string) string {
	return filepath.Join(c.root, string(kind), id+".json")
}

func (c *Client) writeDocument(doc *document) error {
	path := c.docPath(entity.Kind(doc.Kind), doc.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &remote.ConnectionError{Cause: err}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", doc.Kind, doc.ID, err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &remote.ConnectionError{Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return &remote.ConnectionError{Cause: err}
	}
	return nil
}

func (c *Client) appendEvent(kind entity.Kind, id string, action entity.Action, ts time.Time) error {
	f, err := os.OpenFile(filepath.Join(c.root, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return &remote.ConnectionError{Cause: err}
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(eventEntry{
		ID:          uuid.NewString(),
		RelatedKind: string(kind),
		RelatedID:   id,
		Action:      string(action),
		CreatedAt:   ts,
	})
}

func readDocument(path string) (*document, error) {
	// #nosec G304 - path is derived from the configured feed root
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &remote.ServiceError{Status: 404, Description: "not found"}
		}
		return nil, &remote.ConnectionError{Cause: err}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &remote.ServiceError{Description: fmt.Sprintf("invalid document %s: %v", filepath.Base(path), err)}
	}
	return &doc, nil
}

func (d *document) remote() *entity.Remote {
	r := entity.NewRemote(entity.Kind(d.Kind))
	r.ID = d.ID
	r.CreateDate = d.CreateDate
	r.UpdateDate = d.UpdateDate
	r.Loaded = true
	for k, v := range d.Attrs {
		r.Attrs[k] = v
	}
	for name, t := range d.ToOne {
		r.ToOne[name] = entity.NewReference(entity.Kind(t.Kind), t.ID)
	}
	for name, ts := range d.ToMany {
		for _, t := range ts {
			r.ToMany[name] = append(r.ToMany[name], entity.NewReference(entity.Kind(t.Kind), t.ID))
		}
	}
	return r
}

// remoteGetter exposes a representation's fields to filter evaluation. The
// standard timestamp filter fields resolve to the representation's
// timestamps.
func remoteGetter(r *entity.Remote) filter.Getter {
	return func(field string) any {
		switch field {
		case "id":
			return r.ID
		case remote.FilterUpdatedAfter:
			if r.UpdateDate != nil {
				return *r.UpdateDate
			}
			return nil
		case remote.FilterCreatedAfter:
			if r.CreateDate != nil {
				return *r.CreateDate
			}
			return nil
		}
		return r.Attrs[field]
	}
}

// applyFields strips attrs down to the sparse field set, when one is given.
func applyFields(r *entity.Remote, fields []string) {
	if len(fields) == 0 {
		return
	}
	keep := map[string]bool{}
	for _, f := range fields {
		keep[f] = true
	}
	for k := range r.Attrs {
		if !keep[k] {
			delete(r.Attrs, k)
		}
	}
}
