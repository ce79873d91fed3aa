// Package export dumps and restores the local replica as JSONL, one record
// per line in the storage-neutral shape. Used to move a replica between
// store drivers and for plain backups.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/filter"
	"github.com/mirrorkit/mirror/internal/store"
)

// Result carries statistics about one export or import run.
type Result struct {
	Records int
	Kinds   int
}

// ToWriter writes every record in the store to w as JSONL, ordered by kind
// then id so dumps diff cleanly.
func ToWriter(st store.Store, w io.Writer) (*Result, error) {
	res := &Result{}
	enc := json.NewEncoder(w)

	err := st.RunInContext(func(ctx *store.Context) error {
		kinds := ctx.Kinds()
		res.Kinds = len(kinds)
		for _, kind := range kinds {
			recs, err := ctx.Fetch(kind, filter.Query{Sort: []filter.Sort{{Field: store.FieldID}}})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", kind, err)
			}
			for _, rec := range recs {
				if err := enc.Encode(rec.Data()); err != nil {
					return fmt.Errorf("encode %s/%s: %w", kind, rec.ID(), err)
				}
				res.Records++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ToFile writes the dump atomically via a temp file in the target directory.
func ToFile(st store.Store, path string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	res, err := ToWriter(st, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename temp file: %w", err)
	}
	return res, nil
}

// FromReader loads a JSONL dump into the store in one commit. Records
// already present under the same (kind, id) are replaced.
func FromReader(st store.Store, r io.Reader) (*Result, error) {
	dec := json.NewDecoder(r)
	var data []store.RecordData
	line := 0
	for {
		var d store.RecordData
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++
		if d.Kind == "" || d.ID == "" {
			return nil, fmt.Errorf("record at line %d missing kind or id", line)
		}
		data = append(data, d)
	}

	res := &Result{Records: len(data)}
	kinds := map[entity.Kind]bool{}
	for _, d := range data {
		kinds[d.Kind] = true
	}
	res.Kinds = len(kinds)

	err := st.RunInContext(func(ctx *store.Context) error {
		for _, d := range data {
			existing, err := ctx.FetchOne(d.Kind, filter.Where(filter.Eq(store.FieldID, d.ID)))
			if err != nil {
				return err
			}
			if existing != nil {
				ctx.Delete(existing)
			}
			apply(ctx.Create(d.Kind), d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	return res, nil
}

// FromFile loads a JSONL dump from disk.
func FromFile(st store.Store, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	return FromReader(st, f)
}

func apply(rec *store.Record, d store.RecordData) {
	rec.SetID(d.ID)
	rec.SetCreateDate(d.CreateDate)
	rec.SetUpdateDate(d.UpdateDate)
	rec.SetLoaded(d.Loaded)
	rec.SetPendingDelete(d.PendingDelete)
	for k, v := range d.Attrs {
		rec.Set(k, v)
	}
	for name, target := range d.ToOne {
		rec.SetRelation(name, target)
	}
	names := make([]string, 0, len(d.ToMany))
	for name := range d.ToMany {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec.AddRelations(name, d.ToMany[name]...)
	}
}
