// Package filter provides a typed predicate tree used for both local store
// fetches and remote load filters. Predicates are data (field, operator,
// value); they are built and combined programmatically, never interpolated
// into query strings.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpIn
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpIn:
		return "in"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Predicate compares one field to a value. For OpIn the value is a slice.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value)
}

// Eq builds an equality predicate.
func Eq(field string, v any) Predicate { return Predicate{Field: field, Op: OpEq, Value: v} }

// Ne builds an inequality predicate.
func Ne(field string, v any) Predicate { return Predicate{Field: field, Op: OpNe, Value: v} }

// Gt builds a strictly-greater predicate.
func Gt(field string, v any) Predicate { return Predicate{Field: field, Op: OpGt, Value: v} }

// Ge builds a greater-or-equal predicate.
func Ge(field string, v any) Predicate { return Predicate{Field: field, Op: OpGe, Value: v} }

// Lt builds a strictly-less predicate.
func Lt(field string, v any) Predicate { return Predicate{Field: field, Op: OpLt, Value: v} }

// Le builds a less-or-equal predicate.
func Le(field string, v any) Predicate { return Predicate{Field: field, Op: OpLe, Value: v} }

// In builds a membership predicate over the given values.
func In(field string, values ...any) Predicate {
	return Predicate{Field: field, Op: OpIn, Value: values}
}

// InStrings builds a membership predicate over string values.
func InStrings(field string, values []string) Predicate {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return In(field, vs...)
}

// Sort describes one sort descriptor.
type Sort struct {
	Field string
	Desc  bool
}

// Query combines predicates (implicitly AND-ed), sort descriptors and an
// optional result limit.
type Query struct {
	Where []Predicate
	Sort  []Sort
	Limit int
}

// Where builds a query from predicates.
func Where(preds ...Predicate) Query {
	return Query{Where: preds}
}

// SortBy appends a sort descriptor and returns the query for chaining.
func (q Query) SortBy(field string, desc bool) Query {
	q.Sort = append(q.Sort, Sort{Field: field, Desc: desc})
	return q
}

// WithLimit caps the result size. Zero means unlimited.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Getter resolves a field name to its current value on some record.
type Getter func(field string) any

// Match evaluates all predicates of the query against the record fields
// exposed by get.
func Match(get Getter, preds []Predicate) bool {
	for _, p := range preds {
		if !matchOne(get(p.Field), p) {
			return false
		}
	}
	return true
}

func matchOne(have any, p Predicate) bool {
	if p.Op == OpIn {
		values, ok := p.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if compare(have, v) == 0 {
				return true
			}
		}
		return false
	}
	c := compare(have, p.Value)
	switch p.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	}
	return false
}

// Apply filters, sorts and limits a slice of records in place of a real
// query planner. Stores with native querying may translate the query
// instead.
func Apply[T any](items []T, get func(T) Getter, q Query) []T {
	var out []T
	for _, it := range items {
		if Match(get(it), q.Where) {
			out = append(out, it)
		}
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return less(get(out[i]), get(out[j]), q.Sort)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func less(a, b Getter, sorts []Sort) bool {
	for _, s := range sorts {
		c := compare(a(s.Field), b(s.Field))
		if c == 0 {
			continue
		}
		if s.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// compare orders two loosely-typed values. nil sorts before everything.
func compare(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case bb:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
