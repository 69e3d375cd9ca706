// Package query builds structured filter expressions over annotation records.
//
// A Builder holds a list of groups. Conditions inside a group are ANDed; groups
// added with Or are satisfied when any of their conditions holds. The same
// expression can be evaluated in memory (Filter, Match) or rendered to a
// parameterised SQL clause (ToSQL). Values are never spliced into SQL text.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operator is a comparison applied to a field.
type Operator string

const (
	Equals         Operator = "eq"
	NotEquals      Operator = "ne"
	GreaterThan    Operator = "gt"
	GreaterOrEqual Operator = "gte"
	LessThan       Operator = "lt"
	LessOrEqual    Operator = "lte"
	Contains       Operator = "contains"
	StartsWith     Operator = "starts_with"
	In             Operator = "in"
)

var operators = map[Operator]bool{
	Equals: true, NotEquals: true, GreaterThan: true, GreaterOrEqual: true,
	LessThan: true, LessOrEqual: true, Contains: true, StartsWith: true, In: true,
}

// ParseOperator accepts the short names and a few symbolic spellings.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "=", "==", "equals":
		return Equals, nil
	case "ne", "!=", "not_equals":
		return NotEquals, nil
	case "gt", ">", "greater_than":
		return GreaterThan, nil
	case "gte", ">=":
		return GreaterOrEqual, nil
	case "lt", "<", "less_than":
		return LessThan, nil
	case "lte", "<=":
		return LessOrEqual, nil
	case "contains", "~":
		return Contains, nil
	case "starts_with", "prefix":
		return StartsWith, nil
	case "in":
		return In, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Condition compares one field with a value.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

type group struct {
	any   bool
	conds []Condition
}

// Builder composes conditions. The zero value matches everything.
type Builder struct {
	groups []group
	err    error
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Where adds a condition that must hold. Calls chain.
func (b *Builder) Where(field string, op Operator, value any) *Builder {
	return b.add(group{conds: []Condition{{Field: field, Operator: op, Value: value}}})
}

// AddCondition is Where under the name used by API callers.
func (b *Builder) AddCondition(field string, op Operator, value any) *Builder {
	return b.Where(field, op, value)
}

// Or adds a group that holds when at least one of conds holds.
func (b *Builder) Or(conds ...Condition) *Builder {
	if len(conds) == 0 {
		return b
	}
	return b.add(group{any: true, conds: conds})
}

func (b *Builder) add(g group) *Builder {
	for _, c := range g.conds {
		if !operators[c.Operator] && b.err == nil {
			b.err = fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Operator)
		}
		if c.Field == "" && b.err == nil {
			b.err = fmt.Errorf("condition: field is required")
		}
	}
	b.groups = append(b.groups, g)
	return b
}

// Err returns the first construction error, if any.
func (b *Builder) Err() error {
	if b == nil {
		return nil
	}
	return b.err
}

// Empty reports whether the builder has no conditions.
func (b *Builder) Empty() bool {
	return b == nil || len(b.groups) == 0
}

// Conditions returns all conditions in insertion order.
func (b *Builder) Conditions() []Condition {
	if b == nil {
		return nil
	}
	var out []Condition
	for _, g := range b.groups {
		out = append(out, g.conds...)
	}
	return out
}

// String renders a stable description, used as a cache key component.
func (b *Builder) String() string {
	if b.Empty() {
		return "*"
	}
	parts := make([]string, 0, len(b.groups))
	for _, g := range b.groups {
		conds := make([]string, len(g.conds))
		for i, c := range g.conds {
			conds[i] = c.String()
		}
		if g.any {
			sort.Strings(conds)
			parts = append(parts, "("+strings.Join(conds, " OR ")+")")
			continue
		}
		parts = append(parts, conds[0])
	}
	return strings.Join(parts, " AND ")
}

// Record is anything whose fields can be looked up by name.
type Record interface {
	Field(name string) (any, bool)
}

// Match evaluates the expression against r. A missing field fails the condition.
func (b *Builder) Match(r Record) bool {
	if b.Empty() {
		return true
	}
	for _, g := range b.groups {
		if !g.match(r) {
			return false
		}
	}
	return true
}

func (g group) match(r Record) bool {
	for _, c := range g.conds {
		ok := c.match(r)
		if g.any && ok {
			return true
		}
		if !g.any && !ok {
			return false
		}
	}
	return !g.any
}

// Filter returns the records matching the expression, preserving order.
func Filter[R Record](b *Builder, records []R) ([]R, error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	out := make([]R, 0, len(records))
	for _, r := range records {
		if b.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c Condition) match(r Record) bool {
	got, ok := r.Field(c.Field)
	if !ok {
		return c.Operator == NotEquals
	}

	switch c.Operator {
	case Contains:
		return strings.Contains(strings.ToLower(toString(got)), strings.ToLower(toString(c.Value)))
	case StartsWith:
		return strings.HasPrefix(toString(got), toString(c.Value))
	case In:
		for _, v := range toList(c.Value) {
			if compare(got, v) == 0 {
				return true
			}
		}
		return false
	}

	cmp := compare(got, c.Value)
	switch c.Operator {
	case Equals:
		return cmp == 0
	case NotEquals:
		return cmp != 0
	case GreaterThan:
		return cmp > 0
	case GreaterOrEqual:
		return cmp >= 0
	case LessThan:
		return cmp < 0
	case LessOrEqual:
		return cmp <= 0
	}
	return false
}

// compare orders two values numerically when both parse as numbers, and
// lexically otherwise.
func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(toString(a), toString(b))
}

func toFloat(v any) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func toList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case string:
		parts := strings.Split(l, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	}
	return []any{v}
}

// Parse reads a "field:op:value" condition, as used in HTTP query strings.
// The value may itself contain colons.
func Parse(expr string) (Condition, error) {
	parts := strings.SplitN(expr, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return Condition{}, fmt.Errorf("condition %q must have the form field:op:value", expr)
	}
	op, err := ParseOperator(parts[1])
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: %w", expr, err)
	}
	var value any = parts[2]
	if op == In {
		value = toList(parts[2])
	}
	return Condition{Field: strings.TrimSpace(parts[0]), Operator: op, Value: value}, nil
}
