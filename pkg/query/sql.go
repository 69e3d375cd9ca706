package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Column maps a field name onto a SQL expression.
type Column struct {
	Expr    string
	Numeric bool

	attribute bool
}

// Columns is the set of fields that may appear in a rendered clause.
// Fields outside the set are looked up in the JSONB column named by
// Attributes, when it is set, and rejected otherwise.
type Columns struct {
	Fields     map[string]Column
	Attributes string
}

// AnnotationColumns covers the annotations table.
var AnnotationColumns = Columns{
	Fields: map[string]Column{
		"id":           {Expr: "id", Numeric: true},
		"job_id":       {Expr: "job_id"},
		"feature_id":   {Expr: "feature_id"},
		"feature_type": {Expr: "feature_type"},
		"type":         {Expr: "feature_type"},
		"contig":       {Expr: "contig"},
		"start":        {Expr: "start_pos", Numeric: true},
		"end":          {Expr: "end_pos", Numeric: true},
		"stop":         {Expr: "end_pos", Numeric: true},
		"strand":       {Expr: "strand"},
		"length":       {Expr: "(end_pos - start_pos + 1)", Numeric: true},
	},
	Attributes: "attributes",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// numericText matches the attribute strings Match treats as numbers.
const numericText = `^[[:space:]]*[-+]?([0-9]+(\.[0-9]*)?|\.[0-9]+)([eE][-+]?[0-9]+)?[[:space:]]*$`

// ToSQL renders the expression as a boolean SQL clause whose placeholders
// start at $firstArg. An empty builder renders as "TRUE".
func (b *Builder) ToSQL(cols Columns, firstArg int) (string, []any, error) {
	if err := b.Err(); err != nil {
		return "", nil, err
	}
	if b.Empty() {
		return "TRUE", nil, nil
	}

	r := &renderer{cols: cols, argIdx: firstArg}
	parts := make([]string, 0, len(b.groups))
	for _, g := range b.groups {
		conds := make([]string, 0, len(g.conds))
		for _, c := range g.conds {
			s, err := r.condition(c)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, s)
		}
		if g.any {
			parts = append(parts, "("+strings.Join(conds, " OR ")+")")
		} else {
			parts = append(parts, conds...)
		}
	}
	return strings.Join(parts, " AND "), r.args, nil
}

type renderer struct {
	cols   Columns
	argIdx int
	args   []any
}

func (r *renderer) bind(v any) string {
	r.args = append(r.args, v)
	p := fmt.Sprintf("$%d", r.argIdx)
	r.argIdx++
	return p
}

func (r *renderer) column(field string) (Column, error) {
	if col, ok := r.cols.Fields[field]; ok {
		return col, nil
	}
	if r.cols.Attributes == "" {
		return Column{}, fmt.Errorf("unknown field %q", field)
	}
	key := strings.TrimPrefix(field, "attributes.")
	if key == "" {
		return Column{}, fmt.Errorf("unknown field %q", field)
	}
	return Column{Expr: fmt.Sprintf("(%s->>%s)", r.cols.Attributes, r.bind(key)), attribute: true}, nil
}

func (r *renderer) condition(c Condition) (string, error) {
	col, err := r.column(c.Field)
	if err != nil {
		return "", err
	}

	switch c.Operator {
	case Contains:
		return fmt.Sprintf("%s::text ILIKE '%%' || %s || '%%'", col.Expr, r.bind(likeEscaper.Replace(toString(c.Value)))), nil
	case StartsWith:
		return fmt.Sprintf("%s::text LIKE %s || '%%'", col.Expr, r.bind(likeEscaper.Replace(toString(c.Value)))), nil
	case In:
		list := toList(c.Value)
		if col.Numeric {
			nums := make([]int64, 0, len(list))
			for _, v := range list {
				n, err := toInt(v)
				if err != nil {
					return "", fmt.Errorf("condition %q: %w", c.Field, err)
				}
				nums = append(nums, n)
			}
			return fmt.Sprintf("%s = ANY(%s)", col.Expr, r.bind(nums)), nil
		}
		strs := make([]string, len(list))
		for i, v := range list {
			strs[i] = toString(v)
		}
		return fmt.Sprintf("%s = ANY(%s)", col.Expr, r.bind(strs)), nil
	}

	var op string
	switch c.Operator {
	case Equals:
		op = "="
	case NotEquals:
		op = "IS DISTINCT FROM"
	case GreaterThan:
		op = ">"
	case GreaterOrEqual:
		op = ">="
	case LessThan:
		op = "<"
	case LessOrEqual:
		op = "<="
	default:
		return "", fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Operator)
	}

	if col.Numeric {
		n, err := toInt(c.Value)
		if err != nil {
			return "", fmt.Errorf("condition %q: %w", c.Field, err)
		}
		return fmt.Sprintf("%s %s %s", col.Expr, op, r.bind(n)), nil
	}

	ordered := c.Operator != Equals && c.Operator != NotEquals
	text := toString(c.Value)

	// Attribute values are strings; Match compares them as numbers when both
	// sides parse as one, so the SQL does the same per row.
	if col.attribute && c.Operator != NotEquals {
		if f, ok := toFloat(c.Value); ok {
			return fmt.Sprintf("CASE WHEN %[1]s ~ '%[2]s' THEN %[1]s::numeric %[3]s %[4]s ELSE %[1]s COLLATE \"C\" %[3]s %[5]s END",
				col.Expr, numericText, op, r.bind(f), r.bind(text)), nil
		}
	}
	if ordered {
		return fmt.Sprintf("%s COLLATE \"C\" %s %s", col.Expr, op, r.bind(text)), nil
	}
	return fmt.Sprintf("%s %s %s", col.Expr, op, r.bind(text)), nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(toString(v)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not an integer", toString(v))
	}
	return n, nil
}
