package lake

import (
	"fmt"
	"strings"
)

// Op is a comparison operator in a filter condition.
type Op int

// Filter operators.
const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpIsNull
	OpNotNull
)

var opSymbols = map[Op]string{
	OpEq: "=", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpIn: "in", OpIsNull: "is null", OpNotNull: "is not null",
}

func (o Op) String() string {
	if s, ok := opSymbols[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Condition compares one column against a value.
type Condition struct {
	Column string
	Op     Op
	Value  any
	Values []any // OpIn only
}

// Filter is a conjunction of conditions. An empty filter matches every row.
type Filter []Condition

// Eq matches rows whose column equals v. A nil v matches nulls.
func Eq(column string, v any) Condition { return Condition{Column: column, Op: OpEq, Value: v} }

// Ne matches non-null rows whose column differs from v.
func Ne(column string, v any) Condition { return Condition{Column: column, Op: OpNe, Value: v} }

// Lt matches rows whose column is less than v.
func Lt(column string, v any) Condition { return Condition{Column: column, Op: OpLt, Value: v} }

// Le matches rows whose column is at most v.
func Le(column string, v any) Condition { return Condition{Column: column, Op: OpLe, Value: v} }

// Gt matches rows whose column is greater than v.
func Gt(column string, v any) Condition { return Condition{Column: column, Op: OpGt, Value: v} }

// Ge matches rows whose column is at least v.
func Ge(column string, v any) Condition { return Condition{Column: column, Op: OpGe, Value: v} }

// In matches rows whose column equals any of vs.
func In(column string, vs ...any) Condition { return Condition{Column: column, Op: OpIn, Values: vs} }

// IsNull matches rows whose column is null.
func IsNull(column string) Condition { return Condition{Column: column, Op: OpIsNull} }

// NotNull matches rows whose column is not null.
func NotNull(column string) Condition { return Condition{Column: column, Op: OpNotNull} }

// ParseCondition parses "col=v", "col!=v", "col<v", "col<=v", "col>v",
// "col>=v", "col in a|b|c", "col is null" and "col is not null". Values
// stay strings and are converted to the column type when the filter is
// applied.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	lower := strings.ToLower(expr)
	switch {
	case strings.HasSuffix(lower, " is not null"):
		return NotNull(strings.TrimSpace(expr[:len(expr)-len(" is not null")])), nil
	case strings.HasSuffix(lower, " is null"):
		return IsNull(strings.TrimSpace(expr[:len(expr)-len(" is null")])), nil
	}
	if i := strings.Index(lower, " in "); i > 0 {
		col := strings.TrimSpace(expr[:i])
		var vals []any
		for _, v := range strings.Split(expr[i+len(" in "):], "|") {
			vals = append(vals, strings.TrimSpace(v))
		}
		return In(col, vals...), nil
	}
	for _, op := range []Op{OpNe, OpLe, OpGe, OpEq, OpLt, OpGt} {
		sym := opSymbols[op]
		if i := strings.Index(expr, sym); i > 0 {
			col := strings.TrimSpace(expr[:i])
			val := strings.TrimSpace(expr[i+len(sym):])
			return Condition{Column: col, Op: op, Value: val}, nil
		}
	}
	return Condition{}, fmt.Errorf("cannot parse filter %q", expr)
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

type boundCondition struct {
	Condition
	idx    int
	value  any
	values []any
}

type boundFilter []boundCondition

// bind resolves columns and converts values to the column types.
func (f Filter) bind(schema Schema) (boundFilter, error) {
	out := make(boundFilter, 0, len(f))
	for _, c := range f {
		idx := schema.Index(c.Column)
		if idx < 0 {
			return nil, &ColumnError{Column: c.Column, Rule: RuleColumnInSchema, Row: -1,
				Err: fmt.Errorf("%w: filter column not in schema", ErrSchemaViolation)}
		}
		t := schema.Fields[idx].Type
		bc := boundCondition{Condition: c, idx: idx}
		var err error
		switch c.Op {
		case OpIn:
			bc.values = make([]any, len(c.Values))
			for i, v := range c.Values {
				if bc.values[i], err = filterValue(t, v); err != nil {
					break
				}
			}
		case OpIsNull, OpNotNull:
		default:
			bc.value, err = filterValue(t, c.Value)
		}
		if err != nil {
			return nil, &ColumnError{Column: c.Column, Rule: RuleColumnType, Row: -1, Err: err}
		}
		out = append(out, bc)
	}
	return out, nil
}

func filterValue(t Type, v any) (any, error) {
	nv, err := normalize(t, v)
	if err == nil {
		return nv, nil
	}
	if s, ok := v.(string); ok {
		return ParseValue(t, s)
	}
	return nil, err
}

func (bf boundFilter) match(b *Batch, row int) bool {
	for _, c := range bf {
		if !c.match(b.cols[c.idx][row]) {
			return false
		}
	}
	return true
}

func (c boundCondition) match(cell any) bool {
	switch c.Op {
	case OpIsNull:
		return cell == nil
	case OpNotNull:
		return cell != nil
	case OpEq:
		return valueKey(cell) == valueKey(c.value)
	case OpNe:
		if c.value == nil {
			return cell != nil
		}
		return cell != nil && valueKey(cell) != valueKey(c.value)
	case OpIn:
		k := valueKey(cell)
		for _, v := range c.values {
			if valueKey(v) == k {
				return true
			}
		}
		return false
	}
	cmp, ok := compareValues(cell, c.value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// admits reports whether a partition may hold matching rows. Only equality,
// membership and null checks on partition columns prune.
func (bf boundFilter) admits(p Partition) bool {
	for _, c := range bf {
		got, ok := p[c.Column]
		if !ok {
			continue
		}
		switch c.Op {
		case OpEq:
			if got != partitionValue(c.value) {
				return false
			}
		case OpIsNull:
			if got != DefaultPartitionValue {
				return false
			}
		case OpIn:
			hit := false
			for _, v := range c.values {
				if got == partitionValue(v) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
	}
	return true
}
