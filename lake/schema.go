package lake

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// -----------------------------------------------------------------------------
// Logical types
// -----------------------------------------------------------------------------

// Type enumerates the logical column types.
type Type int

// Column type constants.
const (
	Int32 Type = iota
	Int64
	Float32
	Float64
	String
	Bool
	Bytes
	Timestamp
	typeMax // sentinel for validation
)

var typeNames = [...]string{
	Int32:     "int32",
	Int64:     "int64",
	Float32:   "float32",
	Float64:   "float64",
	String:    "string",
	Bool:      "bool",
	Bytes:     "bytes",
	Timestamp: "timestamp",
}

// int32 bounds for overflow checks (stdlib has no int32 bounds constants).
const (
	minInt32     = -1 << 31  // -2147483648
	maxInt32     = 1<<31 - 1 // 2147483647
	maxSafeInt64 = 1 << 53   // max integer exactly representable in float64
)

func (t Type) String() string {
	if t.valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func (t Type) valid() bool { return t >= 0 && t < typeMax }

// ParseType maps a type name to its Type. Common aliases are accepted.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int32", "int", "integer":
		return Int32, nil
	case "int64", "long", "bigint":
		return Int64, nil
	case "float32", "float":
		return Float32, nil
	case "float64", "double":
		return Float64, nil
	case "string", "str", "utf8":
		return String, nil
	case "bool", "boolean":
		return Bool, nil
	case "bytes", "binary":
		return Bytes, nil
	case "timestamp", "datetime":
		return Timestamp, nil
	}
	return 0, fmt.Errorf("%w: unknown type %q", ErrSchemaViolation, name)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("%w: invalid type %d", ErrSchemaViolation, int(t))
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

// Field defines a single column.
type Field struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema is an ordered list of columns.
type Schema struct {
	Fields []Field `json:"columns"`
}

// NewSchema builds a schema from fields in order.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: append([]Field(nil), fields...)}
}

// Validate checks names and types.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrSchemaViolation)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field name cannot be empty", ErrSchemaViolation)
		}
		if !f.Type.valid() {
			return fmt.Errorf("%w: invalid type %d for field %q", ErrSchemaViolation, int(f.Type), f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field name %q", ErrSchemaViolation, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Names returns column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the named column.
func (s Schema) Field(name string) (Field, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Fields[i], true
	}
	return Field{}, false
}

// Equal reports whether both schemas have the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// Project returns the schema restricted to names, in the given order.
func (s Schema) Project(names []string) (Schema, error) {
	out := Schema{Fields: make([]Field, 0, len(names))}
	for _, n := range names {
		f, ok := s.Field(n)
		if !ok {
			return Schema{}, fmt.Errorf("%w: unknown column %q", ErrSchemaViolation, n)
		}
		out.Fields = append(out.Fields, f)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Values
// -----------------------------------------------------------------------------

// normalize converts v to the canonical Go representation of t:
// int32, int64, float32, float64, string, bool, []byte or UTC time.Time.
// nil passes through.
//
//nolint:gocyclo // One case per logical type.
func normalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Int32:
		n, ok := toInt64(v)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		if n < minInt32 || n > maxInt32 {
			return nil, fmt.Errorf("%w: value %d overflows int32", ErrSchemaViolation, n)
		}
		return int32(n), nil

	case Int64:
		n, ok := toInt64(v)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return n, nil

	case Float32:
		f, ok := toFloat64(v)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return float32(f), nil

	case Float64:
		f, ok := toFloat64(v)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return f, nil

	case String:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return s, nil

	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return b, nil

	case Bytes:
		switch b := v.(type) {
		case []byte:
			return bytes.Clone(b), nil
		case string:
			return []byte(b), nil
		}
		return nil, typeMismatch(t, v)

	case Timestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid timestamp %q: %w", ErrSchemaViolation, ts, err)
			}
			return parsed.UTC(), nil
		}
		return nil, typeMismatch(t, v)
	}
	return nil, fmt.Errorf("%w: unknown type %d", ErrSchemaViolation, int(t))
}

func typeMismatch(t Type, v any) error {
	return fmt.Errorf("%w: expected %s, got %T", ErrSchemaViolation, t, v)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64: // JSON numbers
		if math.Trunc(n) != n || n < -maxSafeInt64 || n > maxSafeInt64 {
			return 0, false
		}
		return int64(n), true
	case interface{ Int64() (int64, error) }: // json.Number
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		n, _ := toInt64(f)
		return float64(n), true
	case interface{ Float64() (float64, error) }: // json.Number
		x, err := f.Float64()
		return x, err == nil
	}
	return 0, false
}

// InferType returns the logical type for a Go value.
func InferType(v any) (Type, bool) {
	switch v.(type) {
	case int32, int16, int8, uint8, uint16:
		return Int32, true
	case int, int64, uint32:
		return Int64, true
	case float32:
		return Float32, true
	case float64:
		return Float64, true
	case string:
		return String, true
	case bool:
		return Bool, true
	case []byte:
		return Bytes, true
	case time.Time:
		return Timestamp, true
	}
	return 0, false
}

// ParseValue converts text (from a CLI flag or a CSV cell) to a value of
// type t. Empty text is null for every type except String. Integers are
// always decimal: "010" is ten, and "0x10" or an out-of-range value is an
// error.
func ParseValue(t Type, s string) (any, error) {
	if s == "" && t != String {
		return nil, nil
	}
	var (
		v   any
		err error
	)
	switch t {
	case Int32:
		var n int64
		n, err = strconv.ParseInt(s, 10, 32)
		v = int32(n)
	case Int64:
		v, err = strconv.ParseInt(s, 10, 64)
	case Float32:
		v, err = cast.ToFloat32E(s)
	case Float64:
		v, err = cast.ToFloat64E(s)
	case String:
		v = s
	case Bool:
		v, err = cast.ToBoolE(s)
	case Bytes:
		v = []byte(s)
	case Timestamp:
		var ts time.Time
		ts, err = cast.ToTimeE(s)
		v = ts.UTC()
	default:
		err = fmt.Errorf("unknown type %d", int(t))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q as %s: %w", ErrSchemaViolation, s, t, err)
	}
	return v, nil
}

// compareValues orders two normalized values of the same type. ok is false
// when the values are not ordered (nulls, or mismatched types).
func compareValues(a, b any) (c int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch x := a.(type) {
	case int32:
		y, ok := b.(int32)
		return cmpOrdered(x, y), ok
	case int64:
		y, ok := b.(int64)
		return cmpOrdered(x, y), ok
	case float32:
		y, ok := b.(float32)
		return cmpOrdered(x, y), ok
	case float64:
		y, ok := b.(float64)
		return cmpOrdered(x, y), ok
	case string:
		y, ok := b.(string)
		return strings.Compare(x, y), ok
	case bool:
		y, ok := b.(bool)
		switch {
		case x == y:
			return 0, ok
		case !x:
			return -1, ok
		default:
			return 1, ok
		}
	case []byte:
		y, ok := b.([]byte)
		return bytes.Compare(x, y), ok
	case time.Time:
		y, ok := b.(time.Time)
		return x.Compare(y), ok
	}
	return 0, false
}

func cmpOrdered[T int32 | int64 | float32 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// valueKey renders a normalized value as a map key. Nulls get a dedicated
// token so that two nulls produce equal keys.
func valueKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00null"
	case string:
		return "s:" + x
	case []byte:
		return "b:" + string(x)
	case time.Time:
		return "t:" + strconv.FormatInt(x.UnixNano(), 10)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
