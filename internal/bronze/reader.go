package bronze

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"github.com/rama83/GluwETL2/lake"
)

// Source formats.
const (
	FormatCSV     = "csv"
	FormatJSON    = "json"
	FormatParquet = "parquet"
)

var jsonNumbers = jsoniter.Config{UseNumber: true}.Froze()

// number is the json.Number produced by UseNumber decoding.
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// DetectFormat guesses the source format from a file name.
func DetectFormat(name string) (string, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV, true
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, true
	case ".parquet":
		return FormatParquet, true
	}
	return "", false
}

// Decode reads a whole source document in the given format. Column types
// are inferred; see ReadCSV and ReadJSON.
func Decode(format string, r io.Reader) (*lake.Batch, error) {
	switch strings.ToLower(format) {
	case FormatCSV:
		return ReadCSV(r)
	case FormatJSON, "jsonl":
		return ReadJSON(r)
	case FormatParquet:
		return ReadParquet(r)
	}
	return nil, fmt.Errorf("unsupported source format %q", format)
}

// ReadCSV reads a CSV document with a header row. Each column becomes the
// narrowest of Int64, Float64, Bool or String that parses every non-empty
// cell; empty cells are null.
func ReadCSV(r io.Reader) (*lake.Batch, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: csv has no header", lake.ErrInvalidFormat)
		}
		return nil, fmt.Errorf("%w: %w", lake.ErrInvalidFormat, err)
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lake.ErrInvalidFormat, err)
	}

	fields := make([]lake.Field, len(header))
	for i, name := range header {
		cells := lo.Map(rows, func(row []string, _ int) string { return row[i] })
		fields[i] = lake.Field{Name: strings.TrimSpace(name), Type: inferColumn(cells), Nullable: true}
	}
	schema := lake.NewSchema(fields...)
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	b := lake.NewBatch(schema)
	values := make([]any, len(fields))
	for _, row := range rows {
		for i, f := range fields {
			v, err := parseCell(f.Type, row[i])
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		if err := b.Append(values...); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func parseCell(t lake.Type, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	return lake.ParseValue(t, s)
}

func inferColumn(cells []string) lake.Type {
	nonEmpty := lo.Filter(cells, func(s string, _ int) bool { return s != "" })
	if len(nonEmpty) == 0 || lo.SomeBy(nonEmpty, hasLeadingZero) {
		return lake.String
	}
	for _, t := range []lake.Type{lake.Int64, lake.Float64} {
		if lo.EveryBy(nonEmpty, func(s string) bool { _, err := lake.ParseValue(t, s); return err == nil }) {
			return t
		}
	}
	if lo.EveryBy(nonEmpty, isBoolWord) {
		return lake.Bool
	}
	return lake.String
}

// hasLeadingZero reports numeric-looking text such as "00501" whose zeros
// are significant, like postal codes and account numbers.
func hasLeadingZero(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}

func isBoolWord(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false":
		return true
	}
	return false
}

// ReadJSON reads JSON Lines or a single JSON array of objects. Integers
// stay Int64 unless a column mixes them with fractions. Nested values and
// columns of mixed kinds are kept as JSON text.
func ReadJSON(r io.Reader) (*lake.Batch, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if first == '[' {
		if err := jsonNumbers.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("%w: %w", lake.ErrInvalidFormat, err)
		}
	} else {
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			var rec map[string]any
			if err := jsonNumbers.Unmarshal(text, &rec); err != nil {
				return nil, fmt.Errorf("%w: line %d: %w", lake.ErrInvalidFormat, line, err)
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", lake.ErrInvalidFormat, err)
		}
	}

	if err := unifyRecords(records); err != nil {
		return nil, err
	}
	return lake.BatchFromRecords(records)
}

func firstByte(br *bufio.Reader) (byte, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: empty json document", lake.ErrInvalidFormat)
			}
			return 0, err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c, br.UnreadByte()
	}
}

type kind int

const (
	kindNull kind = iota
	kindInt
	kindFloat
	kindBool
	kindString
	kindNested
)

func kindOf(v any) kind {
	switch x := v.(type) {
	case nil:
		return kindNull
	case number:
		if _, err := x.Int64(); err == nil {
			return kindInt
		}
		return kindFloat
	case bool:
		return kindBool
	case string:
		return kindString
	}
	return kindNested
}

// unifyRecords rewrites decoded values in place so that every column holds
// one Go type.
func unifyRecords(records []map[string]any) error {
	kinds := map[string]kind{}
	for _, rec := range records {
		for k, v := range rec {
			got := kindOf(v)
			cur, seen := kinds[k]
			switch {
			case got == kindNull:
				if !seen {
					kinds[k] = kindNull
				}
			case !seen || cur == kindNull || cur == got:
				kinds[k] = got
			case (cur == kindInt && got == kindFloat) || (cur == kindFloat && got == kindInt):
				kinds[k] = kindFloat
			default:
				kinds[k] = kindNested
			}
		}
	}

	for _, rec := range records {
		for k, v := range rec {
			if v == nil {
				continue
			}
			switch kinds[k] {
			case kindInt:
				n, _ := v.(number).Int64()
				rec[k] = n
			case kindFloat:
				f, err := v.(number).Float64()
				if err != nil {
					return fmt.Errorf("%w: column %q: %w", lake.ErrInvalidFormat, k, err)
				}
				rec[k] = f
			case kindNested:
				if s, ok := v.(string); ok {
					rec[k] = s
					continue
				}
				text, err := jsonNumbers.MarshalToString(v)
				if err != nil {
					return fmt.Errorf("%w: column %q: %w", lake.ErrInvalidFormat, k, err)
				}
				rec[k] = text
			}
		}
	}
	return nil
}

// ReadParquet reads a parquet file using the schema stored in its footer.
func ReadParquet(r io.Reader) (*lake.Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquet: read file: %w", err)
	}
	schema, err := lake.ReadParquetSchema(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return lake.NewParquetCodec().Decode(bytes.NewReader(data), schema)
}
