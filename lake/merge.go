package lake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// MergeResult reports the outcome of a Merge.
type MergeResult struct {
	// Path is the destination table location.
	Path string

	// RowsUpdated counts source rows applied, updates and inserts alike.
	RowsUpdated int
}

// Merge upserts the rows of source into dest, matching rows on
// joinColumns.
//
// For each source row in order, the last destination row with the same
// join key has its updateColumns overwritten; a row with no match is
// appended, with destination columns the source lacks set to null. Source
// rows are never matched against each other, so duplicate source keys
// update a matched row in turn (the last one wins) and are all appended
// when unmatched. Null join values compare equal to each other. A nil updateColumns selects every destination column outside
// joinColumns that the source also carries. Source columns the destination
// lacks are dropped.
//
// Both tables are read fully into memory. The destination is rewritten with
// an overwrite only after the merged rows are complete.
func (s *TableStore) Merge(ctx context.Context, source, dest string, joinColumns, updateColumns []string) (MergeResult, error) {
	srcMeta, err := s.requireMetadata(ctx, source)
	if err != nil {
		return MergeResult{}, err
	}
	destMeta, err := s.requireMetadata(ctx, dest)
	if err != nil {
		return MergeResult{}, err
	}
	srcSchema, destSchema := srcMeta.schema(), destMeta.schema()

	plan, err := planMerge(srcSchema, destSchema, joinColumns, updateColumns)
	if err != nil {
		return MergeResult{}, s.invalid(dest, err)
	}

	destRows, err := s.Read(ctx, dest, ReadOptions{})
	if err != nil {
		return MergeResult{}, err
	}
	srcRows, err := s.Read(ctx, source, ReadOptions{})
	if err != nil {
		return MergeResult{}, err
	}

	merged, count, err := plan.apply(destRows, srcRows)
	if err != nil {
		return MergeResult{}, s.invalid(dest, err)
	}

	s.logger.InfoContext(ctx, "merging tables",
		slog.String("source", source),
		slog.String("destination", dest),
		slog.Any("join_columns", joinColumns),
		slog.Int("source_rows", srcRows.Len()),
		slog.Int("destination_rows", destRows.Len()),
		slog.Int("rows_updated", count))

	path, err := s.Write(ctx, dest, merged, WriteOptions{Mode: Overwrite})
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Path: path, RowsUpdated: count}, nil
}

// mergePlan holds resolved column positions for one merge.
type mergePlan struct {
	dest Schema
	// srcIndex maps each destination column to its source position, or -1.
	srcIndex []int
	join     []int
	update   []int
}

func planMerge(src, dest Schema, joinColumns, updateColumns []string) (*mergePlan, error) {
	if len(joinColumns) == 0 {
		return nil, &ColumnError{Rule: RuleJoinColumns, Row: -1,
			Err: fmt.Errorf("%w: at least one join column is required", ErrSchemaViolation)}
	}
	for _, c := range joinColumns {
		if dest.Index(c) < 0 || src.Index(c) < 0 {
			return nil, &ColumnError{Column: c, Rule: RuleJoinColumns, Row: -1,
				Err: fmt.Errorf("%w: join column must exist in both tables", ErrSchemaViolation)}
		}
	}
	if updateColumns == nil {
		updateColumns = lo.Filter(lo.Without(dest.Names(), joinColumns...), func(c string, _ int) bool {
			return src.Index(c) >= 0
		})
	}
	for _, c := range updateColumns {
		if dest.Index(c) < 0 || src.Index(c) < 0 {
			return nil, &ColumnError{Column: c, Rule: RuleUpdateColumns, Row: -1,
				Err: fmt.Errorf("%w: update column must exist in both tables", ErrSchemaViolation)}
		}
	}

	p := &mergePlan{
		dest: dest,
		srcIndex: lo.Map(dest.Fields, func(f Field, _ int) int {
			return src.Index(f.Name)
		}),
		join:   lo.Map(joinColumns, func(c string, _ int) int { return dest.Index(c) }),
		update: lo.Map(lo.Uniq(updateColumns), func(c string, _ int) int { return dest.Index(c) }),
	}
	return p, nil
}

// apply merges src into a copy of dest and returns the merged batch with the
// number of source rows applied. Only destination rows are indexed: a key
// shared by several destination rows resolves to the last of them, and
// unmatched source rows are appended as they come, duplicates included.
func (p *mergePlan) apply(dest, src *Batch) (*Batch, int, error) {
	rows := make([][]any, 0, dest.Len()+src.Len())
	index := make(map[string]int, dest.Len())
	for i := 0; i < dest.Len(); i++ {
		row := dest.Row(i)
		index[p.key(row)] = len(rows)
		rows = append(rows, row)
	}

	count := 0
	for i := 0; i < src.Len(); i++ {
		row, err := p.shape(src, i)
		if err != nil {
			return nil, 0, err
		}
		if m, ok := index[p.key(row)]; ok {
			for _, u := range p.update {
				rows[m][u] = row[u]
			}
		} else {
			rows = append(rows, row)
		}
		count++
	}

	out := NewBatch(p.dest)
	for _, row := range rows {
		out.appendRow(row)
	}
	return out, count, nil
}

// shape converts source row i to destination column order and types.
func (p *mergePlan) shape(src *Batch, i int) ([]any, error) {
	row := make([]any, len(p.dest.Fields))
	for j, f := range p.dest.Fields {
		si := p.srcIndex[j]
		if si < 0 {
			continue
		}
		v, err := normalize(f.Type, src.cols[si][i])
		if err != nil {
			return nil, &ColumnError{Column: f.Name, Rule: RuleColumnType, Row: i, Err: err}
		}
		row[j] = v
	}
	return row, nil
}

// key encodes the join tuple of row. Each part is length-prefixed so no
// value can spill into its neighbour.
func (p *mergePlan) key(row []any) string {
	var sb strings.Builder
	for _, j := range p.join {
		k := valueKey(row[j])
		sb.WriteString(strconv.Itoa(len(k)))
		sb.WriteByte(':')
		sb.WriteString(k)
	}
	return sb.String()
}
