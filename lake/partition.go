package lake

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultPartitionValue is the path segment value used for null partition
// column values.
const DefaultPartitionValue = "__HIVE_DEFAULT_PARTITION__"

// Partition is one discovered combination of partition column values, as
// the strings stored in fragment paths.
type Partition map[string]string

// Path renders the partition as Hive segments in the given column order.
func (p Partition) Path(cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, c+"="+url.PathEscape(p[c]))
	}
	return strings.Join(parts, "/")
}

// -----------------------------------------------------------------------------
// Hive Partitioner (internal)
// -----------------------------------------------------------------------------

// hivePartitioner maps rows to k=v/k=v path segments.
type hivePartitioner struct {
	keys    []string
	indexes []int
}

func newHivePartitioner(schema Schema, keys []string) (*hivePartitioner, error) {
	h := &hivePartitioner{keys: keys, indexes: make([]int, len(keys))}
	for i, k := range keys {
		idx := schema.Index(k)
		if idx < 0 {
			return nil, fmt.Errorf("hive partitioner: missing key %q", k)
		}
		h.indexes[i] = idx
	}
	return h, nil
}

func (h *hivePartitioner) isNoop() bool { return len(h.keys) == 0 }

// partitionKey returns the partition path for row i of b, or "" when
// unpartitioned.
func (h *hivePartitioner) partitionKey(b *Batch, i int) string {
	if h.isNoop() {
		return ""
	}
	parts := make([]string, len(h.keys))
	for j, k := range h.keys {
		parts[j] = k + "=" + escapeValue(b.cols[h.indexes[j]][i])
	}
	return strings.Join(parts, "/")
}

// split groups the rows of b by partition path, keeping first-seen order
// of partitions and row order within each.
func (h *hivePartitioner) split(b *Batch) ([]string, map[string]*Batch) {
	groups := make(map[string]*Batch)
	var order []string
	for i := 0; i < b.Len(); i++ {
		key := h.partitionKey(b, i)
		g, ok := groups[key]
		if !ok {
			g = NewBatch(b.schema)
			groups[key] = g
			order = append(order, key)
		}
		g.appendRow(b.Row(i))
	}
	return order, groups
}

// SplitPartitions groups the rows of b by the Hive path of cols. Paths are
// returned in first-seen order; with no cols the whole batch is under "".
func SplitPartitions(b *Batch, cols []string) ([]string, map[string]*Batch, error) {
	h, err := newHivePartitioner(b.Schema(), cols)
	if err != nil {
		return nil, nil, err
	}
	order, groups := h.split(b)
	return order, groups, nil
}

// partitionValue renders a normalized value the way it appears in paths,
// before escaping.
func partitionValue(v any) string {
	switch val := v.(type) {
	case nil:
		return DefaultPartitionValue
	case string:
		return val
	case time.Time:
		return val.Format("2006-01-02")
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func escapeValue(v any) string {
	return url.PathEscape(partitionValue(v))
}

// parsePartitionPath decodes the k=v segments of a fragment's directory,
// relative to the table root. ok is false when a segment is not k=v.
func parsePartitionPath(dir string) (Partition, bool) {
	p := Partition{}
	if dir == "" {
		return p, true
	}
	for _, seg := range strings.Split(dir, "/") {
		k, v, found := strings.Cut(seg, "=")
		if !found || k == "" {
			return nil, false
		}
		unescaped, err := url.PathUnescape(v)
		if err != nil {
			return nil, false
		}
		p[k] = unescaped
	}
	return p, true
}
