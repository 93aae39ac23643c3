package lake

import (
	"fmt"
	"path"
	"strings"
)

// Layout constants. A table occupies:
//
//	<prefix><table>/
//	  _metadata/schema.json
//	  <col>=<val>/.../part-<seq>-<uuid><ext>
const (
	metadataDir    = "_metadata"
	schemaFile     = "schema.json"
	fragmentPrefix = "part-"
)

// tableLayout maps table names to object paths under a prefix.
type tableLayout struct {
	prefix string
}

func newTableLayout(prefix string) tableLayout {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return tableLayout{prefix: prefix}
}

func (l tableLayout) tableDir(table string) string {
	return l.prefix + table + "/"
}

func (l tableLayout) metadataPath(table string) string {
	return l.tableDir(table) + metadataDir + "/" + schemaFile
}

func (l tableLayout) fragmentPath(table, partition, name string) string {
	if partition == "" {
		return l.tableDir(table) + name
	}
	return l.tableDir(table) + partition + "/" + name
}

// parseFragment reports whether p is a data fragment of table, and returns
// its partition directory relative to the table root.
func (l tableLayout) parseFragment(table, p string) (partitionDir string, ok bool) {
	rel, found := strings.CutPrefix(p, l.tableDir(table))
	if !found || rel == "" {
		return "", false
	}
	if rel == metadataDir || strings.HasPrefix(rel, metadataDir+"/") {
		return "", false
	}
	if !strings.HasPrefix(path.Base(rel), fragmentPrefix) {
		return "", false
	}
	dir := path.Dir(rel)
	if dir == "." {
		dir = ""
	}
	return dir, true
}

// tableFromMetadataPath extracts the table name from a schema file path.
func (l tableLayout) tableFromMetadataPath(p string) (string, bool) {
	rel, found := strings.CutPrefix(p, l.prefix)
	if !found {
		return "", false
	}
	name, rest, found := strings.Cut(rel, "/")
	if !found || name == "" {
		return "", false
	}
	return name, rest == metadataDir+"/"+schemaFile
}

// validateTableName rejects names that would not map to a single directory.
func validateTableName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("table name is empty")
	case strings.ContainsAny(name, "/\\"):
		return fmt.Errorf("table name %q contains a path separator", name)
	case name == "." || name == "..":
		return fmt.Errorf("table name %q is reserved", name)
	case strings.HasPrefix(name, "_"):
		return fmt.Errorf("table name %q must not start with an underscore", name)
	case strings.Contains(name, "="):
		return fmt.Errorf("table name %q must not contain '='", name)
	}
	return nil
}
