package lake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrInvalidPath indicates a path that would escape the storage root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

// memoryScheme prefixes locations reported by the memory store.
const memoryScheme = "mem://"

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore implements ObjectStore using the local filesystem.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed ObjectStore rooted at the given
// directory. The directory must exist.
//
// Consistency: Immediate read-after-write on local filesystems.
func NewFS(root string) (ObjectStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: root}, nil
}

func (f *fsStore) Put(_ context.Context, path string, r io.Reader) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(fullPath); err == nil {
		return ErrPathExists
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}
	defer func() { _ = file.Close() }()

	_, err = io.Copy(file, r)
	return err
}

func (f *fsStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) Exists(_ context.Context, path string) (bool, error) {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List walks the directory that contains prefix and keeps paths that start
// with it, so "orders/re" matches "orders/region=eu/...".
func (f *fsStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}
	dir := normalized
	if !strings.HasSuffix(prefix, "/") {
		dir = path.Dir(normalized)
	}
	searchPath, err := f.safePathForPrefix(dir)
	if err != nil {
		return nil, err
	}
	var objects []ObjectInfo

	err = filepath.Walk(searchPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relPath)
		if strings.HasPrefix(rel, normalized) {
			objects = append(objects, ObjectInfo{Path: rel, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortObjects(objects)
	return objects, nil
}

func (f *fsStore) Delete(_ context.Context, path string) error {
	fullPath, err := f.safePathForFile(path)
	if err != nil {
		return err
	}
	err = os.Remove(fullPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fsStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := f.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, obj := range objects {
		if err := f.Delete(ctx, obj.Path); err != nil {
			return i, err
		}
	}
	f.pruneEmptyDirs(prefix)
	return len(objects), nil
}

// Location returns the absolute filesystem path.
func (f *fsStore) Location(p string) string {
	full := filepath.Join(f.root, filepath.FromSlash(p))
	if abs, err := filepath.Abs(full); err == nil {
		return abs
	}
	return full
}

// pruneEmptyDirs removes directories left empty under prefix.
func (f *fsStore) pruneEmptyDirs(prefix string) {
	base, err := f.safePathForPrefix(prefix)
	if err != nil || base == f.root {
		return
	}
	var dirs []string
	_ = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // fails on non-empty dirs
	}
}

func (f *fsStore) safePathForFile(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if cleaned == "." || path == "" {
		return "", ErrInvalidPath
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, cleaned)

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return fullPath, nil
}

func (f *fsStore) safePathForPrefix(path string) (string, error) {
	if path == "" {
		return f.root, nil
	}

	cleaned := filepath.Clean(path)
	if cleaned == "." {
		return f.root, nil
	}
	if filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return filepath.Join(f.root, cleaned), nil
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore implements ObjectStore using an in-memory map.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory ObjectStore.
//
// Consistency: Immediate.
// Memory is safe for concurrent use.
func NewMemory() ObjectStore {
	return &memoryStore{
		data: make(map[string][]byte),
	}
}

func (m *memoryStore) Put(_ context.Context, path string, r io.Reader) error {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return ErrInvalidPath
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[normalized]; exists {
		return ErrPathExists
	}

	m.data[normalized] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

func (m *memoryStore) Exists(_ context.Context, path string) (bool, error) {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return false, ErrInvalidPath
	}

	m.mu.RLock()
	_, exists := m.data[normalized]
	m.mu.RUnlock()

	return exists, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []ObjectInfo
	for p, data := range m.data {
		if strings.HasPrefix(p, normalized) {
			objects = append(objects, ObjectInfo{Path: p, Size: int64(len(data))})
		}
	}
	sortObjects(objects)
	return objects, nil
}

func (m *memoryStore) Delete(_ context.Context, path string) error {
	normalized, valid := normalizePathForFile(path)
	if !valid {
		return ErrInvalidPath
	}

	m.mu.Lock()
	delete(m.data, normalized)
	m.mu.Unlock()

	return nil
}

func (m *memoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return 0, ErrInvalidPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for p := range m.data {
		if strings.HasPrefix(p, normalized) {
			delete(m.data, p)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Location(p string) string {
	return memoryScheme + p
}

func sortObjects(objects []ObjectInfo) {
	slices.SortFunc(objects, func(a, b ObjectInfo) int {
		return strings.Compare(a.Path, b.Path)
	})
}

func normalizePathForFile(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	cleaned := filepath.Clean(path)
	cleaned = filepath.ToSlash(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", false
	}

	return cleaned, true
}

func normalizePathForPrefix(path string) (string, bool) {
	if path == "" {
		return "", true
	}

	cleaned := filepath.Clean(path)
	cleaned = filepath.ToSlash(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "." || cleaned == "" {
		return "", true
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}

	// "orders/" must not match "orders_v2/..."
	if strings.HasSuffix(path, "/") {
		cleaned += "/"
	}
	return cleaned, true
}
