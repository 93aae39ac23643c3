package lake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// storeFactories runs a test against both local store implementations.
func storeFactories(t *testing.T) map[string]func() ObjectStore {
	t.Helper()
	return map[string]func() ObjectStore{
		"fs": func() ObjectStore {
			store, err := NewFS(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return store
		},
		"memory": NewMemory,
	}
}

func putString(t *testing.T, store ObjectStore, p, content string) {
	t.Helper()
	if err := store.Put(t.Context(), p, strings.NewReader(content)); err != nil {
		t.Fatalf("Put(%q) failed: %v", p, err)
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store := factory()
			putString(t, store, "orders/part-1.jsonl", "hello")

			rc, err := store.Get(ctx, "orders/part-1.jsonl")
			if err != nil {
				t.Fatal(err)
			}
			defer closer(rc)()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "hello" {
				t.Errorf("Get = %q, want %q", got, "hello")
			}
		})
	}
}

func TestStore_Put_ErrPathExists(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			putString(t, store, "test/file.txt", "hello")

			err := store.Put(t.Context(), "test/file.txt", bytes.NewReader([]byte("world")))
			if !errors.Is(err, ErrPathExists) {
				t.Errorf("expected ErrPathExists, got: %v", err)
			}
		})
	}
}

func TestStore_Get_ErrNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := factory().Get(t.Context(), "missing.txt")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got: %v", err)
			}
		})
	}
}

func TestStore_Exists(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store := factory()
			ok, err := store.Exists(ctx, "a/b.txt")
			if err != nil || ok {
				t.Fatalf("Exists before Put = %v, %v", ok, err)
			}
			putString(t, store, "a/b.txt", "x")
			ok, err = store.Exists(ctx, "a/b.txt")
			if err != nil || !ok {
				t.Fatalf("Exists after Put = %v, %v", ok, err)
			}
		})
	}
}

func TestStore_List_PrefixAndSize(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store := factory()
			putString(t, store, "orders/region=eu/part-2", "12345")
			putString(t, store, "orders/region=us/part-1", "123")
			putString(t, store, "orders_v2/part-1", "1")

			objects, err := store.List(ctx, "orders/")
			if err != nil {
				t.Fatal(err)
			}
			want := []ObjectInfo{
				{Path: "orders/region=eu/part-2", Size: 5},
				{Path: "orders/region=us/part-1", Size: 3},
			}
			if len(objects) != len(want) {
				t.Fatalf("List = %v, want %v", objects, want)
			}
			for i := range want {
				if objects[i] != want[i] {
					t.Errorf("List[%d] = %v, want %v", i, objects[i], want[i])
				}
			}

			// a prefix without trailing slash matches sibling directories
			objects, err = store.List(ctx, "orders")
			if err != nil {
				t.Fatal(err)
			}
			if len(objects) != 3 {
				t.Errorf("List(orders) returned %d objects, want 3", len(objects))
			}
		})
	}
}

func TestStore_List_MissingPrefix(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			objects, err := factory().List(t.Context(), "nothing/here/")
			if err != nil {
				t.Fatal(err)
			}
			if len(objects) != 0 {
				t.Errorf("List = %v, want empty", objects)
			}
		})
	}
}

func TestStore_DeletePrefix(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store := factory()
			putString(t, store, "t/a", "1")
			putString(t, store, "t/p=1/b", "2")
			putString(t, store, "t2/c", "3")

			n, err := store.DeletePrefix(ctx, "t/")
			if err != nil {
				t.Fatal(err)
			}
			if n != 2 {
				t.Errorf("DeletePrefix removed %d, want 2", n)
			}
			left, err := store.List(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(left) != 1 || left[0].Path != "t2/c" {
				t.Errorf("remaining objects = %v, want [t2/c]", left)
			}

			// deleting again is a no-op
			n, err = store.DeletePrefix(ctx, "t/")
			if err != nil || n != 0 {
				t.Errorf("second DeletePrefix = %d, %v", n, err)
			}
		})
	}
}

func TestStore_Delete_Missing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := factory().Delete(t.Context(), "missing"); err != nil {
				t.Errorf("Delete of missing path = %v, want nil", err)
			}
		})
	}
}

func TestStore_InvalidPath(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			err := factory().Put(t.Context(), "../escape", strings.NewReader("x"))
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("expected ErrInvalidPath, got: %v", err)
			}
		})
	}
}

func TestFSStore_DeletePrefix_PrunesDirectories(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	putString(t, store, "t/p=1/q=2/part-1", "x")

	if _, err := store.DeletePrefix(ctx, "t/"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "t", "p=1")); !os.IsNotExist(err) {
		t.Errorf("expected empty partition directory to be removed, stat err = %v", err)
	}
}

func TestStore_Location(t *testing.T) {
	mem := NewMemory().(Locator)
	if got := mem.Location("t/"); got != "mem://t/" {
		t.Errorf("memory Location = %q", got)
	}

	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	got := store.(Locator).Location("t/a")
	if !filepath.IsAbs(got) || !strings.HasSuffix(filepath.ToSlash(got), "t/a") {
		t.Errorf("fs Location = %q", got)
	}
}
