package unitstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jholhewres/jarvis/pkg/jarvis/catalog"
	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return map[string]Store{"file": fs, "memory": NewMemoryStore()}
}

func TestWriteCreateAndOverwrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for label, s := range stores(t) {
		t.Run(label, func(t *testing.T) {
			ref, err := s.Write(ctx, "My Unit", []byte("v1"), Create)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if ref.Name != "my_unit" || ref.Digest != units.Digest([]byte("v1")) {
				t.Errorf("unexpected ref %+v", ref)
			}

			if _, err := s.Write(ctx, "my_unit", []byte("v2"), Create); !faults.IsConflict(err) {
				t.Fatalf("second create: want conflict, got %v", err)
			}
			if _, err := s.Previous(ctx, "my_unit"); !errors.Is(err, ErrNotFound) {
				t.Errorf("fresh unit should have no prior copy, got %v", err)
			}

			if _, err := s.Write(ctx, "my_unit", []byte("v2"), Overwrite); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ := s.Read(ctx, "my_unit")
			if string(got) != "v2" {
				t.Errorf("read = %q, want v2", got)
			}
			prev, err := s.Previous(ctx, "my_unit")
			if err != nil || string(prev) != "v1" {
				t.Errorf("previous = %q, %v", prev, err)
			}

			names, _ := s.List(ctx)
			if len(names) != 1 || names[0] != "my_unit" {
				t.Errorf("list = %v", names)
			}
		})
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for label, s := range stores(t) {
		t.Run(label, func(t *testing.T) {
			// Restoring a freshly created unit removes it.
			if _, err := s.Write(ctx, "fresh", []byte("v1"), Create); err != nil {
				t.Fatal(err)
			}
			if err := s.Restore(ctx, "fresh"); err != nil {
				t.Fatalf("restore: %v", err)
			}
			if _, err := s.Read(ctx, "fresh"); !errors.Is(err, ErrNotFound) {
				t.Errorf("fresh unit should be gone, got %v", err)
			}

			// Restoring a replaced unit reinstates the prior-good copy.
			if _, err := s.Write(ctx, "kept", []byte("good"), Create); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Write(ctx, "kept", []byte("bad"), Overwrite); err != nil {
				t.Fatal(err)
			}
			if err := s.Restore(ctx, "kept"); err != nil {
				t.Fatalf("restore: %v", err)
			}
			got, err := s.Read(ctx, "kept")
			if err != nil || string(got) != "good" {
				t.Errorf("read after restore = %q, %v", got, err)
			}
		})
	}
}

func TestCreateClearsStaleHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, historyDir, "ghost.hcl"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, "ghost", []byte("new"), Create); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale history must not resurrect the unit, got %v", err)
	}
}

func TestFileStoreListSkipsHiddenAndForeign(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.hcl", "b.hcl", "notes.txt", ".unit-123.tmp", ".hidden.hcl"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	names, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("list = %v, want [a b]", names)
	}
}

func TestRejectsEmptyName(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	if _, err := s.Write(context.Background(), "!!!", []byte("x"), Create); !faults.IsValidation(err) {
		t.Errorf("want validation error, got %v", err)
	}
}

func TestSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	// A user unit that shares a default's name survives seeding.
	if _, err := s.Write(ctx, "weather", []byte("mine"), Create); err != nil {
		t.Fatal(err)
	}

	installed, err := Seed(ctx, s, nil)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if want := len(catalog.Names()) - 1; len(installed) != want {
		t.Errorf("installed %d units, want %d: %v", len(installed), want, installed)
	}
	got, _ := s.Read(ctx, "weather")
	if string(got) != "mine" {
		t.Errorf("user unit overwritten: %q", got)
	}

	again, err := Seed(ctx, s, nil)
	if err != nil || len(again) != 0 {
		t.Errorf("second seed = %v, %v", again, err)
	}
}
