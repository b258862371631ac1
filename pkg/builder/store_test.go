package builder

import (
	"path/filepath"
	"testing"

	"github.com/haikuports/kitchen/pkg/auth"
)

func TestConfigStoreCreateReloadDestroy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builders.json")
	store, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	key, err := store.Create("shredder", "waddlesplash")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create("shredder", "someone"); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	reopened, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cfg, ok := reopened.Get("shredder")
	if !ok {
		t.Fatalf("builder missing after reload")
	}
	if cfg.Owner != "waddlesplash" {
		t.Fatalf("unexpected owner: %q", cfg.Owner)
	}
	if err := auth.Verify(cfg.KeyHash, key); err != nil {
		t.Fatalf("stored hash does not verify generated key: %v", err)
	}

	if err := reopened.Destroy("shredder"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := reopened.Destroy("shredder"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfigStoreValidation(t *testing.T) {
	store, err := OpenConfigStore(filepath.Join(t.TempDir(), "builders.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Create("bad name!", "owner"); err != ErrInvalidName {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := store.Create("good-name_1", ""); err != ErrNoOwner {
		t.Fatalf("expected ErrNoOwner, got %v", err)
	}
}

func TestConfigStoreNamesSorted(t *testing.T) {
	store, err := OpenConfigStore(filepath.Join(t.TempDir(), "builders.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := store.Create(name, "o"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	names := store.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Fatalf("unexpected order: %v", names)
	}
}
