package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mercury/internal/crypto"
	"mercury/internal/errs"
	"mercury/internal/proto"
)

func newProfile(t *testing.T) proto.Profile {
	t.Helper()
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	p := proto.NewProfile(pub)
	p.Attributes["name"] = "alice"
	return p
}

type backend struct {
	name string
	open func(t *testing.T) Repository[proto.Profile]
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Repository[proto.Profile] {
			return NewMemory[proto.Profile]()
		}},
		{"file", func(t *testing.T) Repository[proto.Profile] {
			r, err := OpenFile[proto.Profile](filepath.Join(t.TempDir(), "public.json"), "public", nil)
			if err != nil {
				t.Fatalf("OpenFile failed: %v", err)
			}
			return r
		}},
		{"pebble", func(t *testing.T) Repository[proto.Profile] {
			r, err := OpenPebble[proto.Profile](t.TempDir(), "p/")
			if err != nil {
				t.Fatalf("OpenPebble failed: %v", err)
			}
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
		{"cached", func(t *testing.T) Repository[proto.Profile] {
			r, err := NewCached[proto.Profile](NewMemory[proto.Profile](), 4)
			if err != nil {
				t.Fatalf("NewCached failed: %v", err)
			}
			return r
		}},
		{"postgres", func(t *testing.T) Repository[proto.Profile] {
			url := os.Getenv("MERCURY_TEST_POSTGRES")
			if url == "" {
				t.Skip("MERCURY_TEST_POSTGRES not set")
			}
			ctx := context.Background()
			pool, err := ConnectPostgres(ctx, url)
			if err != nil {
				t.Fatalf("ConnectPostgres failed: %v", err)
			}
			t.Cleanup(pool.Close)
			r, err := NewPostgres[proto.Profile](ctx, pool, "test_profiles")
			if err != nil {
				t.Fatalf("NewPostgres failed: %v", err)
			}
			return r
		}},
	}
}

func TestVersionDiscipline(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			repo := b.open(t)
			p := newProfile(t)
			p.Version = 3
			if err := repo.Set(ctx, p); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			// identical content at the same version is a no-op
			if err := repo.Set(ctx, p.Clone()); err != nil {
				t.Fatalf("idempotent Set failed: %v", err)
			}
			changed := p.Clone()
			changed.Attributes["name"] = "mallory"
			if err := repo.Set(ctx, changed); !errs.Is(err, errs.VersionConflict) {
				t.Fatalf("expected VersionConflict for same version, got %v", err)
			}
			older := changed.Clone()
			older.Version = 2
			if err := repo.Set(ctx, older); !errs.Is(err, errs.VersionConflict) {
				t.Fatalf("expected VersionConflict for older version, got %v", err)
			}
			got, err := repo.Get(ctx, p.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !got.Equal(p) {
				t.Fatalf("stored record changed: %+v", got)
			}
			newer := changed.Bump()
			if err := repo.Set(ctx, newer); err != nil {
				t.Fatalf("Set newer failed: %v", err)
			}
			got, err = repo.Get(ctx, p.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Version != 4 || got.Attributes["name"] != "mallory" {
				t.Fatalf("unexpected record %+v", got)
			}
		})
	}
}

func TestClearWritesTombstone(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			repo := b.open(t)
			p := newProfile(t)
			if err := repo.Set(ctx, p); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := repo.Clear(ctx, p.ID); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			if _, err := repo.Get(ctx, p.ID); !errs.Is(err, errs.NotFound) {
				t.Fatalf("expected NotFound after clear, got %v", err)
			}
			if err := repo.Set(ctx, p); !errs.Is(err, errs.VersionConflict) {
				t.Fatalf("expected stale write after clear to fail, got %v", err)
			}
			if err := repo.Clear(ctx, p.ID); !errs.Is(err, errs.NotFound) {
				t.Fatalf("expected NotFound on second clear, got %v", err)
			}
		})
	}
}

func TestGetUnknown(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			repo := b.open(t)
			if _, err := repo.Get(ctx, proto.DeriveProfileID([]byte("nobody"))); !errs.Is(err, errs.NotFound) {
				t.Fatalf("expected NotFound, got %v", err)
			}
		})
	}
}

func TestFileSealedReopen(t *testing.T) {
	ctx := context.Background()
	_, seed, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	key := crypto.StoreKey(seed)
	path := filepath.Join(t.TempDir(), "private.json")
	repo, err := OpenFile[proto.OwnProfile](path, "private", key)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	own := proto.NewOwnProfile(newProfile(t), []byte("secret notes"))
	if err := repo.Set(ctx, own); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if containsPlain(raw, "alice") || containsPlain(raw, "secret notes") {
		t.Fatalf("sealed store leaks plaintext")
	}

	reopened, err := OpenFile[proto.OwnProfile](path, "private", key)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Get(ctx, own.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(own) {
		t.Fatalf("record mismatch after reopen")
	}

	wrong := append([]byte(nil), seed...)
	wrong[0] ^= 0xff
	other := crypto.StoreKey(wrong)
	if _, err := OpenFile[proto.OwnProfile](path, "private", other); !errs.Is(err, errs.StorageFailed) {
		t.Fatalf("expected wrong key to fail, got %v", err)
	}
}

func containsPlain(data []byte, s string) bool {
	for i := 0; i+len(s) <= len(data); i++ {
		if string(data[i:i+len(s)]) == s {
			return true
		}
	}
	return false
}
