package vault

import (
	"os"
	"path/filepath"
	"testing"

	"mercury/internal/crypto"
	"mercury/internal/proto"
)

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Fatalf("expected a new key")
	}
	again, created, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if created || again.ProfileID() != s.ProfileID() {
		t.Fatalf("expected the stored key to be reused")
	}
	if s.ProfileID() != proto.DeriveProfileID(s.PublicKey()) {
		t.Fatalf("profile id does not derive from public key")
	}
}

func TestSignVerify(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	sig, err := s.Sign([]byte("msg"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !crypto.Verify(s.PublicKey(), []byte("msg"), sig) {
		t.Fatalf("signature did not verify")
	}
}

func TestLoadRejectsMismatchedPub(t *testing.T) {
	dir := t.TempDir()
	a, _ := Generate()
	b, _ := Generate()
	if err := Save(dir, a); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(b.PublicKey().String()), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected mismatch error")
	}
}
