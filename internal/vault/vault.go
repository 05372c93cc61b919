// Package vault keeps a profile's ed25519 seed on disk and exposes it as a
// proto.Signer.
package vault

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"mercury/internal/crypto"
	"mercury/internal/proto"
)

const (
	pubFile  = "pub.hex"
	seedFile = "seed.hex"
)

// Signer signs with an in-memory ed25519 seed.
type Signer struct {
	id   proto.ProfileID
	pub  proto.PublicKey
	seed []byte
}

func NewSigner(seed []byte) (*Signer, error) {
	pub, err := crypto.PublicFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &Signer{
		id:   proto.DeriveProfileID(pub),
		pub:  pub,
		seed: append([]byte(nil), seed...),
	}, nil
}

// Generate returns a signer over a fresh random key.
func Generate() (*Signer, error) {
	_, seed, err := crypto.GenKeypair()
	if err != nil {
		return nil, err
	}
	return NewSigner(seed)
}

func (s *Signer) ProfileID() proto.ProfileID { return s.id }

func (s *Signer) PublicKey() proto.PublicKey {
	return append(proto.PublicKey(nil), s.pub...)
}

func (s *Signer) Sign(msg []byte) (proto.Signature, error) {
	sig, err := crypto.Sign(s.seed, msg)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// StoreKey is the sealing key for records only this profile may read.
func (s *Signer) StoreKey() []byte {
	return crypto.StoreKey(s.seed)
}

func (s *Signer) String() string {
	return "vault.Signer{" + s.id.Short() + "}"
}

// Save writes the keypair as hex files into dir.
func Save(dir string, s *Signer) error {
	if s == nil || len(s.seed) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(s.pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, seedFile), []byte(hex.EncodeToString(s.seed)), 0600)
}

// Load reads the keypair from dir and checks that the public key matches
// the seed.
func Load(dir string) (*Signer, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, err
	}
	seedHex, err := os.ReadFile(filepath.Join(dir, seedFile))
	if err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, errors.Newf("bad %s", pubFile)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(seedHex)))
	if err != nil {
		return nil, errors.Newf("bad %s", seedFile)
	}
	s, err := NewSigner(seed)
	if err != nil {
		return nil, err
	}
	if !s.pub.Equal(pub) {
		return nil, errors.Newf("%s does not match %s", pubFile, seedFile)
	}
	return s, nil
}

// LoadOrCreate loads the keypair in dir, generating and saving one when the
// directory holds none.
func LoadOrCreate(dir string) (*Signer, bool, error) {
	s, err := Load(dir)
	if err == nil {
		return s, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	s, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(dir, s); err != nil {
		return nil, false, err
	}
	return s, true, nil
}
