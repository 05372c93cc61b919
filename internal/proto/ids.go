package proto

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"mercury/internal/crypto"
)

const labelProfileID = "mercury:profileid:v1"

// ProfileID is the content address of a profile: SHA3-256 over a label and
// the profile's public key.
type ProfileID [32]byte

func DeriveProfileID(pub PublicKey) ProfileID {
	var id ProfileID
	copy(id[:], crypto.KDF(labelProfileID, pub))
	return id
}

func ParseProfileID(s string) (ProfileID, error) {
	var id ProfileID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

func (id ProfileID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is a log friendly prefix of the id.
func (id ProfileID) Short() string {
	return hex.EncodeToString(id[:6])
}

func (id ProfileID) Compare(other ProfileID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ProfileID) Less(other ProfileID) bool {
	return id.Compare(other) < 0
}

func (id ProfileID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ProfileID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("bad profile id: %w", err)
	}
	if len(raw) != len(id) {
		return fmt.Errorf("bad profile id length %d", len(raw))
	}
	copy(id[:], raw)
	return nil
}

type PublicKey []byte

func (k PublicKey) String() string {
	return hex.EncodeToString(k)
}

func (k PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(k, other)
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k)), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("bad public key: %w", err)
	}
	*k = raw
	return nil
}

type Signature []byte

func (s Signature) Equal(other Signature) bool {
	return bytes.Equal(s, other)
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s)), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("bad signature: %w", err)
	}
	*s = raw
	return nil
}

// Signer is the capability of producing signatures for one profile.
type Signer interface {
	ProfileID() ProfileID
	PublicKey() PublicKey
	Sign(msg []byte) (Signature, error)
}

// VerifySignature checks sig over msg against pub.
func VerifySignature(pub PublicKey, msg []byte, sig Signature) bool {
	return crypto.Verify(pub, msg, sig)
}
