package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Mercury crypto suite
//
// - ed25519 for profile signatures (relation proofs, hello, invitations)
// - SHA3-256 for id derivation and the label KDF
// - XChaCha20-Poly1305 for sealing records at rest
// -----------------------------------------------------------------------------

const (
	PublicKeySize = ed25519.PublicKeySize
	SeedSize      = ed25519.SeedSize
	SignatureSize = ed25519.SignatureSize

	// XChaCha20-Poly1305 sizes
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// ed25519
// -----------------------------------------------------------------------------

// GenKeypair returns a fresh public key and the 32 byte seed it derives from.
func GenKeypair() (pub []byte, seed []byte, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(pk), sk.Seed(), nil
}

func PublicFromSeed(seed []byte) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("bad seed size: need %d", SeedSize)
	}
	sk := ed25519.NewKeyFromSeed(seed)
	return []byte(sk.Public().(ed25519.PublicKey)), nil
}

func Sign(seed []byte, msg []byte) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, errors.New("bad seed size")
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(seed), msg), nil
}

func Verify(pub []byte, msg []byte, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24 byte nonce and seals plaintext.
// aad is optional authenticated context.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// SealBlob is XSeal with the nonce prepended to the ciphertext.
func SealBlob(key32, plaintext, aad []byte) ([]byte, error) {
	nonce, ct, err := XSeal(key32, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	return append(out, ct...), nil
}

func OpenBlob(key32, blob, aad []byte) ([]byte, error) {
	if len(blob) < XNonceSize {
		return nil, errors.New("sealed blob too short")
	}
	return XOpen(key32, blob[:XNonceSize], blob[XNonceSize:], aad)
}
