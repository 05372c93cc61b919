// Package errs holds the error kinds shared by the gateway, the home server
// and the transport. A kind is a sentinel; Wrap attaches one to a cause.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Connection
var (
	ConnectionToHomeFailed = errors.New("connection to home failed")
	HandshakeFailed        = errors.New("handshake failed")
	ConnectionFailed       = errors.New("connection failed")
	FailedToGetSession     = errors.New("failed to get session")
)

// Identity and proofs
var (
	PeerIdRetrievalFailed = errors.New("peer id retrieval failed")
	InvalidSignature      = errors.New("invalid signature")
	RelationSigningFailed = errors.New("relation signing failed")
	RelationTypeMismatch  = errors.New("relation type mismatch")
	RelationMismatch      = errors.New("relation mismatch")
	ProfileMismatch       = errors.New("profile mismatch")
	PublicKeyMismatch     = errors.New("public key mismatch")
	SignerMismatch        = errors.New("signer mismatch")
	HomeIdMismatch        = errors.New("home id mismatch")
	HomeProofNotFound     = errors.New("home proof not found")
	PersonaExpected       = errors.New("persona profile expected")
	InvalidRelationProof  = errors.New("invalid relation proof")
	Unauthorized          = errors.New("unauthorized")
)

// Profile lifecycle
var (
	FailedToLoadProfile    = errors.New("failed to load profile")
	FailedToResolveProfile = errors.New("failed to resolve profile")
	FailedToClaimProfile   = errors.New("failed to claim profile")
	RegistrationFailed     = errors.New("registration failed")
	AlreadyRegistered      = errors.New("already registered")
	DeregistrationFailed   = errors.New("deregistration failed")
	ProfileUpdateFailed    = errors.New("profile update failed")
	StorageFailed          = errors.New("storage failed")
	NotFound               = errors.New("not found")
	VersionConflict        = errors.New("version conflict")
)

// Pairing and calls
var (
	PairRequestFailed    = errors.New("pair request failed")
	PeerResponseFailed   = errors.New("peer response failed")
	CallFailed           = errors.New("call failed")
	CallRefused          = errors.New("call refused")
	TimeoutFailed        = errors.New("timeout")
	FailedToSend         = errors.New("failed to send")
	FailedToReadResponse = errors.New("failed to read response")
	ChannelSuperseded    = errors.New("channel superseded by a newer listener")
	InvalidMessage       = errors.New("invalid message")
)

// Sessions and lookup
var (
	LookupFailed      = errors.New("lookup failed")
	NoHomesFound      = errors.New("no homes found")
	LoginFailed       = errors.New("login failed")
	FailedToGetPeerId = errors.New("failed to get peer id")
)

var kinds = []error{
	ConnectionToHomeFailed, HandshakeFailed, ConnectionFailed, FailedToGetSession,
	PeerIdRetrievalFailed, InvalidSignature, RelationSigningFailed, RelationTypeMismatch,
	RelationMismatch, ProfileMismatch, PublicKeyMismatch, SignerMismatch, HomeIdMismatch,
	HomeProofNotFound, PersonaExpected, InvalidRelationProof, Unauthorized,
	FailedToLoadProfile, FailedToResolveProfile, FailedToClaimProfile, RegistrationFailed,
	AlreadyRegistered, DeregistrationFailed, ProfileUpdateFailed, StorageFailed, NotFound,
	VersionConflict,
	PairRequestFailed, PeerResponseFailed, CallFailed, CallRefused, TimeoutFailed,
	FailedToSend, FailedToReadResponse, ChannelSuperseded, InvalidMessage,
	LookupFailed, NoHomesFound, LoginFailed, FailedToGetPeerId,
}

var byName = func() map[string]error {
	m := make(map[string]error, len(kinds))
	for _, k := range kinds {
		m[k.Error()] = k
	}
	return m
}()

// Wrap returns cause annotated with kind's message and marked with kind, so
// errors.Is matches both the kind and the original cause. A nil cause
// yields nil.
func Wrap(cause error, kind error) error {
	if cause == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(cause, kind.Error()), kind)
}

// New returns a fresh error of the given kind carrying detail.
func New(kind error, detail string) error {
	return errors.Mark(errors.Newf("%s: %s", kind.Error(), detail), kind)
}

// Newf is New with formatting.
func Newf(kind error, format string, args ...any) error {
	return New(kind, errors.Newf(format, args...).Error())
}

// Is reports whether err carries kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Kind returns the outermost known kind carried by err, or nil.
func Kind(err error) error {
	for c := err; c != nil; c = errors.UnwrapOnce(c) {
		next := errors.UnwrapOnce(c)
		for _, k := range kinds {
			if errors.Is(c, k) && (next == nil || !errors.Is(next, k)) {
				return k
			}
		}
	}
	return nil
}

// Code is the stable name of the outermost kind, used on the wire.
func Code(err error) string {
	if k := Kind(err); k != nil {
		return k.Error()
	}
	return ""
}

// FromCode rebuilds an error received from a remote peer. The remote message
// is kept as detail and the kind is restored when the code is known.
func FromCode(code, msg string) error {
	if k, ok := byName[code]; ok {
		return errors.Mark(errors.New(msg), k)
	}
	return errors.New(msg)
}
