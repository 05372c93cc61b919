package relation

import (
	"mercury/internal/errs"
	"mercury/internal/proto"
)

// Validator is what the home consults before trusting anything a peer sent.
type Validator interface {
	ValidateProfileAuth(pub proto.PublicKey, id proto.ProfileID) error
	ValidateHalfProof(half proto.RelationHalfProof, claimedPub proto.PublicKey) error
	ValidateRelationProof(proof proto.RelationProof, aID proto.ProfileID, aPub proto.PublicKey, bID proto.ProfileID, bPub proto.PublicKey) error
}

// CompositeValidator implements Validator with ed25519 and SHA3 id
// derivation.
type CompositeValidator struct{}

func (CompositeValidator) ValidateProfileAuth(pub proto.PublicKey, id proto.ProfileID) error {
	if proto.DeriveProfileID(pub) != id {
		return errs.Newf(errs.ProfileMismatch, "public key does not belong to %s", id.Short())
	}
	return nil
}

func (v CompositeValidator) ValidateHalfProof(half proto.RelationHalfProof, claimedPub proto.PublicKey) error {
	if err := v.ValidateProfileAuth(claimedPub, half.SignerID); err != nil {
		return err
	}
	if !half.SignerPubKey.Equal(claimedPub) {
		return errs.New(errs.PublicKeyMismatch, "half proof carries a different key")
	}
	if !VerifyHalf(half, claimedPub) {
		return errs.New(errs.InvalidSignature, "half proof signature")
	}
	return nil
}

func (v CompositeValidator) ValidateRelationProof(proof proto.RelationProof, aID proto.ProfileID, aPub proto.PublicKey, bID proto.ProfileID, bPub proto.PublicKey) error {
	if bID.Less(aID) {
		aID, bID = bID, aID
		aPub, bPub = bPub, aPub
	}
	if proof.AID != aID || proof.BID != bID {
		return errs.New(errs.InvalidRelationProof, "proof does not bind the given profiles")
	}
	if !proof.APubKey.Equal(aPub) || !proof.BPubKey.Equal(bPub) {
		return errs.New(errs.PublicKeyMismatch, "proof keys differ from stored keys")
	}
	if !VerifyFull(proof, aPub, bPub) {
		return errs.New(errs.InvalidRelationProof, "signature check failed")
	}
	return nil
}
