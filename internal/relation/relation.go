// Package relation builds and checks relation proofs between two profiles.
package relation

import (
	"mercury/internal/errs"
	"mercury/internal/proto"
)

// HalfProofFor declares, signed by signer, the intent to enter relationType
// with peer.
func HalfProofFor(relationType string, peer proto.ProfileID, signer proto.Signer) (proto.RelationHalfProof, error) {
	part := proto.RelationSignablePart{RelationType: relationType, SignerID: signer.ProfileID(), PeerID: peer}
	sig, err := signer.Sign(part.Bytes())
	if err != nil {
		return proto.RelationHalfProof{}, errs.Wrap(err, errs.RelationSigningFailed)
	}
	return proto.RelationHalfProof{
		RelationType: relationType,
		SignerID:     part.SignerID,
		SignerPubKey: signer.PublicKey(),
		PeerID:       peer,
		Signature:    sig,
	}, nil
}

// CompleteProof counter-signs half. Only the declared peer may do so.
func CompleteProof(half proto.RelationHalfProof, signer proto.Signer) (proto.RelationProof, error) {
	if half.PeerID != signer.ProfileID() {
		return proto.RelationProof{}, errs.Newf(errs.RelationMismatch,
			"half proof is addressed to %s, not %s", half.PeerID.Short(), signer.ProfileID().Short())
	}
	mine, err := HalfProofFor(half.RelationType, half.SignerID, signer)
	if err != nil {
		return proto.RelationProof{}, err
	}
	return Combine(half, mine)
}

// Combine assembles the canonical proof from two matching halves.
func Combine(x, y proto.RelationHalfProof) (proto.RelationProof, error) {
	if x.RelationType != y.RelationType {
		return proto.RelationProof{}, errs.Newf(errs.RelationTypeMismatch, "%q vs %q", x.RelationType, y.RelationType)
	}
	if x.SignerID != y.PeerID || y.SignerID != x.PeerID {
		return proto.RelationProof{}, errs.New(errs.RelationMismatch, "halves do not address each other")
	}
	if x.SignerID == y.SignerID {
		return proto.RelationProof{}, errs.New(errs.RelationMismatch, "relation with self")
	}
	if y.SignerID.Less(x.SignerID) {
		x, y = y, x
	}
	return proto.RelationProof{
		RelationType: x.RelationType,
		AID:          x.SignerID,
		APubKey:      append(proto.PublicKey(nil), x.SignerPubKey...),
		ASignature:   append(proto.Signature(nil), x.Signature...),
		BID:          y.SignerID,
		BPubKey:      append(proto.PublicKey(nil), y.SignerPubKey...),
		BSignature:   append(proto.Signature(nil), y.Signature...),
	}, nil
}

// VerifyHalf checks the signature of half against pub and that pub is the
// key the signer id derives from.
func VerifyHalf(half proto.RelationHalfProof, pub proto.PublicKey) bool {
	if proto.DeriveProfileID(pub) != half.SignerID {
		return false
	}
	return proto.VerifySignature(pub, half.SignablePart().Bytes(), half.Signature)
}

// VerifyFull checks both signatures of proof against the claimed keys and
// the ordering of its ids.
func VerifyFull(proof proto.RelationProof, aPub, bPub proto.PublicKey) bool {
	if !proof.AID.Less(proof.BID) {
		return false
	}
	if proto.DeriveProfileID(aPub) != proof.AID || proto.DeriveProfileID(bPub) != proof.BID {
		return false
	}
	a := proto.RelationSignablePart{RelationType: proof.RelationType, SignerID: proof.AID, PeerID: proof.BID}
	b := proto.RelationSignablePart{RelationType: proof.RelationType, SignerID: proof.BID, PeerID: proof.AID}
	return proto.VerifySignature(aPub, a.Bytes(), proof.ASignature) &&
		proto.VerifySignature(bPub, b.Bytes(), proof.BSignature)
}

// VerifyEmbedded is VerifyFull against the keys carried by proof itself.
func VerifyEmbedded(proof proto.RelationProof) bool {
	return VerifyFull(proof, proof.APubKey, proof.BPubKey)
}
