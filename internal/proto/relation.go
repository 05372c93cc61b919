package proto

import (
	"encoding/binary"

	"mercury/internal/errs"
)

const (
	RelationHostedOnHome      = "hosted_on_home"
	RelationEnableCallBetween = "enable_call_between"

	labelRelation = "mercury:relation:v1"
)

// RelationSignablePart is the payload both sides of a relation sign.
type RelationSignablePart struct {
	RelationType string
	SignerID     ProfileID
	PeerID       ProfileID
}

// Bytes is the canonical encoding: label, u16 length of the relation
// type, the type, signer id, peer id.
func (p RelationSignablePart) Bytes() []byte {
	rt := []byte(p.RelationType)
	buf := make([]byte, 0, len(labelRelation)+2+len(rt)+64)
	buf = append(buf, labelRelation...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(rt)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, rt...)
	buf = append(buf, p.SignerID[:]...)
	buf = append(buf, p.PeerID[:]...)
	return buf
}

type RelationHalfProof struct {
	RelationType string    `json:"relation_type"`
	SignerID     ProfileID `json:"signer_id"`
	SignerPubKey PublicKey `json:"signer_pubkey"`
	PeerID       ProfileID `json:"peer_id"`
	Signature    Signature `json:"signature"`
}

func (h RelationHalfProof) SignablePart() RelationSignablePart {
	return RelationSignablePart{RelationType: h.RelationType, SignerID: h.SignerID, PeerID: h.PeerID}
}

// RelationProof is a relation signed by both sides. AID < BID always.
type RelationProof struct {
	RelationType string    `json:"relation_type"`
	AID          ProfileID `json:"a_id"`
	APubKey      PublicKey `json:"a_pub_key"`
	ASignature   Signature `json:"a_signature"`
	BID          ProfileID `json:"b_id"`
	BPubKey      PublicKey `json:"b_pub_key"`
	BSignature   Signature `json:"b_signature"`
}

func (p RelationProof) Involves(id ProfileID) bool {
	return p.AID == id || p.BID == id
}

func (p RelationProof) PeerID(my ProfileID) (ProfileID, error) {
	switch my {
	case p.AID:
		return p.BID, nil
	case p.BID:
		return p.AID, nil
	}
	return ProfileID{}, errs.Newf(errs.PeerIdRetrievalFailed, "%s is not part of the relation", my.Short())
}

func (p RelationProof) PeerSignature(my ProfileID) (Signature, error) {
	switch my {
	case p.AID:
		return p.BSignature, nil
	case p.BID:
		return p.ASignature, nil
	}
	return nil, errs.Newf(errs.PeerIdRetrievalFailed, "%s is not part of the relation", my.Short())
}

func (p RelationProof) Equal(o RelationProof) bool {
	return p.RelationType == o.RelationType &&
		p.AID == o.AID && p.APubKey.Equal(o.APubKey) && p.ASignature.Equal(o.ASignature) &&
		p.BID == o.BID && p.BPubKey.Equal(o.BPubKey) && p.BSignature.Equal(o.BSignature)
}
