package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"mercury/internal/proto"
	"mercury/internal/relation"
)

// relationBook keeps the completed relation proofs of this user.
type relationBook struct {
	path string
}

func (b *relationBook) list() ([]proto.RelationProof, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var proofs []proto.RelationProof
	if err := json.Unmarshal(data, &proofs); err != nil {
		return nil, errors.Wrapf(err, "parse %s", b.path)
	}
	return proofs, nil
}

// add stores proof unless an equal one is present. Proofs that do not
// verify are refused.
func (b *relationBook) add(proof proto.RelationProof) error {
	if !relation.VerifyEmbedded(proof) {
		return errors.New("relation proof does not verify")
	}
	proofs, err := b.list()
	if err != nil {
		return err
	}
	for _, p := range proofs {
		if p.Equal(proof) {
			return nil
		}
	}
	data, err := json.MarshalIndent(append(proofs, proof), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// with returns the newest proof of relationType between me and peer.
func (b *relationBook) with(me, peer proto.ProfileID, relationType string) (proto.RelationProof, error) {
	proofs, err := b.list()
	if err != nil {
		return proto.RelationProof{}, err
	}
	for i := len(proofs) - 1; i >= 0; i-- {
		p := proofs[i]
		if p.RelationType != relationType || !p.Involves(me) {
			continue
		}
		if other, err := p.PeerID(me); err == nil && other == peer {
			return p, nil
		}
	}
	return proto.RelationProof{}, errors.Newf("no %s relation with %s", relationType, peer.Short())
}
