package proto

import (
	"encoding/json"
	"maps"
	"slices"

	"mercury/internal/errs"
)

type Link struct {
	PeerProfile ProfileID `json:"peer_profile"`
}

// Profile is the public, versioned record of an identity.
type Profile struct {
	ID         ProfileID         `json:"id"`
	PublicKey  PublicKey         `json:"public_key"`
	Version    uint64            `json:"version"`
	Links      []Link            `json:"links"`
	Attributes map[string]string `json:"attributes"`
}

func NewProfile(pub PublicKey) Profile {
	return Profile{
		ID:         DeriveProfileID(pub),
		PublicKey:  slices.Clone(pub),
		Version:    1,
		Links:      []Link{},
		Attributes: map[string]string{},
	}
}

// Validate checks that the id is the content address of the public key.
func (p Profile) Validate() error {
	if len(p.PublicKey) == 0 {
		return errs.New(errs.PublicKeyMismatch, "empty public key")
	}
	if DeriveProfileID(p.PublicKey) != p.ID {
		return errs.Newf(errs.ProfileMismatch, "id %s does not match public key", p.ID.Short())
	}
	return nil
}

func (p Profile) Clone() Profile {
	out := p
	out.PublicKey = slices.Clone(p.PublicKey)
	out.Links = slices.Clone(p.Links)
	if out.Links == nil {
		out.Links = []Link{}
	}
	out.Attributes = maps.Clone(p.Attributes)
	if out.Attributes == nil {
		out.Attributes = map[string]string{}
	}
	return out
}

func (p Profile) Equal(other Profile) bool {
	return p.ID == other.ID &&
		p.PublicKey.Equal(other.PublicKey) &&
		p.Version == other.Version &&
		slices.Equal(p.Links, other.Links) &&
		maps.Equal(p.Attributes, other.Attributes)
}

// Tombstone is the logical delete of p: next version, nothing attached.
func (p Profile) Tombstone() Profile {
	return Profile{
		ID:         p.ID,
		PublicKey:  slices.Clone(p.PublicKey),
		Version:    p.Version + 1,
		Links:      []Link{},
		Attributes: map[string]string{},
	}
}

func (p Profile) IsTombstone() bool {
	return p.Version > 1 && len(p.Links) == 0 && len(p.Attributes) == 0
}

// Bump returns p with the version increased by one.
func (p Profile) Bump() Profile {
	out := p.Clone()
	out.Version++
	return out
}

func (p Profile) HasLink(peer ProfileID) bool {
	return slices.ContainsFunc(p.Links, func(l Link) bool { return l.PeerProfile == peer })
}

func (p *Profile) AddLink(peer ProfileID) bool {
	if p.HasLink(peer) {
		return false
	}
	p.Links = append(p.Links, Link{PeerProfile: peer})
	return true
}

func (p Profile) RecordID() ProfileID { return p.ID }
func (p Profile) RecordVersion() uint64 { return p.Version }
func (p Profile) SameContent(o Profile) bool { return p.Equal(o) }

// OwnProfile is the public profile plus data only its owner and home see.
type OwnProfile struct {
	Public      Profile `json:"public"`
	PrivateData []byte  `json:"private_data"`
}

func NewOwnProfile(pub Profile, private []byte) OwnProfile {
	return OwnProfile{Public: pub, PrivateData: slices.Clone(private)}
}

func (o OwnProfile) ID() ProfileID { return o.Public.ID }

func (o OwnProfile) Clone() OwnProfile {
	return OwnProfile{Public: o.Public.Clone(), PrivateData: slices.Clone(o.PrivateData)}
}

func (o OwnProfile) Equal(other OwnProfile) bool {
	return o.Public.Equal(other.Public) && string(o.PrivateData) == string(other.PrivateData)
}

func (o OwnProfile) Tombstone() OwnProfile {
	return OwnProfile{Public: o.Public.Tombstone()}
}

func (o OwnProfile) RecordID() ProfileID { return o.Public.ID }
func (o OwnProfile) RecordVersion() uint64 { return o.Public.Version }
func (o OwnProfile) SameContent(other OwnProfile) bool { return o.Equal(other) }
func (o OwnProfile) IsTombstone() bool { return o.Public.IsTombstone() }

// CanonicalJSON is the encoding stores hash and compare.
func CanonicalJSON(v any) ([]byte, error) {
	// encoding/json sorts map keys, so equal values encode equally.
	return json.Marshal(v)
}
