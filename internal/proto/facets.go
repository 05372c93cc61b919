package proto

import (
	"encoding/json"
	"slices"

	"mercury/internal/errs"
)

// Attribute keys holding facet payloads.
const (
	AttrHome    = "mercury_home"
	AttrPersona = "mercury_persona"
)

// HomeFacet marks a profile as a home server reachable at Addrs.
type HomeFacet struct {
	Addrs []string `json:"addrs"`
	Data  []byte   `json:"data,omitempty"`
}

// PersonaFacet marks a profile as a user identity hosted on Homes.
type PersonaFacet struct {
	Homes []RelationProof `json:"homes"`
	Data  []byte          `json:"data,omitempty"`
}

func (p Profile) HomeFacet() (HomeFacet, bool) {
	var f HomeFacet
	raw, ok := p.Attributes[AttrHome]
	if !ok || json.Unmarshal([]byte(raw), &f) != nil {
		return HomeFacet{}, false
	}
	return f, true
}

func (p Profile) PersonaFacet() (PersonaFacet, bool) {
	var f PersonaFacet
	raw, ok := p.Attributes[AttrPersona]
	if !ok || json.Unmarshal([]byte(raw), &f) != nil {
		return PersonaFacet{}, false
	}
	return f, true
}

func (p *Profile) SetHomeFacet(f HomeFacet) error {
	return p.setAttr(AttrHome, f)
}

func (p *Profile) SetPersonaFacet(f PersonaFacet) error {
	return p.setAttr(AttrPersona, f)
}

func (p *Profile) setAttr(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.Attributes == nil {
		p.Attributes = map[string]string{}
	}
	p.Attributes[key] = string(data)
	return nil
}

func isHomeProof(proof RelationProof, home ProfileID) bool {
	return proof.RelationType == RelationHostedOnHome && proof.Involves(home)
}

func (f PersonaFacet) IsHostedOn(home ProfileID) bool {
	return slices.ContainsFunc(f.Homes, func(p RelationProof) bool { return isHomeProof(p, home) })
}

// ProofFor returns the hosted_on_home proof binding the persona to home.
func (f PersonaFacet) ProofFor(home ProfileID) (RelationProof, bool) {
	for _, p := range f.Homes {
		if isHomeProof(p, home) {
			return p, true
		}
	}
	return RelationProof{}, false
}

// HomeIDs lists the homes of the persona owning the facet.
func (f PersonaFacet) HomeIDs(persona ProfileID) []ProfileID {
	out := make([]ProfileID, 0, len(f.Homes))
	for _, p := range f.Homes {
		if p.RelationType != RelationHostedOnHome {
			continue
		}
		if id, err := p.PeerID(persona); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (f *PersonaFacet) AddHostedOn(proof RelationProof, home ProfileID) error {
	if f.IsHostedOn(home) {
		return errs.Newf(errs.AlreadyRegistered, "already hosted on %s", home.Short())
	}
	f.Homes = append(f.Homes, proof)
	return nil
}

func (f *PersonaFacet) RemoveHostedOn(home ProfileID) bool {
	n := len(f.Homes)
	f.Homes = slices.DeleteFunc(f.Homes, func(p RelationProof) bool { return isHomeProof(p, home) })
	return len(f.Homes) != n
}
