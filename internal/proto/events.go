package proto

import (
	"encoding/json"
)

type ProfileEventKind string

const (
	EventPairingRequest  ProfileEventKind = "pairing_request"
	EventPairingResponse ProfileEventKind = "pairing_response"
	EventUnknown         ProfileEventKind = "unknown"
)

// ProfileEvent is pushed by a home to an online profile. Kinds this build
// does not know decode as EventUnknown with the raw payload kept.
type ProfileEvent struct {
	Kind            ProfileEventKind   `json:"kind"`
	PairingRequest  *RelationHalfProof `json:"pairing_request,omitempty"`
	PairingResponse *RelationProof     `json:"pairing_response,omitempty"`
	Unknown         []byte             `json:"unknown,omitempty"`
}

func PairingRequestEvent(half RelationHalfProof) ProfileEvent {
	return ProfileEvent{Kind: EventPairingRequest, PairingRequest: &half}
}

func PairingResponseEvent(proof RelationProof) ProfileEvent {
	return ProfileEvent{Kind: EventPairingResponse, PairingResponse: &proof}
}

func UnknownEvent(data []byte) ProfileEvent {
	return ProfileEvent{Kind: EventUnknown, Unknown: data}
}

func (e *ProfileEvent) UnmarshalJSON(data []byte) error {
	type plain ProfileEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch {
	case p.Kind == EventPairingRequest && p.PairingRequest != nil,
		p.Kind == EventPairingResponse && p.PairingResponse != nil,
		p.Kind == EventUnknown:
		*e = ProfileEvent(p)
	default:
		*e = UnknownEvent(append([]byte(nil), data...))
	}
	return nil
}
