package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MsgTypeHello    = "hello"
	MsgTypeHelloAck = "hello_ack"
	MsgTypeResponse = "response"
	MsgTypeItem     = "item"

	MsgTypeLoad         = "load"
	MsgTypeClaim        = "claim"
	MsgTypeRegister     = "register"
	MsgTypeLogin        = "login"
	MsgTypeLogout       = "logout"
	MsgTypePairRequest  = "pair_request"
	MsgTypePairResponse = "pair_response"
	MsgTypeCall         = "call"
	MsgTypeAnswer       = "answer"
	MsgTypeUpdate       = "update"
	MsgTypeUnregister   = "unregister"
	MsgTypeEvents       = "events"
	MsgTypeCheckinApp   = "checkin_app"
	MsgTypePing         = "ping"

	MaxHelloSize = 4 << 10
	NonceSize    = 32

	labelHello = "mercury:hello:v1"
)

// HelloMsg opens every connection: the client proves its key to the home.
type HelloMsg struct {
	Type      string    `json:"type"`
	ProfileID ProfileID `json:"profile_id"`
	PubKey    PublicKey `json:"pubkey"`
	Nonce     []byte    `json:"nonce"`
	Sig       Signature `json:"sig"`
}

// HelloAckMsg is the home's answer, signed over the client's id and nonce.
// CallTimeoutMS tells the client how long the home waits for a callee.
type HelloAckMsg struct {
	Type          string    `json:"type"`
	HomeID        ProfileID `json:"home_id"`
	PubKey        PublicKey `json:"pubkey"`
	Sig           Signature `json:"sig"`
	CallTimeoutMS int64     `json:"call_timeout_ms,omitempty"`
	Code          string    `json:"code,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// HelloSignable binds a hello signature to its intended recipient and the
// client's nonce.
func HelloSignable(role string, to ProfileID, nonce []byte) []byte {
	buf := make([]byte, 0, len(labelHello)+len(role)+1+32+len(nonce))
	buf = append(buf, labelHello...)
	buf = append(buf, role...)
	buf = append(buf, 0)
	buf = append(buf, to[:]...)
	return append(buf, nonce...)
}

// Request is the first frame of every stream after the hello.
type Request struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Response answers a Request. Code carries the error kind when !OK.
type Response struct {
	Type  string          `json:"type"`
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// Item is one element of a long-lived stream or a call pipe.
type Item struct {
	Type  string          `json:"type"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type IDBody struct {
	ID ProfileID `json:"id"`
}

type ProfileBody struct {
	Profile Profile `json:"profile"`
}

type OwnProfileBody struct {
	Own OwnProfile `json:"own"`
}

type RegisterBody struct {
	Own    OwnProfile        `json:"own"`
	Half   RelationHalfProof `json:"half"`
	Invite *HomeInvitation   `json:"invite,omitempty"`
}

type ProofBody struct {
	Proof RelationProof `json:"proof"`
}

type HalfProofBody struct {
	Half RelationHalfProof `json:"half"`
}

type LoginReply struct {
	Session string `json:"session"`
}

type CallBody struct {
	App         ApplicationID   `json:"app"`
	Relation    RelationProof   `json:"relation"`
	InitPayload AppMessageFrame `json:"init_payload,omitempty"`
	Duplex      bool            `json:"duplex"`
}

type CallReply struct {
	Answered bool `json:"answered"`
}

type IncomingCallItem struct {
	CallID      string          `json:"call_id"`
	App         ApplicationID   `json:"app"`
	Relation    RelationProof   `json:"relation"`
	InitPayload AppMessageFrame `json:"init_payload,omitempty"`
	Duplex      bool            `json:"duplex"`
	Deadline    time.Time       `json:"deadline"`
}

type AnswerBody struct {
	CallID string `json:"call_id"`
	Accept bool   `json:"accept"`
}

type UnregisterBody struct {
	NewHome *Profile `json:"new_home,omitempty"`
}

type AppBody struct {
	App ApplicationID `json:"app"`
}

type PingBody struct {
	Text string `json:"text"`
}

type FrameBody struct {
	Data AppMessageFrame `json:"data"`
}

func EncodeRequest(typ, session string, body any) ([]byte, error) {
	req := Request{Type: typ, Session: session}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req.Body = raw
	}
	return json.Marshal(req)
}

func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, err
	}
	if r.Type == "" {
		return Request{}, fmt.Errorf("missing request type")
	}
	return r, nil
}

func EncodeResponse(body any, code, msg string) ([]byte, error) {
	resp := Response{Type: MsgTypeResponse, OK: code == "" && msg == "", Code: code, Error: msg}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		resp.Body = raw
	}
	return json.Marshal(resp)
}

func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, err
	}
	if r.Type != MsgTypeResponse {
		return Response{}, fmt.Errorf("unexpected msg type: %s", r.Type)
	}
	return r, nil
}

func EncodeItem(body any, code, msg string) ([]byte, error) {
	it := Item{Type: MsgTypeItem, Code: code, Error: msg}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		it.Body = raw
	}
	return json.Marshal(it)
}

func DecodeItem(data []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, err
	}
	if it.Type != MsgTypeItem {
		return Item{}, fmt.Errorf("unexpected msg type: %s", it.Type)
	}
	return it, nil
}

// DecodeBody unmarshals a request, response or item body into v.
func DecodeBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing body")
	}
	return json.Unmarshal(raw, v)
}
