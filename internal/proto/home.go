package proto

import (
	"context"
	"encoding/binary"
	"time"
)

// Result is one item of a pushed stream: a value or a terminal error.
type Result[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

type ApplicationID string

type AppMessageFrame []byte

// AppMsgSink carries application frames to the other side of a call.
type AppMsgSink = chan<- Result[AppMessageFrame]

// CallRequestDetails is what a caller submits to the callee's home. A nil
// ToCaller means a one-shot call with no way back.
type CallRequestDetails struct {
	Relation    RelationProof
	InitPayload AppMessageFrame
	ToCaller    AppMsgSink
}

// IncomingCall is delivered to the callee. Answer with nil declines. An
// accepting answer after Deadline fails toCallee and closes it.
type IncomingCall interface {
	RequestDetails() CallRequestDetails
	Answer(toCallee AppMsgSink)
	Deadline() time.Time
}

const labelInvitation = "mercury:invitation:v1"

// HomeInvitation lets a home restrict registration to invited profiles.
type HomeInvitation struct {
	HomeID    ProfileID `json:"home_id"`
	Voucher   string    `json:"voucher"`
	Signature Signature `json:"signature"`
}

func (i HomeInvitation) SignableBytes() []byte {
	v := []byte(i.Voucher)
	buf := make([]byte, 0, len(labelInvitation)+32+2+len(v))
	buf = append(buf, labelInvitation...)
	buf = append(buf, i.HomeID[:]...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

// Home is the surface a home exposes to one authenticated connection.
type Home interface {
	Load(ctx context.Context, id ProfileID) (Profile, error)
	Claim(ctx context.Context, id ProfileID) (OwnProfile, error)
	// Register returns the stored profile on success and the argument
	// unchanged together with the error on failure.
	Register(ctx context.Context, own OwnProfile, half RelationHalfProof, invite *HomeInvitation) (OwnProfile, error)
	Login(ctx context.Context, proofOfHome RelationProof) (HomeSession, error)
	PairRequest(ctx context.Context, half RelationHalfProof) error
	PairResponse(ctx context.Context, proof RelationProof) error
	// Call returns a sink towards the callee, or nil when the call was not
	// answered, declined, or the callee was offline.
	Call(ctx context.Context, app ApplicationID, details CallRequestDetails) (AppMsgSink, error)
}

// HomeSession is the logged-in view of one profile on its home.
type HomeSession interface {
	Update(ctx context.Context, own OwnProfile) error
	Unregister(ctx context.Context, newHome *Profile) error
	Events() <-chan Result[ProfileEvent]
	CheckinApp(app ApplicationID) <-chan Result[IncomingCall]
	Ping(ctx context.Context, txt string) (string, error)
	Close() error
}
