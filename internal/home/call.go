package home

import (
	"context"
	"sync"
	"time"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

// incomingCall carries a call to the callee together with the one-shot
// channel its answer travels back on.
type incomingCall struct {
	app      proto.ApplicationID
	details  proto.CallRequestDetails
	deadline time.Time
	answer   chan proto.AppMsgSink
	once     sync.Once
}

var _ proto.IncomingCall = (*incomingCall)(nil)

func newIncomingCall(app proto.ApplicationID, details proto.CallRequestDetails, deadline time.Time) *incomingCall {
	return &incomingCall{
		app:      app,
		details:  details,
		deadline: deadline,
		answer:   make(chan proto.AppMsgSink, 1),
	}
}

func (c *incomingCall) RequestDetails() proto.CallRequestDetails {
	return c.details
}

// Answer resolves the call. Only the first resolution counts: a later
// accepting answer, or one after the caller stopped waiting, gets a
// CallFailed item on toCallee, which is then closed.
func (c *incomingCall) Answer(toCallee proto.AppMsgSink) {
	if c.resolve(toCallee) || toCallee == nil {
		return
	}
	select {
	case toCallee <- proto.Fail[proto.AppMessageFrame](errs.New(errs.CallFailed, "call expired")):
	default:
	}
	close(toCallee)
}

// resolve hands toCallee to the waiting broker and reports whether it was
// the first resolution.
func (c *incomingCall) resolve(toCallee proto.AppMsgSink) bool {
	won := false
	c.once.Do(func() {
		won = true
		c.answer <- toCallee
	})
	return won
}

// expire resolves the call with no answer. It reports false when an answer
// got there first; that answer is then waiting in c.answer.
func (c *incomingCall) expire() bool {
	won := false
	c.once.Do(func() { won = true })
	return won
}

// Deadline is when the caller stops waiting for an answer.
func (c *incomingCall) Deadline() time.Time {
	return c.deadline
}

// Resolve answers call and reports whether the answer was taken. Calls
// that already expired or were answered return false and leave toCallee
// untouched.
func Resolve(call proto.IncomingCall, toCallee proto.AppMsgSink) bool {
	if c, ok := call.(*incomingCall); ok {
		return c.resolve(toCallee)
	}
	if time.Now().After(call.Deadline()) {
		return false
	}
	call.Answer(toCallee)
	return true
}

// brokerCall delivers a call to the callee's live session and waits for
// the answer or the timeout, whichever comes first. A timeout, a decline and
// an offline callee all yield a nil sink and no error.
func (s *Server) brokerCall(ctx context.Context, caller PeerContext, app proto.ApplicationID, details proto.CallRequestDetails) (proto.AppMsgSink, error) {
	callee, err := details.Relation.PeerID(caller.PeerID)
	if err != nil {
		return nil, err
	}
	own, err := s.hosted(ctx, callee)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateRelationProof(details.Relation, caller.PeerID, caller.PeerPubKey, callee, own.Public.PublicKey); err != nil {
		return nil, err
	}

	timeout := s.cfg.CallTimeout
	call := newIncomingCall(app, details, time.Now().Add(timeout))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	s.metrics.IncCallPlaced()
	if err := s.PushCall(callee, app, call); err != nil {
		s.log.Debug("call push failed, waiting for timeout", "to", callee.Short(), "err", err)
	}

	select {
	case sink := <-call.answer:
		return s.callAnswered(app, callee, sink), nil
	case <-timer.C:
		if !call.expire() {
			return s.callAnswered(app, callee, <-call.answer), nil
		}
		s.metrics.CallOutcome(string(app), callee.Short(), "timeout")
		return nil, nil
	case <-ctx.Done():
		if !call.expire() {
			if sink := <-call.answer; sink != nil {
				close(sink)
			}
		}
		return nil, errs.Wrap(ctx.Err(), errs.TimeoutFailed)
	}
}

func (s *Server) callAnswered(app proto.ApplicationID, callee proto.ProfileID, sink proto.AppMsgSink) proto.AppMsgSink {
	outcome := "answered"
	if sink == nil {
		outcome = "declined"
	}
	s.metrics.CallOutcome(string(app), callee.Short(), outcome)
	return sink
}
