package home

import (
	"context"
	"log/slog"
	"sync"

	"mercury/internal/errs"
	"mercury/internal/proto"
	"mercury/internal/relation"
)

// PeerContext is what the transport learned while authenticating a
// connection.
type PeerContext struct {
	MyID       proto.ProfileID
	MyPubKey   proto.PublicKey
	PeerID     proto.ProfileID
	PeerPubKey proto.PublicKey
}

func (c PeerContext) Validate(v relation.Validator) error {
	if err := v.ValidateProfileAuth(c.MyPubKey, c.MyID); err != nil {
		return err
	}
	return v.ValidateProfileAuth(c.PeerPubKey, c.PeerID)
}

// Connection implements proto.Home for one authenticated peer and owns the
// sessions opened through it.
type Connection struct {
	server *Server
	ctx    PeerContext
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

var _ proto.Home = (*Connection)(nil)

func newConnection(s *Server, pc PeerContext) *Connection {
	return &Connection{
		server:   s,
		ctx:      pc,
		log:      s.log.With("peer", pc.PeerID.Short()),
		sessions: make(map[*Session]struct{}),
	}
}

func (c *Connection) Peer() PeerContext { return c.ctx }

func (c *Connection) Load(ctx context.Context, id proto.ProfileID) (proto.Profile, error) {
	p, err := c.server.public.Get(ctx, id)
	if err != nil {
		return proto.Profile{}, errs.Wrap(err, errs.FailedToLoadProfile)
	}
	return p, nil
}

func (c *Connection) Claim(ctx context.Context, id proto.ProfileID) (proto.OwnProfile, error) {
	if id != c.ctx.PeerID {
		return proto.OwnProfile{}, errs.Wrap(errs.Newf(errs.Unauthorized, "%s may not claim %s", c.ctx.PeerID.Short(), id.Short()), errs.FailedToClaimProfile)
	}
	own, err := c.server.private.Get(ctx, id)
	if err != nil {
		return proto.OwnProfile{}, errs.Wrap(err, errs.FailedToClaimProfile)
	}
	return own, nil
}

func (c *Connection) Register(ctx context.Context, own proto.OwnProfile, half proto.RelationHalfProof, invite *proto.HomeInvitation) (proto.OwnProfile, error) {
	stored, err := c.register(ctx, own, half, invite)
	if err != nil {
		c.log.Info("registration rejected", "err", err)
		return own, errs.Wrap(err, errs.RegistrationFailed)
	}
	return stored, nil
}

func (c *Connection) register(ctx context.Context, own proto.OwnProfile, half proto.RelationHalfProof, invite *proto.HomeInvitation) (proto.OwnProfile, error) {
	s := c.server
	homeID := s.ID()
	switch {
	case own.ID() != c.ctx.PeerID:
		return own, errs.New(errs.ProfileMismatch, "profile id differs from the authenticated peer")
	case !own.Public.PublicKey.Equal(c.ctx.PeerPubKey):
		return own, errs.New(errs.PublicKeyMismatch, "profile key differs from the authenticated peer")
	case half.SignerID != c.ctx.PeerID:
		return own, errs.New(errs.SignerMismatch, "half proof signed by another profile")
	case half.PeerID != homeID:
		return own, errs.Newf(errs.HomeIdMismatch, "half proof addressed to %s", half.PeerID.Short())
	case half.RelationType != proto.RelationHostedOnHome:
		return own, errs.Newf(errs.RelationTypeMismatch, "expected %s, got %q", proto.RelationHostedOnHome, half.RelationType)
	}
	if err := s.validator.ValidateHalfProof(half, c.ctx.PeerPubKey); err != nil {
		return own, err
	}
	if err := c.checkInvite(invite); err != nil {
		return own, err
	}

	homeProof, err := relation.CompleteProof(half, s.signer)
	if err != nil {
		return own, err
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	if _, err := s.private.Get(ctx, own.ID()); err == nil {
		return own, errs.Newf(errs.AlreadyRegistered, "%s is already hosted here", own.ID().Short())
	} else if !errs.Is(err, errs.NotFound) {
		return own, errs.Wrap(err, errs.StorageFailed)
	}

	updated := own.Clone()
	persona, _ := updated.Public.PersonaFacet()
	if err := persona.AddHostedOn(homeProof, homeID); err != nil {
		return own, err
	}
	if err := updated.Public.SetPersonaFacet(persona); err != nil {
		return own, errs.Wrap(err, errs.StorageFailed)
	}
	updated.Public.Version++

	// The public record goes first. If the private write then fails the
	// public profile already advertises this home; nothing is rolled back.
	if err := s.public.Set(ctx, updated.Public); err != nil {
		return own, errs.Wrap(err, errs.StorageFailed)
	}
	if err := s.private.Set(ctx, updated); err != nil {
		c.log.Warn("registration partially applied: public profile written, private write failed",
			"profile", own.ID().Short(), "version", updated.Public.Version, "err", err)
		return own, errs.Wrap(err, errs.StorageFailed)
	}
	s.metrics.IncRegistered()
	c.log.Info("profile registered", "profile", own.ID().Short(), "version", updated.Public.Version)
	return updated, nil
}

func (c *Connection) checkInvite(invite *proto.HomeInvitation) error {
	if invite == nil {
		if c.server.cfg.RequireInvite {
			return errs.New(errs.Unauthorized, "this home requires an invitation")
		}
		return nil
	}
	if invite.HomeID != c.server.ID() {
		return errs.Newf(errs.HomeIdMismatch, "invitation issued by %s", invite.HomeID.Short())
	}
	if !proto.VerifySignature(c.server.signer.PublicKey(), invite.SignableBytes(), invite.Signature) {
		return errs.New(errs.InvalidSignature, "invitation signature")
	}
	return nil
}

func (c *Connection) Login(ctx context.Context, proofOfHome proto.RelationProof) (proto.HomeSession, error) {
	sess, err := c.login(ctx, proofOfHome)
	if err != nil {
		return nil, errs.Wrap(err, errs.LoginFailed)
	}
	return sess, nil
}

func (c *Connection) login(ctx context.Context, proof proto.RelationProof) (*Session, error) {
	s := c.server
	if proof.RelationType != proto.RelationHostedOnHome {
		return nil, errs.Newf(errs.RelationTypeMismatch, "expected %s, got %q", proto.RelationHostedOnHome, proof.RelationType)
	}
	peer, err := proof.PeerID(s.ID())
	if err != nil {
		return nil, err
	}
	if peer != c.ctx.PeerID {
		return nil, errs.New(errs.ProfileMismatch, "proof belongs to another profile")
	}
	if err := s.validator.ValidateRelationProof(proof, peer, c.ctx.PeerPubKey, s.ID(), s.signer.PublicKey()); err != nil {
		return nil, err
	}
	if _, err := s.hosted(ctx, peer); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New(errs.ConnectionFailed, "connection closed")
	}
	sess := newSession(c, peer)
	c.sessions[sess] = struct{}{}
	c.mu.Unlock()

	s.register(sess)
	s.metrics.IncLogin()
	s.metrics.SessionOpened()
	c.log.Info("session opened")
	return sess, nil
}

func (c *Connection) PairRequest(ctx context.Context, half proto.RelationHalfProof) error {
	if err := c.pairRequest(ctx, half); err != nil {
		return errs.Wrap(err, errs.PairRequestFailed)
	}
	return nil
}

func (c *Connection) pairRequest(ctx context.Context, half proto.RelationHalfProof) error {
	s := c.server
	if half.SignerID != c.ctx.PeerID {
		return errs.New(errs.SignerMismatch, "half proof signed by another profile")
	}
	if err := s.validator.ValidateHalfProof(half, c.ctx.PeerPubKey); err != nil {
		return err
	}
	if _, err := s.hosted(ctx, half.PeerID); err != nil {
		return err
	}
	s.metrics.IncPairing()
	c.log.Debug("pairing request", "to", half.PeerID.Short(), "relation", half.RelationType)
	return s.PushEvent(half.PeerID, proto.PairingRequestEvent(half))
}

func (c *Connection) PairResponse(ctx context.Context, proof proto.RelationProof) error {
	if err := c.pairResponse(ctx, proof); err != nil {
		return errs.Wrap(err, errs.PeerResponseFailed)
	}
	return nil
}

func (c *Connection) pairResponse(ctx context.Context, proof proto.RelationProof) error {
	s := c.server
	target, err := proof.PeerID(c.ctx.PeerID)
	if err != nil {
		return err
	}
	own, err := s.hosted(ctx, target)
	if err != nil {
		return err
	}
	if err := s.validator.ValidateRelationProof(proof, c.ctx.PeerID, c.ctx.PeerPubKey, target, own.Public.PublicKey); err != nil {
		return err
	}
	c.log.Debug("pairing response", "to", target.Short(), "relation", proof.RelationType)
	return s.PushEvent(target, proto.PairingResponseEvent(proof))
}

func (c *Connection) Call(ctx context.Context, app proto.ApplicationID, details proto.CallRequestDetails) (proto.AppMsgSink, error) {
	sink, err := c.server.brokerCall(ctx, c.ctx, app, details)
	if err != nil {
		return nil, errs.Wrap(err, errs.CallFailed)
	}
	return sink, nil
}

// Close ends every session opened through this connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.sessions = map[*Session]struct{}{}
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	return nil
}

func (c *Connection) forget(sess *Session) {
	c.mu.Lock()
	delete(c.sessions, sess)
	c.mu.Unlock()
}
