// Package gateway is the client side of Mercury: it finds the homes of
// profiles, keeps logged-in sessions and runs registration, pairing and
// calls through them.
package gateway

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"mercury/internal/debuglog"
	"mercury/internal/errs"
	"mercury/internal/proto"
	"mercury/internal/relation"
	"mercury/internal/storage"
)

// HomeConnector returns a live handle to a home. Implementations may reuse
// an existing connection.
type HomeConnector interface {
	Connect(ctx context.Context, home proto.Profile, signer proto.Signer) (proto.Home, error)
}

type Gateway struct {
	signer    proto.Signer
	profiles  storage.PublicRepo
	own       storage.PrivateRepo
	connector HomeConnector
	log       *slog.Logger
	logins    singleflight.Group

	mu       sync.Mutex
	sessions map[proto.ProfileID]proto.HomeSession
}

// New builds a gateway acting as signer. profiles resolves public profiles
// of homes and peers, own holds the signer's own profile.
func New(signer proto.Signer, profiles storage.PublicRepo, own storage.PrivateRepo, connector HomeConnector) *Gateway {
	return &Gateway{
		signer:    signer,
		profiles:  profiles,
		own:       own,
		connector: connector,
		log:       debuglog.Component("gateway").With("me", signer.ProfileID().Short()),
		sessions:  make(map[proto.ProfileID]proto.HomeSession),
	}
}

func (g *Gateway) Signer() proto.Signer { return g.signer }

func (g *Gateway) loadProfile(ctx context.Context, id proto.ProfileID) (proto.Profile, error) {
	p, err := g.profiles.Get(ctx, id)
	if err != nil {
		return proto.Profile{}, errs.Wrap(err, errs.FailedToLoadProfile)
	}
	return p, nil
}

// OwnProfile returns the locally stored profile of the signer.
func (g *Gateway) OwnProfile(ctx context.Context) (proto.OwnProfile, error) {
	own, err := g.own.Get(ctx, g.signer.ProfileID())
	if err != nil {
		return proto.OwnProfile{}, errs.Wrap(err, errs.FailedToLoadProfile)
	}
	return own, nil
}

func (g *Gateway) saveOwn(ctx context.Context, own proto.OwnProfile) {
	if err := g.own.Set(ctx, own); err != nil {
		g.log.Warn("own profile not saved locally", "version", own.Public.Version, "err", err)
	}
}

func (g *Gateway) ConnectHome(ctx context.Context, homeID proto.ProfileID) (proto.Home, error) {
	homeProfile, err := g.loadProfile(ctx, homeID)
	if err != nil {
		return nil, err
	}
	home, err := g.connector.Connect(ctx, homeProfile, g.signer)
	if err != nil {
		return nil, errs.Wrap(err, errs.ConnectionFailed)
	}
	return home, nil
}

func (g *Gateway) cached(homeID proto.ProfileID) (proto.HomeSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[homeID]
	return sess, ok
}

// remember makes sess the cached session for homeID. The home keeps only
// the newest login of a profile, so an older cached session is closed.
func (g *Gateway) remember(homeID proto.ProfileID, sess proto.HomeSession) {
	g.mu.Lock()
	prev, ok := g.sessions[homeID]
	g.sessions[homeID] = sess
	g.mu.Unlock()
	if ok && prev != sess {
		_ = prev.Close()
	}
}

func (g *Gateway) anyCached() (proto.HomeSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sess := range g.sessions {
		return sess, true
	}
	return nil, false
}

func (g *Gateway) forget(homeID proto.ProfileID) proto.HomeSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.sessions[homeID]
	delete(g.sessions, homeID)
	return sess
}

// LoginHome returns the session with homeID, logging in on a cache miss.
func (g *Gateway) LoginHome(ctx context.Context, homeID proto.ProfileID) (proto.HomeSession, error) {
	if sess, ok := g.cached(homeID); ok {
		return sess, nil
	}
	own, err := g.OwnProfile(ctx)
	if err != nil {
		return nil, err
	}
	proof, err := homeProof(own.Public, homeID)
	if err != nil {
		return nil, err
	}
	home, err := g.ConnectHome(ctx, homeID)
	if err != nil {
		return nil, err
	}
	return g.loginOn(ctx, home, homeID, proof)
}

// loginOn logs in on home. Logins to the same home are serialized so that
// only one session per home exists; a login that finds a session cached by
// a concurrent one returns that session.
func (g *Gateway) loginOn(ctx context.Context, home proto.Home, homeID proto.ProfileID, proof proto.RelationProof) (proto.HomeSession, error) {
	v, err, _ := g.logins.Do(homeID.String(), func() (any, error) {
		if sess, ok := g.cached(homeID); ok {
			return sess, nil
		}
		sess, err := home.Login(ctx, proof)
		if err != nil {
			return nil, errs.Wrap(err, errs.LoginFailed)
		}
		g.remember(homeID, sess)
		g.log.Info("logged in", "home", homeID.Short())
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(proto.HomeSession), nil
}

func homeProof(p proto.Profile, homeID proto.ProfileID) (proto.RelationProof, error) {
	persona, ok := p.PersonaFacet()
	if !ok {
		return proto.RelationProof{}, errs.Newf(errs.PersonaExpected, "%s is not a persona", p.ID.Short())
	}
	proof, ok := persona.ProofFor(homeID)
	if !ok {
		return proto.RelationProof{}, errs.Newf(errs.HomeProofNotFound, "no proof for home %s", homeID.Short())
	}
	return proof, nil
}

type homeResult struct {
	id   proto.ProfileID
	home proto.Home
	err  error
}

// AnyHomeOf connects to every home of a persona at once and returns the
// first that succeeds. The others are cancelled. When all fail the error
// of the last one to fail is returned.
func (g *Gateway) AnyHomeOf(ctx context.Context, p proto.Profile) (proto.Home, proto.ProfileID, error) {
	persona, ok := p.PersonaFacet()
	if !ok {
		return nil, proto.ProfileID{}, errs.Newf(errs.PersonaExpected, "%s is not a persona", p.ID.Short())
	}
	homes := persona.HomeIDs(p.ID)
	if len(homes) == 0 {
		return nil, proto.ProfileID{}, errs.Newf(errs.NoHomesFound, "%s lists no homes", p.ID.Short())
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan homeResult, len(homes))
	for _, id := range homes {
		go func(id proto.ProfileID) {
			home, err := g.ConnectHome(raceCtx, id)
			results <- homeResult{id: id, home: home, err: err}
		}(id)
	}

	var lastErr error
	for range homes {
		r := <-results
		if r.err == nil {
			return r.home, r.id, nil
		}
		g.log.Debug("home unreachable", "home", r.id.Short(), "err", r.err)
		lastErr = r.err
	}
	return nil, proto.ProfileID{}, lastErr
}

// Register asks homeID to host own. On failure own is returned unchanged
// with the error.
func (g *Gateway) Register(ctx context.Context, homeID proto.ProfileID, own proto.OwnProfile, invite *proto.HomeInvitation) (proto.OwnProfile, error) {
	half, err := relation.HalfProofFor(proto.RelationHostedOnHome, homeID, g.signer)
	if err != nil {
		return own, errs.Wrap(err, errs.RegistrationFailed)
	}
	home, err := g.ConnectHome(ctx, homeID)
	if err != nil {
		return own, errs.Wrap(err, errs.RegistrationFailed)
	}
	stored, err := home.Register(ctx, own, half, invite)
	if err != nil {
		return own, errs.Wrap(err, errs.RegistrationFailed)
	}
	g.saveOwn(ctx, stored)
	g.log.Info("registered", "home", homeID.Short(), "version", stored.Public.Version)
	return stored, nil
}

// Claim fetches the stored own profile of id from homeID.
func (g *Gateway) Claim(ctx context.Context, homeID, id proto.ProfileID) (proto.OwnProfile, error) {
	home, err := g.ConnectHome(ctx, homeID)
	if err != nil {
		return proto.OwnProfile{}, errs.Wrap(err, errs.FailedToClaimProfile)
	}
	own, err := home.Claim(ctx, id)
	if err != nil {
		return proto.OwnProfile{}, errs.Wrap(err, errs.FailedToClaimProfile)
	}
	if id == g.signer.ProfileID() {
		g.saveOwn(ctx, own)
	}
	return own, nil
}

// PairRequest sends a half proof for relationType to any home of peerID.
func (g *Gateway) PairRequest(ctx context.Context, relationType string, peerID proto.ProfileID) (proto.RelationHalfProof, error) {
	half, err := g.pairRequest(ctx, relationType, peerID)
	if err != nil {
		return proto.RelationHalfProof{}, errs.Wrap(err, errs.PairRequestFailed)
	}
	return half, nil
}

func (g *Gateway) pairRequest(ctx context.Context, relationType string, peerID proto.ProfileID) (proto.RelationHalfProof, error) {
	peer, err := g.loadProfile(ctx, peerID)
	if err != nil {
		return proto.RelationHalfProof{}, err
	}
	half, err := relation.HalfProofFor(relationType, peerID, g.signer)
	if err != nil {
		return proto.RelationHalfProof{}, err
	}
	home, _, err := g.AnyHomeOf(ctx, peer)
	if err != nil {
		return proto.RelationHalfProof{}, err
	}
	if err := home.PairRequest(ctx, half); err != nil {
		return proto.RelationHalfProof{}, err
	}
	return half, nil
}

// AcceptPairing completes half and delivers the proof to any home of its
// signer.
func (g *Gateway) AcceptPairing(ctx context.Context, half proto.RelationHalfProof) (proto.RelationProof, error) {
	proof, err := relation.CompleteProof(half, g.signer)
	if err != nil {
		return proto.RelationProof{}, errs.Wrap(err, errs.PeerResponseFailed)
	}
	if err := g.PairResponse(ctx, proof); err != nil {
		return proto.RelationProof{}, err
	}
	return proof, nil
}

// PairResponse delivers a completed proof to any home of the other party.
func (g *Gateway) PairResponse(ctx context.Context, proof proto.RelationProof) error {
	if err := g.pairResponse(ctx, proof); err != nil {
		return errs.Wrap(err, errs.PeerResponseFailed)
	}
	return nil
}

func (g *Gateway) pairResponse(ctx context.Context, proof proto.RelationProof) error {
	peerID, err := proof.PeerID(g.signer.ProfileID())
	if err != nil {
		return err
	}
	peer, err := g.loadProfile(ctx, peerID)
	if err != nil {
		return err
	}
	home, _, err := g.AnyHomeOf(ctx, peer)
	if err != nil {
		return err
	}
	return home.PairResponse(ctx, proof)
}

// Call places a call to the other party of proof through any of its homes.
// A nil sink means the call was not answered.
func (g *Gateway) Call(ctx context.Context, proof proto.RelationProof, app proto.ApplicationID, initPayload proto.AppMessageFrame, toCaller proto.AppMsgSink) (proto.AppMsgSink, error) {
	sink, err := g.call(ctx, proof, app, initPayload, toCaller)
	if err != nil {
		return nil, errs.Wrap(err, errs.CallFailed)
	}
	return sink, nil
}

func (g *Gateway) call(ctx context.Context, proof proto.RelationProof, app proto.ApplicationID, initPayload proto.AppMessageFrame, toCaller proto.AppMsgSink) (proto.AppMsgSink, error) {
	peerID, err := proof.PeerID(g.signer.ProfileID())
	if err != nil {
		return nil, err
	}
	peer, err := g.loadProfile(ctx, peerID)
	if err != nil {
		return nil, err
	}
	home, _, err := g.AnyHomeOf(ctx, peer)
	if err != nil {
		return nil, err
	}
	return home.Call(ctx, app, proto.CallRequestDetails{Relation: proof, InitPayload: initPayload, ToCaller: toCaller})
}

// Login returns any cached session, or logs in on whichever own home
// answers first.
func (g *Gateway) Login(ctx context.Context) (proto.HomeSession, error) {
	if sess, ok := g.anyCached(); ok {
		return sess, nil
	}
	own, err := g.OwnProfile(ctx)
	if err != nil {
		return nil, errs.Wrap(err, errs.LoginFailed)
	}
	home, homeID, err := g.AnyHomeOf(ctx, own.Public)
	if err != nil {
		return nil, errs.Wrap(err, errs.LoginFailed)
	}
	proof, err := homeProof(own.Public, homeID)
	if err != nil {
		return nil, errs.Wrap(err, errs.LoginFailed)
	}
	return g.loginOn(ctx, home, homeID, proof)
}

// Update pushes a new version of the own profile through the session with
// homeID.
func (g *Gateway) Update(ctx context.Context, homeID proto.ProfileID, own proto.OwnProfile) error {
	sess, err := g.LoginHome(ctx, homeID)
	if err != nil {
		return errs.Wrap(err, errs.ProfileUpdateFailed)
	}
	if err := sess.Update(ctx, own); err != nil {
		return errs.Wrap(err, errs.ProfileUpdateFailed)
	}
	g.saveOwn(ctx, own)
	return nil
}

// Unregister leaves homeID, optionally pointing peers at newHome.
func (g *Gateway) Unregister(ctx context.Context, homeID proto.ProfileID, newHome *proto.Profile) error {
	sess, err := g.LoginHome(ctx, homeID)
	if err != nil {
		return errs.Wrap(err, errs.DeregistrationFailed)
	}
	if err := sess.Unregister(ctx, newHome); err != nil {
		return errs.Wrap(err, errs.DeregistrationFailed)
	}
	if cached := g.forget(homeID); cached != nil {
		_ = cached.Close()
	}
	if claimed, err := g.profiles.Get(ctx, g.signer.ProfileID()); err == nil {
		if own, err := g.OwnProfile(ctx); err == nil {
			own.Public = claimed
			g.saveOwn(ctx, own)
		}
	}
	return nil
}

// Relations lists the relation proofs recorded in the own profile.
func (g *Gateway) Relations(ctx context.Context) ([]proto.RelationProof, error) {
	own, err := g.OwnProfile(ctx)
	if err != nil {
		return nil, err
	}
	persona, ok := own.Public.PersonaFacet()
	if !ok {
		return nil, errs.Newf(errs.PersonaExpected, "%s is not a persona", own.ID().Short())
	}
	return persona.Homes, nil
}

// Close ends every cached session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[proto.ProfileID]proto.HomeSession)
	g.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
	return nil
}
