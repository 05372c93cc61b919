// Package home is the server side of the Mercury protocol: it authenticates
// peers, persists hosted profiles and brokers events and calls to the
// profiles that are online.
package home

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
	"weak"

	"mercury/internal/debuglog"
	"mercury/internal/errs"
	"mercury/internal/metrics"
	"mercury/internal/proto"
	"mercury/internal/relation"
	"mercury/internal/storage"
)

const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultSinkBuffer      = 1024
	DefaultChannelCapacity = 64
)

type Config struct {
	// CallTimeout bounds how long a caller waits for the callee to answer.
	CallTimeout time.Duration
	// SinkBuffer caps items queued for a listener that has not attached.
	SinkBuffer int
	// ChannelCapacity is the live room of a listener channel.
	ChannelCapacity int
	// RequireInvite rejects registrations without a home invitation.
	RequireInvite bool
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.SinkBuffer == 0 {
		c.SinkBuffer = DefaultSinkBuffer
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = DefaultChannelCapacity
	}
	return c
}

// Server is the state shared by every connection to one home.
type Server struct {
	signer    proto.Signer
	validator relation.Validator
	public    storage.PublicRepo
	private   storage.PrivateRepo
	cfg       Config
	metrics   *metrics.Metrics
	log       *slog.Logger

	regMu sync.Mutex

	mu       sync.Mutex
	sessions map[proto.ProfileID]weak.Pointer[Session]
}

func NewServer(signer proto.Signer, validator relation.Validator, public storage.PublicRepo, private storage.PrivateRepo, cfg Config, m *metrics.Metrics) *Server {
	if validator == nil {
		validator = relation.CompositeValidator{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		signer:    signer,
		validator: validator,
		public:    public,
		private:   private,
		cfg:       cfg.withDefaults(),
		metrics:   m,
		log:       debuglog.Component("home").With("home", signer.ProfileID().Short()),
		sessions:  make(map[proto.ProfileID]weak.Pointer[Session]),
	}
}

func (s *Server) ID() proto.ProfileID { return s.signer.ProfileID() }

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) Signer() proto.Signer { return s.signer }

// CallTimeout is how long a caller waits for the callee to answer.
func (s *Server) CallTimeout() time.Duration { return s.cfg.CallTimeout }

// Invite issues an invitation carrying voucher, accepted by this home's
// Register.
func (s *Server) Invite(voucher string) (proto.HomeInvitation, error) {
	inv := proto.HomeInvitation{HomeID: s.ID(), Voucher: voucher}
	sig, err := s.signer.Sign(inv.SignableBytes())
	if err != nil {
		return proto.HomeInvitation{}, errs.Wrap(err, errs.RelationSigningFailed)
	}
	inv.Signature = sig
	return inv, nil
}

// EnsureProfile publishes the home's own profile with a HomeFacet listing
// addrs. An existing profile with the same addresses is left as is.
func (s *Server) EnsureProfile(ctx context.Context, addrs []string) (proto.Profile, error) {
	current, err := s.public.Get(ctx, s.ID())
	switch {
	case err == nil:
		if f, ok := current.HomeFacet(); ok && slices.Equal(f.Addrs, addrs) {
			return current, nil
		}
		current = current.Bump()
	case errs.Is(err, errs.NotFound):
		current = proto.NewProfile(s.signer.PublicKey())
	default:
		return proto.Profile{}, errs.Wrap(err, errs.StorageFailed)
	}
	if err := current.SetHomeFacet(proto.HomeFacet{Addrs: addrs}); err != nil {
		return proto.Profile{}, errs.Wrap(err, errs.StorageFailed)
	}
	if err := s.public.Set(ctx, current); err != nil {
		return proto.Profile{}, errs.Wrap(err, errs.StorageFailed)
	}
	s.log.Info("home profile published", "addrs", addrs, "version", current.Version)
	return current, nil
}

// Connect validates an authenticated transport context and returns the
// Home surface for that peer.
func (s *Server) Connect(pc PeerContext) (*Connection, error) {
	if pc.MyID != s.ID() {
		return nil, errs.Newf(errs.HomeIdMismatch, "connection addressed to %s", pc.MyID.Short())
	}
	if !pc.MyPubKey.Equal(s.signer.PublicKey()) {
		return nil, errs.New(errs.PublicKeyMismatch, "connection carries a foreign home key")
	}
	if err := pc.Validate(s.validator); err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	return newConnection(s, pc), nil
}

// session returns the live session of id, dropping the entry if it died.
func (s *Server) session(id proto.ProfileID) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess := wp.Value()
	if sess == nil {
		delete(s.sessions, id)
	}
	return sess
}

// register makes sess the session of record for its profile. A live
// session from an earlier login is superseded.
func (s *Server) register(sess *Session) {
	s.mu.Lock()
	var old *Session
	if wp, ok := s.sessions[sess.id]; ok {
		old = wp.Value()
	}
	s.sessions[sess.id] = weak.Make(sess)
	s.mu.Unlock()

	if old != nil && old != sess {
		s.metrics.IncSessionSuperseded()
		s.log.Info("session superseded by a newer login", "profile", sess.id.Short())
		old.supersede()
	}
}

func (s *Server) deregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wp, ok := s.sessions[sess.id]; ok {
		if cur := wp.Value(); cur == nil || cur == sess {
			delete(s.sessions, sess.id)
		}
	}
}

// Online reports whether id has a live session on this home.
func (s *Server) Online(id proto.ProfileID) bool {
	return s.session(id) != nil
}

// PushEvent delivers ev to the live session of to. Profiles without a live
// session do not get the event.
func (s *Server) PushEvent(to proto.ProfileID, ev proto.ProfileEvent) error {
	sess := s.session(to)
	if sess == nil {
		s.metrics.IncEventDropped()
		s.log.Debug("event dropped, profile offline", "to", to.Short(), "kind", ev.Kind)
		return nil
	}
	return sess.pushEvent(ev)
}

// PushCall delivers call to the live session of to for app. Profiles
// without a live session do not get the call.
func (s *Server) PushCall(to proto.ProfileID, app proto.ApplicationID, call proto.IncomingCall) error {
	sess := s.session(to)
	if sess == nil {
		s.metrics.IncCallDropped()
		s.log.Debug("call dropped, profile offline", "to", to.Short(), "app", app)
		return nil
	}
	return sess.pushCall(app, call)
}

func (s *Server) hosted(ctx context.Context, id proto.ProfileID) (proto.OwnProfile, error) {
	own, err := s.private.Get(ctx, id)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return proto.OwnProfile{}, errs.Newf(errs.LookupFailed, "%s is not hosted here", id.Short())
		}
		return proto.OwnProfile{}, errs.Wrap(err, errs.StorageFailed)
	}
	return own, nil
}
