package home

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

// Session is the server side of a logged-in profile. Its connection is the
// only strong owner; the server registry holds a weak pointer.
type Session struct {
	conn   *Connection
	server *Server
	id     proto.ProfileID
	log    *slog.Logger

	events *ServerSink[proto.ProfileEvent]

	mu    sync.Mutex
	calls map[proto.ApplicationID]*ServerSink[proto.IncomingCall]
	apps  mapset.Set[proto.ApplicationID]

	closed atomic.Bool
}

var _ proto.HomeSession = (*Session)(nil)

func newSession(c *Connection, id proto.ProfileID) *Session {
	return &Session{
		conn:   c,
		server: c.server,
		id:     id,
		log:    c.log,
		events: NewServerSink[proto.ProfileEvent](c.server.cfg.SinkBuffer),
		calls:  make(map[proto.ApplicationID]*ServerSink[proto.IncomingCall]),
		apps:   mapset.NewSet[proto.ApplicationID](),
	}
}

func (s *Session) ProfileID() proto.ProfileID { return s.id }

// Events attaches a new event listener, replacing any earlier one.
func (s *Session) Events() <-chan proto.Result[proto.ProfileEvent] {
	return s.events.Attach(s.server.cfg.ChannelCapacity)
}

// DetachEvents returns the event sink to buffering if ch is its listener.
func (s *Session) DetachEvents(ch <-chan proto.Result[proto.ProfileEvent]) {
	s.events.Detach(ch)
}

// CheckinApp attaches a listener for calls addressed to app.
func (s *Session) CheckinApp(app proto.ApplicationID) <-chan proto.Result[proto.IncomingCall] {
	s.mu.Lock()
	sink := s.callSinkLocked(app)
	if s.apps.Add(app) {
		s.server.metrics.AppCheckedIn(string(app))
	}
	s.mu.Unlock()
	s.log.Debug("app checked in", "app", app)
	return sink.Attach(s.server.cfg.ChannelCapacity)
}

// CheckoutApp returns the call sink of app to buffering if ch is its
// listener. A stale ch replaced by a newer check-in leaves app checked in.
func (s *Session) CheckoutApp(app proto.ApplicationID, ch <-chan proto.Result[proto.IncomingCall]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink, ok := s.calls[app]
	if !ok || !sink.Detach(ch) {
		return
	}
	if s.apps.Contains(app) {
		s.apps.Remove(app)
		s.server.metrics.AppCheckedOut(string(app))
	}
}

// Apps lists the applications currently checked in.
func (s *Session) Apps() []proto.ApplicationID {
	return s.apps.ToSlice()
}

func (s *Session) callSinkLocked(app proto.ApplicationID) *ServerSink[proto.IncomingCall] {
	sink, ok := s.calls[app]
	if !ok {
		sink = NewServerSink[proto.IncomingCall](s.server.cfg.SinkBuffer)
		s.calls[app] = sink
	}
	return sink
}

func (s *Session) pushEvent(ev proto.ProfileEvent) error {
	res, err := s.events.Push(ev)
	s.count(res, err)
	if err != nil {
		s.log.Info("event not delivered", "kind", ev.Kind, "err", err)
	}
	return err
}

func (s *Session) pushCall(app proto.ApplicationID, call proto.IncomingCall) error {
	s.mu.Lock()
	sink := s.callSinkLocked(app)
	s.mu.Unlock()
	if _, err := sink.Push(call); err != nil {
		s.server.metrics.IncCallDropped()
		s.log.Info("call not delivered", "app", app, "err", err)
		return err
	}
	return nil
}

func (s *Session) count(res PushResult, err error) {
	m := s.server.metrics
	switch {
	case err != nil:
		m.IncEventDropped()
	case res == Delivered:
		m.IncEventDelivered()
	case res == Overflowed:
		m.IncEventOverflow()
		m.IncEventBuffered()
	default:
		m.IncEventBuffered()
	}
}

func (s *Session) Update(ctx context.Context, own proto.OwnProfile) error {
	if err := s.update(ctx, own); err != nil {
		return errs.Wrap(err, errs.ProfileUpdateFailed)
	}
	return nil
}

func (s *Session) update(ctx context.Context, own proto.OwnProfile) error {
	if s.closed.Load() {
		return errs.New(errs.FailedToGetSession, "session closed")
	}
	if own.ID() != s.id {
		return errs.New(errs.ProfileMismatch, "update for another profile")
	}
	if err := s.server.validator.ValidateProfileAuth(own.Public.PublicKey, own.ID()); err != nil {
		return err
	}
	persona, ok := own.Public.PersonaFacet()
	if !ok || !persona.IsHostedOn(s.server.ID()) {
		return errs.New(errs.HomeProofNotFound, "updated profile no longer lists this home")
	}
	if err := s.server.public.Set(ctx, own.Public); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	if err := s.server.private.Set(ctx, own); err != nil {
		s.log.Warn("update partially applied: public profile written, private write failed", "err", err)
		return errs.Wrap(err, errs.StorageFailed)
	}
	s.server.metrics.IncUpdated()
	return nil
}

// Unregister removes the profile from this home. newHome, if given, is
// linked from the public profile so peers can follow the move.
func (s *Session) Unregister(ctx context.Context, newHome *proto.Profile) error {
	if err := s.unregister(ctx, newHome); err != nil {
		return errs.Wrap(err, errs.DeregistrationFailed)
	}
	return nil
}

func (s *Session) unregister(ctx context.Context, newHome *proto.Profile) error {
	srv := s.server
	if s.closed.Load() {
		return errs.New(errs.FailedToGetSession, "session closed")
	}
	if newHome != nil {
		if _, ok := newHome.HomeFacet(); !ok {
			return errs.New(errs.HomeIdMismatch, "new home is not a home profile")
		}
		if newHome.ID == srv.ID() {
			return errs.New(errs.HomeIdMismatch, "new home is this home")
		}
		if err := newHome.Validate(); err != nil {
			return err
		}
	}

	srv.regMu.Lock()
	defer srv.regMu.Unlock()

	own, err := srv.hosted(ctx, s.id)
	if err != nil {
		return err
	}
	public := own.Public.Bump()
	persona, _ := public.PersonaFacet()
	persona.RemoveHostedOn(srv.ID())
	if err := public.SetPersonaFacet(persona); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	if newHome != nil {
		public.AddLink(newHome.ID)
	}
	if err := srv.public.Set(ctx, public); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	if err := srv.private.Clear(ctx, s.id); err != nil {
		s.log.Warn("unregister partially applied: public profile written, private clear failed", "err", err)
		return errs.Wrap(err, errs.StorageFailed)
	}
	srv.metrics.IncUnregistered()
	s.log.Info("profile unregistered", "profile", s.id.Short())
	s.close()
	return nil
}

func (s *Session) Ping(_ context.Context, txt string) (string, error) {
	if s.closed.Load() {
		return "", errs.New(errs.FailedToGetSession, "session closed")
	}
	return txt, nil
}

func (s *Session) Close() error {
	s.close()
	return nil
}

func (s *Session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.server.deregister(s)
	s.conn.forget(s)
	s.events.Close()
	s.mu.Lock()
	for _, sink := range s.calls {
		sink.Close()
	}
	for app := range s.apps.Iter() {
		s.server.metrics.AppCheckedOut(string(app))
	}
	s.apps.Clear()
	s.mu.Unlock()
	s.server.metrics.SessionClosed()
	s.log.Info("session closed")
}

// supersede ends the listeners of a session replaced by a newer login.
// The session stays owned by its connection but no longer receives pushes.
func (s *Session) supersede() {
	s.events.Supersede()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.calls {
		sink.Supersede()
	}
}
