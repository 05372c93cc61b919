package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	quic "github.com/quic-go/quic-go"
	"golang.org/x/sync/singleflight"

	"mercury/internal/debuglog"
	"mercury/internal/errs"
	"mercury/internal/gateway"
	"mercury/internal/home"
	"mercury/internal/proto"
)

type ClientConfig struct {
	Insecure     bool
	DevTLS       bool
	DevTLSCAPath string
	IdleAfter    time.Duration
}

// Connector dials homes over QUIC and keeps one authenticated connection
// per home and signer. Concurrent dials to the same home share one attempt.
type Connector struct {
	tlsConf *tls.Config
	pool    *clientPool
	group   singleflight.Group
	log     *slog.Logger
}

var _ gateway.HomeConnector = (*Connector)(nil)

func NewConnector(cfg ClientConfig) (*Connector, error) {
	tlsConf, err := clientTLSConfig(cfg.Insecure, cfg.DevTLS, cfg.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	return &Connector{
		tlsConf: tlsConf,
		pool:    newClientPool(cfg.IdleAfter),
		log:     debuglog.Component("connector"),
	}, nil
}

// Connect returns a pooled client for the home, dialing if needed. A dial
// that outlives its caller's context still completes and is pooled.
func (c *Connector) Connect(ctx context.Context, hp proto.Profile, signer proto.Signer) (proto.Home, error) {
	key := hp.ID.String() + "/" + signer.ProfileID().String()
	if hc := c.pool.get(key); hc != nil {
		return hc, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if hc := c.pool.get(key); hc != nil {
			return hc, nil
		}
		dialCtx, cancel := withDefaultTimeout(context.WithoutCancel(ctx))
		defer cancel()
		hc, err := c.dial(dialCtx, hp, signer)
		if err != nil {
			return nil, err
		}
		hc.onClose = func() { c.pool.drop(key, hc) }
		c.pool.put(key, hc)
		return hc, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, errs.Wrap(r.Err, errs.ConnectionToHomeFailed)
		}
		return r.Val.(*HomeClient), nil
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err(), errs.ConnectionToHomeFailed)
	}
}

// Close drops every pooled connection.
func (c *Connector) Close() error {
	c.pool.closeAll()
	return nil
}

func (c *Connector) dial(ctx context.Context, hp proto.Profile, signer proto.Signer) (*HomeClient, error) {
	facet, ok := hp.HomeFacet()
	if !ok || len(facet.Addrs) == 0 {
		return nil, errs.Newf(errs.LookupFailed, "home %s publishes no address", hp.ID.Short())
	}
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		failures := 0
		for _, addr := range facet.Addrs {
			c.log.Debug("quic dial", "home", hp.ID.Short(), "addr", addr)
			conn, err := quic.DialAddr(ctx, addr, c.tlsConf, quicConfig())
			if err != nil {
				lastErr = err
				failures = c.pool.recordFailure(addr)
				continue
			}
			hc, err := handshake(ctx, conn, hp, signer)
			if err != nil {
				_ = conn.CloseWithError(2, "hello failed")
				return nil, err
			}
			c.pool.resetFailures(addr)
			c.log.Debug("home connected", "home", hp.ID.Short(), "addr", addr)
			return hc, nil
		}
		if !backoffRetry(ctx, failures) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dial failed")
	}
	return nil, errs.Wrap(lastErr, errs.ConnectionFailed)
}

// handshake proves the signer's key to the home and checks that the far end
// holds the key published in the home's profile.
func handshake(ctx context.Context, conn *quic.Conn, hp proto.Profile, signer proto.Signer) (*HomeClient, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	defer stream.CancelRead(0)
	nonce, err := newNonce()
	if err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	sig, err := signer.Sign(proto.HelloSignable("client", hp.ID, nonce))
	if err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	hello := proto.HelloMsg{
		Type:      proto.MsgTypeHello,
		ProfileID: signer.ProfileID(),
		PubKey:    signer.PublicKey(),
		Nonce:     nonce,
		Sig:       sig,
	}
	if err := writeJSON(stream, hello); err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	_ = stream.Close()
	data, err := readFrameWithTimeout(stream, helloTimeout)
	if err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	var ack proto.HelloAckMsg
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != proto.MsgTypeHelloAck {
		return nil, errs.New(errs.HandshakeFailed, "malformed hello ack")
	}
	if ack.Code != "" || ack.Error != "" {
		return nil, errs.Wrap(remoteError(ack.Code, ack.Error), errs.HandshakeFailed)
	}
	if ack.HomeID != hp.ID || !ack.PubKey.Equal(hp.PublicKey) {
		return nil, errs.Newf(errs.PublicKeyMismatch, "home %s answered with another key", hp.ID.Short())
	}
	if !proto.VerifySignature(hp.PublicKey, proto.HelloSignable("home", signer.ProfileID(), nonce), ack.Sig) {
		return nil, errs.New(errs.InvalidSignature, "hello ack signature")
	}
	callTimeout := time.Duration(ack.CallTimeoutMS) * time.Millisecond
	if callTimeout <= 0 {
		callTimeout = home.DefaultCallTimeout
	}
	return newHomeClient(conn, hp, signer.ProfileID(), callTimeout), nil
}

// HomeClient is the remote proto.Home of one authenticated connection.
type HomeClient struct {
	conn    *quic.Conn
	home    proto.Profile
	me      proto.ProfileID
	log     *slog.Logger
	onClose func()

	// callWait covers the home's call timeout plus transit.
	callWait time.Duration

	mu       sync.Mutex
	sessions map[string]*SessionClient
}

var _ proto.Home = (*HomeClient)(nil)

func newHomeClient(conn *quic.Conn, hp proto.Profile, me proto.ProfileID, callTimeout time.Duration) *HomeClient {
	return &HomeClient{
		conn:     conn,
		home:     hp,
		me:       me,
		callWait: callTimeout + streamRWTimeout,
		log:      debuglog.Component("home-client").With("home", hp.ID.Short(), "me", me.Short()),
		sessions: make(map[string]*SessionClient),
	}
}

func (h *HomeClient) HomeID() proto.ProfileID { return h.home.ID }

func (h *HomeClient) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *HomeClient) Close() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*SessionClient)
	h.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
	}
	if h.onClose != nil {
		h.onClose()
	}
	return h.conn.CloseWithError(0, "client done")
}

// openRequest sends one request and reads its response. With keepOpen the
// write side stays open for a following item stream.
func (h *HomeClient) openRequest(ctx context.Context, typ, session string, body any, keepOpen bool, wait time.Duration) (*quic.Stream, proto.Response, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	stream, err := h.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, proto.Response{}, errs.Wrap(err, errs.FailedToSend)
	}
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()
	data, err := proto.EncodeRequest(typ, session, body)
	if err != nil {
		stream.CancelWrite(0)
		return nil, proto.Response{}, errs.Wrap(err, errs.InvalidMessage)
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, data); err != nil {
		stream.CancelRead(0)
		return nil, proto.Response{}, errs.Wrap(err, errs.FailedToSend)
	}
	if !keepOpen {
		_ = stream.Close()
	}
	raw, err := readFrameWithTimeout(stream, wait)
	if err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, proto.Response{}, errs.Wrap(err, errs.FailedToReadResponse)
	}
	resp, err := proto.DecodeResponse(raw)
	if err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, proto.Response{}, errs.Wrap(err, errs.FailedToReadResponse)
	}
	if !resp.OK {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, resp, remoteError(resp.Code, resp.Error)
	}
	return stream, resp, nil
}

func (h *HomeClient) roundTrip(ctx context.Context, typ, session string, body any, out any) error {
	stream, resp, err := h.openRequest(ctx, typ, session, body, false, streamRWTimeout)
	if err != nil {
		return err
	}
	stream.CancelRead(0)
	if out == nil {
		return nil
	}
	if err := proto.DecodeBody(resp.Body, out); err != nil {
		return errs.Wrap(err, errs.FailedToReadResponse)
	}
	return nil
}

func (h *HomeClient) Load(ctx context.Context, id proto.ProfileID) (proto.Profile, error) {
	var b proto.ProfileBody
	if err := h.roundTrip(ctx, proto.MsgTypeLoad, "", proto.IDBody{ID: id}, &b); err != nil {
		return proto.Profile{}, err
	}
	return b.Profile, nil
}

func (h *HomeClient) Claim(ctx context.Context, id proto.ProfileID) (proto.OwnProfile, error) {
	var b proto.OwnProfileBody
	if err := h.roundTrip(ctx, proto.MsgTypeClaim, "", proto.IDBody{ID: id}, &b); err != nil {
		return proto.OwnProfile{}, err
	}
	return b.Own, nil
}

func (h *HomeClient) Register(ctx context.Context, own proto.OwnProfile, half proto.RelationHalfProof, invite *proto.HomeInvitation) (proto.OwnProfile, error) {
	var b proto.OwnProfileBody
	body := proto.RegisterBody{Own: own, Half: half, Invite: invite}
	if err := h.roundTrip(ctx, proto.MsgTypeRegister, "", body, &b); err != nil {
		return own, err
	}
	return b.Own, nil
}

func (h *HomeClient) Login(ctx context.Context, proofOfHome proto.RelationProof) (proto.HomeSession, error) {
	var reply proto.LoginReply
	if err := h.roundTrip(ctx, proto.MsgTypeLogin, "", proto.ProofBody{Proof: proofOfHome}, &reply); err != nil {
		return nil, err
	}
	s := newSessionClient(h, reply.Session)
	h.mu.Lock()
	h.sessions[reply.Session] = s
	h.mu.Unlock()
	return s, nil
}

func (h *HomeClient) forgetSession(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *HomeClient) PairRequest(ctx context.Context, half proto.RelationHalfProof) error {
	return h.roundTrip(ctx, proto.MsgTypePairRequest, "", proto.HalfProofBody{Half: half}, nil)
}

func (h *HomeClient) PairResponse(ctx context.Context, proof proto.RelationProof) error {
	return h.roundTrip(ctx, proto.MsgTypePairResponse, "", proto.ProofBody{Proof: proof}, nil)
}

// Call returns nil when the callee did not answer. Otherwise frames sent on
// the returned sink reach the callee until it is closed, and the callee's
// frames arrive on details.ToCaller, which is closed when the callee ends.
func (h *HomeClient) Call(ctx context.Context, app proto.ApplicationID, details proto.CallRequestDetails) (proto.AppMsgSink, error) {
	body := proto.CallBody{
		App:         app,
		Relation:    details.Relation,
		InitPayload: details.InitPayload,
		Duplex:      details.ToCaller != nil,
	}
	callCtx, cancel := context.WithTimeout(ctx, h.callWait)
	defer cancel()
	stream, resp, err := h.openRequest(callCtx, proto.MsgTypeCall, "", body, true, h.callWait)
	if err != nil {
		return nil, err
	}
	var reply proto.CallReply
	if err := proto.DecodeBody(resp.Body, &reply); err != nil || !reply.Answered {
		stream.CancelRead(0)
		_ = stream.Close()
		if err != nil {
			return nil, errs.Wrap(err, errs.FailedToReadResponse)
		}
		return nil, nil
	}
	toCallee := make(chan proto.Result[proto.AppMessageFrame], 16)
	go func() { _ = pumpOut(stream, toCallee) }()
	if details.ToCaller != nil {
		go pumpIn(stream, details.ToCaller)
	} else {
		stream.CancelRead(0)
	}
	return toCallee, nil
}

// SessionClient is the remote proto.HomeSession for one login.
type SessionClient struct {
	home   *HomeClient
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

var _ proto.HomeSession = (*SessionClient)(nil)

func newSessionClient(h *HomeClient, id string) *SessionClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionClient{home: h, id: id, ctx: ctx, cancel: cancel}
}

func (s *SessionClient) Update(ctx context.Context, own proto.OwnProfile) error {
	return s.home.roundTrip(ctx, proto.MsgTypeUpdate, s.id, proto.OwnProfileBody{Own: own}, nil)
}

func (s *SessionClient) Unregister(ctx context.Context, newHome *proto.Profile) error {
	if err := s.home.roundTrip(ctx, proto.MsgTypeUnregister, s.id, proto.UnregisterBody{NewHome: newHome}, nil); err != nil {
		return err
	}
	s.closed.Store(true)
	s.cancel()
	s.home.forgetSession(s.id)
	return nil
}

func (s *SessionClient) Ping(ctx context.Context, txt string) (string, error) {
	var b proto.PingBody
	if err := s.home.roundTrip(ctx, proto.MsgTypePing, s.id, proto.PingBody{Text: txt}, &b); err != nil {
		return "", err
	}
	return b.Text, nil
}

// Events opens the event stream. A later call supersedes this one.
func (s *SessionClient) Events() <-chan proto.Result[proto.ProfileEvent] {
	return subscribe(s, proto.MsgTypeEvents, nil, func(it proto.Item) (proto.ProfileEvent, error) {
		var ev proto.ProfileEvent
		err := proto.DecodeBody(it.Body, &ev)
		return ev, err
	})
}

func (s *SessionClient) CheckinApp(app proto.ApplicationID) <-chan proto.Result[proto.IncomingCall] {
	return subscribe(s, proto.MsgTypeCheckinApp, proto.AppBody{App: app}, func(it proto.Item) (proto.IncomingCall, error) {
		var item proto.IncomingCallItem
		if err := proto.DecodeBody(it.Body, &item); err != nil {
			return nil, err
		}
		return newRemoteCall(s, item), nil
	})
}

func (s *SessionClient) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	defer s.cancel()
	defer s.home.forgetSession(s.id)
	ctx, cancel := context.WithTimeout(context.Background(), streamRWTimeout)
	defer cancel()
	return s.home.roundTrip(ctx, proto.MsgTypeLogout, s.id, nil, nil)
}

// subscribe opens a long-lived item stream and decodes each item until the
// home ends it or the session is closed.
func subscribe[T any](s *SessionClient, typ string, body any, decode func(proto.Item) (T, error)) <-chan proto.Result[T] {
	out := make(chan proto.Result[T], 64)
	go func() {
		defer close(out)
		stream, _, err := s.home.openRequest(s.ctx, typ, s.id, body, true, streamRWTimeout)
		if err != nil {
			out <- proto.Fail[T](err)
			return
		}
		stop := context.AfterFunc(s.ctx, func() { stream.CancelRead(0) })
		defer stop()
		defer stream.Close()
		for {
			it, err := readItem(stream)
			if err != nil {
				return
			}
			var r proto.Result[T]
			if it.Code != "" || it.Error != "" {
				r = proto.Fail[T](remoteError(it.Code, it.Error))
			} else if v, err := decode(it); err != nil {
				r = proto.Fail[T](errs.Wrap(err, errs.InvalidMessage))
			} else {
				r = proto.Ok(v)
			}
			select {
			case out <- r:
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return out
}

// remoteCall is an incoming call delivered over the network. Answering
// opens an answer stream that becomes the callee's end of the frame pipe.
type remoteCall struct {
	session  *SessionClient
	item     proto.IncomingCallItem
	toCaller chan proto.Result[proto.AppMessageFrame]
	once     sync.Once
}

var _ proto.IncomingCall = (*remoteCall)(nil)

func newRemoteCall(s *SessionClient, item proto.IncomingCallItem) *remoteCall {
	c := &remoteCall{session: s, item: item}
	if item.Duplex {
		c.toCaller = make(chan proto.Result[proto.AppMessageFrame], 16)
	}
	return c
}

func (c *remoteCall) RequestDetails() proto.CallRequestDetails {
	d := proto.CallRequestDetails{Relation: c.item.Relation, InitPayload: c.item.InitPayload}
	if c.toCaller != nil {
		d.ToCaller = c.toCaller
	}
	return d
}

func (c *remoteCall) Deadline() time.Time {
	return c.item.Deadline
}

func (c *remoteCall) Answer(toCallee proto.AppMsgSink) {
	c.once.Do(func() { go c.answer(toCallee) })
}

func (c *remoteCall) answer(toCallee proto.AppMsgSink) {
	h := c.session.home
	accept := toCallee != nil
	ctx, cancel := context.WithTimeout(c.session.ctx, streamRWTimeout)
	defer cancel()
	stream, _, err := h.openRequest(ctx, proto.MsgTypeAnswer, "", proto.AnswerBody{CallID: c.item.CallID, Accept: accept}, accept, streamRWTimeout)
	if err != nil {
		h.log.Debug("answer failed", "call", c.item.CallID, "err", err)
		if accept {
			toCallee <- proto.Fail[proto.AppMessageFrame](err)
			close(toCallee)
		}
		return
	}
	if !accept {
		stream.CancelRead(0)
		return
	}
	if c.toCaller != nil {
		go func() { _ = pumpOut(stream, c.toCaller) }()
	} else {
		_ = stream.Close()
	}
	pumpIn(stream, toCallee)
}
