// Package network carries the home protocol over QUIC. The first stream of
// a connection is a signed hello exchange; every later stream holds one
// request and its response, optionally followed by a stream of items.
package network

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"mercury/internal/debuglog"
	"mercury/internal/errs"
	"mercury/internal/home"
	"mercury/internal/metrics"
	"mercury/internal/proto"
)

type ServerConfig struct {
	CertFile          string
	KeyFile           string
	MaxConnsPerIP     int
	MaxStreamsPerIP   int
	RequestsPerSecond float64
	RequestBurst      int
}

type Server struct {
	home    *home.Server
	cfg     ServerConfig
	limiter *ipLimiter
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	listener *quic.Listener
}

func NewServer(h *home.Server, cfg ServerConfig) *Server {
	return &Server{
		home:    h,
		cfg:     cfg,
		limiter: newIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP),
		metrics: h.Metrics(),
		log:     debuglog.Component("network").With("home", h.ID().Short()),
	}
}

// Listen binds addr. Serve must be called to accept connections.
func (s *Server) Listen(addr string) (net.Addr, error) {
	tlsConf, err := serverTLSConfig(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("quic listen ready", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("network: Serve before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("quic accept error", "err", err)
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// ListenAndServe is Listen followed by Serve; ready is closed once bound.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- net.Addr) error {
	bound, err := s.Listen(addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready <- bound
		close(ready)
	}
	return s.Serve(ctx)
}

func remoteIP(conn *quic.Conn) string {
	if ua, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	ip := remoteIP(conn)
	if !s.limiter.acquireConn(ip) {
		s.metrics.IncDropByReason("conn_limit")
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer s.limiter.releaseConn(ip)
	s.metrics.AddCurrentConns(1)
	defer s.metrics.AddCurrentConns(-1)

	hc, err := s.hello(ctx, conn)
	if err != nil {
		s.log.Debug("hello rejected", "remote", ip, "err", err)
		s.metrics.IncDropByReason("hello")
		_ = conn.CloseWithError(2, "hello rejected")
		return
	}
	sc := &serverConn{
		srv:      s,
		conn:     conn,
		hc:       hc,
		ip:       ip,
		rate:     newRequestLimiter(s.cfg.RequestsPerSecond, s.cfg.RequestBurst),
		sessions: make(map[string]*home.Session),
		pending:  make(map[string]proto.IncomingCall),
		log:      s.log.With("peer", hc.Peer().PeerID.Short()),
	}
	defer sc.close()
	sc.log.Debug("connection authenticated", "remote", ip)

	connCtx := conn.Context()
	for {
		stream, err := conn.AcceptStream(connCtx)
		if err != nil {
			sc.log.Debug("connection ended", "err", err)
			return
		}
		if !s.limiter.acquireStream(ip) {
			s.metrics.IncDropByReason("stream_limit")
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		go func() {
			defer s.limiter.releaseStream(ip)
			s.metrics.AddCurrentStreams(1)
			defer s.metrics.AddCurrentStreams(-1)
			sc.handleStream(connCtx, stream)
		}()
	}
}

// hello authenticates the client on the first stream and answers with a
// signature of the home over the client's nonce.
func (s *Server) hello(ctx context.Context, conn *quic.Conn) (*home.Connection, error) {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	defer stream.Close()
	data, err := proto.ReadFrameWithTypeCap(stream, proto.MaxHelloSize, func(string) int { return proto.MaxHelloSize })
	if err != nil {
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	var msg proto.HelloMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != proto.MsgTypeHello {
		return nil, errs.New(errs.HandshakeFailed, "malformed hello")
	}

	signer := s.home.Signer()
	reject := func(err error) (*home.Connection, error) {
		code, text := errorFields(err)
		_ = writeJSON(stream, proto.HelloAckMsg{Type: proto.MsgTypeHelloAck, HomeID: signer.ProfileID(), Code: code, Error: text})
		return nil, err
	}
	if len(msg.Nonce) != proto.NonceSize {
		return reject(errs.New(errs.HandshakeFailed, "bad nonce"))
	}
	if !proto.VerifySignature(msg.PubKey, proto.HelloSignable("client", signer.ProfileID(), msg.Nonce), msg.Sig) {
		return reject(errs.New(errs.InvalidSignature, "hello signature"))
	}
	hc, err := s.home.Connect(home.PeerContext{
		MyID:       signer.ProfileID(),
		MyPubKey:   signer.PublicKey(),
		PeerID:     msg.ProfileID,
		PeerPubKey: msg.PubKey,
	})
	if err != nil {
		return reject(err)
	}
	sig, err := signer.Sign(proto.HelloSignable("home", msg.ProfileID, msg.Nonce))
	if err != nil {
		_ = hc.Close()
		return reject(errs.Wrap(err, errs.HandshakeFailed))
	}
	ack := proto.HelloAckMsg{
		Type:          proto.MsgTypeHelloAck,
		HomeID:        signer.ProfileID(),
		PubKey:        signer.PublicKey(),
		Sig:           sig,
		CallTimeoutMS: s.home.CallTimeout().Milliseconds(),
	}
	if err := writeJSON(stream, ack); err != nil {
		_ = hc.Close()
		return nil, errs.Wrap(err, errs.HandshakeFailed)
	}
	return hc, nil
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, proto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// serverConn is the transport state of one authenticated connection.
type serverConn struct {
	srv  *Server
	conn *quic.Conn
	hc   *home.Connection
	ip   string
	rate *rate.Limiter
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*home.Session
	pending  map[string]proto.IncomingCall
}

func (sc *serverConn) close() {
	sc.mu.Lock()
	for _, call := range sc.pending {
		call.Answer(nil)
	}
	sc.pending = map[string]proto.IncomingCall{}
	sc.sessions = map[string]*home.Session{}
	sc.mu.Unlock()
	_ = sc.hc.Close()
}

func (sc *serverConn) session(id string) (*home.Session, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sess, ok := sc.sessions[id]
	if !ok {
		return nil, errs.New(errs.FailedToGetSession, "unknown session")
	}
	return sess, nil
}

// addPending keeps call resolvable by id until shortly after its deadline,
// so an answer racing the deadline still gets a definite reply.
func (sc *serverConn) addPending(call proto.IncomingCall) string {
	id := uuid.NewString()
	sc.mu.Lock()
	sc.pending[id] = call
	sc.mu.Unlock()
	time.AfterFunc(time.Until(call.Deadline())+streamRWTimeout, func() { sc.takePending(id) })
	return id
}

func (sc *serverConn) takePending(id string) (proto.IncomingCall, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	call, ok := sc.pending[id]
	delete(sc.pending, id)
	return call, ok
}

func (sc *serverConn) handleStream(ctx context.Context, stream *quic.Stream) {
	data, err := readRequestFrame(stream, streamRWTimeout)
	if err != nil {
		sc.srv.metrics.IncDropByReason("read")
		stream.CancelRead(1)
		_ = stream.Close()
		return
	}
	req, err := proto.DecodeRequest(data)
	if err != nil {
		sc.srv.metrics.IncDropByReason("decode")
		_ = writeResponse(stream, nil, errs.Wrap(err, errs.InvalidMessage))
		_ = stream.Close()
		return
	}
	sc.srv.metrics.IncRecvByType(req.Type)
	if !sc.rate.Allow() {
		sc.srv.metrics.IncDropByReason("rate")
		debuglog.RateLimitedf("rate:"+sc.ip, time.Minute, "request rate exceeded remote=%s", sc.ip)
		_ = writeResponse(stream, nil, errs.New(errs.Unauthorized, "request rate exceeded"))
		_ = stream.Close()
		return
	}

	switch req.Type {
	case proto.MsgTypeEvents:
		sc.serveEvents(stream, req)
	case proto.MsgTypeCheckinApp:
		sc.serveCheckin(stream, req)
	case proto.MsgTypeCall:
		sc.serveCall(ctx, stream, req)
	case proto.MsgTypeAnswer:
		sc.serveAnswer(stream, req)
	default:
		body, err := sc.dispatch(ctx, req)
		if err != nil {
			sc.log.Debug("request failed", "type", req.Type, "err", err)
		}
		_ = writeResponse(stream, body, err)
		_ = stream.Close()
	}
}

// dispatch runs the one-shot requests.
func (sc *serverConn) dispatch(ctx context.Context, req proto.Request) (any, error) {
	switch req.Type {
	case proto.MsgTypeLoad:
		var b proto.IDBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		p, err := sc.hc.Load(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return proto.ProfileBody{Profile: p}, nil
	case proto.MsgTypeClaim:
		var b proto.IDBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		own, err := sc.hc.Claim(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return proto.OwnProfileBody{Own: own}, nil
	case proto.MsgTypeRegister:
		var b proto.RegisterBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		own, err := sc.hc.Register(ctx, b.Own, b.Half, b.Invite)
		if err != nil {
			return nil, err
		}
		return proto.OwnProfileBody{Own: own}, nil
	case proto.MsgTypeLogin:
		var b proto.ProofBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		hs, err := sc.hc.Login(ctx, b.Proof)
		if err != nil {
			return nil, err
		}
		id := uuid.NewString()
		sc.mu.Lock()
		sc.sessions[id] = hs.(*home.Session)
		sc.mu.Unlock()
		return proto.LoginReply{Session: id}, nil
	case proto.MsgTypeLogout:
		sc.mu.Lock()
		sess, ok := sc.sessions[req.Session]
		delete(sc.sessions, req.Session)
		sc.mu.Unlock()
		if ok {
			_ = sess.Close()
		}
		return nil, nil
	case proto.MsgTypePairRequest:
		var b proto.HalfProofBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		return nil, sc.hc.PairRequest(ctx, b.Half)
	case proto.MsgTypePairResponse:
		var b proto.ProofBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		return nil, sc.hc.PairResponse(ctx, b.Proof)
	case proto.MsgTypeUpdate:
		sess, err := sc.session(req.Session)
		if err != nil {
			return nil, err
		}
		var b proto.OwnProfileBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		return nil, sess.Update(ctx, b.Own)
	case proto.MsgTypeUnregister:
		sess, err := sc.session(req.Session)
		if err != nil {
			return nil, err
		}
		var b proto.UnregisterBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		return nil, sess.Unregister(ctx, b.NewHome)
	case proto.MsgTypePing:
		sess, err := sc.session(req.Session)
		if err != nil {
			return nil, err
		}
		var b proto.PingBody
		if err := decodeRequestBody(req, &b); err != nil {
			return nil, err
		}
		txt, err := sess.Ping(ctx, b.Text)
		if err != nil {
			return nil, err
		}
		return proto.PingBody{Text: txt}, nil
	default:
		return nil, errs.Newf(errs.InvalidMessage, "unknown request type %q", req.Type)
	}
}

func decodeRequestBody(req proto.Request, v any) error {
	if err := proto.DecodeBody(req.Body, v); err != nil {
		return errs.Wrap(err, errs.InvalidMessage)
	}
	return nil
}

// watchClose cancels when the client closes its side of a long-lived stream.
func watchClose(stream *quic.Stream) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf [64]byte
		for {
			if _, err := stream.Read(buf[:]); err != nil {
				return
			}
		}
	}()
	return done
}

func (sc *serverConn) serveEvents(stream *quic.Stream, req proto.Request) {
	defer stream.CancelRead(0)
	defer stream.Close()
	sess, err := sc.session(req.Session)
	if err != nil {
		_ = writeResponse(stream, nil, err)
		return
	}
	if err := writeResponse(stream, nil, nil); err != nil {
		return
	}
	ch := sess.Events()
	defer sess.DetachEvents(ch)
	done := watchClose(stream)
	for {
		select {
		case <-done:
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if r.Err != nil {
				_ = writeItem(stream, nil, r.Err)
				continue
			}
			if err := writeItem(stream, r.Value, nil); err != nil {
				return
			}
		}
	}
}

func (sc *serverConn) serveCheckin(stream *quic.Stream, req proto.Request) {
	defer stream.CancelRead(0)
	defer stream.Close()
	sess, err := sc.session(req.Session)
	if err != nil {
		_ = writeResponse(stream, nil, err)
		return
	}
	var b proto.AppBody
	if err := decodeRequestBody(req, &b); err != nil {
		_ = writeResponse(stream, nil, err)
		return
	}
	if err := writeResponse(stream, nil, nil); err != nil {
		return
	}
	ch := sess.CheckinApp(b.App)
	defer sess.CheckoutApp(b.App, ch)
	done := watchClose(stream)
	for {
		select {
		case <-done:
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if r.Err != nil {
				_ = writeItem(stream, nil, r.Err)
				continue
			}
			d := r.Value.RequestDetails()
			item := proto.IncomingCallItem{
				CallID:      sc.addPending(r.Value),
				App:         b.App,
				Relation:    d.Relation,
				InitPayload: d.InitPayload,
				Duplex:      d.ToCaller != nil,
				Deadline:    r.Value.Deadline(),
			}
			if err := writeItem(stream, item, nil); err != nil {
				if call, ok := sc.takePending(item.CallID); ok {
					call.Answer(nil)
				}
				return
			}
		}
	}
}

// serveCall brokers a call for the connected client. When answered, the
// stream turns into the caller's end of a duplex frame pipe.
func (sc *serverConn) serveCall(ctx context.Context, stream *quic.Stream, req proto.Request) {
	var b proto.CallBody
	if err := decodeRequestBody(req, &b); err != nil {
		_ = writeResponse(stream, nil, err)
		_ = stream.Close()
		return
	}
	var toCaller chan proto.Result[proto.AppMessageFrame]
	details := proto.CallRequestDetails{Relation: b.Relation, InitPayload: b.InitPayload}
	if b.Duplex {
		toCaller = make(chan proto.Result[proto.AppMessageFrame], 16)
		details.ToCaller = toCaller
	}
	sink, err := sc.hc.Call(ctx, b.App, details)
	if err != nil || sink == nil {
		_ = writeResponse(stream, proto.CallReply{Answered: false}, err)
		_ = stream.Close()
		return
	}
	if err := writeResponse(stream, proto.CallReply{Answered: true}, nil); err != nil {
		close(sink)
		return
	}
	sc.pipe(stream, sink, toCaller)
}

// serveAnswer resolves a pending incoming call. An accepted call turns the
// stream into the callee's end of the frame pipe.
func (sc *serverConn) serveAnswer(stream *quic.Stream, req proto.Request) {
	var b proto.AnswerBody
	if err := decodeRequestBody(req, &b); err != nil {
		_ = writeResponse(stream, nil, err)
		_ = stream.Close()
		return
	}
	call, ok := sc.takePending(b.CallID)
	if !ok {
		_ = writeResponse(stream, nil, errs.New(errs.CallFailed, "unknown call"))
		_ = stream.Close()
		return
	}
	var toCallee chan proto.Result[proto.AppMessageFrame]
	if b.Accept {
		toCallee = make(chan proto.Result[proto.AppMessageFrame], 16)
	}
	if !home.Resolve(call, toCallee) {
		_ = writeResponse(stream, nil, errs.New(errs.CallFailed, "call expired"))
		_ = stream.Close()
		return
	}
	if !b.Accept {
		_ = writeResponse(stream, nil, nil)
		_ = stream.Close()
		return
	}
	if err := writeResponse(stream, nil, nil); err != nil {
		return
	}
	sc.pipe(stream, call.RequestDetails().ToCaller, toCallee)
}

// pipe copies frames from the stream into out and frames from in onto the
// stream. out is closed when the remote side finishes sending.
func (sc *serverConn) pipe(stream *quic.Stream, out proto.AppMsgSink, in <-chan proto.Result[proto.AppMessageFrame]) {
	if in != nil {
		go func() {
			if err := pumpOut(stream, in); err != nil {
				sc.log.Debug("call pipe write ended", "err", err)
			}
		}()
	} else {
		_ = stream.Close()
	}
	if out == nil {
		stream.CancelRead(0)
		return
	}
	pumpIn(stream, out)
}
