package home

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mercury/internal/errs"
	"mercury/internal/proto"
	"mercury/internal/relation"
	"mercury/internal/storage"
	"mercury/internal/vault"
)

type testHome struct {
	srv     *Server
	signer  *vault.Signer
	public  *storage.Memory[proto.Profile]
	private *storage.Memory[proto.OwnProfile]
}

func newTestHome(t *testing.T, cfg Config) *testHome {
	t.Helper()
	signer, err := vault.Generate()
	require.NoError(t, err)
	h := &testHome{
		signer:  signer,
		public:  storage.NewMemory[proto.Profile](),
		private: storage.NewMemory[proto.OwnProfile](),
	}
	h.srv = NewServer(signer, relation.CompositeValidator{}, h.public, h.private, cfg, nil)
	_, err = h.srv.EnsureProfile(context.Background(), []string{"127.0.0.1:0"})
	require.NoError(t, err)
	return h
}

func (h *testHome) connect(t *testing.T, peer *vault.Signer) *Connection {
	t.Helper()
	conn, err := h.srv.Connect(PeerContext{
		MyID:       h.signer.ProfileID(),
		MyPubKey:   h.signer.PublicKey(),
		PeerID:     peer.ProfileID(),
		PeerPubKey: peer.PublicKey(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type member struct {
	signer *vault.Signer
	conn   *Connection
	own    proto.OwnProfile
	proof  proto.RelationProof
}

func (h *testHome) register(t *testing.T) *member {
	t.Helper()
	signer, err := vault.Generate()
	require.NoError(t, err)
	conn := h.connect(t, signer)
	half, err := relation.HalfProofFor(proto.RelationHostedOnHome, h.signer.ProfileID(), signer)
	require.NoError(t, err)
	own := proto.NewOwnProfile(proto.NewProfile(signer.PublicKey()), []byte("private"))
	stored, err := conn.Register(context.Background(), own, half, nil)
	require.NoError(t, err)
	persona, ok := stored.Public.PersonaFacet()
	require.True(t, ok)
	proof, ok := persona.ProofFor(h.signer.ProfileID())
	require.True(t, ok)
	return &member{signer: signer, conn: conn, own: stored, proof: proof}
}

func (m *member) login(t *testing.T) *Session {
	t.Helper()
	sess, err := m.conn.Login(context.Background(), m.proof)
	require.NoError(t, err)
	return sess.(*Session)
}

func TestRegisterStoresBothTiers(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{})
	m := h.register(t)

	require.Equal(t, uint64(2), m.own.Public.Version)
	require.True(t, relation.VerifyEmbedded(m.proof))

	pub, err := h.public.Get(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	require.True(t, pub.Equal(m.own.Public))

	claimed, err := m.conn.Claim(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	require.True(t, claimed.Equal(m.own))
	require.Equal(t, []byte("private"), claimed.PrivateData)

	loaded, err := m.conn.Load(ctx, h.signer.ProfileID())
	require.NoError(t, err)
	f, ok := loaded.HomeFacet()
	require.True(t, ok)
	require.Equal(t, []string{"127.0.0.1:0"}, f.Addrs)
}

func TestClaimOtherProfileRejected(t *testing.T) {
	h := newTestHome(t, Config{})
	a := h.register(t)
	b := h.register(t)
	_, err := a.conn.Claim(context.Background(), b.signer.ProfileID())
	require.True(t, errs.Is(err, errs.FailedToClaimProfile))
	require.True(t, errs.Is(err, errs.Unauthorized))
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{})
	m := h.register(t)

	half, err := relation.HalfProofFor(proto.RelationHostedOnHome, h.signer.ProfileID(), m.signer)
	require.NoError(t, err)
	retry := proto.NewOwnProfile(proto.NewProfile(m.signer.PublicKey()), []byte("other"))
	returned, err := m.conn.Register(ctx, retry, half, nil)
	require.True(t, errs.Is(err, errs.RegistrationFailed))
	require.True(t, errs.Is(err, errs.AlreadyRegistered))
	require.True(t, returned.Equal(retry), "caller profile must come back unchanged")

	stored, err := h.private.Get(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	require.True(t, stored.Equal(m.own))
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{})
	other := newTestHome(t, Config{})
	signer, err := vault.Generate()
	require.NoError(t, err)
	stranger, err := vault.Generate()
	require.NoError(t, err)
	conn := h.connect(t, signer)
	own := proto.NewOwnProfile(proto.NewProfile(signer.PublicKey()), nil)

	good, err := relation.HalfProofFor(proto.RelationHostedOnHome, h.signer.ProfileID(), signer)
	require.NoError(t, err)
	wrongHome, _ := relation.HalfProofFor(proto.RelationHostedOnHome, other.signer.ProfileID(), signer)
	wrongType, _ := relation.HalfProofFor("friend", h.signer.ProfileID(), signer)
	wrongSigner, _ := relation.HalfProofFor(proto.RelationHostedOnHome, h.signer.ProfileID(), stranger)
	badSig := good
	badSig.Signature = append(proto.Signature(nil), good.Signature...)
	badSig.Signature[0] ^= 0xff
	strangerOwn := proto.NewOwnProfile(proto.NewProfile(stranger.PublicKey()), nil)

	cases := []struct {
		name string
		own  proto.OwnProfile
		half proto.RelationHalfProof
		kind error
	}{
		{"foreign profile", strangerOwn, good, errs.ProfileMismatch},
		{"foreign signer", own, wrongSigner, errs.SignerMismatch},
		{"other home", own, wrongHome, errs.HomeIdMismatch},
		{"wrong relation", own, wrongType, errs.RelationTypeMismatch},
		{"bad signature", own, badSig, errs.InvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := conn.Register(ctx, tc.own, tc.half, nil)
			require.Error(t, err)
			require.True(t, errs.Is(err, tc.kind), "got %v", err)
		})
	}
	_, err = h.private.Get(ctx, signer.ProfileID())
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestRegisterRequiresInvite(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{RequireInvite: true})
	signer, err := vault.Generate()
	require.NoError(t, err)
	conn := h.connect(t, signer)
	half, err := relation.HalfProofFor(proto.RelationHostedOnHome, h.signer.ProfileID(), signer)
	require.NoError(t, err)
	own := proto.NewOwnProfile(proto.NewProfile(signer.PublicKey()), nil)

	_, err = conn.Register(ctx, own, half, nil)
	require.True(t, errs.Is(err, errs.Unauthorized))

	forged := proto.HomeInvitation{HomeID: h.signer.ProfileID(), Voucher: "welcome", Signature: make(proto.Signature, 64)}
	_, err = conn.Register(ctx, own, half, &forged)
	require.True(t, errs.Is(err, errs.InvalidSignature))

	invite, err := h.srv.Invite("welcome")
	require.NoError(t, err)
	_, err = conn.Register(ctx, own, half, &invite)
	require.NoError(t, err)
}

func TestLoginRequiresHostedProfile(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{})
	m := h.register(t)

	require.NoError(t, h.private.Clear(ctx, m.signer.ProfileID()))
	_, err := m.conn.Login(ctx, m.proof)
	require.True(t, errs.Is(err, errs.LoginFailed))
	require.True(t, errs.Is(err, errs.LookupFailed))

	other := h.register(t)
	_, err = m.conn.Login(ctx, other.proof)
	require.True(t, errs.Is(err, errs.ProfileMismatch))
}

func TestDuplicateLoginSupersedes(t *testing.T) {
	h := newTestHome(t, Config{})
	m := h.register(t)
	first := m.login(t)
	oldEvents := first.Events()
	second := m.login(t)
	newEvents := second.Events()

	got := <-oldEvents
	require.True(t, errs.Is(got.Err, errs.ChannelSuperseded))
	_, ok := <-oldEvents
	require.False(t, ok)

	require.NoError(t, h.srv.PushEvent(m.signer.ProfileID(), proto.UnknownEvent([]byte("x"))))
	ev := <-newEvents
	require.NoError(t, ev.Err)
	require.Equal(t, proto.EventUnknown, ev.Value.Kind)
	require.Equal(t, uint64(1), h.srv.Metrics().Snapshot().Sessions.Superseded)
}

func TestConnectionCloseDeregisters(t *testing.T) {
	h := newTestHome(t, Config{})
	m := h.register(t)
	sess := m.login(t)
	require.True(t, h.srv.Online(m.signer.ProfileID()))
	events := sess.Events()

	require.NoError(t, m.conn.Close())
	require.False(t, h.srv.Online(m.signer.ProfileID()))
	_, ok := <-events
	require.False(t, ok)
	_, err := sess.Ping(context.Background(), "hi")
	require.True(t, errs.Is(err, errs.FailedToGetSession))
	// offline pushes are dropped, not failed
	require.NoError(t, h.srv.PushEvent(m.signer.ProfileID(), proto.UnknownEvent(nil)))
}

func TestRegistryDoesNotOwnSessions(t *testing.T) {
	h := newTestHome(t, Config{})
	m := h.register(t)
	func() {
		sess := m.login(t)
		m.conn.forget(sess)
	}()
	for i := 0; i < 5 && h.srv.Online(m.signer.ProfileID()); i++ {
		runtime.GC()
	}
	require.False(t, h.srv.Online(m.signer.ProfileID()))
}

func TestPairingEndToEnd(t *testing.T) {
	ctx := context.Background()
	homeA := newTestHome(t, Config{})
	homeB := newTestHome(t, Config{})
	a := homeA.register(t)
	b := homeB.register(t)
	aEvents := a.login(t).Events()
	bEvents := b.login(t).Events()

	// A submits its half proof to B's home.
	half, err := relation.HalfProofFor("friend", b.signer.ProfileID(), a.signer)
	require.NoError(t, err)
	require.NoError(t, homeB.connect(t, a.signer).PairRequest(ctx, half))

	req := <-bEvents
	require.NoError(t, req.Err)
	require.Equal(t, proto.EventPairingRequest, req.Value.Kind)
	require.Equal(t, a.signer.ProfileID(), req.Value.PairingRequest.SignerID)

	// B completes and answers through A's home.
	proof, err := relation.CompleteProof(*req.Value.PairingRequest, b.signer)
	require.NoError(t, err)
	require.NoError(t, homeA.connect(t, b.signer).PairResponse(ctx, proof))

	resp := <-aEvents
	require.NoError(t, resp.Err)
	require.Equal(t, proto.EventPairingResponse, resp.Value.Kind)
	got := *resp.Value.PairingResponse
	require.Equal(t, "friend", got.RelationType)
	require.True(t, got.AID.Less(got.BID))
	require.True(t, got.Equal(proof))
	require.True(t, relation.VerifyEmbedded(got))
}

func TestPairRequestValidation(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{})
	a := h.register(t)
	b := h.register(t)
	stranger, err := vault.Generate()
	require.NoError(t, err)

	forged, err := relation.HalfProofFor("friend", b.signer.ProfileID(), stranger)
	require.NoError(t, err)
	err = a.conn.PairRequest(ctx, forged)
	require.True(t, errs.Is(err, errs.PairRequestFailed))
	require.True(t, errs.Is(err, errs.SignerMismatch))

	notHosted, err := relation.HalfProofFor("friend", stranger.ProfileID(), a.signer)
	require.NoError(t, err)
	err = a.conn.PairRequest(ctx, notHosted)
	require.True(t, errs.Is(err, errs.LookupFailed))
}

func befriend(t *testing.T, x, y *member) proto.RelationProof {
	t.Helper()
	half, err := relation.HalfProofFor("friend", y.signer.ProfileID(), x.signer)
	require.NoError(t, err)
	proof, err := relation.CompleteProof(half, y.signer)
	require.NoError(t, err)
	return proof
}

func TestCallTimeoutOffline(t *testing.T) {
	timeout := 80 * time.Millisecond
	h := newTestHome(t, Config{CallTimeout: timeout})
	caller := h.register(t)
	callee := h.register(t)
	proof := befriend(t, caller, callee)

	start := time.Now()
	sink, err := caller.conn.Call(context.Background(), "chat", proto.CallRequestDetails{Relation: proof})
	require.NoError(t, err)
	require.Nil(t, sink)
	require.GreaterOrEqual(t, time.Since(start), timeout)
	snap := h.srv.Metrics().Snapshot()
	require.Equal(t, uint64(1), snap.Calls.TimedOut)
	require.Equal(t, uint64(1), snap.Calls.Dropped)
	require.Zero(t, snap.Events.Dropped)
}

func TestLateAnswerFailsCallee(t *testing.T) {
	h := newTestHome(t, Config{CallTimeout: 50 * time.Millisecond})
	caller := h.register(t)
	callee := h.register(t)
	calls := callee.login(t).CheckinApp("chat")
	proof := befriend(t, caller, callee)

	sink, err := caller.conn.Call(context.Background(), "chat", proto.CallRequestDetails{Relation: proof})
	require.NoError(t, err)
	require.Nil(t, sink)

	in := <-calls
	require.NoError(t, in.Err)
	require.False(t, in.Value.Deadline().After(time.Now()))
	require.False(t, Resolve(in.Value, make(chan proto.Result[proto.AppMessageFrame], 1)))

	toCallee := make(chan proto.Result[proto.AppMessageFrame], 1)
	in.Value.Answer(toCallee)
	r, ok := <-toCallee
	require.True(t, ok)
	require.True(t, errs.Is(r.Err, errs.CallFailed))
	_, ok = <-toCallee
	require.False(t, ok, "late answer sink must be closed")
}

func TestCallAnswered(t *testing.T) {
	h := newTestHome(t, Config{CallTimeout: 5 * time.Second})
	caller := h.register(t)
	callee := h.register(t)
	calls := callee.login(t).CheckinApp("chat")
	proof := befriend(t, caller, callee)

	toCaller := make(chan proto.Result[proto.AppMessageFrame], 4)
	toCallee := make(chan proto.Result[proto.AppMessageFrame], 4)
	go func() {
		in := <-calls
		if in.Err != nil {
			return
		}
		d := in.Value.RequestDetails()
		d.ToCaller <- proto.Ok(proto.AppMessageFrame("hello " + string(d.InitPayload)))
		in.Value.Answer(toCallee)
	}()

	sink, err := caller.conn.Call(context.Background(), "chat", proto.CallRequestDetails{
		Relation:    proof,
		InitPayload: proto.AppMessageFrame("caller"),
		ToCaller:    toCaller,
	})
	require.NoError(t, err)
	require.NotNil(t, sink)
	sink <- proto.Ok(proto.AppMessageFrame("ping"))
	require.Equal(t, "ping", string((<-toCallee).Value))
	require.Equal(t, "hello caller", string((<-toCaller).Value))
}

func TestCallDeclined(t *testing.T) {
	h := newTestHome(t, Config{CallTimeout: 5 * time.Second})
	caller := h.register(t)
	callee := h.register(t)
	calls := callee.login(t).CheckinApp("chat")
	proof := befriend(t, caller, callee)
	go func() {
		if in := <-calls; in.Err == nil {
			in.Value.Answer(nil)
		}
	}()
	start := time.Now()
	sink, err := caller.conn.Call(context.Background(), "chat", proto.CallRequestDetails{Relation: proof})
	require.NoError(t, err)
	require.Nil(t, sink)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestCallRejectsForeignProof(t *testing.T) {
	h := newTestHome(t, Config{CallTimeout: time.Second})
	caller := h.register(t)
	x := h.register(t)
	y := h.register(t)
	proof := befriend(t, x, y)
	_, err := caller.conn.Call(context.Background(), "chat", proto.CallRequestDetails{Relation: proof})
	require.True(t, errs.Is(err, errs.CallFailed))
	require.True(t, errs.Is(err, errs.PeerIdRetrievalFailed))
}

func TestUpdateAndUnregister(t *testing.T) {
	ctx := context.Background()
	h := newTestHome(t, Config{})
	next := newTestHome(t, Config{})
	m := h.register(t)
	sess := m.login(t)

	updated := m.own.Clone()
	updated.Public = updated.Public.Bump()
	updated.Public.Attributes["nick"] = "ann"
	require.NoError(t, sess.Update(ctx, updated))
	pub, err := h.public.Get(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	require.Equal(t, "ann", pub.Attributes["nick"])

	stale := m.own.Clone()
	stale.Public.Attributes["nick"] = "bob"
	err = sess.Update(ctx, stale)
	require.True(t, errs.Is(err, errs.ProfileUpdateFailed))

	err = sess.Unregister(ctx, &pub)
	require.True(t, errs.Is(err, errs.HomeIdMismatch))

	nextProfile, err := next.public.Get(ctx, next.signer.ProfileID())
	require.NoError(t, err)
	require.NoError(t, sess.Unregister(ctx, &nextProfile))
	require.False(t, h.srv.Online(m.signer.ProfileID()))
	_, err = h.private.Get(ctx, m.signer.ProfileID())
	require.True(t, errs.Is(err, errs.NotFound))
	pub, err = h.public.Get(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	persona, _ := pub.PersonaFacet()
	require.False(t, persona.IsHostedOn(h.signer.ProfileID()))
	require.True(t, pub.HasLink(next.signer.ProfileID()))
}

func TestCheckoutStaleListenerKeepsApp(t *testing.T) {
	h := newTestHome(t, Config{})
	sess := h.register(t).login(t)

	stale := sess.CheckinApp("chat")
	current := sess.CheckinApp("chat")
	require.Equal(t, map[string]int64{"chat": 1}, h.srv.Metrics().Snapshot().CheckedInApps)

	sess.CheckoutApp("chat", stale)
	require.Equal(t, []proto.ApplicationID{"chat"}, sess.Apps())
	require.Equal(t, map[string]int64{"chat": 1}, h.srv.Metrics().Snapshot().CheckedInApps)

	sess.CheckoutApp("chat", current)
	require.Empty(t, sess.Apps())
	require.Empty(t, h.srv.Metrics().Snapshot().CheckedInApps)
	_, ok := <-current
	require.False(t, ok)
}

// flakyPrivate fails writes on demand, leaving reads intact.
type flakyPrivate struct {
	*storage.Memory[proto.OwnProfile]
	fail atomic.Bool
}

func (f *flakyPrivate) Set(ctx context.Context, own proto.OwnProfile) error {
	if f.fail.Load() {
		return errs.New(errs.StorageFailed, "disk full")
	}
	return f.Memory.Set(ctx, own)
}

func (f *flakyPrivate) Clear(ctx context.Context, id proto.ProfileID) error {
	if f.fail.Load() {
		return errs.New(errs.StorageFailed, "disk full")
	}
	return f.Memory.Clear(ctx, id)
}

func newFlakyHome(t *testing.T) (*testHome, *flakyPrivate) {
	t.Helper()
	signer, err := vault.Generate()
	require.NoError(t, err)
	private := &flakyPrivate{Memory: storage.NewMemory[proto.OwnProfile]()}
	h := &testHome{signer: signer, public: storage.NewMemory[proto.Profile](), private: private.Memory}
	h.srv = NewServer(signer, relation.CompositeValidator{}, h.public, private, Config{}, nil)
	_, err = h.srv.EnsureProfile(context.Background(), []string{"127.0.0.1:0"})
	require.NoError(t, err)
	return h, private
}

func TestRegisterPrivateFailureKeepsPublic(t *testing.T) {
	ctx := context.Background()
	h, private := newFlakyHome(t)
	private.fail.Store(true)

	signer, err := vault.Generate()
	require.NoError(t, err)
	conn := h.connect(t, signer)
	half, err := relation.HalfProofFor(proto.RelationHostedOnHome, h.signer.ProfileID(), signer)
	require.NoError(t, err)
	own := proto.NewOwnProfile(proto.NewProfile(signer.PublicKey()), []byte("private"))

	returned, err := conn.Register(ctx, own, half, nil)
	require.True(t, errs.Is(err, errs.RegistrationFailed))
	require.True(t, errs.Is(err, errs.StorageFailed))
	require.True(t, returned.Equal(own))

	pub, err := h.public.Get(ctx, signer.ProfileID())
	require.NoError(t, err)
	require.Equal(t, own.Public.Version+1, pub.Version)
	persona, ok := pub.PersonaFacet()
	require.True(t, ok)
	require.True(t, persona.IsHostedOn(h.signer.ProfileID()))
	_, err = h.private.Get(ctx, signer.ProfileID())
	require.True(t, errs.Is(err, errs.NotFound))
	require.Zero(t, h.srv.Metrics().Snapshot().Profiles.Registered)
}

func TestUpdateAndUnregisterPrivateFailure(t *testing.T) {
	ctx := context.Background()
	h, private := newFlakyHome(t)
	m := h.register(t)
	sess := m.login(t)
	leaving := h.register(t)
	leavingSess := leaving.login(t)
	private.fail.Store(true)

	updated := m.own.Clone()
	updated.Public = updated.Public.Bump()
	updated.Public.Attributes["nick"] = "ann"
	err := sess.Update(ctx, updated)
	require.True(t, errs.Is(err, errs.ProfileUpdateFailed))
	require.True(t, errs.Is(err, errs.StorageFailed))
	pub, err := h.public.Get(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	require.Equal(t, "ann", pub.Attributes["nick"])
	stored, err := h.private.Get(ctx, m.signer.ProfileID())
	require.NoError(t, err)
	require.Equal(t, m.own.Public.Version, stored.Public.Version)

	err = leavingSess.Unregister(ctx, nil)
	require.True(t, errs.Is(err, errs.DeregistrationFailed))
	require.True(t, errs.Is(err, errs.StorageFailed))
	pub, err = h.public.Get(ctx, leaving.signer.ProfileID())
	require.NoError(t, err)
	persona, _ := pub.PersonaFacet()
	require.False(t, persona.IsHostedOn(h.signer.ProfileID()))
	_, err = h.private.Get(ctx, leaving.signer.ProfileID())
	require.NoError(t, err)
}

func TestEventsBufferedUntilListenerAttaches(t *testing.T) {
	h := newTestHome(t, Config{})
	m := h.register(t)
	sess := m.login(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.srv.PushEvent(m.signer.ProfileID(), proto.UnknownEvent([]byte{byte(i)})))
	}
	events := sess.Events()
	for i := 0; i < 3; i++ {
		ev := <-events
		require.NoError(t, ev.Err)
		require.Equal(t, []byte{byte(i)}, ev.Value.Unknown)
	}
	snap := h.srv.Metrics().Snapshot()
	require.Equal(t, uint64(3), snap.Events.Buffered)
}
