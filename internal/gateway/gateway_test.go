package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mercury/internal/errs"
	"mercury/internal/home"
	"mercury/internal/proto"
	"mercury/internal/relation"
	"mercury/internal/storage"
	"mercury/internal/vault"
)

// localConnector reaches in-process home servers without a transport.
type localConnector struct {
	mu       sync.Mutex
	homes    map[proto.ProfileID]*home.Server
	down     map[proto.ProfileID]bool
	connects atomic.Int32
	// hold, when set, runs inside every Connect before the home is reached.
	hold func()
}

func newLocalConnector() *localConnector {
	return &localConnector{
		homes: make(map[proto.ProfileID]*home.Server),
		down:  make(map[proto.ProfileID]bool),
	}
}

func (c *localConnector) setDown(id proto.ProfileID, down bool) {
	c.mu.Lock()
	c.down[id] = down
	c.mu.Unlock()
}

func (c *localConnector) Connect(ctx context.Context, hp proto.Profile, signer proto.Signer) (proto.Home, error) {
	c.connects.Add(1)
	c.mu.Lock()
	srv, ok := c.homes[hp.ID]
	down := c.down[hp.ID]
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		hold()
	}
	if !ok || down {
		return nil, errs.Newf(errs.ConnectionFailed, "home %s unreachable", hp.ID.Short())
	}
	conn, err := srv.Connect(home.PeerContext{
		MyID:       srv.ID(),
		MyPubKey:   srv.Signer().PublicKey(),
		PeerID:     signer.ProfileID(),
		PeerPubKey: signer.PublicKey(),
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type world struct {
	directory *storage.Memory[proto.Profile]
	connector *localConnector
}

func newWorld() *world {
	return &world{directory: storage.NewMemory[proto.Profile](), connector: newLocalConnector()}
}

func (w *world) addHome(t *testing.T) proto.ProfileID {
	t.Helper()
	signer, err := vault.Generate()
	require.NoError(t, err)
	srv := home.NewServer(signer, relation.CompositeValidator{}, w.directory, storage.NewMemory[proto.OwnProfile](),
		home.Config{CallTimeout: 2 * time.Second}, nil)
	_, err = srv.EnsureProfile(context.Background(), []string{"127.0.0.1:0"})
	require.NoError(t, err)
	w.connector.mu.Lock()
	w.connector.homes[srv.ID()] = srv
	w.connector.mu.Unlock()
	return srv.ID()
}

func (w *world) user(t *testing.T) *Gateway {
	t.Helper()
	signer, err := vault.Generate()
	require.NoError(t, err)
	gw := New(signer, w.directory, storage.NewMemory[proto.OwnProfile](), w.connector)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func registerOn(t *testing.T, gw *Gateway, homeID proto.ProfileID) proto.OwnProfile {
	t.Helper()
	ctx := context.Background()
	own, err := gw.OwnProfile(ctx)
	if err != nil {
		own = proto.NewOwnProfile(proto.NewProfile(gw.Signer().PublicKey()), []byte("secret"))
	}
	stored, err := gw.Register(ctx, homeID, own, nil)
	require.NoError(t, err)
	return stored
}

func TestRegisterThenLoginCachesSession(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	homeID := w.addHome(t)
	gw := w.user(t)

	stored := registerOn(t, gw, homeID)
	require.Equal(t, uint64(2), stored.Public.Version)
	local, err := gw.OwnProfile(ctx)
	require.NoError(t, err)
	require.True(t, local.Equal(stored))

	first, err := gw.LoginHome(ctx, homeID)
	require.NoError(t, err)
	connects := w.connector.connects.Load()

	second, err := gw.LoginHome(ctx, homeID)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, connects, w.connector.connects.Load(), "cached login must not reconnect")

	viaLogin, err := gw.Login(ctx)
	require.NoError(t, err)
	require.Same(t, first, viaLogin)
}

func TestConcurrentLoginHomeKeepsLiveSession(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	homeID := w.addHome(t)
	gw := w.user(t)
	registerOn(t, gw, homeID)

	var arrived sync.WaitGroup
	arrived.Add(2)
	w.connector.mu.Lock()
	w.connector.hold = func() {
		arrived.Done()
		arrived.Wait()
	}
	w.connector.mu.Unlock()

	sessions := make([]proto.HomeSession, 2)
	loginErrs := make([]error, 2)
	var done sync.WaitGroup
	for i := range sessions {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			sessions[i], loginErrs[i] = gw.LoginHome(ctx, homeID)
		}(i)
	}
	done.Wait()
	require.NoError(t, loginErrs[0])
	require.NoError(t, loginErrs[1])
	require.Same(t, sessions[0], sessions[1])

	srv := w.connector.homes[homeID]
	require.True(t, srv.Online(gw.Signer().ProfileID()))
	select {
	case r, ok := <-sessions[0].Events():
		t.Fatalf("cached session events ended early: %v %v", r, ok)
	default:
	}

	again, err := gw.LoginHome(ctx, homeID)
	require.NoError(t, err)
	require.Same(t, sessions[0], again)
}

func TestRegisterFailureReturnsProfileUnchanged(t *testing.T) {
	w := newWorld()
	homeID := w.addHome(t)
	gw := w.user(t)
	w.connector.setDown(homeID, true)

	own := proto.NewOwnProfile(proto.NewProfile(gw.Signer().PublicKey()), nil)
	returned, err := gw.Register(context.Background(), homeID, own, nil)
	require.True(t, errs.Is(err, errs.RegistrationFailed))
	require.True(t, errs.Is(err, errs.ConnectionFailed))
	require.True(t, returned.Equal(own))
}

func TestLoginHomeNeedsProof(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	homeA := w.addHome(t)
	homeB := w.addHome(t)
	gw := w.user(t)

	_, err := gw.LoginHome(ctx, homeA)
	require.True(t, errs.Is(err, errs.FailedToLoadProfile))

	registerOn(t, gw, homeA)
	_, err = gw.LoginHome(ctx, homeB)
	require.True(t, errs.Is(err, errs.HomeProofNotFound))
}

func TestAnyHomeOf(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	homeA := w.addHome(t)
	homeB := w.addHome(t)
	gw := w.user(t)
	registerOn(t, gw, homeA)
	stored := registerOn(t, gw, homeB)
	require.Equal(t, uint64(3), stored.Public.Version)

	w.connector.setDown(homeA, true)
	h, id, err := gw.AnyHomeOf(ctx, stored.Public)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, homeB, id)

	w.connector.setDown(homeB, true)
	_, _, err = gw.AnyHomeOf(ctx, stored.Public)
	require.True(t, errs.Is(err, errs.ConnectionFailed))

	bare := proto.NewProfile(gw.Signer().PublicKey())
	_, _, err = gw.AnyHomeOf(ctx, bare)
	require.True(t, errs.Is(err, errs.PersonaExpected))

	require.NoError(t, bare.SetPersonaFacet(proto.PersonaFacet{}))
	_, _, err = gw.AnyHomeOf(ctx, bare)
	require.True(t, errs.Is(err, errs.NoHomesFound))
}

func nextEvent(t *testing.T, ch <-chan proto.Result[proto.ProfileEvent]) proto.ProfileEvent {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok)
		require.NoError(t, r.Err)
		return r.Value
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return proto.ProfileEvent{}
}

func TestPairThenCall(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	homeA := w.addHome(t)
	homeB := w.addHome(t)
	alice := w.user(t)
	bob := w.user(t)
	registerOn(t, alice, homeA)
	registerOn(t, bob, homeB)

	aliceSess, err := alice.Login(ctx)
	require.NoError(t, err)
	bobSess, err := bob.Login(ctx)
	require.NoError(t, err)
	aliceEvents := aliceSess.Events()
	bobEvents := bobSess.Events()

	half, err := alice.PairRequest(ctx, proto.RelationEnableCallBetween, bob.Signer().ProfileID())
	require.NoError(t, err)
	ev := nextEvent(t, bobEvents)
	require.Equal(t, proto.EventPairingRequest, ev.Kind)
	require.Equal(t, half.SignerID, ev.PairingRequest.SignerID)

	proof, err := bob.AcceptPairing(ctx, *ev.PairingRequest)
	require.NoError(t, err)
	ev = nextEvent(t, aliceEvents)
	require.Equal(t, proto.EventPairingResponse, ev.Kind)
	require.True(t, ev.PairingResponse.Equal(proof))

	calls := bobSess.CheckinApp("chat")
	toAlice := make(chan proto.Result[proto.AppMessageFrame], 4)
	toBob := make(chan proto.Result[proto.AppMessageFrame], 4)
	go func() {
		r := <-calls
		if r.Err != nil {
			return
		}
		d := r.Value.RequestDetails()
		d.ToCaller <- proto.Ok(proto.AppMessageFrame("hi alice"))
		r.Value.Answer(toBob)
	}()

	sink, err := alice.Call(ctx, proof, "chat", proto.AppMessageFrame("hello"), toAlice)
	require.NoError(t, err)
	require.NotNil(t, sink)
	sink <- proto.Ok(proto.AppMessageFrame("hi bob"))
	require.Equal(t, proto.AppMessageFrame("hi bob"), (<-toBob).Value)
	require.Equal(t, proto.AppMessageFrame("hi alice"), (<-toAlice).Value)
}

func TestCallWithForeignProof(t *testing.T) {
	w := newWorld()
	homeID := w.addHome(t)
	gw := w.user(t)
	registerOn(t, gw, homeID)

	x, err := vault.Generate()
	require.NoError(t, err)
	y, err := vault.Generate()
	require.NoError(t, err)
	half, err := relation.HalfProofFor(proto.RelationEnableCallBetween, y.ProfileID(), x)
	require.NoError(t, err)
	proof, err := relation.CompleteProof(half, y)
	require.NoError(t, err)

	_, err = gw.Call(context.Background(), proof, "chat", nil, nil)
	require.True(t, errs.Is(err, errs.CallFailed))
	require.True(t, errs.Is(err, errs.PeerIdRetrievalFailed))
}

func TestUpdateThenUnregister(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	homeID := w.addHome(t)
	gw := w.user(t)
	stored := registerOn(t, gw, homeID)

	updated := stored.Clone()
	updated.Public = updated.Public.Bump()
	updated.PrivateData = []byte("rotated")
	require.NoError(t, gw.Update(ctx, homeID, updated))

	local, err := gw.OwnProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("rotated"), local.PrivateData)

	require.NoError(t, gw.Unregister(ctx, homeID, nil))
	_, err = gw.LoginHome(ctx, homeID)
	require.True(t, errs.Is(err, errs.HomeProofNotFound))

	pub, err := w.directory.Get(ctx, gw.Signer().ProfileID())
	require.NoError(t, err)
	persona, ok := pub.PersonaFacet()
	require.True(t, ok)
	require.False(t, persona.IsHostedOn(homeID))
}

func TestRelationsListsHomeProofs(t *testing.T) {
	w := newWorld()
	homeID := w.addHome(t)
	gw := w.user(t)
	registerOn(t, gw, homeID)

	proofs, err := gw.Relations(context.Background())
	require.NoError(t, err)
	require.Len(t, proofs, 1)
	require.True(t, proofs[0].Involves(homeID))
}
