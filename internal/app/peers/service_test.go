package peers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/sqlite"
	"github.com/peerlink-network/peerlink/internal/infra/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.EventPayload
}

func (r *recorder) Publish(p domain.EventPayload) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *recorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	db    *sqlite.DB
	reg   *transport.Registry
	rec   *recorder
	p2p   *transport.MemoryTransport
	email *transport.MemoryTransport
	web   *transport.MemoryTransport
}

// newFixture wires the directory to a real store and a registry with p2p,
// email and web memory transports. Transports listed in failing fail to start.
func newFixture(t *testing.T, failing ...domain.TransportType) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:    db,
		rec:   &recorder{},
		p2p:   transport.NewMemoryTransport(domain.TransportP2P, nil, ""),
		email: transport.NewMemoryTransport(domain.TransportEmail, nil, ""),
		web:   transport.NewMemoryTransport(domain.TransportWeb, nil, ""),
	}
	clk := clock.NewMock()
	f.reg = transport.NewRegistry(f.rec, clk)
	for _, tr := range []*transport.MemoryTransport{f.p2p, f.email, f.web} {
		if containsType(failing, tr.Type()) {
			tr.InitErr = errors.New("init failed")
		}
		f.reg.Register(tr.Type(), func() domain.Transport { return tr })
	}
	f.reg.Initialize(context.Background(),
		[]domain.TransportType{domain.TransportP2P, domain.TransportEmail, domain.TransportWeb}, nil)

	f.svc = NewService(db, f.reg, f.rec, clk, DefaultConfig())
	return f
}

func containsType(list []domain.TransportType, t domain.TransportType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func bob() domain.Peer {
	return domain.Peer{
		ID:          "bob",
		DisplayName: "Bob",
		Identifiers: map[domain.TransportType]string{
			domain.TransportP2P:   "12D3KooWbob",
			domain.TransportEmail: "bob@example.com",
		},
	}
}

// ─── Store / Get ────────────────────────────────────────────────────────────

func TestStorePeer_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)
	second, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	assert.Equal(t, first.DisplayName, second.DisplayName)
	assert.Equal(t, first.Identifiers, second.Identifiers)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	all, err := f.svc.ListPeers(ctx, domain.PeerFilter{Query: "bob"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStorePeer_MergesIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	got, err := f.svc.StorePeer(ctx, domain.Peer{ID: "bob",
		Identifiers: map[domain.TransportType]string{domain.TransportWeb: "bob-web"}})
	require.NoError(t, err)

	assert.Equal(t, "Bob", got.DisplayName)
	assert.Len(t, got.Identifiers, 3)
}

func TestStorePeer_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StorePeer(ctx, domain.Peer{})
	assert.ErrorIs(t, err, domain.ErrInvalidPeer)
	_, err = f.svc.StorePeer(ctx, domain.Peer{ID: "x", TrustLevel: "best_friend"})
	assert.ErrorIs(t, err, domain.ErrInvalidTrustLevel)
}

func TestGetPeer_UnknownIsNil(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.GetPeer(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetPeer_CacheReturnsCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	p, _ := f.svc.GetPeer(ctx, "bob")
	p.Identifiers[domain.TransportWeb] = "mutated"

	again, _ := f.svc.GetPeer(ctx, "bob")
	assert.NotContains(t, again.Identifiers, domain.TransportWeb)
}

// ─── Trust ──────────────────────────────────────────────────────────────────

func TestUpdateTrustLevel_AnyToAny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	for _, level := range []domain.TrustLevel{domain.TrustTrusted, domain.TrustUnverified, domain.TrustIdentityVerified} {
		got, err := f.svc.UpdateTrustLevel(ctx, "bob", level)
		require.NoError(t, err)
		assert.Equal(t, level, got.TrustLevel)
	}

	_, err = f.svc.UpdateTrustLevel(ctx, "bob", "super")
	assert.ErrorIs(t, err, domain.ErrInvalidTrustLevel)
	_, err = f.svc.UpdateTrustLevel(ctx, "ghost", domain.TrustTrusted)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdatePeerStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdatePeerStatus(ctx, "bob", domain.PeerOffline))
	got, err := f.svc.GetPeer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.PeerOffline, got.Status)
	assert.Equal(t, 1, f.rec.count(domain.EventPeerStatus))

	assert.ErrorIs(t, f.svc.UpdatePeerStatus(ctx, "bob", "asleep"), domain.ErrInvalidPeerStatus)
	assert.ErrorIs(t, f.svc.UpdatePeerStatus(ctx, "ghost", domain.PeerOnline), domain.ErrNotFound)
	assert.Equal(t, 1, f.rec.count(domain.EventPeerStatus))
}

// ─── Discovery ──────────────────────────────────────────────────────────────

func TestDiscoverPeers_MergesAcrossTransports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.p2p.SetPeers(
		domain.Peer{ID: "alice", DisplayName: "Alice", Status: domain.PeerOnline,
			Identifiers: map[domain.TransportType]string{domain.TransportP2P: "12D3alice"}},
		domain.Peer{ID: "dave", Status: domain.PeerOffline,
			Identifiers: map[domain.TransportType]string{domain.TransportP2P: "12D3dave"}},
	)
	f.email.SetPeers(
		domain.Peer{ID: "alice", Avatar: "alice.png", TrustLevel: domain.TrustTrusted,
			Identifiers: map[domain.TransportType]string{domain.TransportEmail: "alice@example.com"}},
	)

	res, err := f.svc.DiscoverPeers(ctx, DiscoverFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Discovered)
	assert.Equal(t, 2, f.rec.count(domain.EventPeerDiscovered))

	alice, err := f.svc.GetPeer(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.Equal(t, "alice.png", alice.Avatar)
	assert.Len(t, alice.Identifiers, 2)
	assert.Equal(t, domain.TrustUnverified, alice.TrustLevel, "transports cannot assign trust")

	// Second run finds nothing new.
	res, err = f.svc.DiscoverPeers(ctx, DiscoverFilter{})
	require.NoError(t, err)
	assert.Zero(t, res.Discovered)
	assert.Equal(t, 2, f.rec.count(domain.EventPeerDiscovered))
}

func TestDiscoverPeers_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.p2p.SetPeers(
		domain.Peer{ID: "alice", DisplayName: "Alice", Status: domain.PeerOnline},
		domain.Peer{ID: "dave", DisplayName: "Dave", Status: domain.PeerOffline},
	)
	_, err := f.svc.DiscoverPeers(ctx, DiscoverFilter{})
	require.NoError(t, err)
	_, err = f.svc.UpdateTrustLevel(ctx, "dave", domain.TrustEmailVerified)
	require.NoError(t, err)

	res, err := f.svc.DiscoverPeers(ctx, DiscoverFilter{OnlineOnly: true})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "alice", res.Peers[0].ID)

	res, err = f.svc.DiscoverPeers(ctx, DiscoverFilter{VerifiedOnly: true})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "dave", res.Peers[0].ID)

	res, err = f.svc.DiscoverPeers(ctx, DiscoverFilter{Query: "ALI"})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)

	require.NoError(t, f.svc.SetBlocked(ctx, "alice", true))
	res, err = f.svc.DiscoverPeers(ctx, DiscoverFilter{})
	require.NoError(t, err)
	assert.Len(t, res.Peers, 1, "blocked peers are hidden")
}

func TestDiscoverPeers_SkipsFailingTransport(t *testing.T) {
	f := newFixture(t)
	f.p2p.DiscoverErr = errors.New("dht timeout")
	f.email.SetPeers(domain.Peer{ID: "carol",
		Identifiers: map[domain.TransportType]string{domain.TransportEmail: "carol@example.com"}})

	res, err := f.svc.DiscoverPeers(context.Background(), DiscoverFilter{})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "carol", res.Peers[0].ID)
}

func TestDiscoverPeers_NoActiveTransports(t *testing.T) {
	f := newFixture(t, domain.TransportP2P, domain.TransportEmail, domain.TransportWeb)

	res, err := f.svc.DiscoverPeers(context.Background(), DiscoverFilter{})
	require.NoError(t, err)
	assert.Empty(t, res.Peers)
	assert.Zero(t, res.Total)
}

func TestDiscoverPeers_RestrictTransports(t *testing.T) {
	f := newFixture(t)
	f.p2p.SetPeers(domain.Peer{ID: "alice"})
	f.email.SetPeers(domain.Peer{ID: "carol"})

	res, err := f.svc.DiscoverPeers(context.Background(),
		DiscoverFilter{Transports: []domain.TransportType{domain.TransportEmail}})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "carol", res.Peers[0].ID)
	assert.Equal(t, "carol", res.Peers[0].Identifiers[domain.TransportEmail],
		"a peer without identifiers is addressed by its id on the transport that found it")
}

// ─── Connect ────────────────────────────────────────────────────────────────

func TestConnectToPeer_FallsBackWhenPreferredIsInError(t *testing.T) {
	f := newFixture(t, domain.TransportP2P)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	res := f.svc.ConnectToPeer(ctx, "bob", ConnectOptions{
		Transport:          domain.TransportP2P,
		FallbackTransports: []domain.TransportType{domain.TransportEmail},
	})

	require.True(t, res.Success)
	assert.Equal(t, domain.TransportEmail, res.Transport)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.TransportP2P, res.Errors[0].Transport)
	assert.True(t, f.email.Connected("bob"))

	p, _ := f.svc.GetPeer(ctx, "bob")
	assert.Equal(t, domain.PeerOnline, p.Status)
	assert.Equal(t, 1, f.rec.count(domain.EventPeerStatus))
}

func TestConnectToPeer_AutoFallbackSkipsTriedTransports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	f.p2p.ConnectErr = errors.New("dial timeout")
	res := f.svc.ConnectToPeer(ctx, "bob", ConnectOptions{
		Transport:          domain.TransportP2P,
		FallbackTransports: []domain.TransportType{domain.TransportAuto},
	})
	require.True(t, res.Success)
	assert.Equal(t, domain.TransportEmail, res.Transport)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.TransportP2P, res.Errors[0].Transport)
}

func TestConnectToPeer_CallerOrderIsRespected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peer := bob()
	peer.Identifiers[domain.TransportWeb] = "bob-web"
	_, err := f.svc.StorePeer(ctx, peer)
	require.NoError(t, err)

	f.web.ConnectErr = errors.New("relay refused")
	res := f.svc.ConnectToPeer(ctx, "bob", ConnectOptions{
		Transport:          domain.TransportWeb,
		FallbackTransports: []domain.TransportType{domain.TransportEmail, domain.TransportP2P},
	})
	require.True(t, res.Success)
	assert.Equal(t, domain.TransportEmail, res.Transport, "email is the first fallback, ahead of p2p")
	assert.False(t, f.p2p.Connected("bob"))
}

func TestConnectToPeer_AllFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)
	f.p2p.ConnectErr = errors.New("unreachable")
	f.email.ConnectErr = errors.New("smtp down")

	res := f.svc.ConnectToPeer(ctx, "bob", ConnectOptions{
		Transport:          domain.TransportP2P,
		FallbackTransports: []domain.TransportType{domain.TransportEmail, domain.TransportDiscord},
	})
	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 3)
	assert.Zero(t, f.rec.count(domain.EventPeerStatus))
}

func TestConnectToPeer_AutoAndUnknownPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	res := f.svc.ConnectToPeer(ctx, "bob", ConnectOptions{})
	require.True(t, res.Success)
	assert.Equal(t, domain.TransportP2P, res.Transport)

	res = f.svc.ConnectToPeer(ctx, "ghost", ConnectOptions{})
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "not found")
}

func TestDisconnectFromPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)
	require.True(t, f.svc.ConnectToPeer(ctx, "bob", ConnectOptions{Transport: domain.TransportEmail}).Success)

	require.NoError(t, f.svc.DisconnectFromPeer(ctx, "bob"))
	assert.False(t, f.email.Connected("bob"))

	p, _ := f.svc.GetPeer(ctx, "bob")
	require.NotNil(t, p, "record is kept")
	assert.Equal(t, domain.PeerOffline, p.Status)

	assert.ErrorIs(t, f.svc.DisconnectFromPeer(ctx, "ghost"), domain.ErrNotFound)
}

// ─── Transfers ──────────────────────────────────────────────────────────────

func TestSendTransferToPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	ack, err := f.svc.SendTransferToPeer(ctx, "bob", TransferRequest{Type: "invoice", Payload: []byte("signed-doc")})
	require.NoError(t, err)
	assert.Equal(t, domain.TransportP2P, ack.Transport)
	assert.Equal(t, domain.TransferSent, ack.Status)
	assert.NotEmpty(t, ack.TransferID)

	sent := f.p2p.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.PayloadTransfer, sent[0].Kind)
	assert.Equal(t, "12D3KooWbob", sent[0].Address)
	assert.Equal(t, "signed-doc", string(sent[0].Body))

	refs, err := f.svc.GetTransfersWithPeer(ctx, "bob", domain.TransferFilter{})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ack.TransferID, refs[0].ID)
	assert.Equal(t, domain.TransferOutbound, refs[0].Direction)

	p, _ := f.svc.GetPeer(ctx, "bob")
	assert.Equal(t, 1, p.Transfers.Sent)
}

func TestSendTransferToPeer_Errors(t *testing.T) {
	f := newFixture(t, domain.TransportP2P, domain.TransportEmail)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	_, err = f.svc.SendTransferToPeer(ctx, "ghost", TransferRequest{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.SendTransferToPeer(ctx, "bob", TransferRequest{Transport: domain.TransportAuto})
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)

	_, err = f.svc.SendTransferToPeer(ctx, "bob", TransferRequest{Transport: domain.TransportWeb})
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable, "bob has no web address")
}

func TestSendDocumentsToPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	acks, err := f.svc.SendDocumentsToPeer(ctx, "bob", []DocumentRef{
		{ID: "doc-1", Type: "contract", Payload: []byte("a")},
		{ID: "doc-2", Type: "contract", Payload: []byte("b")},
	}, domain.TransportEmail)
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Equal(t, "doc-1", acks[0].DocumentID)
	assert.NotEqual(t, "doc-1", acks[0].TransferID)

	refs, err := f.svc.GetTransfersWithPeer(ctx, "bob", domain.TransferFilter{Type: "contract"})
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestSendDocumentsToPeer_SameDocumentToManyPeers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carol := domain.Peer{ID: "carol", Identifiers: map[domain.TransportType]string{domain.TransportEmail: "carol@example.com"}}
	for _, p := range []domain.Peer{bob(), carol} {
		_, err := f.svc.StorePeer(ctx, p)
		require.NoError(t, err)
	}

	doc := []DocumentRef{{ID: "contract-1", Type: "contract", Payload: []byte("terms")}}
	toBob, err := f.svc.SendDocumentsToPeer(ctx, "bob", doc, domain.TransportEmail)
	require.NoError(t, err)
	toCarol, err := f.svc.SendDocumentsToPeer(ctx, "carol", doc, domain.TransportEmail)
	require.NoError(t, err)
	assert.NotEqual(t, toBob[0].TransferID, toCarol[0].TransferID)

	for _, id := range []string{"bob", "carol"} {
		refs, err := f.svc.GetTransfersWithPeer(ctx, id, domain.TransferFilter{})
		require.NoError(t, err)
		require.Len(t, refs, 1, id)
		assert.Equal(t, "contract-1", refs[0].DocumentID)

		p, err := f.svc.GetPeer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, p.Transfers.Sent, id)
	}

	sent := f.email.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "contract-1", sent[1].Meta["document_id"])
}

func TestResolveSenderAndReceiveTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StorePeer(ctx, bob())
	require.NoError(t, err)

	known, err := f.svc.ResolveSender(ctx, domain.TransportEmail, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", known.ID)

	stranger, err := f.svc.ResolveSender(ctx, domain.TransportWeb, "erin-web")
	require.NoError(t, err)
	assert.Equal(t, "erin-web", stranger.ID)
	assert.Equal(t, "erin-web", stranger.Identifiers[domain.TransportWeb])

	require.NoError(t, f.svc.ReceiveTransfer(ctx, "bob", domain.TransportEmail,
		domain.Payload{ID: "in-1", Body: []byte("xyz"), Meta: map[string]string{"type": "receipt"}}))
	p, _ := f.svc.GetPeer(ctx, "bob")
	assert.Equal(t, 1, p.Transfers.Received)

	require.NoError(t, f.svc.SetBlocked(ctx, "bob", true))
	_, err = f.svc.ResolveSender(ctx, domain.TransportEmail, "bob@example.com")
	assert.ErrorIs(t, err, domain.ErrPeerBlocked)
}
