package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink-network/peerlink/internal/domain"
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

func (r *recorder) transportEvents(t domain.TransportType) []domain.TransportStatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TransportStatusEvent
	for _, e := range r.events {
		if ev, ok := e.(domain.TransportStatusEvent); ok && ev.Transport == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, transports ...*MemoryTransport) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	r := NewRegistry(rec, clock.NewMock())
	for _, tr := range transports {
		tr := tr
		r.Register(tr.Type(), func() domain.Transport { return tr })
	}
	return r, rec
}

func initAll(t *testing.T, r *Registry, types ...domain.TransportType) InitResult {
	t.Helper()
	return r.Initialize(context.Background(), types, nil)
}

// ─── Initialize ─────────────────────────────────────────────────────────────

func TestInitialize_AllSucceed(t *testing.T) {
	p2p := NewMemoryTransport(domain.TransportP2P, nil, "")
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	r, rec := newTestRegistry(t, p2p, email)

	res := initAll(t, r, domain.TransportP2P, domain.TransportEmail)

	assert.True(t, res.Initialized)
	assert.Equal(t, domain.TransportActive, res.Transports[domain.TransportP2P].State)
	assert.Equal(t, domain.TransportActive, res.Transports[domain.TransportEmail].State)
	assert.True(t, r.IsActive(domain.TransportP2P))
	assert.Same(t, p2p, r.Get(domain.TransportP2P))
	assert.NotEmpty(t, rec.transportEvents(domain.TransportP2P))
}

func TestInitialize_PartialFailureRecordsError(t *testing.T) {
	p2p := NewMemoryTransport(domain.TransportP2P, nil, "")
	p2p.InitErr = errors.New("no bootstrap nodes")
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	r, rec := newTestRegistry(t, p2p, email)

	res := initAll(t, r, domain.TransportP2P, domain.TransportEmail)

	require.True(t, res.Initialized, "one active transport is enough")
	st := res.Transports[domain.TransportP2P]
	assert.Equal(t, domain.TransportError, st.State)
	assert.Contains(t, st.Error, "no bootstrap nodes")
	assert.False(t, r.IsActive(domain.TransportP2P))
	assert.Nil(t, r.Get(domain.TransportP2P))

	evs := rec.transportEvents(domain.TransportP2P)
	require.NotEmpty(t, evs)
	assert.Equal(t, domain.TransportError, evs[len(evs)-1].State)
}

func TestInitialize_AllFail(t *testing.T) {
	p2p := NewMemoryTransport(domain.TransportP2P, nil, "")
	p2p.InitErr = errors.New("boom")
	r, _ := newTestRegistry(t, p2p)

	res := initAll(t, r, domain.TransportP2P, domain.TransportTelegram)

	assert.False(t, res.Initialized)
	assert.Equal(t, domain.TransportError, res.Transports[domain.TransportTelegram].State,
		"type without an implementation is an error")
}

func TestInitialize_RunsConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})

	r := NewRegistry(nil, nil)
	for _, typ := range []domain.TransportType{domain.TransportP2P, domain.TransportEmail} {
		r.Register(typ, func() domain.Transport {
			return &blockingInit{MemoryTransport: NewMemoryTransport(typ, nil, ""), started: &started, release: release}
		})
	}

	done := make(chan InitResult)
	go func() { done <- initAll(t, r, domain.TransportP2P, domain.TransportEmail) }()

	// Both initializers must be running at the same time before either returns.
	waitOrFail(t, &started)
	close(release)

	res := <-done
	assert.True(t, res.Initialized)
	assert.Len(t, r.Active(), 2)
}

type blockingInit struct {
	*MemoryTransport
	started *sync.WaitGroup
	release chan struct{}
}

func (b *blockingInit) Initialize(ctx context.Context, cfg map[string]any) error {
	b.started.Done()
	<-b.release
	return b.MemoryTransport.Initialize(ctx, cfg)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() { wg.Wait(); close(ch) }()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for concurrent initializers")
	}
}

func TestInitialize_ReplacesInactiveInstance(t *testing.T) {
	ctx := context.Background()
	first := NewMemoryTransport(domain.TransportWeb, nil, "")
	second := NewMemoryTransport(domain.TransportWeb, nil, "")
	instances := []*MemoryTransport{first, second}
	r := NewRegistry(nil, clock.NewMock())
	r.Register(domain.TransportWeb, func() domain.Transport {
		tr := instances[0]
		instances = instances[1:]
		return tr
	})

	initAll(t, r, domain.TransportWeb)
	require.NoError(t, r.Connect(ctx, domain.TransportWeb, "bob", "bob-web"))
	first.SetReady(false)
	st, err := r.Refresh(domain.TransportWeb)
	require.NoError(t, err)
	require.Equal(t, domain.TransportInactive, st.State)

	initAll(t, r, domain.TransportWeb)
	assert.True(t, r.IsActive(domain.TransportWeb))
	assert.False(t, first.Connected("bob"), "previous instance should be shut down")

	_, err = r.Send(ctx, domain.TransportWeb, domain.Payload{ID: "m1", Address: "bob-web"})
	require.NoError(t, err)
	assert.Empty(t, first.Sent())
	assert.Len(t, second.Sent(), 1)
}

func TestInitialize_RedactsSecrets(t *testing.T) {
	tg := NewMemoryTransport(domain.TransportTelegram, nil, "")
	r, _ := newTestRegistry(t, tg)

	r.Initialize(context.Background(), []domain.TransportType{domain.TransportTelegram},
		map[domain.TransportType]map[string]any{
			domain.TransportTelegram: {"bot_token": "123:abc", "chat": "ops"},
		})

	st, ok := r.Status(domain.TransportTelegram)
	require.True(t, ok)
	assert.Equal(t, "***", st.Config["bot_token"])
	assert.Equal(t, "ops", st.Config["chat"])
}

// ─── Selection ──────────────────────────────────────────────────────────────

func TestSelectForPeer_PriorityAndActive(t *testing.T) {
	p2p := NewMemoryTransport(domain.TransportP2P, nil, "")
	p2p.InitErr = errors.New("down")
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	web := NewMemoryTransport(domain.TransportWeb, nil, "")
	r, _ := newTestRegistry(t, p2p, email, web)
	initAll(t, r, domain.TransportP2P, domain.TransportEmail, domain.TransportWeb)

	peer := &domain.Peer{ID: "bob", Identifiers: map[domain.TransportType]string{
		domain.TransportP2P:   "12D3",
		domain.TransportEmail: "bob@example.com",
		domain.TransportWeb:   "bob",
	}}

	got, ok := r.SelectForPeer(peer)
	require.True(t, ok)
	assert.Equal(t, domain.TransportEmail, got, "p2p is in error so email wins")

	r.SetPriority([]domain.TransportType{domain.TransportWeb, domain.TransportEmail})
	got, _ = r.SelectForPeer(peer)
	assert.Equal(t, domain.TransportWeb, got)

	_, ok = r.SelectForPeer(&domain.Peer{ID: "carol", Identifiers: map[domain.TransportType]string{
		domain.TransportDiscord: "carol#1",
	}})
	assert.False(t, ok)

	_, ok = r.SelectForPeer(nil)
	assert.False(t, ok)
}

func TestSelectForPeer_NonPriorityTypesComeLast(t *testing.T) {
	mem := NewMemoryTransport(domain.TransportMemory, nil, "")
	r, _ := newTestRegistry(t, mem)
	initAll(t, r, domain.TransportMemory)

	got, ok := r.SelectForPeer(&domain.Peer{Identifiers: map[domain.TransportType]string{domain.TransportMemory: "m"}})
	require.True(t, ok)
	assert.Equal(t, domain.TransportMemory, got)
}

// ─── Send ───────────────────────────────────────────────────────────────────

func TestSend(t *testing.T) {
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	r, _ := newTestRegistry(t, email)
	initAll(t, r, domain.TransportEmail)

	receipt, err := r.Send(context.Background(), domain.TransportEmail, domain.Payload{ID: "m1", Address: "bob@example.com"})
	require.NoError(t, err)
	assert.False(t, receipt.At.IsZero())
	assert.Len(t, email.Sent(), 1)

	_, err = r.Send(context.Background(), domain.TransportP2P, domain.Payload{})
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.True(t, domain.IsRetryable(err))

	cause := errors.New("smtp 550")
	email.SendErr = cause
	_, err = r.Send(context.Background(), domain.TransportEmail, domain.Payload{})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.ErrorIs(t, err, cause)
	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.TransportEmail, de.Transport)
}

func TestConnectDisconnectDiscover(t *testing.T) {
	p2p := NewMemoryTransport(domain.TransportP2P, nil, "")
	p2p.SetPeers(domain.Peer{ID: "alice", Status: domain.PeerOnline}, domain.Peer{ID: "bob"})
	r, _ := newTestRegistry(t, p2p)
	initAll(t, r, domain.TransportP2P)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, domain.TransportP2P, "alice", "12D3"))
	assert.True(t, p2p.Connected("alice"))
	require.NoError(t, r.Disconnect(ctx, domain.TransportP2P, "alice"))
	assert.False(t, p2p.Connected("alice"))

	peers, err := r.Discover(ctx, domain.TransportP2P, domain.DiscoverQuery{OnlineOnly: true})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "alice", peers[0].ID)

	err = r.Connect(ctx, domain.TransportEmail, "alice", "a@x")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

// ─── Status ─────────────────────────────────────────────────────────────────

func TestStatuses_OrderAndRefresh(t *testing.T) {
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	web := NewMemoryTransport(domain.TransportWeb, nil, "")
	r, rec := newTestRegistry(t, web, email)
	initAll(t, r, domain.TransportEmail, domain.TransportWeb)

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.TransportEmail, statuses[0].Type)
	assert.Equal(t, domain.TransportWeb, statuses[1].Type)

	web.SetReady(false)
	st, err := r.Refresh(domain.TransportWeb)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportInactive, st.State)
	assert.False(t, r.IsActive(domain.TransportWeb))

	web.SetReady(true)
	st, err = r.Refresh(domain.TransportWeb)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportActive, st.State)

	evs := rec.transportEvents(domain.TransportWeb)
	assert.GreaterOrEqual(t, len(evs), 3)

	_, err = r.Refresh(domain.TransportDiscord)
	assert.ErrorIs(t, err, domain.ErrUnknownTransport)
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

func TestShutdown_IdempotentAndBestEffort(t *testing.T) {
	p2p := NewMemoryTransport(domain.TransportP2P, nil, "")
	p2p.ShutdownErr = errors.New("socket busy")
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	r, _ := newTestRegistry(t, p2p, email)
	initAll(t, r, domain.TransportP2P, domain.TransportEmail)

	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))

	assert.ErrorContains(t, r.LastShutdownError(), "socket busy")
	assert.True(t, r.Closed())
	assert.Empty(t, r.Active())

	st, _ := r.Status(domain.TransportEmail)
	assert.Equal(t, domain.TransportInactive, st.State)

	_, err := r.Send(context.Background(), domain.TransportEmail, domain.Payload{})
	assert.ErrorIs(t, err, domain.ErrRegistryClosed)

	res := initAll(t, r, domain.TransportEmail)
	assert.False(t, res.Initialized)
}

func TestShutdown_WaitsForInFlightSends(t *testing.T) {
	email := NewMemoryTransport(domain.TransportEmail, nil, "")
	email.SetSendDelay(100 * time.Millisecond)
	r, _ := newTestRegistry(t, email)
	initAll(t, r, domain.TransportEmail)

	sendDone := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), domain.TransportEmail, domain.Payload{ID: "m1"})
		sendDone <- err
	}()

	// Let the send get in flight before shutting down.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Len(t, email.Sent(), 1, "in-flight send completes before teardown")

	select {
	case err := <-sendDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send never returned")
	}
}
