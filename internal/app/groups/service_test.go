package groups

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink-network/peerlink/internal/app/messaging"
	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/sqlite"
	"github.com/peerlink-network/peerlink/internal/infra/transport"
)

// fakeSender records every dispatch and fails for the peers in fail.
type fakeSender struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	delay time.Duration
}

func (f *fakeSender) record(to string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to)
	return f.fail[to]
}

func (f *fakeSender) SendMessage(_ context.Context, from, to string, opts messaging.SendOptions) (*domain.Message, error) {
	msg := &domain.Message{ID: "msg-" + to, FromPeerID: from, ToPeerID: to, Content: opts.Content, Transport: domain.TransportEmail, Status: domain.MessageSent}
	if err := f.record(to); err != nil {
		msg.Status = domain.MessagePending
		return msg, err
	}
	return msg, nil
}

func (f *fakeSender) SendDocumentsToPeer(_ context.Context, id string, docs []peers.DocumentRef, t domain.TransportType) ([]peers.TransferAck, error) {
	if err := f.record(id); err != nil {
		return nil, err
	}
	acks := make([]peers.TransferAck, 0, len(docs))
	for _, d := range docs {
		acks = append(acks, peers.TransferAck{TransferID: d.ID + "-" + id, DocumentID: d.ID, Status: domain.TransferDelivered, Transport: domain.TransportP2P})
	}
	return acks, nil
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.calls)
	slices.Sort(out)
	return out
}

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
	svc    *Service
	sender *fakeSender
	rec    *recorder
	clk    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{sender: &fakeSender{fail: map[string]error{}}, rec: &recorder{}, clk: clock.NewMock()}
	f.clk.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	f.svc = NewService(db, f.sender, f.sender, f.rec, f.clk, DefaultConfig())
	return f
}

// team creates a group owned by "owner" with members A, B and C.
func (f *fixture) team(t *testing.T) string {
	t.Helper()
	res, err := f.svc.CreateGroup(context.Background(), "owner", CreateGroupRequest{
		Name:    "Team",
		Members: []MemberSpec{{PeerID: "A"}, {PeerID: "B"}, {PeerID: "C"}},
	})
	require.NoError(t, err)
	return res.GroupID
}

// ─── Create / Membership ────────────────────────────────────────────────────

func TestCreateGroup_OwnerIsAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateGroup(ctx, "owner", CreateGroupRequest{
		Name:    "Team",
		Members: []MemberSpec{{PeerID: "A", Role: domain.RoleMember}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Team", res.Name)
	assert.Equal(t, 2, res.Members)

	members, err := f.svc.GetGroupMembers(ctx, res.GroupID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "owner", members[0].PeerID)
	assert.Equal(t, domain.RoleAdmin, members[0].Role)
	assert.Equal(t, domain.RoleMember, members[1].Role)
	assert.Equal(t, 2, f.rec.count(domain.EventGroupMemberAdded))
}

func TestCreateGroup_ListedOwnerForcedToAdmin(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CreateGroup(context.Background(), "owner", CreateGroupRequest{
		Name:    "Team",
		Members: []MemberSpec{{PeerID: "owner", Role: domain.RoleMember}, {PeerID: "A"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Members)

	members, err := f.svc.GetGroupMembers(context.Background(), res.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, members[0].Role)
}

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateGroup(ctx, "owner", CreateGroupRequest{Name: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidGroup)

	_, err = f.svc.CreateGroup(ctx, "owner", CreateGroupRequest{Name: "x", Members: []MemberSpec{{PeerID: "A", Role: "king"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidRole)
}

func TestAddRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t)
	added := f.rec.count(domain.EventGroupMemberAdded)

	require.NoError(t, f.svc.AddMember(ctx, id, "D", ""))
	require.NoError(t, f.svc.AddMember(ctx, id, "D", domain.RoleAdmin))
	assert.Equal(t, added+1, f.rec.count(domain.EventGroupMemberAdded), "second add is a no-op")

	require.NoError(t, f.svc.RemoveMember(ctx, id, "D"))
	require.NoError(t, f.svc.RemoveMember(ctx, id, "D"))
	assert.Equal(t, 1, f.rec.count(domain.EventGroupMemberRemoved))

	assert.ErrorIs(t, f.svc.RemoveMember(ctx, id, "owner"), domain.ErrOwnerRemoval)
	assert.ErrorIs(t, f.svc.AddMember(ctx, "missing", "D", ""), domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.AddMember(ctx, id, "E", "king"), domain.ErrInvalidRole)

	members, err := f.svc.GetGroupMembers(ctx, id)
	require.NoError(t, err)
	assert.Len(t, members, 4)
}

func TestListAndDeleteGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.team(t)
	f.clk.Add(time.Minute)
	second := f.team(t)

	gs, err := f.svc.ListGroupsForPeer(ctx, "A")
	require.NoError(t, err)
	require.Len(t, gs, 2)
	assert.Equal(t, second, gs[0].ID)

	require.NoError(t, f.svc.DeleteGroup(ctx, second))
	assert.ErrorIs(t, f.svc.DeleteGroup(ctx, second), domain.ErrNotFound)

	g, err := f.svc.GetGroup(ctx, second)
	require.NoError(t, err)
	assert.Nil(t, g)
	members, err := f.svc.GetGroupMembers(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, members, "membership rows cascade with the group")

	gs, err = f.svc.ListGroupsForPeer(ctx, "A")
	require.NoError(t, err)
	require.Len(t, gs, 1)
	assert.Equal(t, first, gs[0].ID)

	gs, err = f.svc.ListGroupsForPeer(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, gs)
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

func TestSendToGroup_SkipsSender(t *testing.T) {
	f := newFixture(t)
	id := f.team(t)

	res, err := f.svc.SendToGroup(context.Background(), id, "owner", GroupSend{Type: SendMessage, Message: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, []string{"A", "B", "C"}, f.sender.sentTo())
	require.Len(t, res.Recipients, 3)
	for _, rr := range res.Recipients {
		assert.Equal(t, RecipientSent, rr.Status)
		assert.Equal(t, "msg-"+rr.PeerID, rr.MessageID)
	}
	assert.False(t, res.Partial())
	assert.NoError(t, res.Err())
}

func TestSendToGroup_ExcludeAndPartialFailure(t *testing.T) {
	f := newFixture(t)
	id := f.team(t)
	f.sender.fail["A"] = errors.New("A is unreachable")

	res, err := f.svc.SendToGroup(context.Background(), id, "owner", GroupSend{
		Type:           SendMessage,
		Message:        "hi",
		ExcludeMembers: []string{"B"},
	})
	require.NoError(t, err, "recipient failures are data, not errors")
	assert.Equal(t, []string{"A", "C"}, f.sender.sentTo())

	require.Len(t, res.Recipients, 2)
	assert.Equal(t, "A", res.Recipients[0].PeerID)
	assert.Equal(t, RecipientFailed, res.Recipients[0].Status)
	assert.Contains(t, res.Recipients[0].Error, "unreachable")
	assert.Equal(t, "C", res.Recipients[1].PeerID)
	assert.Equal(t, RecipientSent, res.Recipients[1].Status)

	assert.True(t, res.Sent)
	assert.True(t, res.Partial())
	assert.ErrorIs(t, res.Err(), domain.ErrPartialFailure)
}

func TestSendToGroup_AllFail(t *testing.T) {
	f := newFixture(t)
	id := f.team(t)
	for _, p := range []string{"A", "B", "C"} {
		f.sender.fail[p] = errors.New("down")
	}

	res, err := f.svc.SendToGroup(context.Background(), id, "owner", GroupSend{Type: SendMessage, Message: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.False(t, res.Partial())
	assert.Equal(t, 3, res.Failed())
}

func TestSendToGroup_RunsConcurrently(t *testing.T) {
	f := newFixture(t)
	id := f.team(t)
	f.sender.delay = 100 * time.Millisecond

	start := time.Now()
	res, err := f.svc.SendToGroup(context.Background(), id, "owner", GroupSend{Type: SendMessage, Message: "hi"})
	require.NoError(t, err)
	assert.Len(t, res.Recipients, 3)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestSendToGroup_Documents(t *testing.T) {
	f := newFixture(t)
	id := f.team(t)

	res, err := f.svc.SendToGroup(context.Background(), id, "A", GroupSend{
		Type:      SendDocument,
		Documents: []peers.DocumentRef{{ID: "doc", Type: "contract", Payload: []byte("x")}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "owner"}, f.sender.sentTo())
	for _, rr := range res.Recipients {
		assert.Equal(t, RecipientDelivered, rr.Status)
		assert.Equal(t, []string{"doc-" + rr.PeerID}, rr.TransferIDs)
		assert.Equal(t, domain.TransportP2P, rr.Transport)
	}
}

func TestSendToGroup_DocumentsRecordedPerRecipient(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clk := clock.NewMock()

	email := transport.NewMemoryTransport(domain.TransportEmail, nil, "")
	reg := transport.NewRegistry(nil, clk)
	reg.Register(domain.TransportEmail, func() domain.Transport { return email })
	reg.Initialize(ctx, []domain.TransportType{domain.TransportEmail}, nil)

	directory := peers.NewService(db, reg, nil, clk, peers.DefaultConfig())
	for _, id := range []string{"A", "B", "C"} {
		_, err := directory.StorePeer(ctx, domain.Peer{ID: id,
			Identifiers: map[domain.TransportType]string{domain.TransportEmail: id + "@example.com"}})
		require.NoError(t, err)
	}

	svc := NewService(db, &fakeSender{}, directory, nil, clk, DefaultConfig())
	created, err := svc.CreateGroup(ctx, "owner", CreateGroupRequest{
		Name:    "Legal",
		Members: []MemberSpec{{PeerID: "A"}, {PeerID: "B"}, {PeerID: "C"}},
	})
	require.NoError(t, err)

	res, err := svc.SendToGroup(ctx, created.GroupID, "owner", GroupSend{
		Type:      SendDocument,
		Documents: []peers.DocumentRef{{ID: "contract-1", Type: "contract", Payload: []byte("terms")}},
	})
	require.NoError(t, err)
	require.Len(t, res.Recipients, 3)
	assert.Zero(t, res.Failed())

	seen := map[string]bool{}
	for _, rr := range res.Recipients {
		require.Len(t, rr.TransferIDs, 1, rr.PeerID)
		assert.False(t, seen[rr.TransferIDs[0]], "transfer id reused for %s", rr.PeerID)
		seen[rr.TransferIDs[0]] = true

		refs, err := directory.GetTransfersWithPeer(ctx, rr.PeerID, domain.TransferFilter{})
		require.NoError(t, err)
		require.Len(t, refs, 1, rr.PeerID)
		assert.Equal(t, rr.TransferIDs[0], refs[0].ID)
		assert.Equal(t, "contract-1", refs[0].DocumentID)

		p, err := directory.GetPeer(ctx, rr.PeerID)
		require.NoError(t, err)
		assert.Equal(t, 1, p.Transfers.Sent, rr.PeerID)
	}
}

func TestSendToGroup_RequestErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t)

	_, err := f.svc.SendToGroup(ctx, id, "owner", GroupSend{Type: "fax", Message: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidSendType)
	_, err = f.svc.SendToGroup(ctx, id, "owner", GroupSend{Type: SendDocument})
	assert.ErrorIs(t, err, domain.ErrInvalidSendType)
	_, err = f.svc.SendToGroup(ctx, id, "owner", GroupSend{Type: SendMessage})
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	_, err = f.svc.SendToGroup(ctx, "missing", "owner", GroupSend{Type: SendMessage, Message: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.sender.sentTo())
}

func TestSendToGroup_UpdatesLastActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t)
	before, err := f.svc.GetGroup(ctx, id)
	require.NoError(t, err)

	f.clk.Add(time.Hour)
	_, err = f.svc.SendToGroup(ctx, id, "owner", GroupSend{Type: SendMessage, Message: "hi"})
	require.NoError(t, err)

	after, err := f.svc.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.LastActivity.Add(time.Hour).UnixMilli(), after.LastActivity.UnixMilli())
}
