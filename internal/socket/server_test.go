package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/pulse/internal/auth"
	"github.com/flemzord/pulse/internal/cluster"
	"github.com/flemzord/pulse/internal/coord/coordtest"
	"github.com/flemzord/pulse/internal/pool"
	"github.com/flemzord/pulse/internal/presence"
	"github.com/flemzord/pulse/internal/rooms"
	"github.com/flemzord/pulse/internal/transport"
	"github.com/flemzord/pulse/internal/usage"
	"github.com/flemzord/pulse/pkg/identity"
)

const secret = "test-secret"

var (
	ada   = identity.Identity{ID: "u1", Name: "Ada", Role: "user"}
	grace = identity.Identity{ID: "u2", Name: "Grace", Role: "admin"}
)

type directory map[string]identity.Identity

func (d directory) UserByID(_ context.Context, id string) (identity.Identity, bool, error) {
	u, ok := d[id]
	return u, ok, nil
}

type memberships map[string][]string

func (m memberships) ChannelsOf(_ context.Context, userID string) ([]string, error) {
	return m[userID], nil
}

// sink records frames in memory.
type sink struct {
	mu     sync.Mutex
	frames []transport.Envelope
	notify chan struct{}
}

func newSink() *sink { return &sink{notify: make(chan struct{}, 64)} }

func (s *sink) Send(_ context.Context, env transport.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, env)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *sink) Close(string) error { return nil }

func (s *sink) events(name string) []transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transport.Envelope
	for _, f := range s.frames {
		if f.Type == transport.MsgEvent && f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (s *sink) ack(id string) (transport.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if (f.Type == transport.MsgAck || f.Type == transport.MsgError) && f.ID == id {
			return f, true
		}
	}
	return transport.Envelope{}, false
}

func (s *sink) waitFor(t *testing.T, name string, match func(json.RawMessage) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, ev := range s.events(name) {
			if match(ev.Data) {
				return
			}
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("no matching %q event received", name)
		}
	}
}

// node is one instance of the realtime core.
type node struct {
	hub      *transport.Hub
	presence *presence.Registry
	usage    *usage.Tracker
}

func newNode(t *testing.T, stores func(name string) pool.Store, bus cluster.Bus, id string) *node {
	t.Helper()
	ctx := context.Background()

	hub := transport.NewHub(transport.HubConfig{Node: id, Bus: bus})
	tracker := usage.NewTracker(stores("usage_pool"), hub, nil)
	reg := presence.NewRegistry(presence.Config{
		Sessions: stores("session_pool"),
		Users:    stores("user_pool"),
		Out:      hub,
		Usage:    tracker,
		Rooms:    hub,
	})
	authn, err := auth.New(ctx, auth.Config{Secret: secret}, directory{"u1": ada, "u2": grace})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	bridge := rooms.NewBridge(memberships{"u1": {"c1"}, "u2": {"c1", "c2"}}, hub, reg, nil)

	hub.SetHandler(NewServer(Config{
		Auth:     authn,
		Presence: reg,
		Usage:    tracker,
		Channels: bridge,
		Out:      hub,
	}))
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop(ctx) })
	return &node{hub: hub, presence: reg, usage: tracker}
}

func localNode(t *testing.T) *node {
	t.Helper()
	stores := map[string]pool.Store{}
	return newNode(t, func(name string) pool.Store {
		if _, ok := stores[name]; !ok {
			stores[name] = pool.NewMemoryStore()
		}
		return stores[name]
	}, nil, "n1")
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Sign(secret, userID, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func connect(t *testing.T, n *node, credential string) (string, *sink) {
	t.Helper()
	s := newSink()
	id, err := n.hub.Attach(context.Background(), s, credential)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return id, s
}

var seq int

func send(t *testing.T, n *node, conn, event string, payload any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	seq++
	id := fmt.Sprintf("req-%d", seq)
	env := transport.Envelope{Type: transport.MsgEvent, Event: event, ID: id, Data: raw}
	if err := n.hub.Receive(context.Background(), conn, env); err != nil {
		t.Fatalf("receive %s: %v", event, err)
	}
	return id
}

func authBody(tok string) map[string]any {
	return map[string]any{"auth": map[string]string{"token": tok}}
}

func online(t *testing.T, n *node, user string) bool {
	t.Helper()
	ok, err := n.presence.IsOnline(context.Background(), user)
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	return ok
}

func userIDs(data json.RawMessage) []string {
	var p presence.UserListPayload
	_ = json.Unmarshal(data, &p)
	return p.UserIDs
}

func TestConnect_BindsAndJoinsChannels(t *testing.T) {
	n := localNode(t)

	conn, s := connect(t, n, token(t, "u1"))

	if !online(t, n, "u1") {
		t.Fatal("u1 should be online after connect")
	}
	if got := n.hub.Participants(rooms.RoomName("c1")); !slices.Equal(got, []string{conn}) {
		t.Errorf("participants = %v, want [%s]", got, conn)
	}
	lists := s.events(EventUserList)
	if len(lists) != 1 || !slices.Equal(userIDs(lists[0].Data), []string{"u1"}) {
		t.Errorf("user-list events = %+v", lists)
	}
	if len(s.events(usage.EventUsage)) != 1 {
		t.Error("connect should broadcast the usage list")
	}
}

func TestConnect_AnonymousAndInvalid(t *testing.T) {
	n := localNode(t)

	connect(t, n, "")
	connect(t, n, "not-a-jwt")
	connect(t, n, token(t, "ghost"))

	users, err := n.presence.OnlineUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Errorf("online = %v, want none", users)
	}
}

func TestUserJoin_RepliesWithRef(t *testing.T) {
	n := localNode(t)
	conn, s := connect(t, n, "")

	id := send(t, n, conn, EventUserJoin, authBody(token(t, "u1")))
	ack, ok := s.ack(id)
	if !ok || ack.Type != transport.MsgAck {
		t.Fatalf("ack = %+v, %v", ack, ok)
	}
	var ref identity.Ref
	if err := json.Unmarshal(ack.Data, &ref); err != nil {
		t.Fatal(err)
	}
	if ref != ada.Ref() {
		t.Errorf("got %+v, want %+v", ref, ada.Ref())
	}
	if !online(t, n, "u1") {
		t.Error("user-join should bind")
	}
	if !slices.Contains(n.hub.Participants(rooms.RoomName("c1")), conn) {
		t.Error("user-join should join channel rooms")
	}
}

func TestUserJoin_InvalidCredentialRepliesNull(t *testing.T) {
	n := localNode(t)
	conn, s := connect(t, n, "")

	for _, body := range []any{map[string]any{}, authBody("garbage"), authBody(token(t, "ghost"))} {
		id := send(t, n, conn, EventUserJoin, body)
		ack, ok := s.ack(id)
		if !ok || ack.Type != transport.MsgAck || string(ack.Data) != "null" {
			t.Errorf("ack = %+v, want null ack", ack)
		}
	}
	if online(t, n, "u1") || online(t, n, "ghost") {
		t.Error("nothing should be bound")
	}
}

func TestJoinChannels_DoesNotBind(t *testing.T) {
	n := localNode(t)
	conn, _ := connect(t, n, "")

	send(t, n, conn, EventJoinChannels, authBody(token(t, "u2")))

	if online(t, n, "u2") {
		t.Error("join-channels must not bind")
	}
	for _, room := range []string{"c1", "c2"} {
		if !slices.Contains(n.hub.Participants(rooms.RoomName(room)), conn) {
			t.Errorf("not in room %s", room)
		}
	}
}

func TestUsage_ReportsAndBroadcasts(t *testing.T) {
	n := localNode(t)
	conn, s := connect(t, n, token(t, "u1"))

	send(t, n, conn, EventUsage, UsageRequest{Model: "llama3"})

	models, err := n.usage.ActiveModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(models, []string{"llama3"}) {
		t.Errorf("active models = %v", models)
	}
	s.waitFor(t, usage.EventUsage, func(data json.RawMessage) bool {
		var p usage.Payload
		_ = json.Unmarshal(data, &p)
		return slices.Equal(p.Models, []string{"llama3"})
	})

	id := send(t, n, conn, EventUsage, UsageRequest{})
	if ack, _ := s.ack(id); ack.Type != transport.MsgError {
		t.Errorf("empty model ack = %+v, want error", ack)
	}
}

func TestChannelEvents_RelayedToParticipants(t *testing.T) {
	n := localNode(t)
	a, _ := connect(t, n, token(t, "u1"))
	_, sb := connect(t, n, token(t, "u2"))
	outsider, so := connect(t, n, "")

	typing := rooms.ChannelEvent{ChannelID: "c1", Data: json.RawMessage(`{"type":"typing","data":{"typing":true}}`)}
	send(t, n, a, EventChannel, typing)

	evs := sb.events(EventChannel)
	if len(evs) != 1 {
		t.Fatalf("got %d relayed events, want 1", len(evs))
	}
	var relayed rooms.RelayedEvent
	if err := json.Unmarshal(evs[0].Data, &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed.User != ada.Summary() || relayed.MessageID != nil {
		t.Errorf("relayed = %+v", relayed)
	}
	if len(so.events(EventChannel)) != 0 {
		t.Error("non-participant received a room event")
	}

	send(t, n, outsider, EventChannel, typing)
	if got := len(sb.events(EventChannel)); got != 1 {
		t.Errorf("event from non-participant was relayed (%d events)", got)
	}

	send(t, n, a, EventChannel, rooms.ChannelEvent{ChannelID: "c1", Data: json.RawMessage(`{"type":"message"}`)})
	if got := len(sb.events(EventChannel)); got != 1 {
		t.Errorf("non-transient event was relayed (%d events)", got)
	}
}

func TestUserList_RepliesToCallerOnly(t *testing.T) {
	n := localNode(t)
	a, sa := connect(t, n, token(t, "u1"))
	_, sb := connect(t, n, token(t, "u2"))
	before := len(sb.events(EventUserList))

	send(t, n, a, EventUserList, nil)

	lists := sa.events(EventUserList)
	if got := userIDs(lists[len(lists)-1].Data); !slices.Equal(got, []string{"u1", "u2"}) {
		t.Errorf("user ids = %v", got)
	}
	if after := len(sb.events(EventUserList)); after != before {
		t.Errorf("other connection received %d new user-list events", after-before)
	}
}

func TestDisconnect_Unbinds(t *testing.T) {
	ctx := context.Background()
	n := localNode(t)
	a, _ := connect(t, n, token(t, "u1"))
	b, _ := connect(t, n, token(t, "u1"))

	conns, _ := n.presence.ConnectionsOf(ctx, "u1")
	if want := []string{a, b}; !sameSet(conns, want) {
		t.Fatalf("connections = %v, want %v", conns, want)
	}

	n.hub.Detach(ctx, a)
	conns, _ = n.presence.ConnectionsOf(ctx, "u1")
	if !slices.Equal(conns, []string{b}) {
		t.Errorf("connections = %v, want [%s]", conns, b)
	}

	n.hub.Detach(ctx, b)
	n.hub.Detach(ctx, b)
	if online(t, n, "u1") {
		t.Error("u1 should be offline")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	n := localNode(t)
	conn, s := connect(t, n, "")

	id := send(t, n, conn, "made-up", map[string]int{"x": 1})
	if ack, ok := s.ack(id); !ok || ack.Type != transport.MsgAck || string(ack.Data) != "null" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestMalformedPayload(t *testing.T) {
	n := localNode(t)
	conn, _ := connect(t, n, "")

	srv := NewServer(Config{})
	_, err := srv.Event(context.Background(), conn, EventUsage, json.RawMessage(`[1,2`))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

type failingAuth struct{}

func (failingAuth) Authenticate(context.Context, string) (identity.Identity, bool, error) {
	return identity.Identity{}, false, errors.New("directory down")
}

func TestUserJoin_DirectoryErrorSurfaces(t *testing.T) {
	srv := NewServer(Config{Auth: failingAuth{}})
	_, err := srv.Event(context.Background(), "sid", EventUserJoin, json.RawMessage(`{"auth":{"token":"x"}}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

// The two instances share Redis-backed pools and relay through Redis
// pub/sub; presence and broadcasts must span both.
func TestTwoInstances_SharePresence(t *testing.T) {
	ctx := context.Background()
	_, client := coordtest.Redis(t)

	stores := func(name string) pool.Store {
		s, err := pool.NewRedisStore(client, "pulse:"+name)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		return s
	}
	newInstance := func(id string) *node {
		bus := cluster.NewRedisBus(client, "pulse:events", id, nil)
		t.Cleanup(func() { _ = bus.Close() })
		return newNode(t, stores, bus, id)
	}
	n1, n2 := newInstance("n1"), newInstance("n2")

	a, sa := connect(t, n1, token(t, "u1"))
	b, _ := connect(t, n2, token(t, "u1"))

	conns, err := n1.presence.ConnectionsOf(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !sameSet(conns, []string{a, b}) {
		t.Fatalf("connections = %v, want both instances' connections", conns)
	}

	_, _ = connect(t, n2, token(t, "u2"))
	sa.waitFor(t, EventUserList, func(data json.RawMessage) bool {
		return slices.Equal(userIDs(data), []string{"u1", "u2"})
	})

	n1.hub.Detach(ctx, a)
	n2.hub.Detach(ctx, b)
	if online(t, n1, "u1") || online(t, n2, "u1") {
		t.Error("u1 should be offline on both instances")
	}
}

func sameSet(got, want []string) bool {
	g, w := slices.Clone(got), slices.Clone(want)
	slices.Sort(g)
	slices.Sort(w)
	return slices.Equal(g, w)
}
