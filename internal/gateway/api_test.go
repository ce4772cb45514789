package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/flemzord/pulse/internal/dispatch"
	"github.com/flemzord/pulse/internal/security"
	"github.com/flemzord/pulse/internal/transport"
	"github.com/flemzord/pulse/pkg/identity"
)

const adminToken = "admin-token"

type fakeBackend struct{ degraded bool }

func (b fakeBackend) Kind() string   { return "redis" }
func (b fakeBackend) Degraded() bool { return b.degraded }
func (b fakeBackend) Node() string   { return "node-a" }

type fakePresence struct {
	conns map[string][]string
	rooms map[string][]string
	err   error
}

func (p *fakePresence) OnlineUsers(context.Context) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	var users []string
	for u := range p.conns {
		users = append(users, u)
	}
	slices.Sort(users)
	return users, nil
}

func (p *fakePresence) ConnectionsOf(_ context.Context, userID string) ([]string, error) {
	return p.conns[userID], p.err
}

func (p *fakePresence) ParticipantsOf(_ context.Context, room string) ([]string, error) {
	return p.rooms[room], p.err
}

type fakeUsage struct{ models []string }

func (u fakeUsage) ActiveModels(context.Context) ([]string, error) { return u.models, nil }

type fakeDispatcher struct {
	mu    sync.Mutex
	reqs  []dispatch.Request
	evs   []dispatch.Event
	err   error
	reply json.RawMessage
	block bool
}

func (d *fakeDispatcher) EmitToUser(_ context.Context, req dispatch.Request, ev dispatch.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	d.evs = append(d.evs, ev)
	return d.err
}

func (d *fakeDispatcher) CallUser(ctx context.Context, req dispatch.Request, ev dispatch.Event) (json.RawMessage, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := d.EmitToUser(ctx, req, ev); err != nil {
		return nil, err
	}
	return d.reply, nil
}

type fakeDirectory struct {
	users   map[string]identity.Identity
	members map[string][]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string]identity.Identity{}, members: map[string][]string{}}
}

func (d *fakeDirectory) UpsertUser(_ context.Context, u identity.Identity) error {
	d.users[u.ID] = u
	return nil
}

func (d *fakeDirectory) AddMember(_ context.Context, channel, user string) error {
	d.members[channel] = append(d.members[channel], user)
	return nil
}

func (d *fakeDirectory) RemoveMember(_ context.Context, channel, user string) error {
	d.members[channel] = slices.DeleteFunc(d.members[channel], func(u string) bool { return u == user })
	return nil
}

// newTestGateway returns a gateway with admin auth and fake services.
func newTestGateway(t *testing.T) (*Gateway, *bytes.Buffer) {
	t.Helper()
	var audit bytes.Buffer
	g := &Gateway{
		config:  Config{Auth: AuthConfig{BearerToken: adminToken}},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		audit:   security.NewAuditLogger(security.AuditLoggerConfig{Writer: &audit}),
		backend: fakeBackend{},
		presence: &fakePresence{
			conns: map[string][]string{"u1": {"c1", "c2"}, "u2": {"c3"}},
			rooms: map[string][]string{"channel:general": {"u1"}},
		},
		usage:      fakeUsage{models: []string{"gpt-4"}},
		dispatcher: &fakeDispatcher{reply: json.RawMessage(`{"ok":true}`)},
		directory:  newFakeDirectory(),
	}
	g.config.defaults()
	return g, &audit
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestAPI_RequiresAuth(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/presence/users", nil)
	rr := httptest.NewRecorder()
	g.buildRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAPI_NotMountedWithoutAuth(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	g.config.Auth = AuthConfig{}

	rr := do(t, g.buildRouter(), http.MethodGet, "/api/presence/users", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestAPI_OnlineUsers(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rr := do(t, g.buildRouter(), http.MethodGet, "/api/presence/users", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	got := decodeBody[map[string][]string](t, rr)["user_ids"]
	if !slices.Equal(got, []string{"u1", "u2"}) {
		t.Errorf("got %v, want [u1 u2]", got)
	}
}

func TestAPI_UserPresence(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	h := g.buildRouter()

	got := decodeBody[PresenceResponse](t, do(t, h, http.MethodGet, "/api/presence/users/u1", ""))
	if !got.Online || !slices.Equal(got.Connections, []string{"c1", "c2"}) {
		t.Errorf("got %+v, want online with c1 c2", got)
	}

	got = decodeBody[PresenceResponse](t, do(t, h, http.MethodGet, "/api/presence/users/ghost", ""))
	if got.Online || got.UserID != "ghost" {
		t.Errorf("got %+v, want ghost offline", got)
	}
}

func TestAPI_PresenceBackendError(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	g.presence = &fakePresence{err: errors.New("redis down")}

	rr := do(t, g.buildRouter(), http.MethodGet, "/api/presence/users", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestAPI_RoomUsers(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	rr := do(t, g.buildRouter(), http.MethodGet, "/api/rooms/channel:general/users", "")
	got := decodeBody[map[string][]string](t, rr)["user_ids"]
	if !slices.Equal(got, []string{"u1"}) {
		t.Errorf("got %v, want [u1]", got)
	}
}

func TestAPI_ActiveModels(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	got := decodeBody[map[string][]string](t, do(t, g.buildRouter(), http.MethodGet, "/api/usage/models", ""))["models"]
	if !slices.Equal(got, []string{"gpt-4"}) {
		t.Errorf("got %v, want [gpt-4]", got)
	}
}

func TestAPI_ServiceUnavailable(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	g.presence, g.usage, g.dispatcher, g.directory = nil, nil, nil, nil
	h := g.buildRouter()

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/presence/users", ""},
		{http.MethodGet, "/api/usage/models", ""},
		{http.MethodPost, "/api/chats/c/messages/m/events", `{"user_id":"u1","event":{"type":"status"}}`},
		{http.MethodPut, "/api/channels/ch/members/u1", ""},
	} {
		if rr := do(t, h, tc.method, tc.path, tc.body); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, rr.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestAPI_Emit(t *testing.T) {
	t.Parallel()
	g, audit := newTestGateway(t)
	d := g.dispatcher.(*fakeDispatcher)

	body := `{"user_id":"u1","session_id":"s9","event":{"type":"message","data":{"content":"hi"}}}`
	rr := do(t, g.buildRouter(), http.MethodPost, "/api/chats/chat-1/messages/msg-1/events", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	want := dispatch.Request{UserID: "u1", SessionID: "s9", ChatID: "chat-1", MessageID: "msg-1"}
	if len(d.reqs) != 1 || d.reqs[0] != want {
		t.Errorf("got %+v, want %+v", d.reqs, want)
	}
	if d.evs[0].Type != dispatch.KindMessage {
		t.Errorf("got type %q, want %q", d.evs[0].Type, dispatch.KindMessage)
	}
	if !strings.Contains(audit.String(), string(security.EventDispatch)) {
		t.Errorf("audit log = %q, want a dispatch event", audit.String())
	}
}

func TestAPI_EmitErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"missing type", `{"user_id":"u1","event":{}}`, nil, http.StatusBadRequest},
		{"missing user", `{"event":{"type":"status"}}`, dispatch.ErrMissingUser, http.StatusBadRequest},
		{"store failure", `{"user_id":"u1","event":{"type":"status"}}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, _ := newTestGateway(t)
			g.dispatcher.(*fakeDispatcher).err = tt.err

			rr := do(t, g.buildRouter(), http.MethodPost, "/api/chats/c/messages/m/events", tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAPI_Call(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	body := `{"user_id":"u1","session_id":"c1","event":{"type":"confirm"}}`
	rr := do(t, g.buildRouter(), http.MethodPost, "/api/chats/c/messages/m/call", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	got := decodeBody[CallResponse](t, rr)
	if string(got.Reply) != `{"ok":true}` {
		t.Errorf("got reply %s, want {\"ok\":true}", got.Reply)
	}
}

func TestAPI_CallTimeout(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	g.dispatcher.(*fakeDispatcher).block = true

	body := `{"user_id":"u1","session_id":"c1","event":{"type":"confirm"},"timeout":"20ms"}`
	rr := do(t, g.buildRouter(), http.MethodPost, "/api/chats/c/messages/m/call", body)
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusGatewayTimeout)
	}
}

func TestAPI_CallInvalidTimeout(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)

	body := `{"user_id":"u1","session_id":"c1","event":{"type":"confirm"},"timeout":"soon"}`
	rr := do(t, g.buildRouter(), http.MethodPost, "/api/chats/c/messages/m/call", body)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestDispatchStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{dispatch.ErrMissingSession, http.StatusBadRequest},
		{fmt.Errorf("call: %w", transport.ErrConnectionNotFound), http.StatusNotFound},
		{transport.ErrConnectionClosed, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := dispatchStatus(tt.err); got != tt.want {
			t.Errorf("dispatchStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAPI_PutUser(t *testing.T) {
	t.Parallel()
	g, audit := newTestGateway(t)
	dir := g.directory.(*fakeDirectory)

	rr := do(t, g.buildRouter(), http.MethodPut, "/api/users/u7", `{"id":"ignored","name":"Ada","role":"admin"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	got, ok := dir.users["u7"]
	if !ok || got.Name != "Ada" || got.ID != "u7" {
		t.Errorf("got %+v, want Ada stored under u7", got)
	}
	if _, ok := dir.users["ignored"]; ok {
		t.Error("body id must not override the path id")
	}
	if !strings.Contains(audit.String(), string(security.EventDirectory)) {
		t.Errorf("audit log = %q, want a directory event", audit.String())
	}
}

func TestAPI_Membership(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	dir := g.directory.(*fakeDirectory)
	h := g.buildRouter()

	if rr := do(t, h, http.MethodPut, "/api/channels/ch1/members/u1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("add: status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if !slices.Equal(dir.members["ch1"], []string{"u1"}) {
		t.Errorf("got %v, want [u1]", dir.members["ch1"])
	}
	if rr := do(t, h, http.MethodDelete, "/api/channels/ch1/members/u1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("remove: status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if len(dir.members["ch1"]) != 0 {
		t.Errorf("got %v, want no members", dir.members["ch1"])
	}
}
