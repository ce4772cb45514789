package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/pulse/internal/cluster"
	"github.com/flemzord/pulse/internal/coord/coordtest"
)

// memSink records frames in memory.
type memSink struct {
	mu     sync.Mutex
	frames []Envelope
	notify chan struct{}
	closed bool
}

func newMemSink() *memSink {
	return &memSink{notify: make(chan struct{}, 64)}
}

func (s *memSink) Send(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.frames = append(s.frames, env)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *memSink) Close(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) events(name string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, f := range s.frames {
		if f.Type == MsgEvent && f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (s *memSink) waitEvent(t *testing.T, name string) Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if evs := s.events(name); len(evs) > 0 {
			return evs[len(evs)-1]
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("no %q event received", name)
		}
	}
}

func (s *memSink) last() Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type recordingHandler struct {
	mu           sync.Mutex
	connected    map[string]string
	disconnected []string
	reply        func(event string, data json.RawMessage) (any, error)
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{connected: make(map[string]string)}
}

func (h *recordingHandler) Connect(_ context.Context, conn, credential string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected[conn] = credential
}

func (h *recordingHandler) Event(_ context.Context, _, event string, data json.RawMessage) (any, error) {
	if h.reply != nil {
		return h.reply(event, data)
	}
	return nil, nil
}

func (h *recordingHandler) Disconnect(_ context.Context, conn string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, conn)
}

func attach(t *testing.T, h *Hub, credential string) (string, *memSink) {
	t.Helper()
	sink := newMemSink()
	id, err := h.Attach(context.Background(), sink, credential)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return id, sink
}

func TestHub_AttachDetach(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	handler := newRecordingHandler()
	h := NewHub(HubConfig{})
	h.SetHandler(handler)

	id, sink := attach(t, h, "tok")
	if first := sink.frames[0]; first.Type != MsgOpen || first.ID != id {
		t.Errorf("first frame = %+v, want open with id", first)
	}
	if handler.connected[id] != "tok" {
		t.Errorf("Connect credential = %q", handler.connected[id])
	}
	if h.Connections() != 1 || !h.Has(id) {
		t.Fatal("connection not registered")
	}

	_ = h.Enter(id, "channel:c1")
	h.Detach(ctx, id)
	h.Detach(ctx, id)

	if h.Has(id) {
		t.Error("connection still registered")
	}
	if len(h.Participants("channel:c1")) != 0 {
		t.Error("detached connection still in room")
	}
	if !slices.Equal(handler.disconnected, []string{id}) {
		t.Errorf("disconnected = %v, want exactly once", handler.disconnected)
	}
}

func TestHub_ReceiveAcksEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	handler := newRecordingHandler()
	handler.reply = func(event string, _ json.RawMessage) (any, error) {
		if event == "fail" {
			return nil, errors.New("nope")
		}
		return map[string]string{"id": "u1", "name": "Alice"}, nil
	}
	h := NewHub(HubConfig{})
	h.SetHandler(handler)
	id, sink := attach(t, h, "")

	if err := h.Receive(ctx, id, Envelope{Type: MsgEvent, Event: "user-join", ID: "7"}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	ack := sink.last()
	if ack.Type != MsgAck || ack.ID != "7" || string(ack.Data) != `{"id":"u1","name":"Alice"}` {
		t.Errorf("ack = %+v (%s)", ack, ack.Data)
	}

	_ = h.Receive(ctx, id, Envelope{Type: MsgEvent, Event: "fail", ID: "8"})
	if errFrame := sink.last(); errFrame.Type != MsgError || errFrame.ID != "8" {
		t.Errorf("error frame = %+v", errFrame)
	}

	before := len(sink.frames)
	_ = h.Receive(ctx, id, Envelope{Type: MsgEvent, Event: "usage"})
	if len(sink.frames) != before {
		t.Error("event without id should not be acked")
	}

	if err := h.Receive(ctx, "ghost", Envelope{Type: MsgEvent, Event: "x"}); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}
	if err := h.Receive(ctx, id, Envelope{Type: MsgEvent}); !errors.Is(err, ErrEmptyEvent) {
		t.Errorf("err = %v, want ErrEmptyEvent", err)
	}
}

func TestHub_Call(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewHub(HubConfig{})
	id, sink := attach(t, h, "")

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := h.Call(ctx, id, "chat-events", map[string]string{"chat_id": "c1"})
		done <- result{data, err}
	}()

	req := sink.waitEvent(t, "chat-events")
	if req.ID == "" {
		t.Fatal("call frame carries no correlation id")
	}
	if err := h.Receive(ctx, id, Envelope{Type: MsgAck, ID: req.ID, Data: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("Receive ack: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil || string(r.data) != `{"ok":true}` {
			t.Errorf("Call = %s, %v", r.data, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return")
	}

	if _, err := h.Call(ctx, "ghost", "x", nil); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}
}

func TestHub_CallFailsOnDetachAndCancel(t *testing.T) {
	t.Parallel()
	h := NewHub(HubConfig{})
	id, sink := attach(t, h, "")

	errs := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), id, "ask", nil)
		errs <- err
	}()
	sink.waitEvent(t, "ask")
	h.Detach(context.Background(), id)
	if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}

	id2, _ := attach(t, h, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Call(ctx, id2, "ask", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHub_EmitScopes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewHub(HubConfig{})
	a, sinkA := attach(t, h, "")
	b, sinkB := attach(t, h, "")
	_ = b

	if err := h.Enter(a, "channel:c1"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := h.Enter("ghost", "channel:c1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Enter unknown = %v", err)
	}

	_ = h.Emit(ctx, "user-list", map[string][]string{"user_ids": {"u1"}})
	_ = h.EmitRoom(ctx, "channel:c1", "channel-events", map[string]string{"channel_id": "c1"})
	_ = h.EmitTo(ctx, b, "chat-events", map[string]string{"chat_id": "x"})
	_ = h.EmitTo(ctx, "elsewhere", "chat-events", nil)

	if len(sinkA.events("user-list")) != 1 || len(sinkB.events("user-list")) != 1 {
		t.Error("Emit should reach every connection")
	}
	if len(sinkA.events("channel-events")) != 1 || len(sinkB.events("channel-events")) != 0 {
		t.Error("EmitRoom should reach room participants only")
	}
	if len(sinkA.events("chat-events")) != 0 || len(sinkB.events("chat-events")) != 1 {
		t.Error("EmitTo should reach its target only")
	}

	h.Leave(a, "channel:c1")
	if got := h.Participants("channel:c1"); len(got) != 0 {
		t.Errorf("Participants after Leave = %v", got)
	}
}

func TestHub_PreservesOrderPerConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewHub(HubConfig{})
	id, sink := attach(t, h, "")

	for i := range 20 {
		_ = h.EmitTo(ctx, id, "chat-events", i)
	}
	evs := sink.events("chat-events")
	for i, ev := range evs {
		var n int
		_ = json.Unmarshal(ev.Data, &n)
		if n != i {
			t.Fatalf("frame %d carries %d", i, n)
		}
	}
}

// clusterPair starts two hubs sharing one Redis bus.
func clusterPair(t *testing.T) (h1, h2 *Hub) {
	t.Helper()
	_, client := coordtest.Redis(t)

	newNode := func(node string) *Hub {
		bus := cluster.NewRedisBus(client, "pulse:events", node, nil)
		t.Cleanup(func() { _ = bus.Close() })
		h := NewHub(HubConfig{Node: node, Bus: bus})
		if err := h.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return h
	}
	return newNode("n1"), newNode("n2")
}

func TestHub_RelaysAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h1, h2 := clusterPair(t)

	a, sinkA := attach(t, h1, "")
	b, sinkB := attach(t, h2, "")
	_ = h1.Enter(a, "channel:c1")
	_ = h2.Enter(b, "channel:c1")

	_ = h1.Emit(ctx, "usage", map[string][]string{"models": {"m1"}})
	sinkB.waitEvent(t, "usage")
	if n := len(sinkA.events("usage")); n != 1 {
		t.Errorf("origin received %d copies, want 1", n)
	}

	_ = h2.EmitRoom(ctx, "channel:c1", "channel-events", map[string]string{"channel_id": "c1"})
	sinkA.waitEvent(t, "channel-events")

	_ = h1.EmitTo(ctx, b, "chat-events", map[string]string{"chat_id": "c"})
	got := sinkB.waitEvent(t, "chat-events")
	if string(got.Data) != `{"chat_id":"c"}` {
		t.Errorf("relayed data = %s", got.Data)
	}
}

func TestHub_CallAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h1, h2 := clusterPair(t)
	b, sinkB := attach(t, h2, "")

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := h1.Call(ctx, b, "chat-events", map[string]string{"chat_id": "c1"})
		done <- result{data, err}
	}()

	req := sinkB.waitEvent(t, "chat-events")
	if string(req.Data) != `{"chat_id":"c1"}` {
		t.Errorf("relayed call data = %s", req.Data)
	}
	if err := h2.Receive(ctx, b, Envelope{Type: MsgAck, ID: req.ID, Data: json.RawMessage(`{"answer":"yes"}`)}); err != nil {
		t.Fatalf("Receive ack: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil || string(r.data) != `{"answer":"yes"}` {
			t.Errorf("Call = %s, %v; want the peer's ack", r.data, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return")
	}

	// The owner drops the connection mid-call: the caller sees the sentinel.
	errs := make(chan error, 1)
	go func() {
		_, err := h1.Call(ctx, b, "ask", nil)
		errs <- err
	}()
	sinkB.waitEvent(t, "ask")
	h2.Detach(ctx, b)
	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return after the owner detached")
	}
}

func TestHub_CallAcrossInstancesCancel(t *testing.T) {
	t.Parallel()
	h1, h2 := clusterPair(t)
	b, sinkB := attach(t, h2, "")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h1.Call(ctx, b, "ask", nil)
		errs <- err
	}()
	sinkB.waitEvent(t, "ask")
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		h2.callsMu.Lock()
		n := len(h2.serving)
		h2.callsMu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("owner still waiting on a cancelled call")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h1.callsMu.Lock()
	defer h1.callsMu.Unlock()
	if len(h1.awaiting) != 0 {
		t.Errorf("caller kept %d pending calls", len(h1.awaiting))
	}
}

func TestHub_StopClosesConnections(t *testing.T) {
	t.Parallel()
	h := NewHub(HubConfig{})
	_, sink := attach(t, h, "")
	_ = h.Stop(context.Background())
	if !sink.closed {
		t.Error("Stop should close sinks")
	}
}

func TestHub_RejectsUnboundedPayloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	handler := newRecordingHandler()
	var calls int
	handler.reply = func(string, json.RawMessage) (any, error) {
		calls++
		return nil, nil
	}
	h := NewHub(HubConfig{})
	h.SetHandler(handler)
	id, sink := attach(t, h, "")

	deep := json.RawMessage(strings.Repeat("[", 64) + strings.Repeat("]", 64))
	big := json.RawMessage(`"` + strings.Repeat("x", MaxPayloadBytes) + `"`)
	joined := json.RawMessage(`{"model":"a"} {"model":"b"}`)

	for i, data := range []json.RawMessage{deep, big, joined} {
		msgID := fmt.Sprint(i)
		if err := h.Receive(ctx, id, Envelope{Type: MsgEvent, Event: "usage", ID: msgID, Data: data}); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if f := sink.last(); f.Type != MsgError || f.ID != msgID {
			t.Errorf("frame %d = %+v, want error reply", i, f)
		}
	}
	if calls != 0 {
		t.Errorf("handler called %d times, want 0", calls)
	}
}
