package mediastream

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicefleet/agentdesk/backend/internal/service/telephony"
)

type fakeCalls struct {
	mu     sync.Mutex
	params []telephony.CallParams
	sinks  map[string]telephony.MediaSink
	frames [][]byte
	active map[string]bool

	hangups chan string
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		sinks:   make(map[string]telephony.MediaSink),
		active:  make(map[string]bool),
		hangups: make(chan string, 4),
	}
}

func (f *fakeCalls) Open(p telephony.CallParams, sink telephony.MediaSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	f.sinks[p.ID] = sink
	return nil
}

func (f *fakeCalls) Accept(string) error { return nil }

func (f *fakeCalls) Activate(id string) error {
	f.mu.Lock()
	f.active[id] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) PushFrame(id string, fr telephony.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return telephony.ErrCallNotFound
	}
	f.frames = append(f.frames, fr.Payload)
	return nil
}

func (f *fakeCalls) Hangup(id, reason string) error {
	f.mu.Lock()
	delete(f.active, id)
	f.mu.Unlock()
	f.hangups <- id + ":" + reason
	return nil
}

func (f *fakeCalls) snapshot() ([]telephony.CallParams, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telephony.CallParams(nil), f.params...), len(f.frames)
}

func (f *fakeCalls) sink(id string) telephony.MediaSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[id]
}

func newStreamServer(t *testing.T, calls telephony.CallControl) (*websocket.Conn, <-chan error) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			served <- err
			return
		}
		defer conn.Close()
		served <- Serve(r.Context(), conn, calls, Options{AgentID: "default"})
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, served
}

func startMessage(callSID string) Message {
	return Message{
		Event:     EventStart,
		StreamSID: "MZ1",
		Start: &StartPayload{
			StreamSID:        "MZ1",
			CallSID:          callSID,
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"agentId": "support"},
			MediaFormat:      MediaFormat{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1},
		},
	}
}

func mediaMessage(payload []byte) Message {
	return Message{Event: EventMedia, StreamSID: "MZ1", Media: &MediaPayload{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(payload)}}
}

func waitHangup(t *testing.T, calls *fakeCalls) string {
	t.Helper()
	select {
	case h := <-calls.hangups:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("call never hung up")
		return ""
	}
}

func TestStreamLifecycle(t *testing.T) {
	calls := newFakeCalls()
	client, served := newStreamServer(t, calls)

	msgs := []Message{
		{Event: EventConnected, Protocol: "Call"},
		startMessage("CA42"),
		mediaMessage(make([]byte, 160)),
		mediaMessage(make([]byte, 160)),
		{Event: EventMedia, Media: &MediaPayload{Track: "outbound", Payload: base64.StdEncoding.EncodeToString([]byte{1})}},
		{Event: EventMedia, Media: &MediaPayload{Payload: "%%%not-base64"}},
		{Event: EventMark, Mark: &MarkPayload{Name: "reply-1"}},
		{Event: EventStop, Stop: &StopPayload{CallSID: "CA42"}},
	}
	for _, m := range msgs {
		if err := client.WriteJSON(m); err != nil {
			t.Fatalf("write %s: %v", m.Event, err)
		}
	}

	if h := waitHangup(t, calls); h != "CA42:stream_stop" {
		t.Fatalf("hangup = %q", h)
	}
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}

	params, frames := calls.snapshot()
	if len(params) != 1 {
		t.Fatalf("opened %d calls", len(params))
	}
	p := params[0]
	if p.ID != "CA42" || p.StreamID != "MZ1" || p.AgentID != "support" || p.Transport != "media_stream" {
		t.Fatalf("unexpected params %+v", p)
	}
	if frames != 2 {
		t.Fatalf("pushed %d frames, want 2", frames)
	}
}

func TestStreamSinkSendsMediaMarkAndClear(t *testing.T) {
	calls := newFakeCalls()
	client, _ := newStreamServer(t, calls)
	if err := client.WriteJSON(startMessage("CA7")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sink telephony.MediaSink
	deadline := time.Now().Add(2 * time.Second)
	for sink == nil {
		if time.Now().After(deadline) {
			t.Fatal("call never opened")
		}
		sink = calls.sink("CA7")
		time.Sleep(5 * time.Millisecond)
	}

	if err := sink.SendAudio(context.Background(), make([]byte, 2*telephony.FrameBytes)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := sink.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	want := []string{EventMedia, EventMedia, EventMark, EventClear}
	for i, event := range want {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m Message
		if err := client.ReadJSON(&m); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if m.Event != event || m.StreamSID != "MZ1" {
			t.Fatalf("message %d = %+v, want %s", i, m, event)
		}
		if event == EventMedia {
			raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
			if err != nil || len(raw) != telephony.FrameBytes {
				t.Fatalf("media payload %d bytes (%v)", len(raw), err)
			}
		}
		if event == EventMark && m.Mark.Name != "reply-1" {
			t.Fatalf("mark = %q", m.Mark.Name)
		}
	}
}

func TestDroppedSocketHangsUp(t *testing.T) {
	calls := newFakeCalls()
	client, _ := newStreamServer(t, calls)
	if err := client.WriteJSON(startMessage("CA9")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.WriteJSON(mediaMessage(make([]byte, 160))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.Close()

	if h := waitHangup(t, calls); h != "CA9:socket_closed" {
		t.Fatalf("hangup = %q", h)
	}
}

func TestUnsupportedFormatIsRejected(t *testing.T) {
	calls := newFakeCalls()
	client, served := newStreamServer(t, calls)

	start := startMessage("CA10")
	start.Start.MediaFormat = MediaFormat{Encoding: "audio/x-l16", SampleRate: 16000}
	if err := client.WriteJSON(start); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-served:
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("serve err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	if params, _ := calls.snapshot(); len(params) != 0 {
		t.Fatal("call opened for unsupported format")
	}
}
