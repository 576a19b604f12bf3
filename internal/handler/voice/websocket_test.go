package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
)

type wireMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func dialVoice(t *testing.T, turns orchestrator.TurnProcessor, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(newRouter(New(turns, memory.NewMemoryStore(10))))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/voice/ws/sess-1" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	msg := map[string]any{"type": msgType}
	if data != nil {
		msg["data"] = data
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// readUntil skips messages until one of msgType arrives; for state messages
// it also matches on the state name.
func readUntil(t *testing.T, conn *websocket.Conn, msgType, state string) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s %s: %v", msgType, state, err)
		}
		if msg.Type != msgType {
			continue
		}
		if state != "" {
			var data struct {
				State string `json:"state"`
			}
			_ = json.Unmarshal(msg.Data, &data)
			if data.State != state {
				continue
			}
		}
		return msg
	}
}

func recordUtterance(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendMsg(t, conn, MsgStart, nil)
	readUntil(t, conn, MsgState, "recording")
	sendMsg(t, conn, MsgAudio, AudioMessage{
		Audio:    base64.StdEncoding.EncodeToString(toneWAV(200)),
		MimeType: "audio/wav",
	})
}

func TestWebSocketPushToTalkTurn(t *testing.T) {
	res := completedResult()
	res.Audio = model.AudioArtifact{Data: []byte("ID3fake"), MimeType: "audio/mpeg", Container: model.ContainerMP3}
	turns := &fakeTurns{res: res}
	conn := dialVoice(t, turns, "?language=tr-TR&agentId=default")

	connected := readUntil(t, conn, MsgConnected, "")
	if connected.SessionID != "sess-1" {
		t.Fatalf("unexpected session id %q", connected.SessionID)
	}

	recordUtterance(t, conn)
	sendMsg(t, conn, MsgStop, nil)

	readUntil(t, conn, MsgState, "processing_stt")
	transcript := readUntil(t, conn, MsgTranscript, "")
	var td struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(transcript.Data, &td)
	if td.Text != "Merhaba" {
		t.Fatalf("unexpected transcript %q", td.Text)
	}
	readUntil(t, conn, MsgReply, "")
	audioMsg := readUntil(t, conn, MsgAudio, "")
	var ad struct {
		Audio    string `json:"audio"`
		MimeType string `json:"mimeType"`
	}
	_ = json.Unmarshal(audioMsg.Data, &ad)
	if raw, _ := base64.StdEncoding.DecodeString(ad.Audio); string(raw) != "ID3fake" || ad.MimeType != "audio/mpeg" {
		t.Fatalf("unexpected audio message %+v", ad)
	}

	sendMsg(t, conn, MsgPlaybackDone, nil)
	readUntil(t, conn, MsgState, "idle")

	req := turns.last(t)
	if req.SessionID != "sess-1" || req.Language != "tr-TR" || req.Mode != orchestrator.ModePushToTalk {
		t.Fatalf("unexpected turn request %+v", req)
	}
	if req.Audio.Container != model.ContainerWAV || len(req.Audio.Data) == 0 {
		t.Fatalf("expected recorded wav, got %+v", req.Audio.Container)
	}
}

func TestWebSocketContinuousModeRelistens(t *testing.T) {
	turns := &fakeTurns{res: completedResult()}
	conn := dialVoice(t, turns, "?mode=continuous")
	readUntil(t, conn, MsgConnected, "")

	recordUtterance(t, conn)
	sendMsg(t, conn, MsgSpeechEnd, nil)
	readUntil(t, conn, MsgReply, "")
	sendMsg(t, conn, MsgPlaybackDone, nil)
	readUntil(t, conn, MsgState, "recording")
}

type blockingTurns struct {
	entered chan struct{}
	aborted chan struct{}
}

func (b *blockingTurns) ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
	close(b.entered)
	<-ctx.Done()
	close(b.aborted)
	return orchestrator.TurnResult{SessionID: req.SessionID, Status: orchestrator.TurnFailed}, ctx.Err()
}

func TestWebSocketBargeInCancelsTurn(t *testing.T) {
	turns := &blockingTurns{entered: make(chan struct{}), aborted: make(chan struct{})}
	conn := dialVoice(t, turns, "")
	readUntil(t, conn, MsgConnected, "")

	recordUtterance(t, conn)
	sendMsg(t, conn, MsgStop, nil)
	select {
	case <-turns.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
	}

	sendMsg(t, conn, MsgStart, nil)
	readUntil(t, conn, MsgState, "recording")
	select {
	case <-turns.aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight turn was not cancelled")
	}
}

func TestWebSocketInterruptingPlaybackSendsClear(t *testing.T) {
	cases := []struct {
		name   string
		signal string
		reason string
		state  string
	}{
		{"barge-in", MsgStart, "barge_in", "recording"},
		{"cancel", MsgCancel, "cancel", "idle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := completedResult()
			res.Audio = model.AudioArtifact{Data: []byte("ID3fake"), MimeType: "audio/mpeg", Container: model.ContainerMP3}
			conn := dialVoice(t, &fakeTurns{res: res}, "")
			readUntil(t, conn, MsgConnected, "")

			recordUtterance(t, conn)
			sendMsg(t, conn, MsgStop, nil)
			readUntil(t, conn, MsgState, "responding")
			readUntil(t, conn, MsgAudio, "")

			sendMsg(t, conn, tc.signal, nil)

			// state notifications are asynchronous, so clear may arrive on either side of them
			var reason string
			sawState := false
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			for reason == "" || !sawState {
				var msg wireMessage
				if err := conn.ReadJSON(&msg); err != nil {
					t.Fatalf("waiting for clear and %s: %v", tc.state, err)
				}
				var data struct {
					Reason string `json:"reason"`
					State  string `json:"state"`
				}
				_ = json.Unmarshal(msg.Data, &data)
				switch {
				case msg.Type == MsgClear:
					reason = data.Reason
				case msg.Type == MsgState && data.State == tc.state:
					sawState = true
				}
			}
			if reason != tc.reason {
				t.Fatalf("clear reason = %q, want %q", reason, tc.reason)
			}
		})
	}
}

func TestWebSocketRejectsOutOfOrderMessages(t *testing.T) {
	conn := dialVoice(t, &fakeTurns{res: completedResult()}, "")
	readUntil(t, conn, MsgConnected, "")

	sendMsg(t, conn, MsgStop, nil)
	msg := readUntil(t, conn, MsgError, "")
	var data struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(msg.Data, &data)
	if data.Message != orchestrator.ErrNotRecording.Error() {
		t.Fatalf("unexpected error %q", data.Message)
	}

	sendMsg(t, conn, "dance", nil)
	readUntil(t, conn, MsgError, "")
}

func TestWebSocketConfigRebuildsWhileIdle(t *testing.T) {
	turns := &fakeTurns{res: completedResult()}
	conn := dialVoice(t, turns, "")
	readUntil(t, conn, MsgConnected, "")

	sendMsg(t, conn, MsgConfig, ConfigMessage{Language: "en-US", AgentID: "support", Mode: "continuous"})
	recordUtterance(t, conn)
	sendMsg(t, conn, MsgStop, nil)
	readUntil(t, conn, MsgReply, "")

	req := turns.last(t)
	if req.Language != "en-US" || req.AgentID != "support" || req.Mode != orchestrator.ModeContinuous {
		t.Fatalf("config not applied: %+v", req)
	}
}
