// Package mediastream 实现 WebSocket 媒体流传输：
// 对端以 JSON 事件推送 base64 编码的 8 kHz μ-law 音频。
package mediastream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/telephony"
)

// Inbound and outbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// EncodingMulaw is the only media format accepted.
const EncodingMulaw = "audio/x-mulaw"

const readTimeout = 60 * time.Second

// Message is one JSON event on the socket, in either direction.
type Message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload 流开始时的元数据。
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the stream's audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a playback checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload 流结束。
type StopPayload struct {
	CallSID string `json:"callSid,omitempty"`
}

// Options tune a stream.
type Options struct {
	// AgentID answers calls whose start event names no agent.
	AgentID string
}

// ErrUnsupportedFormat is returned when the stream is not 8 kHz μ-law.
var ErrUnsupportedFormat = errors.New("unsupported media format")

// sink writes assistant audio back onto the socket.
type sink struct {
	conn      *websocket.Conn
	streamSID string

	writeMu sync.Mutex
	marks   atomic.Int64
}

func (s *sink) write(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(m)
}

// SendAudio paces μ-law frames as media events and ends with a mark.
func (s *sink) SendAudio(ctx context.Context, ulaw []byte) error {
	err := telephony.Pace(ctx, ulaw, telephony.FrameBytes, telephony.FrameInterval, func(frame []byte) error {
		return s.write(Message{
			Event:     EventMedia,
			StreamSID: s.streamSID,
			Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
		})
	})
	if err != nil {
		return err
	}
	name := fmt.Sprintf("reply-%d", s.marks.Add(1))
	return s.write(Message{Event: EventMark, StreamSID: s.streamSID, Mark: &MarkPayload{Name: name}})
}

// Clear asks the far end to drop audio it has buffered.
func (s *sink) Clear() error {
	return s.write(Message{Event: EventClear, StreamSID: s.streamSID})
}

// Serve runs one media-stream socket until the peer stops the stream or the
// connection drops. Either way the call is hung up before Serve returns.
func Serve(ctx context.Context, conn *websocket.Conn, calls telephony.CallControl, opts Options) error {
	log := logging.WithComponent("mediastream")

	var (
		callID string
		out    *sink
	)
	hangup := func(reason string) {
		if callID == "" {
			return
		}
		if err := calls.Hangup(callID, reason); err != nil && !errors.Is(err, telephony.ErrCallNotFound) {
			log.Warn().Err(err).Str("callId", callID).Msg("hangup failed")
		}
		callID = ""
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	defer hangup("socket_closed")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read media stream: %w", err)
		}

		switch msg.Event {
		case EventConnected:
			log.Debug().Str("protocol", msg.Protocol).Msg("media stream connected")

		case EventStart:
			if callID != "" || msg.Start == nil {
				continue
			}
			out = &sink{conn: conn, streamSID: firstNonEmpty(msg.Start.StreamSID, msg.StreamSID)}
			id, err := start(calls, msg.Start, out, conn.RemoteAddr().String(), opts, log)
			if err != nil {
				return err
			}
			callID = id

		case EventMedia:
			if callID == "" || msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil || len(payload) == 0 {
				continue
			}
			err = calls.PushFrame(callID, telephony.Frame{Codec: telephony.CodecPCMU, Payload: payload})
			if errors.Is(err, telephony.ErrCallNotFound) || errors.Is(err, telephony.ErrCallTerminated) {
				callID = ""
				return nil
			}

		case EventMark:
			if msg.Mark != nil {
				log.Debug().Str("callId", callID).Str("mark", msg.Mark.Name).Msg("playback reached mark")
			}

		case EventStop:
			hangup("stream_stop")
			return nil

		default:
			log.Debug().Str("event", msg.Event).Msg("ignoring media stream event")
		}
	}
}

func start(calls telephony.CallControl, st *StartPayload, out *sink, remote string, opts Options, log zerolog.Logger) (string, error) {
	format := st.MediaFormat
	if format.Encoding != "" && !strings.EqualFold(format.Encoding, EncodingMulaw) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.Encoding)
	}
	if format.SampleRate != 0 && format.SampleRate != 8000 {
		return "", fmt.Errorf("%w: %d Hz", ErrUnsupportedFormat, format.SampleRate)
	}

	id := firstNonEmpty(st.CallSID, st.StreamSID)
	if id == "" {
		return "", errors.New("start event without call or stream id")
	}
	agentID := opts.AgentID
	if v := st.CustomParameters["agentId"]; v != "" {
		agentID = v
	}

	params := telephony.CallParams{
		ID:        id,
		StreamID:  out.streamSID,
		Remote:    remote,
		Transport: "media_stream",
		AgentID:   agentID,
	}
	if err := calls.Open(params, out); err != nil {
		return "", fmt.Errorf("open call: %w", err)
	}
	// the socket being up is the answer; there is no separate ringing phase
	if err := calls.Accept(id); err != nil {
		_ = calls.Hangup(id, "accept_failed")
		return "", err
	}
	if err := calls.Activate(id); err != nil {
		_ = calls.Hangup(id, "activate_failed")
		return "", err
	}
	log.Info().Str("callId", id).Str("streamId", out.streamSID).Str("agent", agentID).Msg("media stream started")
	return id, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
