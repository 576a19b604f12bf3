package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// WebSocketHandler 连续对话 / 按键说话的 WebSocket 处理器
type WebSocketHandler struct {
	turns    orchestrator.TurnProcessor
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(turns orchestrator.TurnProcessor) *WebSocketHandler {
	return &WebSocketHandler{
		turns: turns,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// Client message types.
const (
	MsgStart        = "start"
	MsgAudio        = "audio"
	MsgStop         = "stop"
	MsgSpeechEnd    = "speech_end"
	MsgPlaybackDone = "playback_done"
	MsgCancel       = "cancel"
	MsgConfig       = "config"
)

// Server message types.
const (
	MsgConnected  = "connected"
	MsgState      = "state"
	MsgTranscript = "transcript"
	MsgReply      = "reply"
	MsgError      = "error"
	// MsgClear tells the client to drop reply audio it is still playing.
	MsgClear = "clear"
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AudioMessage 一段录音，base64 编码。
type AudioMessage struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType"`
}

// ConfigMessage 配置消息
type ConfigMessage struct {
	Mode     string `json:"mode"`
	Language string `json:"language"`
	AgentID  string `json:"agentId"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsSession 一条连接上的状态：控制器可在空闲时因配置变更而重建。
type wsSession struct {
	h         *WebSocketHandler
	conn      *websocket.Conn
	sessionID string
	log       zerolog.Logger
	ctx       context.Context

	writeMu sync.Mutex

	cfg  orchestrator.ControllerConfig
	ctrl *orchestrator.Controller
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}
	if h.turns == nil {
		http.Error(w, "voice pipeline unavailable", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	cfg := orchestrator.ControllerConfig{
		SessionID: sessionID,
		Language:  q.Get("language"),
		AgentID:   q.Get("agentId"),
		Mode:      orchestrator.ParseMode(q.Get("mode")),
	}

	log := logging.WithSession("voice-ws", sessionID)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &wsSession{h: h, conn: conn, sessionID: sessionID, log: log, ctx: ctx, cfg: cfg}
	s.ctrl = s.newController()
	defer func() { s.ctrl.Close() }()

	log.Info().Str("mode", cfg.Mode.String()).Msg("voice socket connected")

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go s.pingLoop(ctx)

	s.send(MsgConnected, map[string]any{
		"mode":     cfg.Mode.String(),
		"language": cfg.Language,
		"agentId":  cfg.AgentID,
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("voice socket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleMessage(&msg)
	}
}

func (s *wsSession) newController() *orchestrator.Controller {
	return orchestrator.NewController(s.ctx, s.h.turns, s.cfg, orchestrator.Observer{
		OnState:  s.onState,
		OnResult: s.onResult,
	})
}

func (s *wsSession) handleMessage(msg *inboundMessage) {
	var err error
	switch msg.Type {
	case MsgStart:
		interrupting := s.ctrl.State() == orchestrator.StateResponding
		if err = s.ctrl.StartRecording(); err == nil && interrupting {
			s.send(MsgClear, map[string]string{"reason": "barge_in"})
		}
	case MsgAudio:
		var am AudioMessage
		if err = json.Unmarshal(msg.Data, &am); err != nil {
			s.sendError("invalid audio message")
			return
		}
		chunk, decodeErr := base64.StdEncoding.DecodeString(am.Audio)
		if decodeErr != nil {
			s.sendError("audio must be base64 encoded")
			return
		}
		err = s.ctrl.AppendAudio(chunk, am.MimeType)
	case MsgStop:
		err = s.ctrl.StopRecording()
	case MsgSpeechEnd:
		err = s.ctrl.SpeechEnded()
	case MsgPlaybackDone:
		err = s.ctrl.PlaybackFinished()
	case MsgCancel:
		interrupting := s.ctrl.State() == orchestrator.StateResponding
		s.ctrl.Cancel()
		if interrupting {
			s.send(MsgClear, map[string]string{"reason": "cancel"})
		}
	case MsgConfig:
		var cm ConfigMessage
		if err = json.Unmarshal(msg.Data, &cm); err != nil {
			s.sendError("invalid config message")
			return
		}
		err = s.applyConfig(cm)
	default:
		s.sendError("unknown message type: " + msg.Type)
		return
	}
	if err != nil {
		s.log.Debug().Err(err).Str("type", msg.Type).Str("state", s.ctrl.State().String()).Msg("message rejected")
		s.sendError(err.Error())
	}
}

var errBusy = errors.New("language and agent can only change while idle")

// applyConfig switches mode in place; language or agent changes rebuild the controller while idle.
func (s *wsSession) applyConfig(cm ConfigMessage) error {
	if cm.Mode != "" {
		s.cfg.Mode = orchestrator.ParseMode(cm.Mode)
		s.ctrl.SetMode(s.cfg.Mode)
	}
	lang := strings.TrimSpace(cm.Language)
	agentID := strings.TrimSpace(cm.AgentID)
	if (lang == "" || lang == s.cfg.Language) && (agentID == "" || agentID == s.cfg.AgentID) {
		return nil
	}
	if s.ctrl.State() != orchestrator.StateIdle {
		return errBusy
	}
	if lang != "" {
		s.cfg.Language = lang
	}
	if agentID != "" {
		s.cfg.AgentID = agentID
	}
	s.ctrl.Close()
	s.ctrl = s.newController()
	s.log.Info().Str("language", s.cfg.Language).Str("agent_id", s.cfg.AgentID).Msg("voice socket reconfigured")
	return nil
}

func (s *wsSession) onState(st orchestrator.State) {
	s.send(MsgState, map[string]string{"state": st.String()})
}

func (s *wsSession) onResult(res orchestrator.TurnResult, err error, playback context.Context) {
	if res.Transcript != "" || res.Status == orchestrator.TurnNoMatch {
		s.send(MsgTranscript, map[string]string{
			"text":   res.Transcript,
			"status": string(res.Status),
		})
	}
	if err != nil {
		s.send(MsgError, map[string]string{"message": res.Reply, "detail": err.Error()})
		return
	}
	s.send(MsgReply, map[string]any{
		"text":    res.Reply,
		"status":  string(res.Status),
		"history": res.Update.History,
	})
	if playback == nil || len(res.Audio.Data) == 0 {
		return
	}
	// 已被打断的回复不再下发音频。
	if playback.Err() != nil {
		return
	}
	s.send(MsgAudio, map[string]any{
		"audio":      base64.StdEncoding.EncodeToString(res.Audio.Data),
		"mimeType":   res.Audio.MimeType,
		"sampleRate": res.Audio.SampleRate,
	})
}

func (s *wsSession) send(msgType string, data any) {
	msg := outgoingMessage{
		Type:      msgType,
		SessionID: s.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug().Err(err).Str("type", msgType).Msg("websocket write failed")
	}
}

func (s *wsSession) sendError(message string) {
	s.send(MsgError, map[string]string{"message": message})
}

// pingLoop 定期发送ping消息
func (s *wsSession) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
