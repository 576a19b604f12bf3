package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
)

const volcengineTTSEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// VolcengineSynthesizer 火山引擎单向流式合成后端。
type VolcengineSynthesizer struct {
	creds        VolcengineCredentials
	endpoint     string
	defaultVoice string
	dialer       *wsDialer
	log          zerolog.Logger
}

// NewVolcengineSynthesizer 创建火山引擎合成后端。
func NewVolcengineSynthesizer(creds VolcengineCredentials, defaultVoice string) *VolcengineSynthesizer {
	return &VolcengineSynthesizer{
		creds:        creds,
		endpoint:     volcengineTTSEndpoint,
		defaultVoice: strings.TrimSpace(defaultVoice),
		dialer:       newWSDialer(),
		log:          logging.WithComponent("volcengine_tts"),
	}
}

func (v *VolcengineSynthesizer) Name() string       { return "volcengine" }
func (v *VolcengineSynthesizer) SupportsSSML() bool { return false }

type volcTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string `json:"speaker"`
		Text        string `json:"text"`
		AudioParams struct {
			Format     string `json:"format"`
			SampleRate int    `json:"sample_rate"`
		} `json:"audio_params"`
		Language string `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcTTSResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Synthesize 依次尝试与音色匹配的资源 ID，资源不匹配时切换下一个。
func (v *VolcengineSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (model.AudioArtifact, error) {
	speaker := strings.TrimSpace(req.Voice.VoiceID)
	if speaker == "" {
		speaker = v.defaultVoice
	}
	if speaker == "" {
		return model.AudioArtifact{}, fmt.Errorf("volcengine speaker is required")
	}

	var lastErr error
	for _, resourceID := range volcResourceCandidates(speaker) {
		data, err := v.synthesizeWith(ctx, resourceID, speaker, req)
		if err == nil {
			return model.AudioArtifact{
				Data:       data,
				MimeType:   model.ContainerMP3.MimeType(),
				Container:  model.ContainerMP3,
				SampleRate: 24000,
			}, nil
		}
		if !strings.Contains(err.Error(), "resource ID is mismatched") {
			return model.AudioArtifact{}, err
		}
		v.log.Debug().Str("speaker", speaker).Str("resource", resourceID).Msg("resource mismatch, trying next")
		lastErr = err
	}
	return model.AudioArtifact{}, lastErr
}

func (v *VolcengineSynthesizer) synthesizeWith(ctx context.Context, resourceID, speaker string, req SynthesisRequest) ([]byte, error) {
	header, err := v.creds.header(resourceID)
	if err != nil {
		return nil, err
	}
	conn, _, err := v.dialer.dial(ctx, v.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("connect to volcengine tts: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	params := volcTTSRequest{}
	params.User.UID = header.Get("X-Api-Connect-Id")
	params.ReqParams.Speaker = speaker
	params.ReqParams.Text = req.Text
	params.ReqParams.AudioParams.Format = "mp3"
	params.ReqParams.AudioParams.SampleRate = 24000
	params.ReqParams.Language = req.Voice.Language
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, fullRequestFrame(body, compressionNone).marshal()); err != nil {
		return nil, fmt.Errorf("send tts request: %w", err)
	}

	var buf bytes.Buffer
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read tts response: %w", err)
		}
		f, err := unmarshalFrame(raw)
		if err != nil {
			return nil, fmt.Errorf("decode tts frame: %w", err)
		}

		switch f.Type {
		case frameError:
			payload, _ := f.body()
			return nil, fmt.Errorf("tts error %d: %s", f.ErrorCode, string(payload))
		case frameAudioOnlyResponse:
			chunk, err := f.body()
			if err != nil {
				return nil, err
			}
			buf.Write(chunk)
		case frameFullServerResponse:
			payload, err := f.body()
			if err != nil {
				return nil, err
			}
			if len(payload) > 0 {
				var msg volcTTSResponse
				if err := json.Unmarshal(payload, &msg); err == nil {
					if msg.Code != 0 && msg.Code != 3000 && msg.Code != 20000000 {
						return nil, fmt.Errorf("tts api error %d: %s", msg.Code, msg.Message)
					}
					if msg.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(msg.Data)
						if err != nil {
							return nil, fmt.Errorf("decode base64 audio chunk: %w", err)
						}
						buf.Write(chunk)
					}
				}
			}
			if (f.hasEvent() && f.Event == eventSessionFinished) || f.last() {
				return buf.Bytes(), nil
			}
		}
	}
}

// volcResourceCandidates 根据音色名推断资源 ID 的尝试顺序。
func volcResourceCandidates(speaker string) []string {
	const (
		standard = "volc.service_type.10029"
		mega     = "volc.megatts.default"
		seed     = "seed-tts-2.0"
	)
	if strings.HasPrefix(speaker, "S_") {
		return []string{mega}
	}
	lower := strings.ToLower(speaker)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter"} {
		if strings.Contains(lower, hint) {
			return []string{seed, standard}
		}
	}
	return []string{standard, seed}
}
