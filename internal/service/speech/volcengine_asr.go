package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
)

const volcengineASREndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

// VolcengineCredentials 火山引擎 openspeech 鉴权信息。
type VolcengineCredentials struct {
	AppID       string
	AccessToken string
}

func (c VolcengineCredentials) header(resourceID string) (http.Header, error) {
	appID := strings.TrimSpace(c.AppID)
	token := strings.TrimSpace(c.AccessToken)
	if appID == "" || token == "" {
		return nil, fmt.Errorf("volcengine credentials missing: app id and access token are required")
	}
	h := http.Header{}
	h.Set("X-Api-App-Key", appID)
	h.Set("X-Api-Access-Key", token)
	h.Set("X-Api-Resource-Id", resourceID)
	h.Set("X-Api-Connect-Id", uuid.NewString())
	return h, nil
}

// VolcengineRecognizer 火山引擎大模型流式识别（流式输入模式）。
type VolcengineRecognizer struct {
	creds      VolcengineCredentials
	endpoint   string
	resourceID string
	chunkBytes int
	dialer     *wsDialer
	log        zerolog.Logger
}

// NewVolcengineRecognizer 创建火山引擎识别后端。
func NewVolcengineRecognizer(creds VolcengineCredentials) *VolcengineRecognizer {
	return &VolcengineRecognizer{
		creds:      creds,
		endpoint:   volcengineASREndpoint,
		resourceID: "volc.bigasr.sauc.duration",
		chunkBytes: 6400, // 200ms of 16 kHz PCM16
		dialer:     newWSDialer(),
		log:        logging.WithComponent("volcengine_asr"),
	}
}

func (v *VolcengineRecognizer) Name() string { return "volcengine" }

type volcASRRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
	} `json:"request"`
}

type volcASRResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

// Recognize 上传一段完整音频并等待最终结果。
func (v *VolcengineRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (string, float64, error) {
	var format, codec string
	switch req.Encoding {
	case EncodingLinear16:
		format, codec = "wav", "raw"
	case EncodingOggOpus:
		format, codec = "ogg", "opus"
	default:
		return "", 0, ErrUnsupportedEncoding
	}

	header, err := v.creds.header(v.resourceID)
	if err != nil {
		return "", 0, err
	}
	conn, resp, err := v.dialer.dial(ctx, v.endpoint, header)
	if err != nil {
		return "", 0, fmt.Errorf("connect to volcengine asr: %w", err)
	}
	defer conn.Close()
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			v.log.Debug().Str("logid", logid).Msg("asr connected")
		}
	}

	// 上下文取消时关闭连接以打断阻塞读。
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	params := volcASRRequest{}
	params.User.UID = header.Get("X-Api-Connect-Id")
	params.Audio.Language = req.Language
	params.Audio.Format = format
	params.Audio.Codec = codec
	params.Audio.Rate = req.SampleRate
	params.Audio.Bits = 16
	params.Audio.Channel = 1
	params.Request.ModelName = "bigmodel"
	params.Request.EnableITN = true
	params.Request.EnablePunc = true
	params.Request.ShowUtterances = true
	params.Request.ResultType = "full"

	body, err := json.Marshal(params)
	if err != nil {
		return "", 0, fmt.Errorf("marshal asr request: %w", err)
	}
	if body, err = gzipBytes(body); err != nil {
		return "", 0, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, fullRequestFrame(body, compressionGzip).marshal()); err != nil {
		return "", 0, fmt.Errorf("send asr request: %w", err)
	}

	if err := v.sendAudio(conn, req.Audio); err != nil {
		return "", 0, err
	}
	text, err := v.receive(conn)
	if err != nil && ctx.Err() != nil {
		return "", 0, ctx.Err()
	}
	if err != nil {
		return "", 0, err
	}
	if text == "" {
		return "", 0, nil
	}
	return text, 0.9, nil
}

func (v *VolcengineRecognizer) sendAudio(conn *websocket.Conn, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("no audio data to send")
	}
	seq := int32(2) // 序号 1 由首帧占用
	for i := 0; i < len(data); i += v.chunkBytes {
		end := min(i+v.chunkBytes, len(data))
		chunk, err := gzipBytes(data[i:end])
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, audioFrame(chunk, seq, end == len(data)).marshal()); err != nil {
			return fmt.Errorf("send audio chunk %d: %w", seq, err)
		}
		seq++
	}
	return nil
}

func (v *VolcengineRecognizer) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read asr response: %w", err)
		}
		f, err := unmarshalFrame(data)
		if err != nil {
			return "", fmt.Errorf("decode asr frame: %w", err)
		}

		switch f.Type {
		case frameError:
			payload, _ := f.body()
			return "", fmt.Errorf("asr error %d: %s", f.ErrorCode, string(payload))
		case frameFullServerResponse:
			payload, err := f.body()
			if err != nil {
				return "", err
			}
			var msg volcASRResponse
			if err := json.Unmarshal(payload, &msg); err != nil {
				v.log.Debug().Err(err).Msg("skip undecodable asr payload")
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return "", fmt.Errorf("asr api error %d: %s", msg.Code, msg.Message)
			}
			if t := strings.TrimSpace(msg.Result.Text); t != "" {
				text = t
			} else if len(msg.Result.Utterances) > 0 {
				parts := make([]string, 0, len(msg.Result.Utterances))
				for _, u := range msg.Result.Utterances {
					parts = append(parts, u.Text)
				}
				text = strings.TrimSpace(strings.Join(parts, " "))
			}
			if f.last() {
				return text, nil
			}
		}
	}
}
