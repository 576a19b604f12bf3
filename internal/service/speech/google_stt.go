package speech

import (
	"context"
	"fmt"
	"strings"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

// GoogleRecognizer Google Cloud Speech-to-Text 同步识别后端。
// Requires GOOGLE_APPLICATION_CREDENTIALS.
type GoogleRecognizer struct {
	client    *gspeech.Client
	recognize func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
}

// NewGoogleRecognizer dials the Speech-to-Text API.
func NewGoogleRecognizer(ctx context.Context) (*GoogleRecognizer, error) {
	c, err := gspeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create google speech client: %w", err)
	}
	return &GoogleRecognizer{
		client: c,
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return c.Recognize(ctx, req)
		},
	}, nil
}

func (g *GoogleRecognizer) Name() string { return "google" }

// Recognize 发送单个候选编码。
func (g *GoogleRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (string, float64, error) {
	enc, ok := googleEncoding(req.Encoding)
	if !ok {
		return "", 0, ErrUnsupportedEncoding
	}
	language := req.Language
	if language == "" {
		language = "tr-TR"
	}

	resp, err := g.recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   enc,
			SampleRateHertz:            int32(req.SampleRate),
			AudioChannelCount:          1,
			LanguageCode:               language,
			EnableAutomaticPunctuation: true,
			Model:                      "latest_short",
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		return "", 0, err
	}

	var (
		parts []string
		conf  float32
	)
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
			conf = max(conf, alts[0].GetConfidence())
		}
	}
	return strings.Join(parts, " "), float64(conf), nil
}

// Close 关闭 gRPC 连接。
func (g *GoogleRecognizer) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func googleEncoding(e Encoding) (speechpb.RecognitionConfig_AudioEncoding, bool) {
	switch e {
	case EncodingLinear16:
		return speechpb.RecognitionConfig_LINEAR16, true
	case EncodingMulaw:
		return speechpb.RecognitionConfig_MULAW, true
	case EncodingOggOpus:
		return speechpb.RecognitionConfig_OGG_OPUS, true
	case EncodingWebMOpus:
		return speechpb.RecognitionConfig_WEBM_OPUS, true
	}
	return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, false
}
