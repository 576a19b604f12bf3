package speech

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
)

const googleTTSSampleRate = 48000

// GoogleSynthesizer Google Cloud Text-to-Speech 后端，支持 SSML。
type GoogleSynthesizer struct {
	client     *texttospeech.Client
	voiceName  string
	synthesize func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error)
}

// NewGoogleSynthesizer dials the Text-to-Speech API. voiceName may be empty.
func NewGoogleSynthesizer(ctx context.Context, voiceName string) (*GoogleSynthesizer, error) {
	c, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create google tts client: %w", err)
	}
	return &GoogleSynthesizer{
		client:    c,
		voiceName: voiceName,
		synthesize: func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
			return c.SynthesizeSpeech(ctx, req)
		},
	}, nil
}

func (g *GoogleSynthesizer) Name() string       { return "google" }
func (g *GoogleSynthesizer) SupportsSSML() bool { return true }

// Synthesize 请求 48kHz LINEAR16，响应自带 WAV 头。
func (g *GoogleSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (model.AudioArtifact, error) {
	input := &texttospeechpb.SynthesisInput{}
	if req.Markup == model.MarkupWrapped {
		input.InputSource = &texttospeechpb.SynthesisInput_Ssml{Ssml: req.Text}
	} else {
		input.InputSource = &texttospeechpb.SynthesisInput_Text{Text: req.Text}
	}

	language := req.Voice.Language
	if language == "" {
		language = "tr-TR"
	}
	name := g.voiceName
	// Google voice names look like tr-TR-Wavenet-E.
	if strings.Count(req.Voice.VoiceID, "-") >= 2 {
		name = req.Voice.VoiceID
	}

	resp, err := g.synthesize(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: input,
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: language,
			Name:         name,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: googleTTSSampleRate,
		},
	})
	if err != nil {
		return model.AudioArtifact{}, err
	}
	return model.AudioArtifact{
		Data:       resp.GetAudioContent(),
		MimeType:   model.ContainerWAV.MimeType(),
		Container:  model.ContainerWAV,
		SampleRate: googleTTSSampleRate,
		Channels:   1,
		BitDepth:   16,
	}, nil
}

// Close 关闭 gRPC 连接。
func (g *GoogleSynthesizer) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
