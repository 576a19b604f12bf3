package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/voicefleet/agentdesk/backend/internal/config"
	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("配置加载失败")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: "console"})
	if envErr != nil {
		log.Warn().Err(envErr).Msg("无法加载 .env，改用系统环境变量")
	}

	mode := flag.String("mode", "", "测试模式: turn, stt 或 tts")
	audioPath := flag.String("audio", "", "turn/stt 输入音频文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "输出音频文件路径 (默认自动生成)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	session := flag.String("session", "", "自定义 sessionID，留空则自动生成")
	agentID := flag.String("agent", agent.DefaultID, "turn 模式使用的 agent")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	if *language == "" {
		*language = cfg.Speech.Language
	}
	sessionID := *session
	if sessionID == "" {
		sessionID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	m := metrics.DefaultMetrics
	transcoder := audio.NewTranscoder(audio.Options{FFmpegPath: cfg.Audio.FFmpegPath, Metrics: m})

	switch *mode {
	case "stt":
		rec, err := speech.NewRecognizerFromConfig(ctx, cfg.Speech, m)
		if err != nil {
			log.Fatal().Err(err).Msg("识别器初始化失败")
		}
		runSTT(ctx, rec, transcoder, readArtifact(*audioPath), *language)
	case "tts":
		synth, err := speech.NewSynthesizerFromConfig(ctx, cfg.Speech, m)
		if err != nil {
			log.Fatal().Err(err).Msg("合成器初始化失败")
		}
		runTTS(ctx, synth, *text, *language, *outputPath)
	case "turn":
		runTurn(ctx, cfg, transcoder, m, orchestrator.TurnRequest{
			SessionID: sessionID,
			Audio:     readArtifact(*audioPath),
			Language:  *language,
			AgentID:   *agentID,
		}, *outputPath)
	default:
		flag.Usage()
		log.Fatal().Msg("请通过 -mode=turn、-mode=stt 或 -mode=tts 指定测试模式")
	}
}

func readArtifact(path string) model.AudioArtifact {
	if path == "" {
		log.Fatal().Msg("需要通过 -audio 指定音频文件路径")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Msg("读取音频文件失败")
	}
	container := audio.DetectContainer(data)
	if container == model.ContainerUnknown {
		container = audio.ContainerFromMime(mime.TypeByExtension(filepath.Ext(path)))
	}
	return model.AudioArtifact{Data: data, Container: container, MimeType: container.MimeType()}
}

func runSTT(ctx context.Context, rec *speech.Recognizer, transcoder *audio.Transcoder, in model.AudioArtifact, language string) {
	log.Info().Str("container", string(in.Container)).Int("bytes", len(in.Data)).Str("language", language).Msg("开始识别测试")

	wav, err := transcoder.Transcode(ctx, in, model.RecognizerTarget)
	if err != nil {
		log.Fatal().Err(err).Msg("转码失败")
	}
	cands, err := speech.Candidates(wav, in)
	if err != nil {
		log.Fatal().Err(err).Msg("候选编码生成失败")
	}
	res, err := rec.RecognizeCandidates(ctx, cands, language, 0)
	if err != nil {
		log.Fatal().Err(err).Str("reason", string(res.Reason)).Msg("识别失败")
	}

	log.Info().
		Str("status", string(res.Status)).
		Str("text", res.Text).
		Float64("confidence", res.Confidence).
		Str("encoding", res.Encoding).
		Str("backend", res.Backend).
		Msg("识别完成")
}

func runTTS(ctx context.Context, synth *speech.Synthesizer, text, language, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal().Msg("TTS 模式需要通过 -text 提供待合成文本")
	}

	art, err := synth.Synthesize(ctx, text, model.VoiceParams{Language: language}, model.MarkupWrapped)
	if err != nil {
		log.Fatal().Err(err).Msg("合成失败")
	}
	writeAudio(art, outputPath, "tts-output")
}

func runTurn(ctx context.Context, cfg *config.Config, transcoder *audio.Transcoder, m *metrics.Metrics, req orchestrator.TurnRequest, outputPath string) {
	rec, err := speech.NewRecognizerFromConfig(ctx, cfg.Speech, m)
	if err != nil {
		log.Fatal().Err(err).Msg("识别器初始化失败")
	}
	synth, err := speech.NewSynthesizerFromConfig(ctx, cfg.Speech, m)
	if err != nil {
		log.Fatal().Err(err).Msg("合成器初始化失败")
	}
	gen, err := ai.NewGeneratorFromConfig(ctx, cfg.AI)
	if err != nil {
		log.Fatal().Err(err).Msg("语言模型初始化失败")
	}

	pipeline := orchestrator.NewPipeline(orchestrator.Deps{
		Transcoder:  transcoder,
		Recognizer:  rec,
		Generator:   gen,
		Synthesizer: synth,
		Store:       memory.NewMemoryStore(cfg.Memory.MaxTurns),
		Agents:      agent.NewMemoryStore(agent.Seed()),
		Metrics:     m,
	}, orchestrator.Options{
		Language:         cfg.Speech.Language,
		SystemPrompt:     cfg.AI.SystemPrompt,
		RecognizeTimeout: cfg.Speech.STTTimeout,
	})

	log.Info().Str("session", req.SessionID).Str("agent", req.AgentID).
		Str("stt", rec.Backend()).Str("llm", gen.Backend()).Str("tts", synth.Backend()).
		Msg("开始完整轮次测试")

	start := time.Now()
	res, err := pipeline.ProcessTurn(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Str("reply", res.Reply).Msg("轮次失败")
	}

	log.Info().
		Str("status", string(res.Status)).
		Str("transcript", res.Transcript).
		Str("reply", res.Reply).
		Dur("elapsed", time.Since(start)).
		Msg("轮次完成")

	if !res.Audio.Empty() {
		writeAudio(res.Audio, outputPath, "turn-reply")
	}
}

func writeAudio(art model.AudioArtifact, outputPath, prefix string) {
	if outputPath == "" {
		ext := string(art.Container)
		if ext == "" || art.Container == model.ContainerUnknown {
			ext = "mp3"
		}
		outputPath = fmt.Sprintf("%s-%d.%s", prefix, time.Now().Unix(), ext)
	}
	if err := os.WriteFile(outputPath, art.Data, 0o644); err != nil {
		log.Fatal().Err(err).Msg("写入音频文件失败")
	}
	log.Info().Str("file", outputPath).Int("bytes", len(art.Data)).Msg("音频已写入")
}
