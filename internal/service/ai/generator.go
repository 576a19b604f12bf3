// Package ai 封装大模型回复生成。
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
)

var (
	// ErrModelUnavailable 模型调用失败。
	ErrModelUnavailable = errors.New("language model unavailable")
	// ErrModelTimeout 模型调用超时。
	ErrModelTimeout = errors.New("language model timed out")
)

// Apology is spoken whenever a turn fails after speech was recognized.
const Apology = "Üzgünüm, şu anda yanıt veremiyorum. Lütfen biraz sonra tekrar dener misiniz?"

// CompletionRequest 一次模型调用的输入。
type CompletionRequest struct {
	System    string
	History   []conversation.Turn
	Query     string
	MaxTokens int
}

// Backend is a concrete language model.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Options 生成器配置。
type Options struct {
	MaxReplyChars int
	HistoryLimit  int
	Timeout       time.Duration
}

// Generator produces the assistant's next utterance. A nil backend means mock mode.
type Generator struct {
	backend Backend
	opts    Options
	log     zerolog.Logger
}

// NewGenerator 创建生成器；backend 为 nil 时使用固定回复池。
func NewGenerator(backend Backend, opts Options) *Generator {
	if opts.MaxReplyChars <= 0 {
		opts.MaxReplyChars = 400
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Generator{backend: backend, opts: opts, log: logging.WithComponent("generator")}
}

// Mock reports whether replies come from the canned pool.
func (g *Generator) Mock() bool {
	return g.backend == nil
}

// Backend 返回后端名称。
func (g *Generator) Backend() string {
	if g.backend == nil {
		return "mock"
	}
	return g.backend.Name()
}

// Generate returns the reply to userText given the prior turns.
// maxTokens <= 0 leaves the backend default in place.
func (g *Generator) Generate(ctx context.Context, turns []conversation.Turn, userText, systemPrompt string, maxTokens int) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", fmt.Errorf("%w: empty user text", ErrModelUnavailable)
	}

	if g.backend == nil {
		return TruncateReply(mockReply(userText), g.opts.MaxReplyChars), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	started := time.Now()
	reply, err := g.backend.Complete(ctx, CompletionRequest{
		System:    systemPrompt,
		History:   lastTurns(turns, g.opts.HistoryLimit),
		Query:     userText,
		MaxTokens: maxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %v", ErrModelTimeout, g.opts.Timeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	reply = TruncateReply(reply, g.opts.MaxReplyChars)
	if reply == "" {
		return "", fmt.Errorf("%w: empty completion", ErrModelUnavailable)
	}
	g.log.Debug().
		Str("backend", g.backend.Name()).
		Int("chars", utf8.RuneCountInString(reply)).
		Dur("latency", time.Since(started)).
		Msg("reply generated")
	return reply, nil
}

func lastTurns(turns []conversation.Turn, n int) []conversation.Turn {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

// TruncateReply trims s to at most limit runes, preferring a sentence end and
// then a word boundary.
func TruncateReply(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:limit])

	if i := strings.LastIndexAny(cut, ".!?…"); i > len(cut)/2 {
		_, size := utf8.DecodeRuneInString(cut[i:])
		return strings.TrimSpace(cut[:i+size])
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		return strings.TrimSpace(cut[:i]) + "…"
	}
	return cut
}
