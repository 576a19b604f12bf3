package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
)

// EinoBackend 通过 eino 链 (模板 → 模型) 调用 Ark 等聊天模型。
type EinoBackend struct {
	name  string
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewEinoBackend compiles the system/history/query chain around chatModel.
func NewEinoBackend(ctx context.Context, name string, chatModel model.BaseChatModel) (*EinoBackend, error) {
	tmpl := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tmpl)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &EinoBackend{name: name, chain: runnable}, nil
}

func (e *EinoBackend) Name() string { return e.name }

// Complete 执行链路。MaxTokens > 0 时覆盖模型默认值。
func (e *EinoBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var opts []compose.Option
	if req.MaxTokens > 0 {
		opts = append(opts, compose.WithChatModelOption(model.WithMaxTokens(req.MaxTokens)))
	}
	out, err := e.chain.Invoke(ctx, map[string]any{
		"system":  req.System,
		"history": historyMessages(req.History),
		"query":   req.Query,
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}
	return out.Content, nil
}

func historyMessages(turns []conversation.Turn) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Text))
		case conversation.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Text, nil))
		}
	}
	return msgs
}
