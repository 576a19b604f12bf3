package ai

import (
	"fmt"
	"strings"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
)

// voicePolicy 语音对话的通用约束，追加在每个系统提示之后。
var voicePolicy = []string{
	"Yanıtların sesli okunacak; madde işareti, emoji veya markdown kullanma.",
	"En fazla iki kısa cümle kur.",
	"Sohbeti sürdürmek için uygun olduğunda açık uçlu bir soru sor.",
	"Emin olmadığın bilgiyi uydurma.",
}

// BuildSystemPrompt composes the configured base prompt with the agent's persona.
// The agent's own prompt wins over base when both are set.
func BuildSystemPrompt(base string, a *agent.Agent) string {
	var b strings.Builder

	prompt := strings.TrimSpace(base)
	if a != nil && strings.TrimSpace(a.SystemPrompt) != "" {
		prompt = strings.TrimSpace(a.SystemPrompt)
	}
	b.WriteString(prompt)

	if a != nil {
		if a.Name != "" {
			fmt.Fprintf(&b, "\n\nAdın: %s.", a.Name)
		}
		if a.Language != "" {
			fmt.Fprintf(&b, "\nKonuşma dili: %s.", a.Language)
		}
	}

	b.WriteString("\n\nKurallar:")
	for _, rule := range voicePolicy {
		b.WriteString("\n- ")
		b.WriteString(rule)
	}
	return strings.TrimSpace(b.String())
}
