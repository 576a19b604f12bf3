package agent

import "time"

// Agent captures a hosted voice agent's configuration.
type Agent struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SystemPrompt    string    `json:"systemPrompt"`
	FirstMessage    string    `json:"firstMessage"`
	Language        string    `json:"language"`
	VoiceID         string    `json:"voiceId"`
	Stability       float64   `json:"stability"`
	SimilarityBoost float64   `json:"similarityBoost"`
	ProviderAgentID string    `json:"providerAgentId,omitempty"` // 外部平台上的 agent id
	PhoneNumber     string    `json:"phoneNumber,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultID is the agent used when a request names none.
const DefaultID = "default"

// Seed provides the built-in assistant.
func Seed() []Agent {
	now := time.Now().UTC()
	return []Agent{
		{
			ID:              DefaultID,
			Name:            "Asistan",
			SystemPrompt:    "",
			FirstMessage:    "Merhaba! Size nasıl yardımcı olabilirim?",
			Language:        "tr-TR",
			VoiceID:         "21m00Tcm4TlvDq8ikWAM",
			Stability:       0.5,
			SimilarityBoost: 0.75,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
}
