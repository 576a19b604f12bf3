package speech

// Markup selects whether text is sent raw or wrapped in SSML.
type Markup int

const (
	PlainText Markup = iota
	MarkupWrapped
)

// VoiceParams 每个音色的合成参数。
type VoiceParams struct {
	VoiceID         string  `json:"voiceId"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
	Language        string  `json:"language,omitempty"`
}
