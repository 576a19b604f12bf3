package speech

// RecognitionStatus 识别结果状态。
type RecognitionStatus string

const (
	StatusRecognized RecognitionStatus = "recognized"
	StatusNoMatch    RecognitionStatus = "no_match"
	StatusError      RecognitionStatus = "error"
)

// FailureReason narrows down StatusError.
type FailureReason string

const (
	ReasonNone    FailureReason = ""
	ReasonTimeout FailureReason = "timeout"
	ReasonBackend FailureReason = "backend"
)

// RecognitionResult 语音识别输出。
// StatusRecognized implies non-empty Text. Synthetic marks text that was not
// produced by the recognizer itself.
type RecognitionResult struct {
	Text       string            `json:"text"`
	Status     RecognitionStatus `json:"status"`
	Reason     FailureReason     `json:"reason,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Encoding   string            `json:"encoding,omitempty"`
	Backend    string            `json:"backend,omitempty"`
	Synthetic  bool              `json:"synthetic,omitempty"`
}

// Recognized reports whether the result can be forwarded to the language model.
func (r RecognitionResult) Recognized() bool {
	return r.Status == StatusRecognized && r.Text != "" && !r.Synthetic
}

// NoMatch builds the expected "no speech" outcome.
func NoMatch(backend string) RecognitionResult {
	return RecognitionResult{Status: StatusNoMatch, Backend: backend}
}
