package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrRecognitionTimeout 识别超过硬超时。
	ErrRecognitionTimeout = errors.New("speech recognition timed out")
	// ErrRecognitionNoMatch marks an expected "no speech" outcome.
	ErrRecognitionNoMatch = errors.New("no speech recognized")
	// ErrRecognitionFailed 识别后端失败。
	ErrRecognitionFailed = errors.New("speech recognition failed")
	// ErrUnsupportedEncoding is returned by a backend that cannot take a candidate encoding.
	ErrUnsupportedEncoding = errors.New("encoding not supported by backend")
	// ErrHandleReleased is returned when a released stream handle is used.
	ErrHandleReleased = errors.New("recognizer handle released")

	// ErrSynthesisFailed 语音合成失败；永远不会以空音频表示成功。
	ErrSynthesisFailed = errors.New("speech synthesis failed")
)

// SynthesisError wraps a backend failure with its origin.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed (backend=%s): %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() []error {
	return []error{ErrSynthesisFailed, e.Err}
}
