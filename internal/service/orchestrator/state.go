// Package orchestrator 串联转码、识别、记忆、生成与合成。
package orchestrator

import (
	"errors"
	"fmt"
)

// State 对话状态机的单一状态。
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessingSTT
	StateProcessingLLM
	StateProcessingTTS
	StateResponding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessingSTT:
		return "processing_stt"
	case StateProcessingLLM:
		return "processing_llm"
	case StateProcessingTTS:
		return "processing_tts"
	case StateResponding:
		return "responding"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Processing reports whether s is one of the backend stages.
func (s State) Processing() bool {
	return s == StateProcessingSTT || s == StateProcessingLLM || s == StateProcessingTTS
}

// ErrInvalidTransition is returned for a move the table does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// 每个状态都可以回到 Idle（取消）；Recording 作为打断目标出现在处理与播放状态中。
var transitions = map[State][]State{
	StateIdle:          {StateRecording},
	StateRecording:     {StateProcessingSTT, StateIdle},
	StateProcessingSTT: {StateProcessingLLM, StateIdle, StateError, StateRecording},
	StateProcessingLLM: {StateProcessingTTS, StateResponding, StateIdle, StateError, StateRecording},
	StateProcessingTTS: {StateResponding, StateIdle, StateError, StateRecording},
	StateResponding:    {StateIdle, StateRecording},
	StateError:         {StateIdle, StateRecording},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode 交互模式。
type Mode int

const (
	// ModePushToTalk waits for an explicit start after every reply.
	ModePushToTalk Mode = iota
	// ModeContinuous re-enters Recording after playback, driven by client VAD.
	ModeContinuous
)

func (m Mode) String() string {
	if m == ModeContinuous {
		return "continuous"
	}
	return "push_to_talk"
}

// ParseMode maps the wire name to a Mode, defaulting to push-to-talk.
func ParseMode(s string) Mode {
	if s == "continuous" || s == "vad" {
		return ModeContinuous
	}
	return ModePushToTalk
}
