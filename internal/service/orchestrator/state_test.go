package orchestrator

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateRecording, true},
		{StateIdle, StateProcessingSTT, false},
		{StateRecording, StateProcessingSTT, true},
		{StateRecording, StateResponding, false},
		{StateProcessingSTT, StateProcessingLLM, true},
		{StateProcessingSTT, StateIdle, true},
		{StateProcessingSTT, StateResponding, false},
		{StateProcessingLLM, StateProcessingTTS, true},
		{StateProcessingTTS, StateResponding, true},
		{StateProcessingTTS, StateError, true},
		{StateResponding, StateRecording, true},
		{StateResponding, StateProcessingSTT, false},
		{StateError, StateIdle, true},
		{StateError, StateResponding, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEveryStateCanReturnToIdle(t *testing.T) {
	for s := StateRecording; s <= StateError; s++ {
		if !CanTransition(s, StateIdle) {
			t.Fatalf("%s cannot return to idle", s)
		}
	}
}

func TestErrorReachableFromProcessingOnly(t *testing.T) {
	for s := StateIdle; s <= StateError; s++ {
		if s == StateError {
			continue
		}
		if got := CanTransition(s, StateError); got != s.Processing() {
			t.Fatalf("CanTransition(%s, error) = %v", s, got)
		}
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("continuous") != ModeContinuous || ParseMode("vad") != ModeContinuous {
		t.Fatal("expected continuous mode")
	}
	if ParseMode("") != ModePushToTalk || ParseMode("ptt") != ModePushToTalk {
		t.Fatal("expected push-to-talk default")
	}
	if StateProcessingLLM.String() != "processing_llm" {
		t.Fatalf("unexpected name %q", StateProcessingLLM.String())
	}
}
