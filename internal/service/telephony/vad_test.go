package telephony

import (
	"math"
	"testing"
	"time"
)

func tone(n int, amp float64) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(amp * math.Sin(2*math.Pi*300*float64(i)/8000))
	}
	return pcm
}

func TestChunkerCutsOnTrailingSilence(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	var started int
	for i := 0; i < 20; i++ {
		utt, s := c.Push(tone(160, 6000))
		if utt != nil {
			t.Fatalf("utterance cut while still speaking at frame %d", i)
		}
		if s {
			started++
			if i != 2 {
				t.Fatalf("onset confirmed at frame %d, want 2", i)
			}
		}
	}
	if started != 1 || !c.InSpeech() {
		t.Fatalf("started=%d inSpeech=%v", started, c.InSpeech())
	}

	var utt []int16
	for i := 0; i < 15 && utt == nil; i++ {
		utt, _ = c.Push(make([]int16, 160))
	}
	if utt == nil {
		t.Fatal("trailing silence did not close the utterance")
	}
	// 20 voiced frames plus the 10 silent frames that closed it
	if len(utt) != 30*160 {
		t.Fatalf("utterance has %d samples", len(utt))
	}
	if c.InSpeech() {
		t.Fatal("chunker still in speech after cut")
	}
}

func TestChunkerDropsShortBursts(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	for i := 0; i < 4; i++ {
		c.Push(tone(160, 6000))
	}
	for i := 0; i < 20; i++ {
		if utt, _ := c.Push(make([]int16, 160)); utt != nil {
			t.Fatalf("80 ms burst produced an utterance of %d samples", len(utt))
		}
	}
}

func TestChunkerIgnoresIsolatedClicks(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	for i := 0; i < 10; i++ {
		if _, s := c.Push(tone(160, 6000)); s {
			t.Fatal("single loud frame confirmed onset")
		}
		c.Push(make([]int16, 160))
	}
	if c.InSpeech() {
		t.Fatal("alternating frames must not start speech")
	}
}

func TestChunkerCapsUtteranceLength(t *testing.T) {
	cfg := DefaultChunkerConfig()
	cfg.MaxUtterance = 500 * time.Millisecond
	c := NewChunker(cfg)

	var cut []int16
	for i := 0; i < 100 && cut == nil; i++ {
		cut, _ = c.Push(tone(160, 6000))
	}
	if cut == nil {
		t.Fatal("continuous speech never cut")
	}
	if len(cut) != 25*160 {
		t.Fatalf("cut at %d samples, want %d", len(cut), 25*160)
	}
}

func TestChunkerQuietAudioNeverStarts(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	for i := 0; i < 50; i++ {
		if utt, s := c.Push(tone(160, 200)); utt != nil || s {
			t.Fatal("quiet audio treated as speech")
		}
	}
}
