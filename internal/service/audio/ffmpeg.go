package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/voicefleet/agentdesk/backend/internal/model/speech"
)

// commandRunner executes an external command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// ffmpegDecode converts an Opus/FLAC/MP4 container to PCM16 mono WAV through temp files.
// Both temp files are removed before returning, on every path.
func (t *Transcoder) ffmpegDecode(ctx context.Context, data []byte, container speech.Container, rate int) (WAVInfo, error) {
	in, err := os.CreateTemp(t.tempDir, "voice-in-*."+string(container))
	if err != nil {
		return WAVInfo{}, fmt.Errorf("create temp input: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	if _, err := in.Write(data); err != nil {
		in.Close()
		return WAVInfo{}, fmt.Errorf("write temp input: %w", err)
	}
	if err := in.Close(); err != nil {
		return WAVInfo{}, fmt.Errorf("close temp input: %w", err)
	}

	out, err := os.CreateTemp(t.tempDir, "voice-out-*.wav")
	if err != nil {
		return WAVInfo{}, fmt.Errorf("create temp output: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", inPath,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		outPath,
	}
	if output, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return WAVInfo{}, fmt.Errorf("ffmpeg: %w: %s", err, truncate(string(output), 200))
	}

	wav, err := os.ReadFile(outPath)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("read ffmpeg output: %w", err)
	}
	return ParseWAV(wav)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
