package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 decodes an MP3 buffer to mono PCM16 at the stream's native rate.
func DecodeMP3(data []byte) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decoder: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}
	if len(raw) < 4 {
		return nil, 0, errors.New("mp3 decode: no audio frames")
	}

	// go-mp3 always emits 16-bit little-endian stereo
	stereo := BytesToPCM16(raw[:len(raw)-len(raw)%4])
	return ToMono(stereo, 2), dec.SampleRate(), nil
}
