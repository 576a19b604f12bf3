package telephony

import (
	"context"
	"time"
)

// FrameBytes is 20 ms of 8 kHz G.711.
const FrameBytes = 160

// FrameInterval 每帧时长。
const FrameInterval = 20 * time.Millisecond

// MediaSink carries synthesized audio back to the caller.
type MediaSink interface {
	// SendAudio plays 8 kHz μ-law audio and returns when it has been sent or ctx ends.
	SendAudio(ctx context.Context, ulaw []byte) error
	// Clear drops audio the far end has buffered but not yet played.
	Clear() error
}

// Pace splits data into frame-sized chunks and hands them to send at
// real-time rate, stopping as soon as ctx ends.
func Pace(ctx context.Context, data []byte, frameBytes int, interval time.Duration, send func([]byte) error) error {
	if frameBytes <= 0 {
		frameBytes = FrameBytes
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for off := 0; off < len(data); off += frameBytes {
		end := min(off+frameBytes, len(data))
		if err := send(data[off:end]); err != nil {
			return err
		}
		if end == len(data) {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
