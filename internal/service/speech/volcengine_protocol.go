package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎 openspeech 二进制帧协议。
// 帧格式: 4 字节头 | [sequence] | [event, session id] | payload size | payload

const frameProtocolVersion = 0b0001

type frameType uint8

const (
	frameFullClientRequest  frameType = 0b0001
	frameAudioOnlyRequest   frameType = 0b0010
	frameFullServerResponse frameType = 0b1001
	frameAudioOnlyResponse  frameType = 0b1011
	frameError              frameType = 0b1111
)

type frameFlags uint8

const (
	flagNoSequence       frameFlags = 0b0000
	flagPositiveSequence frameFlags = 0b0001
	flagLastNoSequence   frameFlags = 0b0010
	flagNegativeSequence frameFlags = 0b0011
	flagWithEvent        frameFlags = 0b0100
)

type frameEvent int32

const (
	eventStartConnection    frameEvent = 1
	eventFinishConnection   frameEvent = 2
	eventConnectionStarted  frameEvent = 50
	eventConnectionFailed   frameEvent = 51
	eventConnectionFinished frameEvent = 52
	eventSessionFinished    frameEvent = 152
)

const (
	serializationNone uint8 = 0b0000
	serializationJSON uint8 = 0b0001

	compressionNone uint8 = 0b0000
	compressionGzip uint8 = 0b0001
)

// frame 单个协议帧。
type frame struct {
	Type          frameType
	Flags         frameFlags
	Serialization uint8
	Compression   uint8
	Sequence      int32
	Event         frameEvent
	SessionID     string
	ErrorCode     uint32
	Payload       []byte
}

func (f *frame) last() bool {
	switch f.Flags & 0b0011 {
	case flagLastNoSequence, flagNegativeSequence:
		return true
	}
	return false
}

func (f *frame) hasEvent() bool {
	return f.Flags&flagWithEvent == flagWithEvent
}

// body returns the payload with compression removed.
func (f *frame) body() ([]byte, error) {
	switch f.Compression {
	case compressionNone:
		return f.Payload, nil
	case compressionGzip:
		return gunzip(f.Payload)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Compression)
	}
}

func (f *frame) marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameProtocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.Type)<<4 | uint8(f.Flags))
	buf.WriteByte(f.Serialization<<4 | f.Compression)
	buf.WriteByte(0)

	u32 := make([]byte, 4)
	switch f.Flags & 0b0011 {
	case flagPositiveSequence, flagNegativeSequence:
		binary.BigEndian.PutUint32(u32, uint32(f.Sequence))
		buf.Write(u32)
	}
	if f.hasEvent() {
		binary.BigEndian.PutUint32(u32, uint32(f.Event))
		buf.Write(u32)
		if !eventWithoutSession(f.Event) {
			binary.BigEndian.PutUint32(u32, uint32(len(f.SessionID)))
			buf.Write(u32)
			buf.WriteString(f.SessionID)
		}
	}
	binary.BigEndian.PutUint32(u32, uint32(len(f.Payload)))
	buf.Write(u32)
	buf.Write(f.Payload)
	return buf.Bytes()
}

func unmarshalFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if v := head[0] >> 4; v != frameProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	f := &frame{
		Type:          frameType(head[1] >> 4),
		Flags:         frameFlags(head[1] & 0x0F),
		Serialization: head[2] >> 4,
		Compression:   head[2] & 0x0F,
	}

	readU32 := func(what string) (uint32, error) {
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", what, err)
		}
		return v, nil
	}
	readString := func(what string) (string, error) {
		n, err := readU32(what + " size")
		if err != nil {
			return "", err
		}
		if int(n) > r.Len() {
			return "", fmt.Errorf("%s size %d exceeds frame", what, n)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("failed to read %s: %w", what, err)
		}
		return string(b), nil
	}

	switch f.Flags & 0b0011 {
	case flagPositiveSequence, flagNegativeSequence:
		seq, err := readU32("sequence")
		if err != nil {
			return nil, err
		}
		f.Sequence = int32(seq)
	}

	if f.hasEvent() {
		ev, err := readU32("event")
		if err != nil {
			return nil, err
		}
		f.Event = frameEvent(int32(ev))
		if !eventWithoutSession(f.Event) {
			if f.SessionID, err = readString("session id"); err != nil {
				return nil, err
			}
		}
		if eventWithConnectID(f.Event) {
			if _, err = readString("connect id"); err != nil {
				return nil, err
			}
		}
	}

	if f.Type == frameError {
		code, err := readU32("error code")
		if err != nil {
			return nil, err
		}
		f.ErrorCode = code
	}

	size, err := readU32("payload size")
	if err != nil {
		return nil, err
	}
	if int(size) > r.Len() {
		return nil, fmt.Errorf("payload size %d exceeds frame (%d bytes left)", size, r.Len())
	}
	f.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return f, nil
}

func eventWithoutSession(e frameEvent) bool {
	switch e {
	case eventStartConnection, eventFinishConnection, eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func eventWithConnectID(e frameEvent) bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

// fullRequestFrame 携带 JSON 参数的首帧。
func fullRequestFrame(payload []byte, compression uint8) *frame {
	return &frame{
		Type:          frameFullClientRequest,
		Flags:         flagNoSequence,
		Serialization: serializationJSON,
		Compression:   compression,
		Payload:       payload,
	}
}

// audioFrame builds an audio-only frame; the last one carries a negated sequence.
func audioFrame(chunk []byte, seq int32, last bool) *frame {
	flags := flagPositiveSequence
	if last {
		flags = flagNegativeSequence
		seq = -seq
	}
	return &frame{
		Type:          frameAudioOnlyRequest,
		Flags:         flags,
		Serialization: serializationNone,
		Compression:   compressionGzip,
		Sequence:      seq,
		Payload:       chunk,
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
