package sip

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	"github.com/voicefleet/agentdesk/backend/internal/service/telephony"
)

// mediaSession 一通电话的 RTP 端点：接收循环把帧交给呼叫管理器，
// 发送端按 20 ms 节奏输出合成语音。
type mediaSession struct {
	conn  *net.UDPConn
	pt    uint8
	codec telephony.Codec
	log   zerolog.Logger

	mu     sync.Mutex
	remote *net.UDPAddr
	seq    uint16
	ts     uint32
	ssrc   uint32
	first  bool

	closeOnce sync.Once
}

func newMediaSession(conn *net.UDPConn, remote *net.UDPAddr, pt uint8, codec telephony.Codec, log zerolog.Logger) *mediaSession {
	return &mediaSession{
		conn:   conn,
		pt:     pt,
		codec:  codec,
		log:    log,
		remote: remote,
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
		first:  true,
	}
}

// Port 本地 RTP 端口。
func (s *mediaSession) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendAudio paces 8 kHz μ-law onto the wire as RTP, transcoding to A-law when negotiated.
func (s *mediaSession) SendAudio(ctx context.Context, ulaw []byte) error {
	payload := ulaw
	if s.codec == telephony.CodecPCMA {
		payload = audio.EncodeAlaw(audio.DecodeMulaw(ulaw))
	}
	s.mu.Lock()
	s.first = true
	s.mu.Unlock()
	return telephony.Pace(ctx, payload, telephony.FrameBytes, telephony.FrameInterval, s.writeFrame)
}

// Clear is a no-op: RTP has no far-end buffer, cancelling the pacer is enough.
func (s *mediaSession) Clear() error {
	return nil
}

func (s *mediaSession) writeFrame(chunk []byte) error {
	s.mu.Lock()
	remote := s.remote
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.first,
			PayloadType:    s.pt,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: chunk,
	}
	s.first = false
	s.seq++
	s.ts += uint32(len(chunk))
	s.mu.Unlock()

	if remote == nil {
		return nil
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(raw, remote)
	return err
}

// readLoop forwards inbound audio to the call until the socket closes or the
// call is gone. It only enqueues; recognition happens on the call's worker.
func (s *mediaSession) readLoop(callID string, calls telephony.CallControl) {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Msg("rtp read stopped")
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType != s.pt || len(pkt.Payload) == 0 {
			// telephone-event, comfort noise
			continue
		}

		// symmetric RTP: answer wherever the media actually comes from
		s.mu.Lock()
		if s.remote == nil || !s.remote.IP.Equal(from.IP) || s.remote.Port != from.Port {
			s.remote = from
		}
		s.mu.Unlock()

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		err = calls.PushFrame(callID, telephony.Frame{Codec: s.codec, Payload: payload})
		if errors.Is(err, telephony.ErrCallNotFound) || errors.Is(err, telephony.ErrCallTerminated) {
			return
		}
	}
}

func (s *mediaSession) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// portPool hands out RTP ports from the configured range.
type portPool struct {
	mu     sync.Mutex
	lo, hi int
	next   int
}

func newPortPool(lo, hi int) *portPool {
	if hi < lo {
		hi = lo
	}
	return &portPool{lo: lo, hi: hi, next: lo}
}

var errNoPorts = errors.New("no free rtp port")

// listen binds the next free port; a zero range asks the OS for one.
func (p *portPool) listen(ip net.IP) (*net.UDPConn, error) {
	if p.lo == 0 {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i <= p.hi-p.lo; i++ {
		port := p.next
		p.next++
		if p.next > p.hi {
			p.next = p.lo
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, errNoPorts
}
