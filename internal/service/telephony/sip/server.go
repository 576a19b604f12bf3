package sip

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/telephony"
)

const allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS"

// ErrRegisterFailed is returned when the registrar refuses the binding.
var ErrRegisterFailed = errors.New("sip register failed")

// Config SIP 用户代理配置。
type Config struct {
	ListenAddr string
	PublicIP   string
	RTPPortMin int
	RTPPortMax int
	// AckTimeout bounds how long an answered call may wait for ACK.
	AckTimeout time.Duration
	// T1 is the first 200 OK retransmit interval; it doubles up to T2.
	T1        time.Duration
	T2        time.Duration
	AgentID   string
	UserAgent string

	Registrar       string
	Username        string
	Password        string
	RegisterExpires time.Duration
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":5060"
	}
	if c.T1 <= 0 {
		c.T1 = 500 * time.Millisecond
	}
	if c.T2 <= 0 {
		c.T2 = 4 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 64 * c.T1
	}
	if c.UserAgent == "" {
		c.UserAgent = "agentdesk"
	}
	if c.Username == "" {
		c.Username = "agent"
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = 5 * time.Minute
	}
}

type dialog struct {
	callID   string
	remote   *net.UDPAddr
	invite   *Message
	localTo  string
	final    []byte
	media    *mediaSession
	acked    chan struct{}
	ackOnce  sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// Server answers inbound calls over UDP and hands them to the call manager.
type Server struct {
	cfg     Config
	calls   telephony.CallControl
	conn    *net.UDPConn
	ports   *portPool
	mediaIP string
	log     zerolog.Logger

	mu      sync.Mutex
	dialogs map[string]*dialog
	pending map[string]chan *Message

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds the signaling socket.
func Listen(cfg Config, calls telephony.CallControl) (*Server, error) {
	cfg.defaults()
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve sip listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen sip: %w", err)
	}

	mediaIP := cfg.PublicIP
	if mediaIP == "" {
		local := conn.LocalAddr().(*net.UDPAddr)
		if local.IP != nil && !local.IP.IsUnspecified() {
			mediaIP = local.IP.String()
		} else {
			mediaIP = "127.0.0.1"
		}
	}

	return &Server{
		cfg:     cfg,
		calls:   calls,
		conn:    conn,
		ports:   newPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		mediaIP: mediaIP,
		log:     logging.WithComponent("sip"),
		dialogs: make(map[string]*dialog),
		pending: make(map[string]chan *Message),
		quit:    make(chan struct{}),
	}, nil
}

// Addr 信令监听地址。
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Dialogs 当前对话数量。
func (s *Server) Dialogs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}

// Serve reads signaling until ctx ends or Close is called. When a registrar
// is configured the binding is kept fresh in the background.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.quit:
		}
	}()
	if s.cfg.Registrar != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.keepRegistered(ctx)
		}()
	}

	s.log.Info().Str("addr", s.Addr().String()).Str("media_ip", s.mediaIP).Msg("sip listening")
	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read sip: %w", err)
		}
		msg, err := Parse(buf[:n])
		if err != nil {
			s.log.Debug().Err(err).Str("from", from.String()).Msg("dropping datagram")
			continue
		}
		s.handle(ctx, msg, from)
	}
}

// Close ends every dialog with BYE, stops the listener and waits for call teardown.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		active := make([]*dialog, 0, len(s.dialogs))
		for _, d := range s.dialogs {
			active = append(active, d)
		}
		s.mu.Unlock()
		for _, d := range active {
			s.end(d, "shutdown", true)
		}
		_ = s.conn.Close()
		s.wg.Wait()
	})
}

func (s *Server) handle(ctx context.Context, msg *Message, from *net.UDPAddr) {
	if msg.IsResponse() {
		s.deliver(msg)
		return
	}
	switch msg.Method {
	case "INVITE":
		s.onInvite(ctx, msg, from)
	case "ACK":
		s.onAck(msg)
	case "BYE":
		s.onBye(msg, from)
	case "CANCEL":
		s.onCancel(msg, from)
	case "OPTIONS":
		res := NewResponse(msg, 200, "OK", "")
		res.Add("Allow", allowedMethods)
		res.Add("User-Agent", s.cfg.UserAgent)
		s.send(res.Bytes(), from)
	default:
		res := NewResponse(msg, 405, "Method Not Allowed", "")
		res.Add("Allow", allowedMethods)
		s.send(res.Bytes(), from)
	}
}

func (s *Server) onInvite(ctx context.Context, msg *Message, from *net.UDPAddr) {
	callID := msg.CallID()
	if d := s.dialog(callID); d != nil {
		// retransmitted INVITE; repeat the final answer
		s.send(d.final, from)
		return
	}
	log := logging.WithCall(callID, "").With().Str("transport", "sip").Logger()

	s.reply(msg, 100, "Trying", "", from)

	offer, err := ParseSDP(msg.Body)
	if err != nil {
		log.Warn().Err(err).Msg("invite without usable sdp")
		s.reply(msg, 488, "Not Acceptable Here", newTag(), from)
		return
	}
	pt, codec, ok := Negotiate(offer)
	if !ok {
		log.Warn().Str("payloads", fmt.Sprint(offer.Payloads)).Msg("no common codec")
		s.reply(msg, 488, "Not Acceptable Here", newTag(), from)
		return
	}

	conn, err := s.ports.listen(nil)
	if err != nil {
		log.Error().Err(err).Msg("rtp port allocation failed")
		s.reply(msg, 503, "Service Unavailable", newTag(), from)
		return
	}
	var remoteMedia *net.UDPAddr
	if offer.Addr != "" && offer.Port > 0 {
		remoteMedia, _ = net.ResolveUDPAddr("udp", net.JoinHostPort(offer.Addr, strconv.Itoa(offer.Port)))
	}
	media := newMediaSession(conn, remoteMedia, pt, codec, log)

	err = s.calls.Open(telephony.CallParams{
		ID:        callID,
		Remote:    from.String(),
		Transport: "sip",
		AgentID:   s.cfg.AgentID,
	}, media)
	if err != nil {
		media.Close()
		code, reason := 500, "Server Internal Error"
		if errors.Is(err, telephony.ErrTooManyCalls) {
			code, reason = 486, "Busy Here"
		}
		log.Warn().Err(err).Int("status", code).Msg("call rejected")
		s.reply(msg, code, reason, newTag(), from)
		return
	}

	tag := newTag()
	s.reply(msg, 180, "Ringing", tag, from)

	okRes := NewResponse(msg, 200, "OK", tag)
	okRes.Add("Contact", fmt.Sprintf("<sip:%s@%s>", s.cfg.Username, s.hostPort()))
	okRes.Add("Allow", allowedMethods)
	okRes.Add("User-Agent", s.cfg.UserAgent)
	okRes.Add("Content-Type", "application/sdp")
	okRes.Body = BuildAnswer(s.mediaIP, media.Port(), pt)

	d := &dialog{
		callID:  callID,
		remote:  from,
		invite:  msg,
		localTo: okRes.Get("To"),
		final:   okRes.Bytes(),
		media:   media,
		acked:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.dialogs[callID] = d
	s.mu.Unlock()

	if err := s.calls.Accept(callID); err != nil {
		log.Warn().Err(err).Msg("accept failed")
	}
	s.send(d.final, from)
	log.Info().Str("from", URI(msg.Get("From"))).Uint8("pt", pt).Int("rtp_port", media.Port()).Msg("call answered")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.awaitAck(ctx, d)
	}()
}

// awaitAck retransmits 200 OK with doubling intervals until the caller
// acknowledges it. No ACK within AckTimeout means the call is dropped.
func (s *Server) awaitAck(ctx context.Context, d *dialog) {
	interval := s.cfg.T1
	retry := time.NewTimer(interval)
	defer retry.Stop()
	deadline := time.NewTimer(s.cfg.AckTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-d.acked:
			return
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.log.Warn().Str("callId", d.callID).Dur("timeout", s.cfg.AckTimeout).Msg("no ACK for 200 OK, dropping call")
			s.end(d, "ack_timeout", true)
			return
		case <-retry.C:
			s.send(d.final, d.remote)
			interval = min(interval*2, s.cfg.T2)
			retry.Reset(interval)
		}
	}
}

func (s *Server) onAck(msg *Message) {
	d := s.dialog(msg.CallID())
	if d == nil {
		return
	}
	d.ackOnce.Do(func() {
		close(d.acked)
		if err := s.calls.Activate(d.callID); err != nil {
			s.log.Warn().Err(err).Str("callId", d.callID).Msg("activate failed")
			s.end(d, "activate_failed", true)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			d.media.readLoop(d.callID, s.calls)
		}()
	})
}

func (s *Server) onBye(msg *Message, from *net.UDPAddr) {
	d := s.dialog(msg.CallID())
	if d == nil {
		s.reply(msg, 481, "Call/Transaction Does Not Exist", "", from)
		return
	}
	s.reply(msg, 200, "OK", "", from)
	s.end(d, "remote_bye", false)
}

// onCancel 主叫在 ACK 之前放弃：200 应答 CANCEL，487 终结 INVITE。
func (s *Server) onCancel(msg *Message, from *net.UDPAddr) {
	d := s.dialog(msg.CallID())
	if d == nil {
		s.reply(msg, 481, "Call/Transaction Does Not Exist", "", from)
		return
	}
	s.reply(msg, 200, "OK", "", from)
	select {
	case <-d.acked:
		return
	default:
	}
	terminated := NewResponse(d.invite, 487, "Request Terminated", Tag(d.localTo))
	s.send(terminated.Bytes(), from)
	s.end(d, "cancelled", false)
}

// end removes the dialog once. The call is hung up off the read loop since
// teardown waits for the call's worker.
func (s *Server) end(d *dialog, reason string, sendBye bool) {
	d.doneOnce.Do(func() {
		s.mu.Lock()
		delete(s.dialogs, d.callID)
		s.mu.Unlock()
		close(d.done)

		if sendBye {
			s.sendBye(d)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.calls.Hangup(d.callID, reason); err != nil && !errors.Is(err, telephony.ErrCallNotFound) {
				s.log.Warn().Err(err).Str("callId", d.callID).Msg("hangup failed")
			}
			d.media.Close()
		}()
	})
}

func (s *Server) sendBye(d *dialog) {
	target := URI(d.invite.Get("Contact"))
	if target == "" {
		target = URI(d.invite.Get("From"))
	}
	req := NewRequest("BYE", target)
	req.Add("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", s.hostPort(), newBranch()))
	req.Add("Max-Forwards", "70")
	req.Add("From", d.localTo)
	req.Add("To", d.invite.Get("From"))
	req.Add("Call-ID", d.callID)
	req.Add("CSeq", "1 BYE")
	req.Add("User-Agent", s.cfg.UserAgent)
	s.send(req.Bytes(), d.remote)
}

func (s *Server) dialog(callID string) *dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialogs[callID]
}

func (s *Server) reply(req *Message, code int, reason, toTag string, to *net.UDPAddr) {
	res := NewResponse(req, code, reason, toTag)
	s.send(res.Bytes(), to)
}

func (s *Server) send(data []byte, to *net.UDPAddr) {
	if to == nil || len(data) == 0 {
		return
	}
	if _, err := s.conn.WriteToUDP(data, to); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Err(err).Str("to", to.String()).Msg("sip send failed")
	}
}

func (s *Server) hostPort() string {
	return net.JoinHostPort(s.mediaIP, strconv.Itoa(s.Addr().Port))
}

func (s *Server) deliver(res *Message) {
	s.mu.Lock()
	ch := s.pending[res.CallID()]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func newBranch() string { return fmt.Sprintf("z9hG4bK%08x", rand.Uint32()) }
func newTag() string    { return fmt.Sprintf("t%08x", rand.Uint32()) }
