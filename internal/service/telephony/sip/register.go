package sip

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const registerAttemptTimeout = 5 * time.Second

// Register binds the agent's contact at the registrar, answering one digest
// challenge if the registrar issues it.
func (s *Server) Register(ctx context.Context) error {
	registrar, err := net.ResolveUDPAddr("udp", s.cfg.Registrar)
	if err != nil {
		return fmt.Errorf("resolve registrar: %w", err)
	}
	host, _, err := net.SplitHostPort(s.cfg.Registrar)
	if err != nil {
		host = s.cfg.Registrar
	}
	uri := "sip:" + host
	callID := fmt.Sprintf("%d@%s", time.Now().UnixNano(), s.mediaIP)
	fromTag := newTag()

	responses := make(chan *Message, 4)
	s.mu.Lock()
	s.pending[callID] = responses
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, callID)
		s.mu.Unlock()
	}()

	var authName, authValue string
	for cseq := 1; cseq <= 2; cseq++ {
		req := s.buildRegister(uri, host, callID, fromTag, cseq)
		if authValue != "" {
			req.Add(authName, authValue)
		}
		s.send(req.Bytes(), registrar)

		res, err := awaitFinal(ctx, responses, registerAttemptTimeout)
		if err != nil {
			return err
		}
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			s.log.Info().Str("registrar", s.cfg.Registrar).Str("user", s.cfg.Username).Msg("registered")
			return nil
		case (res.StatusCode == 401 || res.StatusCode == 407) && authValue == "":
			challengeHeader, answerHeader := "WWW-Authenticate", "Authorization"
			if res.StatusCode == 407 {
				challengeHeader, answerHeader = "Proxy-Authenticate", "Proxy-Authorization"
			}
			challenge, ok := ParseChallenge(res.Get(challengeHeader))
			if !ok {
				return fmt.Errorf("%w: %d without digest challenge", ErrRegisterFailed, res.StatusCode)
			}
			authName = answerHeader
			authValue = challenge.Authorization(s.cfg.Username, s.cfg.Password, "REGISTER", uri)
		default:
			return fmt.Errorf("%w: %d %s", ErrRegisterFailed, res.StatusCode, res.Reason)
		}
	}
	return fmt.Errorf("%w: credentials rejected", ErrRegisterFailed)
}

func (s *Server) buildRegister(uri, host, callID, fromTag string, cseq int) *Message {
	req := NewRequest("REGISTER", uri)
	req.Add("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s;rport", s.hostPort(), newBranch()))
	req.Add("Max-Forwards", "70")
	req.Add("From", fmt.Sprintf(`"%s" <sip:%s@%s>;tag=%s`, s.cfg.Username, s.cfg.Username, host, fromTag))
	req.Add("To", fmt.Sprintf(`"%s" <sip:%s@%s>`, s.cfg.Username, s.cfg.Username, host))
	req.Add("Call-ID", callID)
	req.Add("CSeq", strconv.Itoa(cseq)+" REGISTER")
	req.Add("Contact", fmt.Sprintf("<sip:%s@%s>", s.cfg.Username, s.hostPort()))
	req.Add("Expires", strconv.Itoa(int(s.cfg.RegisterExpires/time.Second)))
	req.Add("User-Agent", s.cfg.UserAgent)
	req.Add("Allow", allowedMethods)
	return req
}

// awaitFinal skips provisional responses.
func awaitFinal(ctx context.Context, responses <-chan *Message, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case res := <-responses:
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: no response within %s", ErrRegisterFailed, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// keepRegistered refreshes the binding before it expires, retrying sooner after failures.
func (s *Server) keepRegistered(ctx context.Context) {
	refresh := s.cfg.RegisterExpires * 3 / 4
	for {
		wait := refresh
		if err := s.Register(ctx); err != nil {
			s.log.Warn().Err(err).Str("registrar", s.cfg.Registrar).Msg("registration failed")
			wait = min(30*time.Second, refresh)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		}
	}
}
