// Package telephony 管理电话呼叫的生命周期与逐通话的识别-应答循环。
package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrCallTerminated    = errors.New("call terminated")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrTooManyCalls      = errors.New("too many active calls")
	ErrDuplicateCall     = errors.New("call already exists")
)

// CallState 单通电话的状态。
type CallState int

const (
	CallRinging CallState = iota
	CallAccepted
	CallActive
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallAccepted:
		return "accepted"
	case CallActive:
		return "active"
	case CallTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("call_state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var callTransitions = map[CallState][]CallState{
	CallRinging:  {CallAccepted, CallTerminated},
	CallAccepted: {CallActive, CallTerminated},
	CallActive:   {CallTerminated},
}

// CanTransitionCall reports whether from → to is allowed.
func CanTransitionCall(from, to CallState) bool {
	for _, s := range callTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CallControl is what signaling transports drive; *Manager implements it.
type CallControl interface {
	Open(p CallParams, sink MediaSink) error
	Accept(id string) error
	Activate(id string) error
	PushFrame(id string, f Frame) error
	Hangup(id, reason string) error
}

// CallParams describes a new inbound call.
type CallParams struct {
	ID        string
	StreamID  string
	Remote    string
	Transport string
	AgentID   string
}

// CallInfo is a point-in-time view of a call.
type CallInfo struct {
	ID        string    `json:"callId"`
	StreamID  string    `json:"streamId,omitempty"`
	Remote    string    `json:"remoteAddress,omitempty"`
	Transport string    `json:"transport"`
	AgentID   string    `json:"agentId,omitempty"`
	State     CallState `json:"state"`
	StartedAt time.Time `json:"startTime"`
	Turns     int       `json:"turns"`
	Dropped   int64     `json:"framesDropped"`
}

// Call 一通电话的运行时状态。转写记录存放在会话存储中，以 call id 为键。
type Call struct {
	params    CallParams
	startedAt time.Time
	sink      MediaSink
	queue     *FrameQueue
	log       zerolog.Logger

	mu     sync.Mutex
	state  CallState
	handle *speech.StreamHandle
	cancel context.CancelFunc
	done   chan struct{}

	playMu     sync.Mutex
	playCancel context.CancelFunc
	playWG     sync.WaitGroup
	speaking   atomic.Int32

	turns atomic.Int32
}

func newCall(p CallParams, sink MediaSink, queueSize int) *Call {
	return &Call{
		params:    p,
		startedAt: time.Now().UTC(),
		sink:      sink,
		queue:     NewFrameQueue(queueSize),
		log:       logging.WithCall(p.ID, p.StreamID).With().Str("transport", p.Transport).Logger(),
		state:     CallRinging,
	}
}

// ID 返回呼叫标识。
func (c *Call) ID() string { return c.params.ID }

// State 当前状态。
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) transition(to CallState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

// transitionLocked requires c.mu.
func (c *Call) transitionLocked(to CallState) error {
	if c.state == CallTerminated {
		return ErrCallTerminated
	}
	if !CanTransitionCall(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// Info 返回快照。
func (c *Call) Info() CallInfo {
	return CallInfo{
		ID:        c.params.ID,
		StreamID:  c.params.StreamID,
		Remote:    c.params.Remote,
		Transport: c.params.Transport,
		AgentID:   c.params.AgentID,
		State:     c.State(),
		StartedAt: c.startedAt,
		Turns:     int(c.turns.Load()),
		Dropped:   c.queue.Dropped(),
	}
}

// Speaking reports whether assistant audio is being played to the caller.
func (c *Call) Speaking() bool {
	return c.speaking.Load() > 0
}

// startPlayback cancels any playback still running and returns the context for the next one.
func (c *Call) startPlayback(parent context.Context) context.Context {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if c.playCancel != nil {
		c.playCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	c.playCancel = cancel
	return ctx
}

// stopPlayback 打断当前播放。
func (c *Call) stopPlayback() bool {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if c.playCancel == nil {
		return false
	}
	c.playCancel()
	c.playCancel = nil
	return true
}
