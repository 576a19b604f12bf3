package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
)

var (
	ErrNotRecording   = errors.New("not recording")
	ErrNoAudio        = errors.New("no audio recorded")
	ErrAudioTooLarge  = errors.New("recorded audio exceeds limit")
	ErrControllerDone = errors.New("controller closed")
)

const defaultMaxAudioBytes = 10 << 20

// TurnProcessor runs one turn; *Pipeline implements it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// ControllerConfig 单个客户端连接的会话参数。
type ControllerConfig struct {
	SessionID     string
	Language      string
	AgentID       string
	Mode          Mode
	MaxAudioBytes int
}

// Observer receives controller notifications, in order, on one goroutine.
// Playback is cancelled when the user barges in or the turn is cancelled.
type Observer struct {
	OnState  func(State)
	OnResult func(res TurnResult, err error, playback context.Context)
}

type note struct {
	state    *State
	res      TurnResult
	err      error
	playback context.Context
}

// Controller drives the turn state machine for one client.
type Controller struct {
	proc TurnProcessor
	cfg  ControllerConfig
	obs  Observer
	log  zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	notes  chan note
	wg     sync.WaitGroup
	doneCh chan struct{}

	mu         sync.Mutex
	state      State
	mode       Mode
	buf        []byte
	mime       string
	turnSeq    uint64
	turnCancel context.CancelFunc
	playCancel context.CancelFunc
	closed     bool
}

// NewController starts a controller in Idle. Close must be called when the client goes away.
func NewController(ctx context.Context, proc TurnProcessor, cfg ControllerConfig, obs Observer) *Controller {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = defaultMaxAudioBytes
	}
	base, cancel := context.WithCancel(ctx)
	c := &Controller{
		proc:   proc,
		cfg:    cfg,
		obs:    obs,
		log:    logging.WithSession("controller", cfg.SessionID),
		base:   base,
		cancel: cancel,
		notes:  make(chan note, 64),
		doneCh: make(chan struct{}),
		state:  StateIdle,
		mode:   cfg.Mode,
	}
	go c.deliver()
	return c
}

func (c *Controller) deliver() {
	defer close(c.doneCh)
	for n := range c.notes {
		if n.state != nil {
			if c.obs.OnState != nil {
				c.obs.OnState(*n.state)
			}
			continue
		}
		if c.obs.OnResult != nil {
			c.obs.OnResult(n.res, n.err, n.playback)
		}
	}
}

// State 当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode 当前交互模式。
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches between push-to-talk and continuous listening.
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// StartRecording begins a new utterance. While a reply is being prepared or
// played it barges in: playback is cancelled, any in-flight turn is abandoned
// and the controller goes straight to Recording.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerDone
	}
	if c.state == StateRecording {
		return nil
	}
	if c.state == StateResponding || c.state.Processing() {
		c.log.Debug().Str("from", c.state.String()).Msg("barge-in")
		c.abandonLocked()
	}
	c.buf = c.buf[:0]
	c.mime = ""
	return c.setLocked(StateRecording)
}

// AppendAudio adds a recorded chunk. mime is remembered from the first chunk.
func (c *Controller) AppendAudio(chunk []byte, mime string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return ErrNotRecording
	}
	if len(c.buf)+len(chunk) > c.cfg.MaxAudioBytes {
		return ErrAudioTooLarge
	}
	if c.mime == "" {
		c.mime = mime
	}
	c.buf = append(c.buf, chunk...)
	return nil
}

// StopRecording ends the utterance on push-to-talk release and starts the turn.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return ErrNotRecording
	}
	if len(c.buf) == 0 {
		_ = c.setLocked(StateIdle)
		return ErrNoAudio
	}
	if err := c.setLocked(StateProcessingSTT); err != nil {
		return err
	}

	data := make([]byte, len(c.buf))
	copy(data, c.buf)
	c.buf = c.buf[:0]
	art := model.AudioArtifact{Data: data, MimeType: c.mime, Container: audio.ContainerFromMime(c.mime)}

	ctx, cancel := context.WithCancel(c.base)
	c.turnSeq++
	c.turnCancel = cancel
	seq := c.turnSeq
	mode := c.mode

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, seq, mode, art)
	}()
	return nil
}

// SpeechEnded is the VAD end-of-speech signal; it behaves like StopRecording.
func (c *Controller) SpeechEnded() error {
	return c.StopRecording()
}

func (c *Controller) run(ctx context.Context, seq uint64, mode Mode, art model.AudioArtifact) {
	res, err := c.proc.ProcessTurn(ctx, TurnRequest{
		SessionID: c.cfg.SessionID,
		Audio:     art,
		Language:  c.cfg.Language,
		AgentID:   c.cfg.AgentID,
		Mode:      mode,
		OnStage:   func(s State) { c.advance(seq, s) },
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.turnSeq || c.closed {
		// barged in or cancelled; result discarded
		return
	}
	c.turnCancel = nil

	switch {
	case err != nil:
		_ = c.setLocked(StateError)
		c.push(note{res: res, err: err})
		_ = c.setLocked(StateIdle)
	case res.Status == TurnNoMatch:
		c.push(note{res: res})
		c.listenOrIdleLocked()
	default:
		// processors that skip stage callbacks still walk the table in order
		for s := c.state + 1; s <= StateProcessingTTS; s++ {
			_ = c.setLocked(s)
		}
		playback, cancel := context.WithCancel(c.base)
		c.playCancel = cancel
		_ = c.setLocked(StateResponding)
		c.push(note{res: res, playback: playback})
	}
}

func (c *Controller) advance(seq uint64, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.turnSeq || !c.state.Processing() || c.state == s {
		return
	}
	_ = c.setLocked(s)
}

// PlaybackFinished is reported by the client once the reply audio has played.
func (c *Controller) PlaybackFinished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateResponding {
		return ErrInvalidTransition
	}
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
	c.listenOrIdleLocked()
	return nil
}

// Cancel abandons whatever is in progress and returns to Idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonLocked()
	c.buf = c.buf[:0]
	_ = c.setLocked(StateIdle)
}

// Close cancels everything and waits for in-flight work and notifications to drain.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.abandonLocked()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.notes)
	<-c.doneCh
}

func (c *Controller) abandonLocked() {
	c.turnSeq++
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
}

// 连续模式下播放结束后自动重新收音。
func (c *Controller) listenOrIdleLocked() {
	if c.mode == ModeContinuous {
		c.buf = c.buf[:0]
		_ = c.setLocked(StateRecording)
		return
	}
	_ = c.setLocked(StateIdle)
}

func (c *Controller) setLocked(to State) error {
	if c.state == to {
		return nil
	}
	if !CanTransition(c.state, to) {
		c.log.Warn().Str("from", c.state.String()).Str("to", to.String()).Msg("rejected state transition")
		return ErrInvalidTransition
	}
	c.state = to
	s := to
	c.push(note{state: &s})
	return nil
}

func (c *Controller) push(n note) {
	if c.closed {
		return
	}
	c.notes <- n
}
