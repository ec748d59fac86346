package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hallguide/internal/observe"
	"github.com/MrWong99/hallguide/internal/resilience"
	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
)

// Default engine message codes.
var (
	// DefaultFatalInitCodes are latched as [InitError]: request failed and
	// room rate limited.
	DefaultFatalInitCodes = []int{digitalhuman.CodeRequestFailed, digitalhuman.CodeRoomLimited}

	// DefaultWarningCodes are logged at warn level with no state change.
	DefaultWarningCodes = []int{10007}
)

// DefaultSpeakTimeout bounds [Session.SpeakAndWait] when no timeout is given.
const DefaultSpeakTimeout = 10 * time.Second

// Callbacks receive session events. Nil fields are ignored. Callbacks run on
// the goroutine that delivered the engine event and never under a session
// lock.
type Callbacks struct {
	// OnReady fires once Init has succeeded.
	OnReady func()

	// OnError receives latched engine errors.
	OnError func(err error)

	// OnMessage receives every engine message.
	OnMessage func(msg digitalhuman.Message)

	// OnStateChange receives pose changes, requested or engine-reported.
	OnStateChange func(state State)

	// OnStatusChange receives engine connectivity changes.
	OnStatusChange func(status digitalhuman.Status)

	// OnRenderStateChange receives engine render-state changes.
	OnRenderStateChange func(state string)

	OnSpeakStart func()
	OnSpeakEnd   func()

	// OnProgress receives asset download progress in percent.
	OnProgress func(percent int)
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithProbe checks the container exists before the engine is constructed.
func WithProbe(p RenderProbe) SessionOption {
	return func(s *Session) { s.probe = p }
}

// WithGateway overrides the engine session gateway.
func WithGateway(url string) SessionOption {
	return func(s *Session) { s.gateway = url }
}

// WithEngineLogging turns on the engine's own logging.
func WithEngineLogging(enabled bool) SessionOption {
	return func(s *Session) { s.engineLogging = enabled }
}

// WithMessageCodes replaces the fatal-at-init and warning code sets.
func WithMessageCodes(fatal, warning []int) SessionOption {
	return func(s *Session) {
		s.fatalCodes = codeSet(fatal)
		s.warnCodes = codeSet(warning)
	}
}

// WithSessionClock sets the clock used for speak timeouts.
func WithSessionClock(c resilience.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithSpeakTimeout sets the default [Session.SpeakAndWait] timeout.
func WithSpeakTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.speakTimeout = d
		}
	}
}

// WithSessionMetrics sets the metrics sink.
func WithSessionMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func codeSet(codes []int) map[int]bool {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// Session owns one engine instance for one connect attempt.
type Session struct {
	id            string
	factory       digitalhuman.Factory
	creds         Credentials
	containerID   string
	gateway       string
	engineLogging bool
	probe         RenderProbe
	fatalCodes    map[int]bool
	warnCodes     map[int]bool
	clock         resilience.Clock
	speakTimeout  time.Duration
	metrics       *observe.Metrics
	log           *slog.Logger

	mu         sync.Mutex
	sink       digitalhuman.Sink
	ready      bool
	destroyed  bool
	counted    bool
	initErr    *InitError
	state      State
	rendered   bool
	buffer     strings.Builder
	waitHook   chan struct{}
	onComplete func()
	cb         Callbacks
}

// NewSession returns an uninitialised session. Nothing touches the engine
// until [Session.Init].
func NewSession(factory digitalhuman.Factory, creds Credentials, containerID string, opts ...SessionOption) *Session {
	if containerID == "" {
		containerID = DefaultContainerID
	}
	s := &Session{
		id:           uuid.NewString(),
		factory:      factory,
		creds:        creds,
		containerID:  containerID,
		gateway:      digitalhuman.DefaultGateway,
		fatalCodes:   codeSet(DefaultFatalInitCodes),
		warnCodes:    codeSet(DefaultWarningCodes),
		clock:        resilience.SystemClock,
		speakTimeout: DefaultSpeakTimeout,
		state:        StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = slog.With("session_id", s.id, "container", s.containerID)
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// ContainerID returns the host element id.
func (s *Session) ContainerID() string { return s.containerID }

// Init constructs the engine, wires its events and waits for its own Init.
// A fatal engine message seen before Init returns fails the call with an
// [*InitError] even if the engine reported success.
func (s *Session) Init(ctx context.Context, cb Callbacks) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrDestroyed
	case s.sink != nil:
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.cb = cb
	s.mu.Unlock()

	if s.factory == nil {
		return ErrEngineUnavailable
	}
	if strings.TrimSpace(s.creds.AppID) == "" {
		return ErrMissingAppID
	}
	if strings.TrimSpace(s.creds.AppSecret) == "" {
		return ErrMissingAppSecret
	}
	if s.probe != nil {
		ok, err := s.probe.ContainerExists(ctx, s.containerID)
		if err != nil {
			return fmt.Errorf("avatar: probe container %q: %w", s.containerID, err)
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrContainerNotFound, s.containerID)
		}
	}

	sink, err := s.factory.NewSink(digitalhuman.Config{
		ContainerID:   s.containerID,
		AppID:         s.creds.AppID,
		AppSecret:     s.creds.AppSecret,
		GatewayServer: s.gateway,
		EnableLogger:  s.engineLogging,
		Handlers:      s.handlers(),
	})
	if err != nil {
		if errors.Is(err, digitalhuman.ErrUnavailable) {
			return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		}
		return fmt.Errorf("avatar: create engine: %w", err)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		_ = callSafe(sink.Destroy)
		return ErrDestroyed
	}
	s.sink = sink
	s.mu.Unlock()

	s.log.Info("avatar engine initialising", "app_id", s.creds.AppID)
	if err := callSafe(func() error { return sink.Init(ctx, s.handleProgress) }); err != nil {
		if latched := s.InitError(); latched != nil {
			return latched
		}
		return fmt.Errorf("avatar: engine init: %w", err)
	}

	s.mu.Lock()
	if latched := s.initErr; latched != nil {
		s.mu.Unlock()
		s.log.Error("avatar engine reported success with a latched error", "code", latched.Code, "message", latched.Message)
		return latched
	}
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.ready = true
	s.counted = true
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.log.Info("avatar engine ready")
	if cb.OnReady != nil {
		cb.OnReady()
	}
	return nil
}

func (s *Session) handlers() digitalhuman.Handlers {
	return digitalhuman.Handlers{
		OnWidgetEvent: func(event map[string]any) {
			s.log.Debug("avatar widget event", "event", event)
		},
		OnNetworkInfo: func(info digitalhuman.NetworkInfo) {
			s.log.Debug("avatar network info", "rtt", info.RTT, "packet_loss", info.PacketLoss, "quality", info.Quality)
		},
		OnMessage:     s.handleMessage,
		OnStateChange: s.handleEngineState,
		OnStatusChange: func(status digitalhuman.Status) {
			s.log.Info("avatar engine status", "status", status.String())
			if f := s.callbacks().OnStatusChange; f != nil {
				f(status)
			}
		},
		OnStateRenderChange: s.handleRenderState,
		OnVoiceStateChange:  s.handleVoiceState,
	}
}

func (s *Session) callbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

func (s *Session) handleProgress(percent int) {
	s.log.Debug("avatar asset download", "percent", percent)
	if f := s.callbacks().OnProgress; f != nil {
		f(percent)
	}
}

func (s *Session) handleMessage(msg digitalhuman.Message) {
	cb := s.callbacks()
	var latched *InitError
	switch {
	case msg.Code == 0:
		s.log.Debug("avatar engine message", "message", msg.Message)
	case s.warnCodes[msg.Code]:
		s.log.Warn("avatar engine warning", "code", msg.Code, "message", msg.Message)
	case s.fatalCodes[msg.Code]:
		s.log.Error("avatar engine error", "code", msg.Code, "message", msg.Message)
		s.mu.Lock()
		if s.initErr == nil && !s.destroyed {
			s.initErr = &InitError{Code: msg.Code, Message: msg.Message}
			latched = s.initErr
		}
		s.mu.Unlock()
	default:
		s.log.Error("avatar engine error", "code", msg.Code, "message", msg.Message)
	}
	if cb.OnMessage != nil {
		cb.OnMessage(msg)
	}
	if latched != nil && cb.OnError != nil {
		cb.OnError(latched)
	}
}

func (s *Session) handleEngineState(name string) {
	st, ok := ParseState(name)
	if !ok {
		s.log.Debug("avatar engine state not tracked", "state", name)
		return
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if f := s.callbacks().OnStateChange; f != nil {
		f(st)
	}
}

func (s *Session) handleRenderState(state string, durationMs int) {
	s.log.Debug("avatar render state", "state", state, "duration_ms", durationMs)
	if state == digitalhuman.RenderIdle || state == digitalhuman.RenderOnline {
		s.mu.Lock()
		s.rendered = true
		s.mu.Unlock()
	}
	if f := s.callbacks().OnRenderStateChange; f != nil {
		f(state)
	}
}

func (s *Session) handleVoiceState(state string) {
	cb := s.callbacks()
	switch state {
	case digitalhuman.VoiceStart:
		if cb.OnSpeakStart != nil {
			cb.OnSpeakStart()
		}
	case digitalhuman.VoiceEnd:
		s.mu.Lock()
		hook, done := s.waitHook, s.onComplete
		s.waitHook, s.onComplete = nil, nil
		s.mu.Unlock()

		s.metrics.Utterances.Add(context.Background(), 1)
		if cb.OnSpeakEnd != nil {
			cb.OnSpeakEnd()
		}
		if hook != nil {
			close(hook)
		}
		if done != nil {
			done()
		}
	default:
		s.log.Debug("avatar voice state ignored", "state", state)
	}
}

// usableLocked reports whether engine calls may be issued. s.mu must be held.
func (s *Session) usableLocked() bool {
	return s.sink != nil && s.ready && !s.destroyed && s.initErr == nil
}

// IsInitialized reports whether the engine is live, the session is not
// destroyed and no init error is latched.
func (s *Session) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

// IsDestroyed reports whether [Session.Destroy] has been called.
func (s *Session) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// InitError returns the latched engine error, or nil.
func (s *Session) InitError() *InitError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// State returns the last requested or reported pose.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rendered reports whether the engine announced a visible render state.
func (s *Session) Rendered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// Speak forwards one fragment of an utterance. The engine always receives
// the whole utterance accumulated since the last isStart. isEnd closes the
// utterance and moves the avatar to [StateSpeak].
//
// Speak is best effort: it does nothing on an unusable session, and engine
// failures are logged.
func (s *Session) Speak(text string, isStart, isEnd bool) {
	s.mu.Lock()
	if !s.usableLocked() {
		s.mu.Unlock()
		s.log.Debug("speak ignored on unusable session")
		return
	}
	if isStart {
		s.buffer.Reset()
	}
	s.buffer.WriteString(text)
	full := s.buffer.String()
	sink := s.sink
	if isEnd {
		s.buffer.Reset()
		s.state = StateSpeak
	}
	cb := s.cb
	s.mu.Unlock()

	if err := callSafe(func() error { return sink.Speak(full, isStart, isEnd) }); err != nil {
		s.log.Warn("avatar speak failed", "err", err, "is_start", isStart, "is_end", isEnd)
		s.metrics.SpeakErrors.Add(context.Background(), 1)
	}
	if isEnd && cb.OnStateChange != nil {
		cb.OnStateChange(StateSpeak)
	}
}

// SpeakAndWait speaks and then blocks until the engine reports voice_end or
// timeout elapses. A timeout is not an error. A non-positive timeout uses the
// session default. It returns ctx.Err() if ctx ends first.
func (s *Session) SpeakAndWait(ctx context.Context, text string, isStart, isEnd bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.speakTimeout
	}
	hook := make(chan struct{})

	s.mu.Lock()
	if !s.usableLocked() {
		s.mu.Unlock()
		s.log.Debug("speak-and-wait ignored on unusable session")
		return nil
	}
	prev := s.waitHook
	s.waitHook = hook
	s.mu.Unlock()
	if prev != nil {
		close(prev)
	}

	s.Speak(text, isStart, isEnd)

	select {
	case <-hook:
		return nil
	case <-s.clock.After(timeout):
		s.dropHook(hook)
		s.log.Warn("avatar speech end not reported, continuing", "timeout", timeout)
		return nil
	case <-ctx.Done():
		s.dropHook(hook)
		return ctx.Err()
	}
}

func (s *Session) dropHook(hook chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitHook == hook {
		s.waitHook = nil
	}
}

// SetSpeakCompleteCallback registers fn to run once on the next voice_end.
// It replaces any callback still pending.
func (s *Session) SetSpeakCompleteCallback(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// SetState asks the engine to take a pose. [StateSpeak] is only reached
// through [Session.Speak] and is ignored here, as are unknown states.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	if !s.usableLocked() {
		s.mu.Unlock()
		s.log.Debug("state change ignored on unusable session", "state", state)
		return
	}
	sink := s.sink
	s.mu.Unlock()

	var call func() error
	switch state {
	case StateIdle:
		call = sink.Idle
	case StateListen:
		call = sink.Listen
	case StateThink:
		call = sink.Think
	case StateInteractiveIdle:
		call = sink.InteractiveIdle
	case StateOfflineMode:
		call = sink.OfflineMode
	case StateOnlineMode:
		call = sink.OnlineMode
	case StateSpeak:
		s.log.Debug("speak state is entered by speaking")
		return
	default:
		s.log.Warn("unknown avatar state ignored", "state", state)
		return
	}

	s.mu.Lock()
	s.state = state
	cb := s.cb
	s.mu.Unlock()

	if err := callSafe(call); err != nil {
		s.log.Warn("avatar state change failed", "state", state, "err", err)
		s.metrics.SpeakErrors.Add(context.Background(), 1)
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(state)
	}
}

// SetVolume sets playback volume, clamped to [0, 1].
func (s *Session) SetVolume(volume float64) {
	volume = min(max(volume, 0), 1)
	s.mu.Lock()
	if !s.usableLocked() {
		s.mu.Unlock()
		return
	}
	sink := s.sink
	s.mu.Unlock()
	if err := callSafe(func() error { return sink.SetVolume(volume) }); err != nil {
		s.log.Warn("avatar volume change failed", "volume", volume, "err", err)
	}
}

// Destroy releases the engine. It is idempotent and clears any latched init
// error. A pending [Session.SpeakAndWait] is released.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	sink := s.sink
	s.sink = nil
	s.ready = false
	s.initErr = nil
	s.buffer.Reset()
	hook := s.waitHook
	s.waitHook, s.onComplete = nil, nil
	counted := s.counted
	s.counted = false
	s.mu.Unlock()

	if hook != nil {
		close(hook)
	}
	if counted {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	if sink == nil {
		return nil
	}
	if err := callSafe(sink.Destroy); err != nil {
		s.log.Error("avatar engine destroy failed", "err", err)
		return fmt.Errorf("avatar: destroy engine: %w", err)
	}
	s.log.Info("avatar engine destroyed")
	return nil
}
