// Package mock provides an in-memory test double for [digitalhuman.Sink] and
// [digitalhuman.Factory].
//
// The mock records every call and lets tests script engine behaviour through
// exported fields. Emit* methods fire the handlers registered at construction,
// standing in for callbacks from the real engine.
//
// Example:
//
//	f := &mock.Factory{Prepare: func(n int, s *mock.Sink) {
//	    s.RenderStateAfterInit = digitalhuman.RenderIdle
//	    s.AutoVoiceEnd = true
//	}}
//	sink, _ := f.NewSink(cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
)

var (
	_ digitalhuman.Sink    = (*Sink)(nil)
	_ digitalhuman.Factory = (*Factory)(nil)
)

// SpeakCall records one [Sink.Speak] invocation.
type SpeakCall struct {
	Text    string
	IsStart bool
	IsEnd   bool
}

// Sink is a mock implementation of [digitalhuman.Sink].
type Sink struct {
	mu sync.Mutex

	// Config is the configuration the sink was constructed with.
	Config digitalhuman.Config

	// InitErr is returned by Init after InitMessages have been emitted.
	InitErr error

	// InitMessages are emitted through OnMessage during Init.
	InitMessages []digitalhuman.Message

	// InitProgress values are reported to the progress callback during Init.
	InitProgress []int

	// InitBlock, if non-nil, makes Init wait until it is closed or ctx is done.
	InitBlock chan struct{}

	// RenderStateAfterInit, if non-empty, is emitted through
	// OnStateRenderChange just before a successful Init returns.
	RenderStateAfterInit string

	// AutoVoiceEnd emits voice_start and voice_end synchronously from Speak
	// when isEnd is true.
	AutoVoiceEnd bool

	// SpeakErr is returned by Speak. SpeakPanic makes Speak panic instead.
	SpeakErr   error
	SpeakPanic bool

	// StateErr is returned by every state method.
	StateErr error

	// DestroyErr is returned by Destroy. DestroyPanic makes it panic instead.
	DestroyErr   error
	DestroyPanic bool

	InitCalls    int
	SpeakCalls   []SpeakCall
	StateCalls   []string
	VolumeCalls  []float64
	DestroyCalls int
}

// Init implements [digitalhuman.Sink].
func (s *Sink) Init(ctx context.Context, onProgress func(percent int)) error {
	s.mu.Lock()
	s.InitCalls++
	msgs := append([]digitalhuman.Message(nil), s.InitMessages...)
	progress := append([]int(nil), s.InitProgress...)
	block := s.InitBlock
	initErr := s.InitErr
	render := s.RenderStateAfterInit
	s.mu.Unlock()

	for _, p := range progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	for _, m := range msgs {
		s.EmitMessage(m.Code, m.Message)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if initErr != nil {
		return initErr
	}
	if render != "" {
		s.EmitRenderState(render)
	}
	return nil
}

// Speak implements [digitalhuman.Sink].
func (s *Sink) Speak(text string, isStart, isEnd bool) error {
	s.mu.Lock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{Text: text, IsStart: isStart, IsEnd: isEnd})
	err, doPanic, auto := s.SpeakErr, s.SpeakPanic, s.AutoVoiceEnd
	s.mu.Unlock()

	if doPanic {
		panic("mock: speak panic")
	}
	if err != nil {
		return err
	}
	if auto && isEnd {
		s.EmitVoiceState(digitalhuman.VoiceStart)
		s.EmitVoiceState(digitalhuman.VoiceEnd)
	}
	return nil
}

func (s *Sink) state(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StateCalls = append(s.StateCalls, name)
	return s.StateErr
}

// Idle implements [digitalhuman.Sink].
func (s *Sink) Idle() error { return s.state("idle") }

// Listen implements [digitalhuman.Sink].
func (s *Sink) Listen() error { return s.state("listen") }

// Think implements [digitalhuman.Sink].
func (s *Sink) Think() error { return s.state("think") }

// InteractiveIdle implements [digitalhuman.Sink].
func (s *Sink) InteractiveIdle() error { return s.state("interactive_idle") }

// OfflineMode implements [digitalhuman.Sink].
func (s *Sink) OfflineMode() error { return s.state("offlineMode") }

// OnlineMode implements [digitalhuman.Sink].
func (s *Sink) OnlineMode() error { return s.state("onlineMode") }

// SetVolume implements [digitalhuman.Sink].
func (s *Sink) SetVolume(volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VolumeCalls = append(s.VolumeCalls, volume)
	return s.StateErr
}

// Destroy implements [digitalhuman.Sink].
func (s *Sink) Destroy() error {
	s.mu.Lock()
	s.DestroyCalls++
	err, doPanic := s.DestroyErr, s.DestroyPanic
	s.mu.Unlock()
	if doPanic {
		panic("mock: destroy panic")
	}
	return err
}

// Speaks returns a snapshot of recorded Speak calls.
func (s *Sink) Speaks() []SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpeakCall(nil), s.SpeakCalls...)
}

// States returns a snapshot of recorded state method names.
func (s *Sink) States() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.StateCalls...)
}

// Destroyed returns how many times Destroy was called.
func (s *Sink) Destroyed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DestroyCalls
}

// EmitMessage fires OnMessage.
func (s *Sink) EmitMessage(code int, message string) {
	if h := s.Config.Handlers.OnMessage; h != nil {
		h(digitalhuman.Message{Code: code, Message: message})
	}
}

// EmitVoiceState fires OnVoiceStateChange.
func (s *Sink) EmitVoiceState(state string) {
	if h := s.Config.Handlers.OnVoiceStateChange; h != nil {
		h(state)
	}
}

// EmitRenderState fires OnStateRenderChange.
func (s *Sink) EmitRenderState(state string) {
	if h := s.Config.Handlers.OnStateRenderChange; h != nil {
		h(state, 0)
	}
}

// EmitState fires OnStateChange.
func (s *Sink) EmitState(state string) {
	if h := s.Config.Handlers.OnStateChange; h != nil {
		h(state)
	}
}

// EmitStatus fires OnStatusChange.
func (s *Sink) EmitStatus(status digitalhuman.Status) {
	if h := s.Config.Handlers.OnStatusChange; h != nil {
		h(status)
	}
}

// Factory is a mock implementation of [digitalhuman.Factory].
type Factory struct {
	mu sync.Mutex

	// NewSinkErr, if non-nil, is returned by NewSink.
	NewSinkErr error

	// Prepare, if non-nil, configures the n-th sink (0-based) before it is
	// returned.
	Prepare func(n int, s *Sink)

	// Sinks records every sink handed out, in order.
	Sinks []*Sink
}

// NewSink implements [digitalhuman.Factory].
func (f *Factory) NewSink(cfg digitalhuman.Config) (digitalhuman.Sink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewSinkErr != nil {
		return nil, f.NewSinkErr
	}
	s := &Sink{Config: cfg}
	if f.Prepare != nil {
		f.Prepare(len(f.Sinks), s)
	}
	f.Sinks = append(f.Sinks, s)
	return s, nil
}

// Count returns how many sinks were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sinks)
}

// Last returns the most recently created sink, or nil.
func (f *Factory) Last() *Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sinks) == 0 {
		return nil
	}
	return f.Sinks[len(f.Sinks)-1]
}
