package xingyun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
)

var _ digitalhuman.Sink = (*sink)(nil)

// sink is one engine instance living in the host page.
type sink struct {
	bridge   *Bridge
	id       string
	cfg      digitalhuman.Config
	handlers digitalhuman.Handlers

	mu         sync.Mutex
	onProgress func(int)
}

func (s *sink) Init(ctx context.Context, onProgress func(percent int)) error {
	s.mu.Lock()
	s.onProgress = onProgress
	s.mu.Unlock()

	_, err := s.bridge.call(ctx, command{
		Instance: s.id,
		Op:       opCreate,
		Args: createArgs{
			ContainerID:   s.cfg.ContainerID,
			AppID:         s.cfg.AppID,
			AppSecret:     s.cfg.AppSecret,
			GatewayServer: s.cfg.GatewayServer,
			EnableLogger:  s.cfg.EnableLogger,
		},
	})
	if err != nil {
		return fmt.Errorf("xingyun: create instance: %w", err)
	}
	if _, err := s.bridge.call(ctx, command{Instance: s.id, Op: opInit}); err != nil {
		return fmt.Errorf("xingyun: init instance: %w", err)
	}
	return nil
}

func (s *sink) Speak(text string, isStart, isEnd bool) error {
	return s.bridge.send(context.Background(), command{
		Instance: s.id,
		Op:       opSpeak,
		Args:     speakArgs{Text: text, IsStart: isStart, IsEnd: isEnd},
	})
}

func (s *sink) op(op string) error {
	return s.bridge.send(context.Background(), command{Instance: s.id, Op: op})
}

func (s *sink) Idle() error            { return s.op(opIdle) }
func (s *sink) Listen() error          { return s.op(opListen) }
func (s *sink) Think() error           { return s.op(opThink) }
func (s *sink) InteractiveIdle() error { return s.op(opInteractiveIdle) }
func (s *sink) OfflineMode() error     { return s.op(opOfflineMode) }
func (s *sink) OnlineMode() error      { return s.op(opOnlineMode) }

func (s *sink) SetVolume(volume float64) error {
	return s.bridge.send(context.Background(), command{
		Instance: s.id,
		Op:       opSetVolume,
		Args:     volumeArgs{Volume: volume},
	})
}

// Destroy waits for the host page to confirm so that a following create does
// not race the teardown of this instance's DOM.
func (s *sink) Destroy() error {
	defer s.bridge.forget(s.id)
	ctx, cancel := context.WithTimeout(context.Background(), s.bridge.callTimeout)
	defer cancel()
	if _, err := s.bridge.call(ctx, command{Instance: s.id, Op: opDestroy}); err != nil {
		return fmt.Errorf("xingyun: destroy instance: %w", err)
	}
	return nil
}

func (s *sink) handle(f frame) {
	h := s.handlers
	switch f.Type {
	case frameMessage:
		if h.OnMessage != nil {
			h.OnMessage(digitalhuman.Message{Code: f.Code, Message: f.Message})
		}
	case frameVoiceState:
		if h.OnVoiceStateChange != nil {
			h.OnVoiceStateChange(f.State)
		}
	case frameRenderState:
		if h.OnStateRenderChange != nil {
			h.OnStateRenderChange(f.State, f.Duration)
		}
	case frameState:
		if h.OnStateChange != nil {
			h.OnStateChange(f.State)
		}
	case frameStatus:
		if h.OnStatusChange != nil {
			h.OnStatusChange(digitalhuman.Status(f.Status))
		}
	case frameProgress:
		s.mu.Lock()
		cb := s.onProgress
		s.mu.Unlock()
		if cb != nil {
			cb(f.Percent)
		}
	case frameWidget:
		if h.OnWidgetEvent != nil {
			var ev map[string]any
			if len(f.Data) > 0 && json.Unmarshal(f.Data, &ev) == nil {
				h.OnWidgetEvent(ev)
			}
		}
	case frameNetwork:
		if h.OnNetworkInfo != nil {
			var info digitalhuman.NetworkInfo
			if len(f.Data) > 0 && json.Unmarshal(f.Data, &info) == nil {
				h.OnNetworkInfo(info)
			}
		}
	}
}
