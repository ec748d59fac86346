package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hallguide/internal/avatar"
	"github.com/MrWong99/hallguide/internal/chat"
)

// Connect failures reported by [SessionManager].
var (
	ErrConnectInProgress = errors.New("app: avatar connect already in progress")
	ErrBudgetExhausted   = errors.New("app: avatar retry budget exhausted, disconnect first")
	ErrConnectFailed     = errors.New("app: avatar connect failed")
	ErrConnectPending    = errors.New("app: avatar connect still running")
	ErrNoSession         = errors.New("app: no avatar session")
)

// SessionInfo describes the guide session currently on screen.
type SessionInfo struct {
	// SessionID identifies the session in transcripts. It is minted per
	// successful connect.
	SessionID   string    `json:"sessionId"`
	ContainerID string    `json:"containerId"`
	StartedAt   time.Time `json:"startedAt"`
	TestMode    bool      `json:"isTestMode"`
}

// ConnectRequest carries per-call overrides. Empty fields fall back to the
// configured credentials.
type ConnectRequest struct {
	AppID       string `json:"appId"`
	AppSecret   string `json:"appSecret"`
	APIKey      string `json:"apiKey"`
	TestMode    *bool  `json:"isTestMode"`
	ContainerID string `json:"containerId"`
}

// SessionManager serialises the avatar session lifecycle on top of an
// [avatar.Controller]. Only one session is on screen at a time. Connects run
// under the manager's base context so a caller hanging up does not abort
// them. All exported methods are safe for concurrent use.
type SessionManager struct {
	ctrl  *avatar.Controller
	creds func() avatar.Credentials
	base  context.Context
	now   func() time.Time

	mu     sync.Mutex
	active bool
	info   SessionInfo
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Controller *avatar.Controller

	// Credentials returns the configured defaults. It is called per connect
	// so hot-reloaded values apply.
	Credentials func() avatar.Credentials

	// Base bounds every connect attempt. Defaults to [context.Background].
	Base context.Context
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		ctrl:  cfg.Controller,
		creds: cfg.Credentials,
		base:  cfg.Base,
		now:   time.Now,
	}
	if sm.creds == nil {
		sm.creds = func() avatar.Credentials { return avatar.Credentials{} }
	}
	if sm.base == nil {
		sm.base = context.Background()
	}
	sm.ctrl.OnStatusChange(sm.onStatus)
	return sm
}

// Controller returns the underlying controller.
func (sm *SessionManager) Controller() *avatar.Controller { return sm.ctrl }

// merge overlays req on the configured credentials.
func (sm *SessionManager) merge(req ConnectRequest) avatar.Credentials {
	c := sm.creds()
	if v := strings.TrimSpace(req.AppID); v != "" {
		c.AppID = v
	}
	if v := strings.TrimSpace(req.AppSecret); v != "" {
		c.AppSecret = v
	}
	if v := strings.TrimSpace(req.APIKey); v != "" {
		c.APIKey = v
	}
	if req.TestMode != nil {
		c.TestMode = *req.TestMode
	}
	return c
}

// Connect brings the avatar up and blocks until it renders, fails, or ctx is
// done. In the last case the attempt keeps running and [ErrConnectPending] is
// returned; its outcome shows up in the controller status and [SessionManager.Info].
func (sm *SessionManager) Connect(ctx context.Context, req ConnectRequest) (SessionInfo, error) {
	creds := sm.merge(req)
	if err := creds.Validate(); err != nil {
		return SessionInfo{}, err
	}
	if sm.ctrl.IsConnecting() {
		return SessionInfo{}, ErrConnectInProgress
	}
	if sm.ctrl.Budget().Exhausted() {
		return SessionInfo{}, ErrBudgetExhausted
	}
	return sm.await(ctx, func(base context.Context) bool {
		return sm.ctrl.Connect(base, creds, req.ContainerID)
	}, creds.TestMode)
}

// Reconnect tears the current session down and connects again.
func (sm *SessionManager) Reconnect(ctx context.Context, req ConnectRequest) (SessionInfo, error) {
	creds := sm.merge(req)
	if err := creds.Validate(); err != nil {
		return SessionInfo{}, err
	}
	return sm.await(ctx, func(base context.Context) bool {
		return sm.ctrl.Reconnect(base, creds, req.ContainerID)
	}, creds.TestMode)
}

func (sm *SessionManager) await(ctx context.Context, run func(context.Context) bool, testMode bool) (SessionInfo, error) {
	type outcome struct {
		info SessionInfo
		err  error
	}
	result := make(chan outcome, 1)
	go func() {
		if !run(sm.base) {
			if sm.ctrl.Budget().Exhausted() {
				result <- outcome{err: fmt.Errorf("%w: %w", ErrConnectFailed, ErrBudgetExhausted)}
				return
			}
			result <- outcome{err: fmt.Errorf("%w: status %s", ErrConnectFailed, sm.ctrl.Status())}
			return
		}
		info, err := sm.start(testMode)
		result <- outcome{info: info, err: err}
	}()

	select {
	case o := <-result:
		return o.info, o.err
	case <-ctx.Done():
		return SessionInfo{}, ErrConnectPending
	}
}

// start records a new guide session for the connected avatar. It runs whether
// or not the caller is still waiting.
func (sm *SessionManager) start(testMode bool) (SessionInfo, error) {
	sess := sm.ctrl.Session()
	if sess == nil {
		return SessionInfo{}, fmt.Errorf("%w: session dropped after connect", ErrConnectFailed)
	}
	info := SessionInfo{
		SessionID:   uuid.NewString(),
		ContainerID: sess.ContainerID(),
		StartedAt:   sm.now().UTC(),
		TestMode:    testMode,
	}
	sm.mu.Lock()
	// A disconnect that landed first has already run onStatus.
	if !sm.ctrl.IsConnected() {
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: session dropped after connect", ErrConnectFailed)
	}
	sm.info, sm.active = info, true
	sm.mu.Unlock()
	slog.Info("guide session started", "session_id", info.SessionID, "engine_session", sess.ID(), "container", info.ContainerID)
	return info, nil
}

// Disconnect tears the session down.
func (sm *SessionManager) Disconnect(ctx context.Context) {
	sm.ctrl.Disconnect(ctx)
}

// onStatus clears the session record once the avatar is no longer connected.
func (sm *SessionManager) onStatus(s avatar.ConnectionStatus) {
	if s == avatar.StatusConnected || s == avatar.StatusConnecting {
		return
	}
	sm.mu.Lock()
	was, id := sm.active, sm.info.SessionID
	sm.active = false
	sm.info = SessionInfo{}
	sm.mu.Unlock()
	if was {
		slog.Info("guide session ended", "session_id", id, "status", s)
	}
}

// Info returns the current session and whether one is active.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

// SessionID returns the active session ID or "".
func (sm *SessionManager) SessionID() string {
	info, _ := sm.Info()
	return info.SessionID
}

// Speaker returns the live engine session, or nil when none is usable.
func (sm *SessionManager) Speaker() chat.Speaker {
	sess := sm.ctrl.Session()
	if sess == nil || !sess.IsInitialized() {
		return nil
	}
	return sess
}

// Session returns the live engine session or [ErrNoSession].
func (sm *SessionManager) Session() (*avatar.Session, error) {
	sess := sm.ctrl.Session()
	if sess == nil || !sess.IsInitialized() {
		return nil, ErrNoSession
	}
	return sess, nil
}
