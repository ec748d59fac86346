// Package avatar drives the lifecycle of the guide avatar.
//
// A [Session] owns one engine instance ([digitalhuman.Sink]). It turns raw
// engine callbacks into typed [Callbacks], buffers incremental speech into
// whole utterances and signals when an utterance finishes playing.
//
// A [Controller] owns zero or one Session. It runs the connect, render-wait
// and disconnect state machine, classifies failures as retryable or fatal and
// retries within a [resilience.RetryBudget]. Status and download progress are
// published to any number of subscribers.
//
// All exported methods are safe for concurrent use.
package avatar

import (
	"errors"
	"strings"
)

// ConnectionStatus is the connection state owned by a [Controller].
type ConnectionStatus string

const (
	StatusIdle          ConnectionStatus = "idle"
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusDisconnecting ConnectionStatus = "disconnecting"
	StatusDisconnected  ConnectionStatus = "disconnected"
	StatusError         ConnectionStatus = "error"
)

// State is the pose the avatar was last asked to take.
type State string

const (
	StateIdle            State = "idle"
	StateListen          State = "listen"
	StateThink           State = "think"
	StateSpeak           State = "speak"
	StateInteractiveIdle State = "interactive_idle"
	StateOfflineMode     State = "offlineMode"
	StateOnlineMode      State = "onlineMode"
)

// ParseState returns the State named s and whether it is known.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StateIdle, StateListen, StateThink, StateSpeak,
		StateInteractiveIdle, StateOfflineMode, StateOnlineMode:
		return st, true
	}
	return "", false
}

// DefaultContainerID is the host element the avatar renders into when the
// caller does not name one.
const DefaultContainerID = "avatar-container"

// DefaultGreeting is spoken once the avatar is visibly rendering.
const DefaultGreeting = "您好，我是智能讲解员小星，很高兴为您服务！"

// Credentials authenticate against the engine gateway and the model API.
// They are never persisted by this package.
type Credentials struct {
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
	APIKey    string `json:"apiKey"`
	TestMode  bool   `json:"isTestMode"`
}

// Validate reports every empty field.
func (c Credentials) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, ErrMissingAppID)
	}
	if strings.TrimSpace(c.AppSecret) == "" {
		errs = append(errs, ErrMissingAppSecret)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Credentials) Redacted() Credentials {
	mask := func(s string) string {
		if len(s) <= 4 {
			return strings.Repeat("*", len(s))
		}
		return s[:4] + strings.Repeat("*", len(s)-4)
	}
	return Credentials{AppID: c.AppID, AppSecret: mask(c.AppSecret), APIKey: mask(c.APIKey), TestMode: c.TestMode}
}
