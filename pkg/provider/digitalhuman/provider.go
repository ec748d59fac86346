// Package digitalhuman defines the Sink interface for the proprietary
// digital-human rendering engine that draws and voices the guide avatar.
//
// The engine itself is a browser SDK; implementations of [Sink] reach it over
// some transport (see the xingyun sub-package) and surface its callbacks
// through [Handlers]. The interface is intentionally narrow so the avatar
// lifecycle code stays engine-agnostic.
//
// Handlers may be invoked from any goroutine. Sink methods must be safe for
// concurrent use.
package digitalhuman

import (
	"context"
	"errors"
)

// DefaultGateway is the session gateway of the hosted engine.
const DefaultGateway = "https://nebula-agent.xingyun3d.com/user/v1/ttsa/session"

// ErrUnavailable is returned by a [Factory] when no engine can be reached.
var ErrUnavailable = errors.New("digitalhuman: engine unavailable")

// Handlers is the full set of engine callbacks. Nil fields are ignored.
type Handlers struct {
	// OnWidgetEvent receives opaque UI widget events.
	OnWidgetEvent func(event map[string]any)

	// OnNetworkInfo receives network quality reports.
	OnNetworkInfo func(info NetworkInfo)

	// OnMessage receives engine messages. Code zero means informational.
	OnMessage func(msg Message)

	// OnStateChange reports the engine's own avatar state changes.
	OnStateChange func(state string)

	// OnStatusChange reports SDK connectivity status.
	OnStatusChange func(status Status)

	// OnStateRenderChange reports render-state transitions with the time the
	// transition took.
	OnStateRenderChange func(state string, durationMs int)

	// OnVoiceStateChange reports [VoiceStart] and [VoiceEnd].
	OnVoiceStateChange func(state string)
}

// Config is everything needed to construct a Sink.
type Config struct {
	// ContainerID is the id of the host element the avatar renders into.
	ContainerID string

	AppID     string
	AppSecret string

	// GatewayServer defaults to [DefaultGateway] when empty.
	GatewayServer string

	// EnableLogger turns on the SDK's own console logging.
	EnableLogger bool

	Handlers Handlers
}

// Sink is one live engine instance.
type Sink interface {
	// Init connects the instance, downloads assets and starts rendering.
	// onProgress receives download progress in percent and may be nil.
	Init(ctx context.Context, onProgress func(percent int)) error

	// Speak streams text. isStart opens an utterance, isEnd closes it, and
	// text is the full utterance accumulated so far.
	Speak(text string, isStart, isEnd bool) error

	Idle() error
	Listen() error
	Think() error
	InteractiveIdle() error
	OfflineMode() error
	OnlineMode() error

	// SetVolume sets playback volume in [0, 1].
	SetVolume(volume float64) error

	// Destroy releases the instance. Further calls are undefined.
	Destroy() error
}

// Factory constructs Sinks.
type Factory interface {
	NewSink(cfg Config) (Sink, error)
}

// FactoryFunc adapts a function to [Factory].
type FactoryFunc func(cfg Config) (Sink, error)

// NewSink calls f(cfg).
func (f FactoryFunc) NewSink(cfg Config) (Sink, error) { return f(cfg) }
