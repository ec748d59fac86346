package avatar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
)

var (
	// ErrDestroyed is returned by [Session.Init] after [Session.Destroy].
	ErrDestroyed = errors.New("avatar: session destroyed")

	// ErrAlreadyInitialized is returned by a second [Session.Init].
	ErrAlreadyInitialized = errors.New("avatar: session already initialized")

	// ErrEngineUnavailable means no engine could be constructed.
	ErrEngineUnavailable = errors.New("avatar: engine unavailable")

	// ErrContainerNotFound means the target host element does not exist.
	ErrContainerNotFound = errors.New("avatar: container not found")

	ErrMissingAppID     = errors.New("avatar: app id is required")
	ErrMissingAppSecret = errors.New("avatar: app secret is required")
	ErrMissingAPIKey    = errors.New("avatar: api key is required")

	// ErrEnginePanic wraps a panic recovered from an engine call.
	ErrEnginePanic = errors.New("avatar: engine panicked")
)

// InitError is an engine message with a fatal code seen while the session
// was live. It fails [Session.Init] even when the engine's own Init succeeds.
type InitError struct {
	Code    int
	Message string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("avatar: engine error %d: %s", e.Code, e.Message)
}

// FailureClass tells the [Controller] whether a failed attempt may be
// retried.
type FailureClass int

const (
	// Retryable failures consume one unit of the retry budget.
	Retryable FailureClass = iota

	// FatalConfig covers missing credentials or a missing container.
	FatalConfig

	// FatalInit covers latched engine init errors.
	FatalInit

	// FatalAuth covers authentication and authorization failures.
	FatalAuth

	// FatalQuota covers exhausted account credit.
	FatalQuota
)

// Fatal reports whether c must not be retried.
func (c FailureClass) Fatal() bool { return c != Retryable }

func (c FailureClass) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case FatalConfig:
		return "config"
	case FatalInit:
		return "init"
	case FatalAuth:
		return "auth"
	case FatalQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Engine codes also count when they only appear in an error's text, as in
// failures relayed from the host page.
var (
	authMarkers = []string{
		"认证", "授权", "unauthorized", "authentication",
		strconv.Itoa(digitalhuman.CodeAuthFailed), strconv.Itoa(digitalhuman.CodeAuthExpired),
	}
	quotaMarkers = []string{"积分不足", "insufficient quota", strconv.Itoa(digitalhuman.CodeRequestFailed)}
)

// Classify maps a connect failure onto a [FailureClass]. Errors that carry
// no recognisable marker are retryable.
func Classify(err error) FailureClass {
	if err == nil {
		return Retryable
	}
	if errors.Is(err, ErrMissingAppID) || errors.Is(err, ErrMissingAppSecret) ||
		errors.Is(err, ErrContainerNotFound) || errors.Is(err, ErrDestroyed) {
		return FatalConfig
	}

	code := 0
	var initErr *InitError
	if errors.As(err, &initErr) {
		code = initErr.Code
	}
	switch code {
	case digitalhuman.CodeAuthFailed, digitalhuman.CodeAuthExpired:
		return FatalAuth
	case digitalhuman.CodeRequestFailed:
		return FatalQuota
	}

	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return FatalAuth
		}
	}
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return FatalQuota
		}
	}
	if initErr != nil {
		return FatalInit
	}
	return Retryable
}

// callSafe runs fn and converts a panic into an error.
func callSafe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()
	return fn()
}
