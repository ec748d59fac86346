package avatar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hallguide/internal/observe"
	"github.com/MrWong99/hallguide/internal/resilience"
	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
)

// BudgetReset selects when the retry budget returns to zero besides a
// successful connect.
type BudgetReset string

const (
	// BudgetResetOnConnect also resets a partially spent budget at the start
	// of every Connect call. An exhausted budget still needs a disconnect.
	BudgetResetOnConnect BudgetReset = "connect"

	// BudgetResetOnDisconnect resets only on an explicit disconnect.
	BudgetResetOnDisconnect BudgetReset = "disconnect"
)

// Config holds the controller's timing and policy. Zero fields take the
// values of [DefaultConfig].
type Config struct {
	ContainerID   string
	GatewayServer string
	EnableLogger  bool

	// MaxAttempts is the retry budget per connect cycle.
	MaxAttempts int

	// RetryBackoff is the constant wait between retries unless [WithBackoff]
	// is given.
	RetryBackoff time.Duration

	// SettleDelay follows the implicit disconnect of an already connected
	// controller.
	SettleDelay time.Duration

	// ReleaseDelay follows every engine teardown.
	ReleaseDelay time.Duration

	// ReconnectDelay separates the two halves of Reconnect.
	ReconnectDelay time.Duration

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	Greeting       string
	SkipGreeting   bool
	GreetingDelay  time.Duration
	GreetingSettle time.Duration

	// SpeakTimeout bounds waiting for the end of an utterance.
	SpeakTimeout time.Duration

	BudgetReset BudgetReset

	FatalInitCodes []int
	WarningCodes   []int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ContainerID:    DefaultContainerID,
		GatewayServer:  digitalhuman.DefaultGateway,
		MaxAttempts:    3,
		RetryBackoff:   2 * time.Second,
		SettleDelay:    time.Second,
		ReleaseDelay:   500 * time.Millisecond,
		ReconnectDelay: time.Second,
		ProbeInterval:  100 * time.Millisecond,
		ProbeTimeout:   30 * time.Second,
		Greeting:       DefaultGreeting,
		GreetingDelay:  100 * time.Millisecond,
		GreetingSettle: time.Second,
		SpeakTimeout:   DefaultSpeakTimeout,
		BudgetReset:    BudgetResetOnConnect,
		FatalInitCodes: DefaultFatalInitCodes,
		WarningCodes:   DefaultWarningCodes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContainerID == "" {
		c.ContainerID = d.ContainerID
	}
	if c.GatewayServer == "" {
		c.GatewayServer = d.GatewayServer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.ReleaseDelay <= 0 {
		c.ReleaseDelay = d.ReleaseDelay
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.Greeting == "" {
		c.Greeting = d.Greeting
	}
	if c.GreetingDelay <= 0 {
		c.GreetingDelay = d.GreetingDelay
	}
	if c.GreetingSettle <= 0 {
		c.GreetingSettle = d.GreetingSettle
	}
	if c.SpeakTimeout <= 0 {
		c.SpeakTimeout = d.SpeakTimeout
	}
	if c.BudgetReset == "" {
		c.BudgetReset = d.BudgetReset
	}
	if c.FatalInitCodes == nil {
		c.FatalInitCodes = d.FatalInitCodes
	}
	if c.WarningCodes == nil {
		c.WarningCodes = d.WarningCodes
	}
	return c
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig replaces the controller configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithBackoff sets the retry backoff strategy.
func WithBackoff(b resilience.Backoff) Option {
	return func(c *Controller) { c.backoff = b }
}

// WithClock sets the clock behind every delay, poll and timeout.
func WithClock(clock resilience.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// errDisconnectRequested cancels an in-flight attempt from Disconnect.
var errDisconnectRequested = errors.New("avatar: disconnect requested")

// Controller runs the avatar connection state machine. Construct it once
// in the composition root and dispose of it with [Controller.Close].
type Controller struct {
	factory digitalhuman.Factory
	probe   RenderProbe
	cfg     Config
	backoff resilience.Backoff
	clock   resilience.Clock
	metrics *observe.Metrics
	budget  *resilience.RetryBudget

	statusTopic   Topic[ConnectionStatus]
	progressTopic Topic[int]

	mu            sync.Mutex
	status        ConnectionStatus
	session       *Session
	connecting    bool
	attemptCancel context.CancelCauseFunc
	attemptDone   chan struct{}
	greetCancel   context.CancelFunc
	greeting      string
	skipGreeting  bool
	closed        bool
	greetWG       sync.WaitGroup
}

// NewController returns an idle controller. probe may be nil, in which case
// only the engine's render-state signal ends the render wait.
func NewController(factory digitalhuman.Factory, probe RenderProbe, opts ...Option) *Controller {
	c := &Controller{
		factory: factory,
		probe:   probe,
		cfg:     DefaultConfig(),
		clock:   resilience.SystemClock,
		status:  StatusIdle,
	}
	for _, o := range opts {
		o(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.backoff == nil {
		c.backoff = resilience.ConstantBackoff(c.cfg.RetryBackoff)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.budget = resilience.NewRetryBudget(c.cfg.MaxAttempts)
	c.greeting, c.skipGreeting = c.cfg.Greeting, c.cfg.SkipGreeting
	return c
}

// SetGreeting replaces the greeting used by later connects. An empty text
// keeps the current one.
func (c *Controller) SetGreeting(text string, skip bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text != "" {
		c.greeting = text
	}
	c.skipGreeting = skip
}

// Greeting returns the greeting text and whether it is skipped.
func (c *Controller) Greeting() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting, c.skipGreeting
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Budget returns the retry budget.
func (c *Controller) Budget() *resilience.RetryBudget { return c.budget }

// Status returns the current connection status.
func (c *Controller) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the status is connected.
func (c *Controller) IsConnected() bool { return c.Status() == StatusConnected }

// IsConnecting reports whether the status is connecting.
func (c *Controller) IsConnecting() bool { return c.Status() == StatusConnecting }

// Session returns the live session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// OnStatusChange subscribes fn to status changes.
func (c *Controller) OnStatusChange(fn func(ConnectionStatus)) (unsubscribe func()) {
	return c.statusTopic.Subscribe(fn)
}

// OnProgressChange subscribes fn to asset download progress.
func (c *Controller) OnProgressChange(fn func(percent int)) (unsubscribe func()) {
	return c.progressTopic.Subscribe(fn)
}

func (c *Controller) setStatus(s ConnectionStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()

	slog.Info("avatar status changed", "from", prev, "to", s)
	c.metrics.RecordStatus(context.Background(), string(s))
	c.statusTopic.Publish(s)
}

// Connect brings up a new engine session and waits until it is visibly
// rendering. It returns false without side effects beyond the status when an
// attempt is already running or the retry budget is spent. Errors never
// escape: they are expressed through the status and the result.
func (c *Controller) Connect(ctx context.Context, creds Credentials, containerID string) bool {
	if containerID == "" {
		containerID = c.cfg.ContainerID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.connecting || c.status == StatusConnecting {
		c.mu.Unlock()
		slog.Warn("avatar connect ignored, attempt already running")
		return false
	}
	if c.cfg.BudgetReset == BudgetResetOnConnect && !c.budget.Exhausted() {
		c.budget.Reset()
	}
	if c.budget.Exhausted() {
		c.mu.Unlock()
		slog.Warn("avatar connect refused, retry budget exhausted", "attempts", c.budget.Attempts())
		c.setStatus(StatusError)
		return false
	}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	c.connecting = true
	c.attemptCancel = cancel
	c.attemptDone = done
	wasConnected := c.status == StatusConnected
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.attemptCancel = nil
		c.attemptDone = nil
		c.mu.Unlock()
		cancel(nil)
		close(done)
	}()

	attemptCtx, span := observe.StartSpan(attemptCtx, "avatar.connect",
		trace.WithAttributes(attribute.String("container", containerID)))
	defer span.End()
	start := c.clock.Now()
	defer func() {
		c.metrics.ConnectDuration.Record(context.Background(), c.clock.Now().Sub(start).Seconds())
	}()

	if wasConnected {
		c.disconnect(attemptCtx, false)
		if err := resilience.Sleep(attemptCtx, c.clock, c.cfg.SettleDelay); err != nil {
			return c.abandon(attemptCtx)
		}
	}

	for attempt := 1; ; attempt++ {
		err := c.attempt(attemptCtx, creds, containerID)
		if err == nil {
			c.budget.Reset()
			c.metrics.RecordConnectAttempt(attemptCtx, "success")
			c.setStatus(StatusConnected)
			span.SetAttributes(attribute.Int("attempts", attempt))
			c.scheduleGreeting(c.Session())
			return true
		}
		if attemptCtx.Err() != nil {
			return c.abandon(attemptCtx)
		}

		class := Classify(err)
		span.RecordError(err)
		c.setStatus(StatusError)
		c.retireSession()

		if class.Fatal() {
			c.budget.Exhaust()
			c.metrics.RecordConnectAttempt(attemptCtx, "fatal")
			span.SetStatus(codes.Error, err.Error())
			slog.Error("avatar connect failed", "err", err, "class", class.String(), "attempt", attempt)
			return false
		}

		c.metrics.RecordConnectAttempt(attemptCtx, "retryable")
		if !c.budget.Consume() {
			span.SetStatus(codes.Error, err.Error())
			slog.Error("avatar connect failed, retry budget exhausted", "err", err, "attempt", attempt, "max", c.budget.Max())
			return false
		}
		wait := c.backoff.Next(attempt)
		slog.Warn("avatar connect failed, retrying", "err", err, "attempt", attempt, "max", c.budget.Max(), "backoff", wait)
		if err := resilience.Sleep(attemptCtx, c.clock, wait); err != nil {
			return c.abandon(attemptCtx)
		}
	}
}

// abandon finishes a cancelled Connect. Either way the partial session is
// torn down. A cancellation caused by Disconnect leaves the status to
// Disconnect; any other cancellation reports an error without spending budget.
func (c *Controller) abandon(ctx context.Context) bool {
	c.metrics.RecordConnectAttempt(context.Background(), "cancelled")
	if errors.Is(context.Cause(ctx), errDisconnectRequested) {
		slog.Info("avatar connect cancelled by disconnect")
		// Disconnect may have given up waiting before this attempt stored
		// its session.
		c.retireSession()
		return false
	}
	slog.Info("avatar connect cancelled", "err", context.Cause(ctx))
	c.retireSession()
	c.setStatus(StatusError)
	return false
}

// attempt runs one connect attempt: teardown, release wait, init and render
// wait.
func (c *Controller) attempt(ctx context.Context, creds Credentials, containerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setStatus(StatusConnecting)
	c.retireSession()
	if err := resilience.Sleep(ctx, c.clock, c.cfg.ReleaseDelay); err != nil {
		return err
	}

	sess := NewSession(c.factory, creds, containerID,
		WithProbe(c.probe),
		WithGateway(c.cfg.GatewayServer),
		WithEngineLogging(c.cfg.EnableLogger),
		WithMessageCodes(c.cfg.FatalInitCodes, c.cfg.WarningCodes),
		WithSessionClock(c.clock),
		WithSpeakTimeout(c.cfg.SpeakTimeout),
		WithSessionMetrics(c.metrics),
	)
	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.session = sess
	c.mu.Unlock()

	if err := sess.Init(ctx, c.sessionCallbacks(sess)); err != nil {
		return err
	}
	return c.awaitRender(ctx, sess, containerID)
}

// awaitRender polls until the avatar is visibly drawing or the probe
// timeout passes. A timeout is logged and treated as success.
func (c *Controller) awaitRender(ctx context.Context, sess *Session, containerID string) error {
	deadline := c.clock.Now().Add(c.cfg.ProbeTimeout)
	for {
		if sess.Rendered() {
			return nil
		}
		if c.probe != nil {
			ok, err := c.probe.HasRenderSurface(ctx, containerID)
			if err != nil {
				slog.Debug("avatar render probe failed", "err", err)
			} else if ok {
				return nil
			}
		}
		if !c.clock.Now().Before(deadline) {
			slog.Warn("avatar render not confirmed, proceeding", "timeout", c.cfg.ProbeTimeout)
			return nil
		}
		if err := resilience.Sleep(ctx, c.clock, c.cfg.ProbeInterval); err != nil {
			return err
		}
	}
}

func (c *Controller) sessionCallbacks(sess *Session) Callbacks {
	return Callbacks{
		OnProgress: func(percent int) { c.progressTopic.Publish(percent) },
		OnError: func(err error) {
			slog.Error("avatar session error", "err", err, "session_id", sess.ID())
		},
		OnStatusChange: func(status digitalhuman.Status) {
			if status != digitalhuman.StatusClose {
				return
			}
			c.mu.Lock()
			current := c.session == sess && c.status == StatusConnected
			c.mu.Unlock()
			if !current {
				return
			}
			slog.Warn("avatar engine closed while connected", "session_id", sess.ID())
			c.setStatus(StatusError)
			go c.dropSession(sess)
		},
	}
}

// dropSession destroys sess if it is still the current session.
func (c *Controller) dropSession(sess *Session) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()
	if err := sess.Destroy(); err != nil {
		slog.Warn("avatar engine release failed", "err", err)
	}
}

// retireSession destroys and forgets the current session.
func (c *Controller) retireSession() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Destroy(); err != nil {
		slog.Warn("avatar engine release failed", "err", err, "session_id", sess.ID())
	}
}

func (c *Controller) scheduleGreeting(sess *Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	text, skip := c.greeting, c.skipGreeting
	if skip {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if c.greetCancel != nil {
		c.greetCancel()
	}
	c.greetCancel = cancel
	c.greetWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.greetWG.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("avatar greeting panicked", "panic", r)
			}
		}()

		if err := resilience.Sleep(ctx, c.clock, c.cfg.GreetingDelay); err != nil {
			return
		}
		if err := resilience.Sleep(ctx, c.clock, c.cfg.GreetingSettle); err != nil {
			return
		}
		c.mu.Lock()
		current := c.status == StatusConnected && c.session == sess
		c.mu.Unlock()
		if !current || !sess.IsInitialized() {
			slog.Debug("avatar greeting skipped, session no longer live")
			return
		}

		sess.SetSpeakCompleteCallback(func() { sess.SetState(StateInteractiveIdle) })
		if err := sess.SpeakAndWait(ctx, text, true, true, c.cfg.SpeakTimeout); err != nil {
			slog.Debug("avatar greeting interrupted", "err", err)
			return
		}
		slog.Info("avatar greeting delivered", "session_id", sess.ID())
	}()
}

func (c *Controller) cancelGreeting() {
	c.mu.Lock()
	cancel := c.greetCancel
	c.greetCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Disconnect tears the session down. An in-flight Connect is cancelled and
// awaited first. Without a session or attempt it only resets the retry
// budget.
func (c *Controller) Disconnect(ctx context.Context) {
	c.mu.Lock()
	cancel, done := c.attemptCancel, c.attemptDone
	c.mu.Unlock()

	aborted := false
	if cancel != nil {
		slog.Info("avatar disconnect cancelling connect attempt")
		cancel(errDisconnectRequested)
		select {
		case <-done:
		case <-ctx.Done():
		}
		aborted = true
	}
	c.disconnect(ctx, aborted)
}

func (c *Controller) disconnect(ctx context.Context, force bool) {
	c.mu.Lock()
	sess := c.session
	if sess == nil && !force {
		c.mu.Unlock()
		c.budget.Reset()
		return
	}
	c.session = nil
	c.mu.Unlock()
	c.cancelGreeting()

	c.setStatus(StatusDisconnecting)
	var err error
	if sess != nil {
		err = sess.Destroy()
	}
	c.budget.Reset()
	if err != nil {
		slog.Error("avatar disconnect failed", "err", err)
		c.setStatus(StatusError)
		return
	}
	if err := resilience.Sleep(ctx, c.clock, c.cfg.ReleaseDelay); err != nil {
		slog.Debug("avatar release wait interrupted", "err", err)
	}
	c.setStatus(StatusDisconnected)
}

// Reconnect disconnects, waits the reconnect delay and connects again.
func (c *Controller) Reconnect(ctx context.Context, creds Credentials, containerID string) bool {
	c.Disconnect(ctx)
	if err := resilience.Sleep(ctx, c.clock, c.cfg.ReconnectDelay); err != nil {
		return false
	}
	return c.Connect(ctx, creds, containerID)
}

// Close stops scheduled work and disconnects. The controller refuses further
// connects afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelGreeting()
	c.Disconnect(ctx)
	c.greetWG.Wait()
	return nil
}
