package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/hallguide/internal/resilience"
	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman/mock"
)

func TestController_ConnectHappyPathWithGreeting(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.AutoVoiceEnd = true }}
	probe := &fakeProbe{surfaceAfter: 0}
	const settle = 1500 * time.Millisecond
	c, clock := newTestController(t, f, probe, func(cfg *Config) {
		cfg.SkipGreeting = false
		cfg.GreetingSettle = settle
	})
	clock.hold(settle)

	var log statusLog
	c.OnStatusChange(log.record)

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = false, want true")
	}
	if want := []ConnectionStatus{StatusConnecting, StatusConnected}; !equalStatuses(log.all(), want) {
		t.Errorf("statuses = %v, want %v", log.all(), want)
	}
	if !c.IsConnected() || c.IsConnecting() {
		t.Errorf("IsConnected=%v IsConnecting=%v", c.IsConnected(), c.IsConnecting())
	}
	if probe.calls() != 1 {
		t.Errorf("probe calls = %d, want 1", probe.calls())
	}

	sink := f.Last()
	if n := len(sink.Speaks()); n != 0 {
		t.Fatalf("greeting spoken before its delay elapsed (%d calls)", n)
	}

	clock.release(settle)
	waitFor(t, "greeting", func() bool { return len(sink.Speaks()) == 1 })
	got := sink.Speaks()[0]
	if got.Text != DefaultGreeting || !got.IsStart || !got.IsEnd {
		t.Errorf("greeting = %+v", got)
	}
	waitFor(t, "interactive idle", func() bool {
		states := sink.States()
		return len(states) == 1 && states[0] == "interactive_idle"
	})
	if c.Budget().Attempts() != 0 {
		t.Errorf("budget attempts = %d, want 0", c.Budget().Attempts())
	}
}

func TestController_ReentrancyGuard(t *testing.T) {
	block := make(chan struct{})
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) {
		s.InitBlock = block
		s.RenderStateAfterInit = digitalhuman.RenderIdle
	}}
	c, _ := newTestController(t, f, nil, nil)

	result := make(chan bool, 1)
	go func() { result <- c.Connect(context.Background(), validCreds, "") }()
	waitFor(t, "first engine", func() bool { return f.Count() == 1 })

	for range 5 {
		if c.Connect(t.Context(), validCreds, "") {
			t.Fatal("concurrent Connect() = true, want false")
		}
	}
	close(block)

	if !<-result {
		t.Fatal("first Connect() = false, want true")
	}
	if n := f.Count(); n != 1 {
		t.Errorf("engines constructed = %d, want 1", n)
	}
}

func TestController_FatalCodeDuringInit(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) {
		s.InitMessages = []digitalhuman.Message{{Code: digitalhuman.CodeRoomLimited, Message: "rate limited"}}
	}}
	c, _ := newTestController(t, f, nil, nil)

	if c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = true, want false")
	}
	if c.Status() != StatusError {
		t.Errorf("status = %q, want error", c.Status())
	}
	if !c.Budget().Exhausted() {
		t.Error("fatal failure must exhaust the budget")
	}
	if f.Last().Destroyed() != 1 {
		t.Error("partial session not destroyed")
	}
	if c.Session() != nil {
		t.Error("session reference not cleared")
	}

	if c.Connect(t.Context(), validCreds, "") {
		t.Fatal("second Connect() = true, want false")
	}
	if n := f.Count(); n != 1 {
		t.Errorf("engines constructed = %d, want 1", n)
	}

	c.Disconnect(t.Context())
	if c.Budget().Exhausted() {
		t.Fatal("Disconnect must reset the budget")
	}
}

func TestController_FatalClasses(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		err   error
		want  int
	}{
		{"unauthorized", validCreds, errors.New("401 Unauthorized"), 1},
		{"chinese auth", validCreds, errors.New("认证失败"), 1},
		{"quota", validCreds, errors.New("积分不足，请充值"), 1},
		{"missing secret", Credentials{AppID: "a"}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitErr = tt.err }}
			c, _ := newTestController(t, f, nil, nil)

			if c.Connect(t.Context(), tt.creds, "") {
				t.Fatal("Connect() = true, want false")
			}
			if n := f.Count(); n != tt.want {
				t.Errorf("engines constructed = %d, want %d", n, tt.want)
			}
			if !c.Budget().Exhausted() {
				t.Error("fatal class must exhaust the budget")
			}
		})
	}
}

func TestController_TransientFailuresExhaustBudget(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitErr = errors.New("network reset") }}
	c, clock := newTestController(t, f, nil, func(cfg *Config) { cfg.MaxAttempts = 3 })

	var log statusLog
	c.OnStatusChange(log.record)

	if c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = true, want false")
	}
	if n := f.Count(); n != 3 {
		t.Fatalf("engines constructed = %d, want 3", n)
	}
	if c.Status() != StatusError {
		t.Errorf("status = %q, want error", c.Status())
	}
	if !c.Budget().Exhausted() || c.Budget().Attempts() != 3 {
		t.Errorf("budget attempts = %d, exhausted = %v", c.Budget().Attempts(), c.Budget().Exhausted())
	}
	if n := clock.count(2 * time.Second); n != 2 {
		t.Errorf("backoff waits = %d, want 2", n)
	}
	want := []ConnectionStatus{
		StatusConnecting, StatusError,
		StatusConnecting, StatusError,
		StatusConnecting, StatusError,
	}
	if !equalStatuses(log.all(), want) {
		t.Errorf("statuses = %v, want %v", log.all(), want)
	}
	for i, s := range f.Sinks {
		if s.Destroyed() != 1 {
			t.Errorf("sink %d destroyed %d times, want 1", i, s.Destroyed())
		}
	}

	if c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() after exhaustion = true")
	}
	if n := f.Count(); n != 3 {
		t.Errorf("fourth attempt made: engines = %d", n)
	}
}

func TestController_RetryThenSucceed(t *testing.T) {
	f := &mock.Factory{Prepare: func(n int, s *mock.Sink) {
		if n == 0 {
			s.InitErr = errors.New("gateway timeout")
		}
		s.RenderStateAfterInit = digitalhuman.RenderOnline
	}}
	c, _ := newTestController(t, f, nil, nil)

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = false, want true")
	}
	if n := f.Count(); n != 2 {
		t.Errorf("engines constructed = %d, want 2", n)
	}
	if c.Budget().Attempts() != 0 {
		t.Errorf("budget attempts = %d, want 0 after success", c.Budget().Attempts())
	}
	if c.Session() == nil || !c.Session().IsInitialized() {
		t.Error("expected a live session")
	}
}

func TestController_CustomBackoff(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitErr = errors.New("flaky") }}
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.SkipGreeting = true
	c := NewController(f, nil,
		WithConfig(cfg),
		WithClock(clock),
		WithBackoff(resilience.ExponentialBackoff{Initial: 3 * time.Second, Max: time.Minute}),
	)
	defer c.Close(context.Background())

	c.Connect(t.Context(), validCreds, "")
	if clock.count(3*time.Second) != 1 || clock.count(6*time.Second) != 1 {
		t.Errorf("waited = %v, want 3s then 6s backoffs", clock.waited)
	}
}

func TestController_DisconnectRoundTrip(t *testing.T) {
	f := &mock.Factory{Prepare: func(n int, s *mock.Sink) {
		if n == 0 {
			s.InitErr = errors.New("flaky")
		}
	}}
	c, _ := newTestController(t, f, &fakeProbe{}, nil)

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = false")
	}

	var log statusLog
	c.OnStatusChange(log.record)
	c.Disconnect(t.Context())

	if c.Status() != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", c.Status())
	}
	if c.Budget().Attempts() != 0 {
		t.Errorf("budget attempts = %d, want 0", c.Budget().Attempts())
	}
	if want := []ConnectionStatus{StatusDisconnecting, StatusDisconnected}; !equalStatuses(log.all(), want) {
		t.Errorf("statuses = %v, want %v", log.all(), want)
	}
	if f.Last().Destroyed() != 1 {
		t.Error("engine not destroyed")
	}
	if c.Session() != nil {
		t.Error("session reference not cleared")
	}

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() after Disconnect = false")
	}
}

func TestController_DisconnectResetsSpentBudget(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) {
		if fail.Load() {
			s.InitErr = errors.New("timeout")
		}
	}}
	c, _ := newTestController(t, f, nil, nil)

	c.Connect(t.Context(), validCreds, "")
	if !c.Budget().Exhausted() {
		t.Fatal("expected exhausted budget")
	}
	c.Disconnect(t.Context())

	fail.Store(false)
	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() after Disconnect = false, want a fresh attempt")
	}
}

func TestController_DisconnectWithoutSessionIsNoop(t *testing.T) {
	c, _ := newTestController(t, &mock.Factory{}, nil, nil)
	var log statusLog
	c.OnStatusChange(log.record)

	c.Disconnect(t.Context())

	if len(log.all()) != 0 {
		t.Errorf("statuses = %v, want none", log.all())
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %q, want idle", c.Status())
	}
}

func TestController_DisconnectDestroyFailure(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.DestroyPanic = true }}
	c, _ := newTestController(t, f, nil, nil)
	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = false")
	}

	c.Disconnect(t.Context())

	if c.Status() != StatusError {
		t.Errorf("status = %q, want error", c.Status())
	}
	if c.Session() != nil {
		t.Error("session reference must be cleared even when destroy fails")
	}
	if c.Budget().Attempts() != 0 {
		t.Error("budget must still be reset")
	}
}

func TestController_DisconnectCancelsConnectingAttempt(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitBlock = block }}
	c, _ := newTestController(t, f, nil, nil)

	result := make(chan bool, 1)
	go func() { result <- c.Connect(context.Background(), validCreds, "") }()
	waitFor(t, "engine construction", func() bool { return f.Count() == 1 })

	c.Disconnect(t.Context())

	select {
	case ok := <-result:
		if ok {
			t.Fatal("cancelled Connect() = true")
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() not cancelled by Disconnect")
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", c.Status())
	}
	if f.Last().Destroyed() != 1 {
		t.Errorf("engine destroyed %d times, want 1", f.Last().Destroyed())
	}
	if c.Budget().Attempts() != 0 {
		t.Error("cancellation must not spend budget")
	}
	if f.Count() != 1 {
		t.Error("no retry may follow a cancellation")
	}
}

func TestController_DisconnectGivingUpLeavesNoEngine(t *testing.T) {
	tests := []struct {
		name string
		// holdRelease parks the attempt in its release wait instead of Init.
		holdRelease bool
		wantSinks   int
	}{
		{name: "before the session is stored", holdRelease: true, wantSinks: 0},
		{name: "while the engine initialises", wantSinks: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := make(chan struct{})
			defer close(block)
			f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitBlock = block }}
			c, clock := newTestController(t, f, nil, nil)
			if tt.holdRelease {
				clock.hold(c.cfg.ReleaseDelay)
			}

			result := make(chan bool, 1)
			go func() { result <- c.Connect(context.Background(), validCreds, "") }()
			if tt.holdRelease {
				waitFor(t, "release wait", func() bool { return clock.count(c.cfg.ReleaseDelay) == 1 })
			} else {
				waitFor(t, "engine construction", func() bool { return f.Count() == 1 })
			}

			expired, cancel := context.WithCancel(t.Context())
			cancel()
			c.Disconnect(expired)
			clock.release(c.cfg.ReleaseDelay)

			select {
			case ok := <-result:
				if ok {
					t.Fatal("cancelled Connect() = true")
				}
			case <-time.After(time.Second):
				t.Fatal("Connect() not cancelled by Disconnect")
			}
			if c.Session() != nil {
				t.Error("session left behind after Disconnect")
			}
			if f.Count() != tt.wantSinks {
				t.Fatalf("sinks = %d, want %d", f.Count(), tt.wantSinks)
			}
			for i := range f.Count() {
				if f.Sinks[i].Destroyed() != 1 {
					t.Errorf("sink %d destroyed %d times, want 1", i, f.Sinks[i].Destroyed())
				}
			}
			if c.Status() != StatusDisconnected {
				t.Errorf("status = %q, want disconnected", c.Status())
			}
		})
	}
}

func TestController_CallerCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitBlock = block }}
	c, _ := newTestController(t, f, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	result := make(chan bool, 1)
	go func() { result <- c.Connect(ctx, validCreds, "") }()
	waitFor(t, "engine construction", func() bool { return f.Count() == 1 })
	cancel()

	if <-result {
		t.Fatal("Connect() = true after cancellation")
	}
	if c.Status() != StatusError {
		t.Errorf("status = %q, want error", c.Status())
	}
	if c.Budget().Attempts() != 0 {
		t.Errorf("budget attempts = %d, want 0", c.Budget().Attempts())
	}
	if c.Session() != nil {
		t.Error("partial session not retired")
	}
}

func TestController_ConnectWhileConnected(t *testing.T) {
	f := &mock.Factory{}
	c, clock := newTestController(t, f, &fakeProbe{}, nil)

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("first Connect() = false")
	}
	first := f.Last()

	var log statusLog
	c.OnStatusChange(log.record)
	if !c.Connect(t.Context(), validCreds, "hall-b") {
		t.Fatal("second Connect() = false")
	}

	if first.Destroyed() != 1 {
		t.Error("first engine not destroyed before the second was created")
	}
	want := []ConnectionStatus{StatusDisconnecting, StatusDisconnected, StatusConnecting, StatusConnected}
	if !equalStatuses(log.all(), want) {
		t.Errorf("statuses = %v, want %v", log.all(), want)
	}
	if clock.count(time.Second) < 1 {
		t.Error("settle delay not observed")
	}
	if got := f.Last().Config.ContainerID; got != "hall-b" {
		t.Errorf("container = %q, want hall-b", got)
	}
}

func TestController_RenderWait(t *testing.T) {
	tests := []struct {
		name      string
		probe     *fakeProbe
		render    string
		wantCalls int
	}{
		{"surface on third poll", &fakeProbe{surfaceAfter: 2}, "", 3},
		{"render state short-circuits", &fakeProbe{surfaceAfter: -1}, digitalhuman.RenderIdle, 0},
		{"timeout proceeds", &fakeProbe{surfaceAfter: -1}, "", 301},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.RenderStateAfterInit = tt.render }}
			c, _ := newTestController(t, f, tt.probe, nil)

			if !c.Connect(t.Context(), validCreds, "") {
				t.Fatal("Connect() = false, want true")
			}
			if got := tt.probe.calls(); got != tt.wantCalls {
				t.Errorf("probe calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestController_ProgressSubscribers(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.InitProgress = []int{5, 40, 40, 100} }}
	c, _ := newTestController(t, f, nil, nil)

	var a, b []int
	c.OnProgressChange(func(p int) { a = append(a, p) })
	unsub := c.OnProgressChange(func(p int) { b = append(b, p) })

	c.Connect(t.Context(), validCreds, "")
	if fmt.Sprint(a) != "[5 40 40 100]" || fmt.Sprint(b) != "[5 40 40 100]" {
		t.Errorf("progress a=%v b=%v", a, b)
	}

	unsub()
	c.Disconnect(t.Context())
	c.Connect(t.Context(), validCreds, "")
	if len(b) != 4 {
		t.Errorf("unsubscribed callback still called: %v", b)
	}
	if len(a) != 8 {
		t.Errorf("remaining subscriber got %d events, want 8", len(a))
	}
}

func TestController_Reconnect(t *testing.T) {
	f := &mock.Factory{}
	c, clock := newTestController(t, f, &fakeProbe{}, nil)
	c.Connect(t.Context(), validCreds, "")

	if !c.Reconnect(t.Context(), validCreds, "") {
		t.Fatal("Reconnect() = false")
	}
	if f.Count() != 2 || f.Sinks[0].Destroyed() != 1 {
		t.Errorf("engines = %d, first destroyed = %d", f.Count(), f.Sinks[0].Destroyed())
	}
	if clock.count(time.Second) < 1 {
		t.Error("reconnect delay not observed")
	}
}

func TestController_EngineCloseMarksError(t *testing.T) {
	f := &mock.Factory{}
	c, _ := newTestController(t, f, &fakeProbe{}, nil)
	c.Connect(t.Context(), validCreds, "")

	f.Last().EmitStatus(digitalhuman.StatusClose)

	if c.Status() != StatusError {
		t.Errorf("status = %q, want error", c.Status())
	}
	waitFor(t, "session drop", func() bool { return c.Session() == nil })
}

func TestController_BudgetResetOnConnect(t *testing.T) {
	var n int
	var mu sync.Mutex
	f := &mock.Factory{Prepare: func(i int, s *mock.Sink) {
		mu.Lock()
		defer mu.Unlock()
		n = i
		s.InitErr = errors.New("flaky")
	}}
	c, _ := newTestController(t, f, nil, func(cfg *Config) {
		cfg.BudgetReset = BudgetResetOnConnect
		cfg.MaxAttempts = 2
	})

	c.Budget().Consume()
	c.Connect(t.Context(), validCreds, "")
	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Errorf("attempts made = %d, want 2 after the partial budget was reset", n+1)
	}
}

func TestController_BudgetResetOnDisconnectOnly(t *testing.T) {
	var n int
	var mu sync.Mutex
	f := &mock.Factory{Prepare: func(i int, s *mock.Sink) {
		mu.Lock()
		defer mu.Unlock()
		n = i
		s.InitErr = errors.New("flaky")
	}}
	c, _ := newTestController(t, f, nil, func(cfg *Config) {
		cfg.BudgetReset = BudgetResetOnDisconnect
		cfg.MaxAttempts = 2
	})

	c.Budget().Consume()
	c.Connect(t.Context(), validCreds, "")
	mu.Lock()
	defer mu.Unlock()
	if n != 0 {
		t.Errorf("attempts made = %d, want 1 from the carried-over budget", n+1)
	}
	if !c.Budget().Exhausted() {
		t.Error("budget not exhausted")
	}
}

func TestController_GreetingSkippedAfterDisconnect(t *testing.T) {
	f := &mock.Factory{}
	const settle = 1500 * time.Millisecond
	c, clock := newTestController(t, f, &fakeProbe{}, func(cfg *Config) {
		cfg.SkipGreeting = false
		cfg.GreetingSettle = settle
	})
	clock.hold(settle)

	c.Connect(t.Context(), validCreds, "")
	sink := f.Last()
	c.Disconnect(t.Context())
	clock.release(settle)

	if err := c.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(sink.Speaks()); n != 0 {
		t.Errorf("greeting spoken after disconnect: %d calls", n)
	}
}

func TestController_CloseRefusesConnect(t *testing.T) {
	f := &mock.Factory{}
	c, _ := newTestController(t, f, &fakeProbe{}, nil)
	c.Connect(t.Context(), validCreds, "")

	if err := c.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", c.Status())
	}
	if c.Connect(t.Context(), validCreds, "") {
		t.Error("Connect() after Close = true")
	}
}

func TestController_PanickingSubscriber(t *testing.T) {
	c, _ := newTestController(t, &mock.Factory{}, &fakeProbe{}, nil)
	var after []ConnectionStatus
	c.OnStatusChange(func(ConnectionStatus) { panic("ui bug") })
	c.OnStatusChange(func(s ConnectionStatus) { after = append(after, s) })

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = false")
	}
	if len(after) != 2 {
		t.Errorf("second subscriber got %v", after)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MaxAttempts: 5, SettleDelay: 3 * time.Second}.withDefaults()
	if cfg.MaxAttempts != 5 || cfg.SettleDelay != 3*time.Second {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
	d := DefaultConfig()
	if cfg.ReleaseDelay != d.ReleaseDelay || cfg.ProbeTimeout != d.ProbeTimeout || cfg.ContainerID != d.ContainerID {
		t.Errorf("zero values not defaulted: %+v", cfg)
	}
	if cfg.Greeting != DefaultGreeting || cfg.BudgetReset != BudgetResetOnConnect {
		t.Errorf("greeting/budget reset = %q/%q", cfg.Greeting, cfg.BudgetReset)
	}
}

func TestController_SetGreeting(t *testing.T) {
	f := &mock.Factory{Prepare: func(_ int, s *mock.Sink) { s.AutoVoiceEnd = true }}
	c, _ := newTestController(t, f, &fakeProbe{}, func(cfg *Config) { cfg.SkipGreeting = true })

	if _, skip := c.Greeting(); !skip {
		t.Fatal("Greeting() skip = false, want true from config")
	}
	c.SetGreeting("欢迎来到规划展厅", false)
	c.SetGreeting("", false)
	if text, skip := c.Greeting(); text != "欢迎来到规划展厅" || skip {
		t.Fatalf("Greeting() = %q/%v", text, skip)
	}

	if !c.Connect(t.Context(), validCreds, "") {
		t.Fatal("Connect() = false, want true")
	}
	sink := f.Last()
	waitFor(t, "greeting", func() bool { return len(sink.Speaks()) == 1 })
	if got := sink.Speaks()[0].Text; got != "欢迎来到规划展厅" {
		t.Errorf("greeting text = %q", got)
	}
}
