package avatar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman/mock"
)

// fakeClock fires every After immediately and advances its own time by the
// requested duration. Durations listed in holds block until released.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waited []time.Duration
	holds  map[time.Duration]chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0), holds: map[time.Duration]chan time.Time{}}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waited = append(c.waited, d)
	if gate, ok := c.holds[d]; ok {
		return gate
	}
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// hold makes After(d) block until release(d).
func (c *fakeClock) hold(d time.Duration) {
	c.mu.Lock()
	c.holds[d] = make(chan time.Time)
	c.mu.Unlock()
}

func (c *fakeClock) release(d time.Duration) {
	c.mu.Lock()
	gate := c.holds[d]
	delete(c.holds, d)
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (c *fakeClock) count(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waited {
		if w == d {
			n++
		}
	}
	return n
}

// fakeProbe is a scripted RenderProbe.
type fakeProbe struct {
	mu sync.Mutex

	missing bool
	// surfaceAfter is the number of HasRenderSurface calls that report no
	// surface before one appears. Negative means never.
	surfaceAfter int
	surfaceCalls int
}

func (p *fakeProbe) ContainerExists(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.missing, nil
}

func (p *fakeProbe) HasRenderSurface(context.Context, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaceCalls++
	return p.surfaceAfter >= 0 && p.surfaceCalls > p.surfaceAfter, nil
}

func (p *fakeProbe) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaceCalls
}

// statusLog records published statuses.
type statusLog struct {
	mu  sync.Mutex
	got []ConnectionStatus
}

func (l *statusLog) record(s ConnectionStatus) {
	l.mu.Lock()
	l.got = append(l.got, s)
	l.mu.Unlock()
}

func (l *statusLog) all() []ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionStatus(nil), l.got...)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var validCreds = Credentials{AppID: "app-1", AppSecret: "secret-1", APIKey: "ms-key"}

// newTestController returns a controller on a fake clock with the greeting
// disabled unless mod turns it back on.
func newTestController(t *testing.T, f *mock.Factory, probe RenderProbe, mod func(*Config)) (*Controller, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SkipGreeting = true
	if mod != nil {
		mod(&cfg)
	}
	clock := newFakeClock()
	c := NewController(f, probe, WithConfig(cfg), WithClock(clock))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, clock
}

func equalStatuses(a, b []ConnectionStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
