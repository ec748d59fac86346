// Package xingyun drives the Xingyun digital-human browser SDK from the
// server.
//
// The SDK only runs inside a web page, so the page hosting the avatar
// container opens a WebSocket to [Bridge] and acts as a thin relay: it
// executes the JSON commands it receives (create, init, speak, state
// changes, destroy, DOM probes) against the SDK and forwards every SDK
// callback back as an event frame. One host page is attached at a time; a
// newly connecting page replaces the previous one.
//
// Bridge implements [digitalhuman.Factory] and also answers render probes, so
// the avatar controller can poll the page for a canvas or video surface.
package xingyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
)

// ErrHostGone is returned for calls that were pending when the host page
// disconnected.
var ErrHostGone = errors.New("xingyun: host page disconnected")

const (
	defaultCallTimeout  = 10 * time.Second
	defaultWriteTimeout = 2 * time.Second
)

var _ digitalhuman.Factory = (*Bridge)(nil)

// Option is a functional option for [Bridge].
type Option func(*Bridge)

// WithCallTimeout bounds commands that wait for a result (probe, destroy).
// Init is bounded by its own context instead.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.callTimeout = d }
}

// WithOriginPatterns sets the origins allowed to attach as host pages.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.originPatterns = patterns }
}

// Bridge accepts the host page connection and multiplexes engine instances
// over it. All methods are safe for concurrent use.
type Bridge struct {
	callTimeout    time.Duration
	writeTimeout   time.Duration
	originPatterns []string

	mu        sync.Mutex
	host      *websocket.Conn
	hostGone  chan struct{}
	instances map[string]*sink
	pending   map[string]chan frame
}

// New creates a Bridge with no host attached.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		callTimeout:  defaultCallTimeout,
		writeTimeout: defaultWriteTimeout,
		instances:    make(map[string]*sink),
		pending:      make(map[string]chan frame),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connected reports whether a host page is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host != nil
}

// ServeHTTP upgrades the request and serves the host page until it leaves.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.originPatterns,
	})
	if err != nil {
		slog.Warn("xingyun: accept host page", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	gone := b.attach(conn)
	slog.Info("xingyun: host page attached", "remote", r.RemoteAddr)

	// Events are delivered on their own goroutine so handlers may issue
	// calls that need the read loop to receive their results.
	events := make(chan frame, 64)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for f := range events {
			b.deliver(f)
		}
	}()

	err = b.readLoop(r.Context(), conn, events)
	close(events)
	<-delivered
	b.detach(conn, gone)
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		slog.Warn("xingyun: host page read loop ended", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
	slog.Info("xingyun: host page detached", "remote", r.RemoteAddr)
}

func (b *Bridge) attach(conn *websocket.Conn) chan struct{} {
	b.mu.Lock()
	old := b.host
	oldGone := b.hostGone
	b.host = conn
	b.hostGone = make(chan struct{})
	gone := b.hostGone
	var stale []*sink
	if old != nil {
		stale = b.takeInstances()
	}
	b.mu.Unlock()

	if old != nil {
		close(oldGone)
		old.Close(websocket.StatusGoingAway, "replaced by a newer host page")
		// Handlers may call back into the bridge, which needs the new
		// page's read loop running.
		go closeAll(stale)
	}
	return gone
}

func (b *Bridge) detach(conn *websocket.Conn, gone chan struct{}) {
	b.mu.Lock()
	if b.host != conn {
		b.mu.Unlock()
		return
	}
	b.host = nil
	b.hostGone = nil
	live := b.takeInstances()
	b.mu.Unlock()

	close(gone)
	closeAll(live)
}

// takeInstances empties the instance table. Callers hold b.mu.
func (b *Bridge) takeInstances() []*sink {
	live := make([]*sink, 0, len(b.instances))
	for id, s := range b.instances {
		live = append(live, s)
		delete(b.instances, id)
	}
	return live
}

// closeAll tells every sink its engine instance is gone.
func closeAll(sinks []*sink) {
	for _, s := range sinks {
		if h := s.handlers.OnStatusChange; h != nil {
			h(digitalhuman.StatusClose)
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- frame) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("xingyun: skipping malformed frame", "err", err)
			continue
		}
		if f.Type == frameResult {
			b.resolve(f)
			continue
		}
		select {
		case events <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) resolve(f frame) {
	b.mu.Lock()
	ch, ok := b.pending[f.ID]
	delete(b.pending, f.ID)
	b.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (b *Bridge) deliver(f frame) {
	b.mu.Lock()
	s := b.instances[f.Instance]
	b.mu.Unlock()
	if s == nil {
		return
	}
	s.handle(f)
}

// send writes cmd without waiting for a result.
func (b *Bridge) send(ctx context.Context, cmd command) error {
	b.mu.Lock()
	conn := b.host
	b.mu.Unlock()
	if conn == nil {
		return digitalhuman.ErrUnavailable
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("xingyun: encode %s: %w", cmd.Op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("xingyun: write %s: %w", cmd.Op, err)
	}
	return nil
}

// call writes cmd and waits for the matching result frame.
func (b *Bridge) call(ctx context.Context, cmd command) (json.RawMessage, error) {
	cmd.ID = uuid.NewString()
	ch := make(chan frame, 1)

	b.mu.Lock()
	gone := b.hostGone
	if gone == nil {
		b.mu.Unlock()
		return nil, digitalhuman.ErrUnavailable
	}
	b.pending[cmd.ID] = ch
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}

	if err := b.send(ctx, cmd); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, fmt.Errorf("xingyun: %s: %s", cmd.Op, res.Error)
		}
		return res.Data, nil
	case <-gone:
		cleanup()
		return nil, ErrHostGone
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// NewSink implements [digitalhuman.Factory]. It fails with
// [digitalhuman.ErrUnavailable] when no host page is attached.
func (b *Bridge) NewSink(cfg digitalhuman.Config) (digitalhuman.Sink, error) {
	if !b.Connected() {
		return nil, digitalhuman.ErrUnavailable
	}
	if cfg.GatewayServer == "" {
		cfg.GatewayServer = digitalhuman.DefaultGateway
	}
	s := &sink{
		bridge:   b,
		id:       uuid.NewString(),
		cfg:      cfg,
		handlers: cfg.Handlers,
	}
	b.mu.Lock()
	b.instances[s.id] = s
	b.mu.Unlock()
	return s, nil
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.instances, id)
	b.mu.Unlock()
}

// ContainerExists asks the host page whether an element with the given id
// exists.
func (b *Bridge) ContainerExists(ctx context.Context, containerID string) (bool, error) {
	res, err := b.probe(ctx, containerID)
	if err != nil {
		return false, err
	}
	return res.Container, nil
}

// HasRenderSurface asks the host page whether the container holds a canvas or
// video element.
func (b *Bridge) HasRenderSurface(ctx context.Context, containerID string) (bool, error) {
	res, err := b.probe(ctx, containerID)
	if err != nil {
		return false, err
	}
	return res.Surface, nil
}

func (b *Bridge) probe(ctx context.Context, containerID string) (probeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	data, err := b.call(ctx, command{Op: opProbe, Args: probeArgs{ContainerID: containerID}})
	if err != nil {
		return probeResult{}, err
	}
	var res probeResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return probeResult{}, fmt.Errorf("xingyun: decode probe result: %w", err)
		}
	}
	return res, nil
}
