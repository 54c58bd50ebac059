package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/liveroom/internal/types"
)

const (
	defaultQueueSize    = 32
	defaultEventsSize   = 64
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 3 * time.Second
	defaultDialTimeout  = 10 * time.Second
)

type Option func(*WebSocket)

// WithHeader sets headers sent with every dial, e.g. Authorization.
func WithHeader(h http.Header) Option {
	return func(w *WebSocket) { w.header = h.Clone() }
}

// WithBackOff replaces the reconnect policy. A policy returning
// backoff.Stop ends the channel.
func WithBackOff(b backoff.BackOff) Option {
	return func(w *WebSocket) { w.policy = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(w *WebSocket) {
		if l != nil {
			w.log = l
		}
	}
}

// WithQueueSize bounds the outbound queue.
func WithQueueSize(n int) Option {
	return func(w *WebSocket) {
		if n > 0 {
			w.outbox = make(chan []byte, n)
		}
	}
}

func WithReadLimit(n int64) Option {
	return func(w *WebSocket) { w.readLimit = n }
}

func WithHTTPClient(c *http.Client) Option {
	return func(w *WebSocket) { w.client = c }
}

// WebSocket implements Channel over github.com/coder/websocket.
type WebSocket struct {
	url       string
	header    http.Header
	policy    backoff.BackOff
	client    *http.Client
	log       *zap.Logger
	readLimit int64

	outbox chan []byte
	events chan Event

	mu     sync.Mutex
	state  State
	opened bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewWebSocket(url string, opts ...Option) *WebSocket {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 30 * time.Second

	w := &WebSocket{
		url:       url,
		policy:    exp,
		log:       zap.NewNop(),
		readLimit: defaultReadLimit,
		outbox:    make(chan []byte, defaultQueueSize),
		events:    make(chan Event, defaultEventsSize),
		state:     Connecting,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With(zap.String("url", url))
	return w
}

func (w *WebSocket) Events() <-chan Event { return w.events }

func (w *WebSocket) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Open starts connecting in the background and returns immediately. Calls
// after the first, or after Close, do nothing.
func (w *WebSocket) Open(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opened || w.closed {
		return
	}
	w.opened = true
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Send queues msg for the current or next connection.
func (w *WebSocket) Send(msg types.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.outbox <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the channel and waits for the connection to wind down. It is
// safe to call more than once and on a channel that was never opened. The
// events channel is closed once Close returns.
func (w *WebSocket) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.state = Closed
		opened, cancel := w.opened, w.cancel
		w.mu.Unlock()

		if !opened {
			close(w.events)
			return
		}
		cancel()
		<-w.done
	})
	return nil
}

func (w *WebSocket) setState(s State) (changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Closed || w.state == s {
		return false
	}
	w.state = s
	return true
}

// emit delivers ev unless the channel is shutting down.
func (w *WebSocket) emit(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *WebSocket) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	w.policy.Reset()
	var epoch uint64
	for {
		conn, err := w.dial(ctx)
		if err == nil {
			w.policy.Reset()
			epoch++
			w.setState(Open)
			w.log.Debug("connected", zap.Uint64("epoch", epoch))
			if !w.emit(ctx, StateChanged{Epoch: epoch, State: Open}) {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			err = w.serve(ctx, conn, epoch)
		}
		if ctx.Err() != nil {
			return
		}

		if w.setState(Reconnecting) {
			w.log.Warn("connection lost", zap.Uint64("epoch", epoch), zap.Error(err))
			if !w.emit(ctx, StateChanged{Epoch: epoch, State: Reconnecting, Err: err}) {
				return
			}
		}

		wait := w.policy.NextBackOff()
		if wait == backoff.Stop {
			w.mu.Lock()
			w.closed = true
			w.state = Closed
			w.mu.Unlock()
			w.emit(ctx, StateChanged{Epoch: epoch, State: Closed, Err: err})
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, w.url, &websocket.DialOptions{
		HTTPClient: w.client,
		HTTPHeader: w.header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(w.readLimit)
	return conn, nil
}

// serve pumps one connection until it fails or ctx ends.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn, epoch uint64) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case payload := <-w.outbox:
				wctx, cancel := context.WithTimeout(gctx, defaultWriteTimeout)
				err := conn.Write(wctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return fmt.Errorf("write: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			msg, err := types.DecodeServerMessage(data)
			if err != nil {
				w.log.Warn("dropping undecodable frame", zap.Uint64("epoch", epoch), zap.Error(err))
				continue
			}
			if !w.emit(gctx, Message{Epoch: epoch, Msg: msg}) {
				return gctx.Err()
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
		return ctx.Err()
	}
	conn.CloseNow()
	return err
}
