// Package wstransport provides the websocket transport used by livesocket controllers.
package wstransport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/livesocket/pkg/livesocket"
)

var (
	ErrNotConnected = errors.New("websocket not connected")
	ErrClosed       = errors.New("websocket transport closed")
)

const (
	DefaultHandshakeTimeout = 45 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

type options struct {
	header       func() http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       zerolog.Logger
}

type Option func(*options)

// WithHeader sets a function evaluated at every dial, typically to attach the session token.
func WithHeader(fn func() http.Header) Option {
	return func(o *options) {
		o.header = fn
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			dialer := *o.dialer
			dialer.HandshakeTimeout = d
			o.dialer = &dialer
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewFactory returns a livesocket.Factory that opens a websocket to url for every transport it builds.
func NewFactory(url string, opts ...Option) livesocket.Factory {
	o := options{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		writeTimeout: DefaultWriteTimeout,
		logger:       log.With().Str("component", "wstransport").Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return func(sink livesocket.Sink) (livesocket.Transport, error) {
		if url == "" {
			return nil, errors.New("websocket url is empty")
		}
		if sink == nil {
			return nil, errors.New("transport sink is nil")
		}
		return open(url, sink, o), nil
	}
}

// Transport is one websocket connection attempt. It dials in the background, so construction never
// blocks; a failed dial is reported as a close.
type Transport struct {
	url    string
	sink   livesocket.Sink
	opts   options
	logger zerolog.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

var _ livesocket.Transport = (*Transport)(nil)

func open(url string, sink livesocket.Sink, o options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		url:    url,
		sink:   sink,
		opts:   o,
		logger: o.logger.With().Str("url", url).Logger(),
		cancel: cancel,
	}
	go t.run(ctx)
	return t
}

func (t *Transport) run(ctx context.Context) {
	header := http.Header{}
	if t.opts.header != nil {
		if h := t.opts.header(); h != nil {
			header = h
		}
	}
	conn, resp, err := t.opts.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "dial (status %d)", resp.StatusCode)
		} else {
			err = errors.Wrap(err, "dial")
		}
		t.finish(err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.logger.Debug().Msg("ws connected")
	t.sink.Opened()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.logger.Debug().Err(err).Msg("ws read loop end")
			t.finish(err)
			return
		}
		t.sink.Received(data)
	}
}

// finish ends the transport from its own goroutine and reports the close unless Close got there first.
func (t *Transport) finish(err error) {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if alreadyClosed {
		return
	}
	t.sink.Closed(err)
}

// IsOpen reports whether the handshake completed and the connection has not been closed.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

func (t *Transport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.opts.writeTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, payload), "write message")
}

// Close ends the connection without reporting a close to the sink.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.opts.writeTimeout))
	return conn.Close()
}
