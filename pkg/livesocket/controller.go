package livesocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultReconnectDelay is the wait between an unexpected transport close and the next attempt.
const DefaultReconnectDelay = 2000 * time.Millisecond

var ErrNotRunning = errors.New("channel is not running")

// Controller keeps one logical channel alive across session changes and transport failures.
//
// All state transitions are serialized by mu. Listeners and transport Close calls run without
// holding it, so listeners may call back into the controller and a slow close never blocks it.
type Controller struct {
	factory       Factory
	clock         Clock
	logger        zerolog.Logger
	onDecodeError func(payload []byte, err error)

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	mu             sync.Mutex
	desiredRunning bool
	sessionActive  bool
	state          State
	transport      Transport
	generation     uint64
	policy         *backoff.Backoff
	reconnectTimer Timer
	reconnectSeq   uint64

	listeners listenerRegistry
}

type Option func(*Controller) error

func WithClock(clock Clock) Option {
	return func(c *Controller) error {
		if clock == nil {
			return errors.New("clock is nil")
		}
		c.clock = clock
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) error {
		c.logger = logger
		return nil
	}
}

// WithReconnectDelay sets the wait before the first reconnect attempt after a close.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Controller) error {
		if d <= 0 {
			return errors.Errorf("reconnect delay must be positive, got %s", d)
		}
		c.reconnectDelay = d
		return nil
	}
}

// WithMaxReconnectDelay lets consecutive failed attempts double the delay up to d. When d is not
// larger than the reconnect delay, the interval stays fixed.
func WithMaxReconnectDelay(d time.Duration) Option {
	return func(c *Controller) error {
		if d < 0 {
			return errors.Errorf("max reconnect delay must not be negative, got %s", d)
		}
		c.maxReconnectDelay = d
		return nil
	}
}

// WithDecodeErrorHandler registers a hook for payloads that are not valid JSON. Such payloads are
// dropped either way.
func WithDecodeErrorHandler(fn func(payload []byte, err error)) Option {
	return func(c *Controller) error {
		c.onDecodeError = fn
		return nil
	}
}

func NewController(factory Factory, options ...Option) (*Controller, error) {
	if factory == nil {
		return nil, errors.New("transport factory is nil")
	}
	c := &Controller{
		factory:        factory,
		clock:          systemClock{},
		logger:         log.With().Str("component", "livesocket").Logger(),
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "apply controller option")
		}
	}
	maxDelay := c.maxReconnectDelay
	if maxDelay < c.reconnectDelay {
		maxDelay = c.reconnectDelay
	}
	c.policy = &backoff.Backoff{Min: c.reconnectDelay, Max: maxDelay, Factor: 2}
	return c, nil
}

// Start records that the application wants the channel running. If nothing is installed yet it
// creates a real transport when a session is active, and the inert transport otherwise.
func (c *Controller) Start() error {
	c.mu.Lock()
	c.desiredRunning = true
	var detached Transport
	var err error
	switch {
	case c.state != StateAbsent:
	case c.sessionActive:
		detached, err = c.startRealLocked()
	default:
		c.installInertLocked()
	}
	c.mu.Unlock()
	c.closeDetached(detached)
	return err
}

// Stop records that the application no longer wants the channel, closes the current transport and
// cancels any pending reconnect.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.desiredRunning = false
	c.cancelReconnectLocked()
	if c.state == StateAbsent {
		c.mu.Unlock()
		return
	}
	detached := c.teardownLocked()
	c.mu.Unlock()
	c.closeDetached(detached)
	c.logger.Debug().Msg("channel stopped")
}

// SetSessionActive pushes the externally determined session state.
//
// Activation while the channel is wanted replaces the inert transport with a real one. Deactivation
// closes a real transport and puts the inert transport in its place; the running intent is kept so
// the next activation reconnects.
func (c *Controller) SetSessionActive(active bool) error {
	c.mu.Lock()
	wasActive := c.sessionActive
	c.sessionActive = active

	var detached Transport
	var err error
	switch {
	case active && !wasActive && c.desiredRunning:
		detached, err = c.startRealLocked()
	case !active && wasActive && c.state == StateReal:
		detached = c.teardownLocked()
		if c.desiredRunning {
			c.installInertLocked()
		}
		c.logger.Debug().Msg("session ended, real transport closed")
	}
	c.mu.Unlock()
	c.closeDetached(detached)
	return err
}

// IsRunning reports whether a transport, real or inert, is currently installed.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateAbsent
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) DesiredRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredRunning
}

func (c *Controller) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionActive
}

// Subscribe registers fn for every decoded message. A nil fn is ignored and yields id 0.
func (c *Controller) Subscribe(fn Listener) SubscriptionID {
	return c.listeners.add(fn)
}

func (c *Controller) Unsubscribe(id SubscriptionID) bool {
	return c.listeners.remove(id)
}

// Send encodes v as JSON and writes it to the current transport. The inert transport drops it.
func (c *Controller) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return c.SendRaw(ctx, payload)
}

// SendRaw writes payload as is.
func (c *Controller) SendRaw(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotRunning
	}
	return t.Send(ctx, payload)
}

// startRealLocked installs a new real transport and returns the one it replaced, which the caller
// closes after releasing mu.
func (c *Controller) startRealLocked() (Transport, error) {
	if c.state == StateReal {
		return nil, nil
	}
	gen := c.generation + 1
	t, err := c.factory(&generationSink{c: c, gen: gen})
	if err != nil {
		return nil, errors.Wrap(err, "create transport")
	}
	if t == nil {
		return nil, errors.New("transport factory returned nil")
	}
	c.cancelReconnectLocked()
	previous := c.transport
	c.generation = gen
	c.transport = t
	c.state = StateReal
	c.logger.Debug().Uint64("generation", gen).Msg("real transport created")
	return previous, nil
}

func (c *Controller) installInertLocked() {
	c.generation++
	c.transport = InertTransport{}
	c.state = StateInert
}

// teardownLocked detaches the current transport. The caller closes it after releasing mu.
func (c *Controller) teardownLocked() Transport {
	t := c.transport
	c.transport = nil
	c.state = StateAbsent
	c.generation++
	return t
}

func (c *Controller) closeDetached(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("transport close failed")
	}
}

func (c *Controller) cancelReconnectLocked() {
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Controller) scheduleReconnectLocked() {
	c.cancelReconnectLocked()
	seq := c.reconnectSeq
	delay := c.policy.Duration()
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.reconnect(seq)
	})
	c.logger.Info().Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Controller) reconnect(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.reconnectSeq {
		return
	}
	c.reconnectTimer = nil
	if !c.desiredRunning || c.state != StateAbsent {
		return
	}
	if !c.sessionActive {
		c.installInertLocked()
		c.logger.Debug().Msg("reconnect abandoned, no active session")
		return
	}
	// state is absent, so nothing is replaced
	if _, err := c.startRealLocked(); err != nil {
		c.logger.Error().Err(err).Msg("reconnect failed")
		c.scheduleReconnectLocked()
	}
}

func (c *Controller) isCurrentLocked(gen uint64) bool {
	return gen == c.generation && c.state == StateReal
}

func (c *Controller) handleOpened(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(gen) {
		return
	}
	c.policy.Reset()
	c.logger.Info().Uint64("generation", gen).Msg("transport open")
}

func (c *Controller) handleReceived(gen uint64, payload []byte) {
	c.mu.Lock()
	current := c.isCurrentLocked(gen)
	c.mu.Unlock()
	if !current {
		return
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		c.logger.Warn().Err(err).Int("size", len(payload)).Msg("dropping undecodable message")
		if c.onDecodeError != nil {
			c.onDecodeError(payload, err)
		}
		return
	}
	c.listeners.dispatch(msg)
}

func (c *Controller) handleClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(gen) {
		return
	}
	c.transport = nil
	c.state = StateAbsent
	c.generation++
	if !c.desiredRunning {
		return
	}
	c.logger.Warn().Err(err).Msg("transport closed unexpectedly")
	c.scheduleReconnectLocked()
}
