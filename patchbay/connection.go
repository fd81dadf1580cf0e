package patchbay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/patchbay/telemetry"
)

// Transfer hands shared-memory descriptors across the process boundary. Each
// received token is owned by the connection and closed exactly once through
// CloseToken, on release or on any failed handshake gate.
type Transfer interface {
	// Receive blocks until a descriptor arrives and returns its token.
	// A negative token carries an error code sent by the remote side.
	Receive(ctx context.Context) (int, error)
	// CloseToken releases a token obtained from Receive.
	CloseToken(token int) error
}

const (
	defaultRetryInterval = 10 * time.Millisecond
	defaultRetryMax      = 200

	noToken = -1
	noIndex = -1
)

type connState int

const (
	stateUnconfigured connState = iota
	stateConfiguring
	stateConfigured
)

// link is the identity triple a configured connection holds. It only exists
// as a whole; partial configuration is not representable.
type link struct {
	name  string
	token int
	index int
}

// Connection drives the handshake between a local audio module and its
// representation in the routing service.
//
// Configure and Release must not run concurrently with each other or with
// themselves; a single caller is expected to drive the state machine.
// Accessors are safe to call from other goroutines at any time.
type Connection struct {
	binding      Binding
	transfer     Transfer
	notification *Notification
	logger       zerolog.Logger
	metrics      telemetry.Collector

	retryInterval time.Duration
	retryMax      int

	mu    sync.Mutex
	phase connState
	link  link
}

// Option customises a Connection.
type Option func(*Connection)

// WithLogger attaches a logger to the connection.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithNotification sets the display payload forwarded to the service at
// create time. The payload is immutable for the connection's lifetime.
func WithNotification(notification *Notification) Option {
	return func(c *Connection) { c.notification = notification }
}

// WithCollector attaches a telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(c *Connection) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithRetry overrides the descriptor-request retry cadence. The retry count
// is bounded so a service that keeps refusing the request cannot spin the
// handshake forever.
func WithRetry(interval time.Duration, max int) Option {
	return func(c *Connection) {
		if interval > 0 {
			c.retryInterval = interval
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// NewConnection builds an unconfigured connection around a module binding and
// a descriptor transfer channel.
func NewConnection(binding Binding, transfer Transfer, opts ...Option) *Connection {
	c := &Connection{
		binding:       binding,
		transfer:      transfer,
		logger:        zerolog.Nop(),
		metrics:       telemetry.Noop(),
		retryInterval: defaultRetryInterval,
		retryMax:      defaultRetryMax,
		phase:         stateUnconfigured,
		link:          link{token: noToken, index: noIndex},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure runs the handshake that connects this module to the routing
// service: protocol negotiation, shared-memory descriptor transfer, module
// registration and native binding, in that order. Every step is a gate; a
// failing step rolls back everything acquired before it, so either the
// connection commits fully or it returns to the unconfigured state.
//
// Expected failures are reported through the Status; the error return carries
// transport faults and cancellation. Configuring an already configured
// connection is a usage error and panics.
func (c *Connection) Configure(ctx context.Context, svc Service, name string) (Status, error) {
	version, err := svc.ProtocolVersion()
	if err != nil {
		return StatusFailure, fmt.Errorf("query protocol version: %w", err)
	}
	if version != c.binding.ProtocolVersion() {
		c.metrics.IncConfigure("version_mismatch")
		return StatusVersionMismatch, nil
	}
	c.mu.Lock()
	if c.phase != stateUnconfigured {
		c.mu.Unlock()
		panic("patchbay: connection is already configured")
	}
	c.phase = stateConfiguring
	c.mu.Unlock()

	status, err := c.handshake(ctx, svc, name, version)
	if err != nil || !status.OK() {
		c.setUnconfigured()
		c.metrics.IncConfigure("failure")
		return status, err
	}
	c.metrics.IncConfigure("success")
	return StatusSuccess, nil
}

func (c *Connection) handshake(ctx context.Context, svc Service, name string, version int) (Status, error) {
	token, status, err := c.receiveToken(ctx, svc)
	if err != nil || !status.OK() {
		return status, err
	}

	index, err := svc.CreateModule(name, c.binding.InputChannels(), c.binding.OutputChannels(), c.notification)
	if err != nil {
		c.closeToken(token)
		return StatusFailure, fmt.Errorf("create module %q: %w", name, err)
	}
	if index < 0 {
		// The service registered nothing, only the token needs releasing.
		c.closeToken(token)
		return Status(index), nil
	}

	sampleRate, bufferSize, err := queryClock(svc)
	if err != nil {
		c.rollback(svc, name, token)
		return StatusFailure, err
	}
	if err := c.binding.Bind(name, version, token, index, sampleRate, bufferSize); err != nil {
		// A registered module without working local processing must not
		// stay visible remotely.
		c.rollback(svc, name, token)
		c.logger.Warn().Err(err).Str("module", name).Msg("native binding rejected handshake")
		return StatusFailure, nil
	}

	c.commit(name, token, index)
	c.logger.Info().
		Str("module", name).
		Int("token", token).
		Int("index", index).
		Int("sample_rate", sampleRate).
		Int("buffer_size", bufferSize).
		Msg("module configured")
	return StatusSuccess, nil
}

func queryClock(svc Service) (sampleRate, bufferSize int, err error) {
	if sampleRate, err = svc.SampleRate(); err != nil {
		return 0, 0, fmt.Errorf("query sample rate: %w", err)
	}
	if bufferSize, err = svc.BufferSize(); err != nil {
		return 0, 0, fmt.Errorf("query buffer size: %w", err)
	}
	return sampleRate, bufferSize, nil
}

func (c *Connection) rollback(svc Service, name string, token int) {
	if err := svc.DeleteModule(name); err != nil {
		c.logger.Warn().Err(err).Str("module", name).Msg("rollback: delete module failed")
	}
	c.closeToken(token)
}

// receiveToken runs the descriptor handoff: a background receiver blocks on
// the transfer channel while this goroutine asks the service to send,
// retrying through the startup race until the request is accepted or the
// receiver has terminated. The receiver is always joined before returning.
func (c *Connection) receiveToken(ctx context.Context, svc Service) (int, Status, error) {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type received struct {
		token int
		err   error
	}
	done := make(chan received, 1)
	go func() {
		token, err := c.transfer.Receive(recvCtx)
		done <- received{token: token, err: err}
	}()
	join := func() received {
		cancel()
		return <-done
	}
	discard := func(res received) {
		if res.err == nil && res.token >= 0 {
			c.closeToken(res.token)
		}
	}

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		pending, err := svc.SendDescriptor()
		if err != nil {
			discard(join())
			return noToken, StatusFailure, fmt.Errorf("request descriptor: %w", err)
		}
		if pending == 0 {
			break
		}
		if attempt >= c.retryMax {
			discard(join())
			return noToken, StatusFailure, fmt.Errorf("descriptor request refused after %d attempts", attempt)
		}
		c.metrics.IncDescriptorRetry()
		select {
		case res := <-done:
			return c.acceptToken(res.token, res.err)
		case <-ctx.Done():
			discard(join())
			return noToken, StatusFailure, ctx.Err()
		case <-ticker.C:
		}
	}

	select {
	case res := <-done:
		return c.acceptToken(res.token, res.err)
	case <-ctx.Done():
		discard(join())
		return noToken, StatusFailure, ctx.Err()
	}
}

func (c *Connection) acceptToken(token int, err error) (int, Status, error) {
	if err != nil {
		return noToken, StatusFailure, fmt.Errorf("receive descriptor: %w", err)
	}
	if token < 0 {
		// Error code from the remote side; nothing was acquired.
		return token, Status(token), nil
	}
	return token, StatusSuccess, nil
}

// Release deletes the module's registration in the service, unbinds the
// local processing state and closes the shared-memory token, in that order.
// Releasing an unconfigured connection logs a warning and does nothing;
// defensive release is a safe caller pattern.
func (c *Connection) Release(svc Service) error {
	c.mu.Lock()
	if c.phase != stateConfigured {
		c.mu.Unlock()
		c.logger.Warn().Msg("not configured; nothing to release")
		return nil
	}
	current := c.link
	c.mu.Unlock()

	if err := svc.DeleteModule(current.name); err != nil {
		return fmt.Errorf("delete module %q: %w", current.name, err)
	}
	c.binding.Unbind()
	c.closeToken(current.token)
	c.setUnconfigured()
	c.metrics.IncRelease()
	c.logger.Info().Str("module", current.name).Msg("module released")
	return nil
}

// TimedOut reports whether the module's rendering callback was cut off by the
// service's watchdog. The sanctioned recovery is Release followed by a fresh
// Configure under the same name; the service re-binds the registration and
// keeps its routing state.
func (c *Connection) TimedOut() bool {
	return c.binding.TimedOut()
}

// Name returns the module name and true while configured.
func (c *Connection) Name() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != stateConfigured {
		return "", false
	}
	return c.link.name, true
}

// Token returns the shared-memory token, or -1 while unconfigured.
func (c *Connection) Token() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.token
}

// Index returns the module's index in the service's table, or -1 while
// unconfigured.
func (c *Connection) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.index
}

// Configured reports whether the connection is fully configured.
func (c *Connection) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == stateConfigured
}

// Notification returns the display payload passed at construction, if any.
func (c *Connection) Notification() *Notification {
	return c.notification
}

func (c *Connection) commit(name string, token, index int) {
	c.mu.Lock()
	c.phase = stateConfigured
	c.link = link{name: name, token: token, index: index}
	c.mu.Unlock()
}

func (c *Connection) setUnconfigured() {
	c.mu.Lock()
	c.phase = stateUnconfigured
	c.link = link{token: noToken, index: noIndex}
	c.mu.Unlock()
}

func (c *Connection) closeToken(token int) {
	if err := c.transfer.CloseToken(token); err != nil {
		c.logger.Warn().Err(err).Int("token", token).Msg("close token failed")
	}
}
