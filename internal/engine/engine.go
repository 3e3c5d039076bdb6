// Package engine implements the protocol engine: connection lifecycle,
// request correlation, stanza routing, and the conversation, roster, room,
// and profile state it maintains for frontends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/wire"
)

// Config tunes engine timeouts and limits. The zero value is usable; every
// field falls back to its default.
type Config struct {
	// ConnectTimeout bounds connection establishment. Default 15s.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a single request/response exchange. Default 10s.
	RequestTimeout time.Duration

	// ArchiveTimeout bounds one archive hydration. Default 10s.
	ArchiveTimeout time.Duration

	// ArchivePageSize caps the number of messages requested from the
	// archive in one query. Default 100.
	ArchivePageSize int

	// SettleDelay is how long room creation waits after joining before it
	// submits the room configuration. Default 500ms.
	SettleDelay time.Duration

	// ReconnectAttempts is how many times a lost connection is redialed
	// before the engine gives up and goes offline. Default 5.
	ReconnectAttempts int

	// ReconnectDelay is the backoff unit between redials; attempt n waits
	// n times this long. Default 1s.
	ReconnectDelay time.Duration

	// Dial opens the underlying stream. Default wire.Dial.
	Dial wire.DialFunc
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 10 * time.Second
	}
	if c.ArchivePageSize <= 0 {
		c.ArchivePageSize = 100
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.Dial == nil {
		c.Dial = wire.Dial
	}
	return c
}

// Engine drives one account's session against the service.
type Engine struct {
	cfg Config
	bus *event.Bus
	log *zap.Logger

	mu         sync.Mutex
	status     Status
	self       jid.JID
	password   string
	endpoint   string
	stream     wire.Stream
	cancelRead context.CancelFunc
	pending    map[string]chan *wire.IQ
	rooms      map[string]string

	history *historyCache
	roster  *rosterCache
}

// New creates a disconnected engine publishing on the given bus.
func New(cfg Config, bus *event.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		bus:     bus,
		log:     logger,
		status:  StatusOffline,
		pending: make(map[string]chan *wire.IQ),
		rooms:   make(map[string]string),
		history: newHistoryCache(),
		roster:  newRosterCache(),
	}
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Self returns the address bound to the current session, or the zero value
// when offline.
func (e *Engine) Self() jid.JID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Subscribe registers a handler on a bus channel and returns its
// cancellation handle.
func (e *Engine) Subscribe(channel string, fn event.Handler) func() {
	return e.bus.Subscribe(channel, fn)
}

// Connect establishes a session for the given address. The endpoint selects
// the transport: ws:// and wss:// URLs use the websocket transport, anything
// else is treated as a host to dial directly, and an empty endpoint dials the
// address's domain.
func (e *Engine) Connect(ctx context.Context, address, password, endpoint string) error {
	addr, err := jid.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if addr.Resourcepart() == "" {
		addr, err = addr.WithResource("warbler")
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
	}

	e.mu.Lock()
	if e.status != StatusOffline {
		e.mu.Unlock()
		return fmt.Errorf("cannot connect while %s", e.status)
	}
	e.status = StatusConnecting
	e.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	stream, err := e.cfg.Dial(dctx, addr, password, endpoint, e.log)
	if err != nil {
		e.mu.Lock()
		e.status = StatusOffline
		e.mu.Unlock()
		switch {
		case errors.Is(err, wire.ErrNotAuthorized):
			return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		case errors.Is(err, context.DeadlineExceeded), dctx.Err() != nil && ctx.Err() == nil:
			return ErrConnectTimeout
		default:
			return fmt.Errorf("failed to connect: %w", err)
		}
	}

	e.startSession(stream, addr, password, endpoint)
	return nil
}

// startSession installs a freshly negotiated stream, resets per-session
// state, and kicks off the read loop, initial presence, and roster fetch.
func (e *Engine) startSession(stream wire.Stream, addr jid.JID, password, endpoint string) {
	rctx, cancel := context.WithCancel(context.Background())

	self := stream.Local()
	if self.String() == "" {
		self = addr
	}

	e.mu.Lock()
	e.stream = stream
	e.self = self
	e.password = password
	e.endpoint = endpoint
	e.status = StatusConnected
	e.cancelRead = cancel
	e.pending = make(map[string]chan *wire.IQ)
	e.rooms = make(map[string]string)
	e.history.reset()
	e.roster.reset()
	e.mu.Unlock()

	go e.readLoop(rctx, stream)

	if err := stream.Send(rctx, &wire.Presence{}); err != nil {
		e.log.Warn("failed to send initial presence", zap.Error(err))
	}

	e.bus.Publish(event.ConnectionEstablished, ConnectionEvent{JID: self.Bare().String()})

	go func() {
		fctx, fcancel := context.WithTimeout(rctx, e.cfg.RequestTimeout)
		defer fcancel()
		if _, err := e.GetRoster(fctx); err != nil {
			e.log.Warn("initial roster fetch failed", zap.Error(err))
		}
	}()
}

// Disconnect tears the session down. It is a no-op when already offline.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.status == StatusOffline {
		e.mu.Unlock()
		return nil
	}
	stream := e.stream
	cancel := e.cancelRead
	bare := ""
	if e.self.String() != "" {
		bare = e.self.Bare().String()
	}
	e.resetLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			e.log.Debug("error closing stream", zap.Error(err))
		}
	}

	e.bus.Publish(event.ConnectionLost, ConnectionEvent{JID: bare})
	return nil
}

// resetLocked clears all per-session state. Callers hold e.mu.
func (e *Engine) resetLocked() {
	e.status = StatusOffline
	e.stream = nil
	e.cancelRead = nil
	for id, ch := range e.pending {
		delete(e.pending, id)
		close(ch)
	}
	e.rooms = make(map[string]string)
	e.history.reset()
	e.roster.reset()
}

// readLoop pulls inbound elements off the stream and routes them until the
// stream dies or the session is cancelled.
func (e *Engine) readLoop(ctx context.Context, stream wire.Stream) {
	for {
		el, err := stream.Next(ctx)
		if err != nil {
			var malformed *wire.MalformedElementError
			if errors.As(err, &malformed) {
				e.log.Warn("dropping malformed element",
					zap.String("element", malformed.Name),
					zap.Error(malformed.Err))
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.handleStreamLoss(stream, err)
			return
		}
		e.route(el)
	}
}

// handleStreamLoss moves the session into the reconnecting state and redials
// with linear backoff. Exhausted attempts, or a credential rejection, end in
// offline with a lost-connection notification.
func (e *Engine) handleStreamLoss(lost wire.Stream, cause error) {
	e.mu.Lock()
	if e.stream != lost {
		// A newer session already replaced this stream.
		e.mu.Unlock()
		return
	}
	e.status = StatusReconnecting
	e.stream = nil
	addr := e.self
	password := e.password
	endpoint := e.endpoint
	e.mu.Unlock()

	if err := lost.Close(); err != nil {
		e.log.Debug("error closing lost stream", zap.Error(err))
	}

	e.log.Warn("connection lost", zap.Error(cause))
	e.bus.Publish(event.Reconnecting, ConnectionEvent{
		JID:    addr.Bare().String(),
		Reason: cause.Error(),
	})

	for attempt := 1; attempt <= e.cfg.ReconnectAttempts; attempt++ {
		e.mu.Lock()
		if e.status != StatusReconnecting {
			// Disconnected (or reconnected) elsewhere in the meantime.
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		time.Sleep(time.Duration(attempt) * e.cfg.ReconnectDelay)

		dctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
		stream, err := e.cfg.Dial(dctx, addr, password, endpoint, e.log)
		cancel()
		if err == nil {
			e.mu.Lock()
			if e.status != StatusReconnecting {
				e.mu.Unlock()
				stream.Close()
				return
			}
			e.mu.Unlock()
			e.log.Info("reconnected", zap.Int("attempt", attempt))
			e.startSession(stream, addr, password, endpoint)
			return
		}
		e.log.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if errors.Is(err, wire.ErrNotAuthorized) {
			break
		}
	}

	e.mu.Lock()
	if e.status != StatusReconnecting {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	e.mu.Unlock()

	e.bus.Publish(event.ConnectionLost, ConnectionEvent{
		JID:    addr.Bare().String(),
		Reason: cause.Error(),
	})
}

// session returns the live stream and bound address, or ErrNotConnected.
func (e *Engine) session() (wire.Stream, jid.JID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusConnected || e.stream == nil {
		return nil, jid.JID{}, ErrNotConnected
	}
	return e.stream, e.self, nil
}

func (e *Engine) connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusConnected && e.stream != nil
}

// bareKey normalizes a conversation identifier to a bare address string.
func bareKey(identifier string) string {
	if j, err := jid.Parse(identifier); err == nil {
		return j.Bare().String()
	}
	return identifier
}
