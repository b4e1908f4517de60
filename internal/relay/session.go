package relay

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the session lifecycle: Unregistered -> Registered -> Closed.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type SessionOptions struct {
	// SendQueueSize bounds the outbound queue. A full queue fails Send and
	// the hub drops the session.
	SendQueueSize int
	// MaxLineBytes bounds one inbound message.
	MaxLineBytes int
	// HandshakeTimeout bounds the wait for CONNECT. Zero disables it.
	HandshakeTimeout time.Duration
	// ReadTimeout closes a registered session idle for that long. The
	// protocol has no heartbeat, so zero (no idle limit) is the usual value.
	ReadTimeout time.Duration
	// WriteTimeout bounds every write, and the final drain as a whole.
	WriteTimeout time.Duration
	// RatePerSecond and RateBurst shape inbound messages. A non-positive
	// rate disables limiting.
	RatePerSecond float64
	RateBurst     int
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 64 << 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Session owns one connection: it reads and dispatches inbound messages on
// the goroutine running Serve and writes outbound ones from its own writer
// goroutine, fed by a bounded queue.
type Session struct {
	id     string
	conn   Transport
	hub    *Hub
	router *Router
	opts   SessionOptions
	log    *zap.Logger

	limiter *rate.Limiter

	out        chan []byte
	done       chan struct{} // closed when the writer must drain and stop
	writerDone chan struct{}

	mu       sync.Mutex
	state    State
	username string

	closeOnce   sync.Once
	cleanupOnce sync.Once
}

func newSession(conn Transport, hub *Hub, router *Router, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		hub:        hub,
		router:     router,
		opts:       opts,
		log:        zap.L().With(zap.String("session", id), zap.String("remote", conn.RemoteAddr())),
		limiter:    rate.NewLimiter(limit, opts.RateBurst),
		out:        make(chan []byte, opts.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) String() string {
	if name := s.Username(); name != "" {
		return name + "/" + s.id
	}
	return s.id
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues env for the writer. It never blocks: a full queue is
// ErrSendQueueFull and a stopped writer is ErrSessionClosed.
func (s *Session) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close closes the connection, which ends the read loop and with it the
// session. Safe to call from any goroutine, any number of times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Serve runs the session until the connection ends. It returns after cleanup.
func (s *Session) Serve() {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	go s.writeLoop()
	defer s.cleanup()

	if !s.handshake() {
		return
	}

	for {
		line, err := s.read(s.opts.ReadTimeout)
		if errors.Is(err, ErrLineTooLong) {
			s.reject("line_too_long", err)
			continue
		}
		if err != nil {
			s.logReadEnd(err)
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !s.limiter.Allow() {
			s.reject("rate_limited", ErrRateLimited)
			continue
		}

		env, err := protocol.Decode(line)
		if err != nil {
			s.reject("decode", err)
			continue
		}
		if env.Kind == protocol.KindDisconnect {
			s.log.Debug("session.disconnect")
			return
		}
		if err := s.router.dispatch(s, env); err != nil {
			s.reject(reasonFor(err), err)
		}
	}
}

// handshake expects CONNECT as the very first line. Anything else is a
// protocol violation and the connection is dropped without a reply.
func (s *Session) handshake() bool {
	line, err := s.read(s.opts.HandshakeTimeout)
	if err != nil {
		s.logReadEnd(err)
		return false
	}
	env, err := protocol.Decode(line)
	if err != nil || env.Kind != protocol.KindConnect {
		s.log.Info("session.protocol_violation", zap.Error(err), zap.String("kind", string(env.Kind)))
		return false
	}
	name, err := s.router.username(env)
	if err != nil {
		s.log.Info("session.protocol_violation", zap.Error(err))
		return false
	}

	if !s.hub.Register(name, s) {
		_ = s.Send(protocol.New(protocol.KindRegisterFail, protocol.ServerName,
			protocol.To(name), protocol.Body("username already in use: "+name)))
		return false
	}

	s.mu.Lock()
	s.state = StateRegistered
	s.username = name
	s.mu.Unlock()
	s.log.Info("session.registered", zap.String("user", name))

	s.hub.AnnounceJoined(name)
	return true
}

// read waits at most timeout for the next message; zero clears the deadline.
func (s *Session) read(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return s.conn.ReadMessage()
}

// reject answers a bad inbound message with ERROR; the session carries on.
func (s *Session) reject(reason string, err error) {
	metrics.ProtocolErrors.WithLabelValues(reason).Inc()
	s.log.Debug("session.rejected", zap.String("reason", reason), zap.Error(err))
	if sendErr := s.Send(protocol.Error(err.Error())); sendErr != nil {
		s.log.Warn("session.reply_failed", zap.Error(sendErr))
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrUserNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidEnvelope):
		return "invalid"
	case errors.Is(err, ErrUnsupportedKind):
		return "unsupported_kind"
	}
	return "other"
}

func (s *Session) logReadEnd(err error) {
	if isExpectedCloseError(err) {
		s.log.Debug("session.closed_by_peer", zap.Error(err))
		return
	}
	s.log.Info("session.read_failed", zap.Error(err))
}

// cleanup runs once when Serve ends: leave the hub, let the writer flush
// what is queued within the write timeout, then close the connection.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		name, registered := s.username, s.state == StateRegistered
		s.state = StateClosed
		s.mu.Unlock()

		if registered {
			s.hub.Unregister(name, s)
		}

		close(s.done)
		<-s.writerDone

		if err := s.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Debug("session.close_failed", zap.Error(err))
		}
		s.log.Debug("session.cleaned_up")
	})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case data := <-s.out:
			if !s.write(data, true) {
				_ = s.Close()
				return
			}
		case <-s.done:
			s.drain()
			return
		}
	}
}

// drain writes whatever is still queued under one shared deadline.
func (s *Session) drain() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	for {
		select {
		case data := <-s.out:
			if !s.write(data, false) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte, deadline bool) bool {
	if deadline {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			s.log.Debug("session.write_deadline_failed", zap.Error(err))
			return false
		}
	}
	if err := s.conn.WriteMessage(data); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info("session.write_failed", zap.Error(err))
		}
		return false
	}
	return true
}
