package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server accepts TCP connections and runs one Session per connection. It
// also tracks sessions handed over by other transports so Shutdown can close
// every live connection, registered or not.
type Server struct {
	addr   string
	hub    *Hub
	router *Router
	opts   SessionOptions

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewServer(addr string, hub *Hub, opts SessionOptions) *Server {
	return &Server{
		addr:     addr,
		hub:      hub,
		router:   NewRouter(hub),
		opts:     opts.withDefaults(),
		sessions: map[*Session]struct{}{},
	}
}

// Listen binds the TCP address. Addr is valid afterwards.
func (srv *Server) Listen() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return ErrServerClosed
	}
	if srv.ln != nil {
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}
	srv.ln = ln
	zap.L().Info("server.listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Serve runs the accept loop until Shutdown closes the listener, which makes
// it return nil.
func (srv *Server) Serve() error {
	ln, err := srv.listener()
	if err != nil {
		return err
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				zap.L().Warn("server.accept_retry", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		go srv.ServeTransport(newLineTransport(conn, srv.opts.MaxLineBytes))
	}
}

// listener returns the bound listener, binding it first if Listen was not
// called.
func (srv *Server) listener() (net.Listener, error) {
	srv.mu.Lock()
	ln := srv.ln
	srv.mu.Unlock()
	if ln != nil {
		return ln, nil
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.ln, nil
}

// ServeTransport runs a session over t and returns when it ends. After
// Shutdown it closes t straight away.
func (srv *Server) ServeTransport(t Transport) {
	s := newSession(t, srv.hub, srv.router, srv.opts)
	if !srv.track(s) {
		_ = t.Close()
		return
	}
	defer srv.untrack(s)
	s.Serve()
}

func (srv *Server) track(s *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	srv.sessions[s] = struct{}{}
	srv.wg.Add(1)
	return true
}

func (srv *Server) untrack(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
	srv.wg.Done()
}

// Shutdown stops accepting, closes every session and waits for their
// cleanup until ctx is done. Only the first call does the work; later calls
// return its result.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.shutdownOnce.Do(func() {
		srv.mu.Lock()
		srv.closed = true
		ln := srv.ln
		sessions := make([]*Session, 0, len(srv.sessions))
		for s := range srv.sessions {
			sessions = append(sessions, s)
		}
		srv.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		registered := srv.hub.CloseAll()
		// Sessions still in the handshake are not in the hub.
		for _, s := range sessions {
			_ = s.Close()
		}
		zap.L().Info("server.closing_sessions",
			zap.Int("sessions", len(sessions)), zap.Int("registered", registered))

		done := make(chan struct{})
		go func() {
			srv.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			zap.L().Info("server.shutdown_complete")
		case <-ctx.Done():
			zap.L().Warn("server.shutdown_timeout", zap.Error(ctx.Err()))
			srv.shutdownErr = ctx.Err()
		}
	})
	return srv.shutdownErr
}
