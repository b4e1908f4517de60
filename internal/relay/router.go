package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"chatrelay/internal/protocol"

	"github.com/go-playground/validator/v10"
)

// handler runs one client request on behalf of a registered session.
type handler func(s *Session, env protocol.Envelope) error

// Router keeps a map[kind]handler.
type Router struct {
	hub      *Hub
	validate *validator.Validate

	mu       sync.RWMutex
	handlers map[protocol.Kind]handler
}

type createRoomRequest struct {
	Room        string `validate:"required,max=64"`
	DisplayName string `validate:"max=128"`
}

type joinRoomRequest struct {
	Room string `validate:"required,max=64"`
}

type roomMessageRequest struct {
	Room string `validate:"required,max=64"`
	Body string `validate:"required"`
}

type privateMessageRequest struct {
	To   string `validate:"required,max=32"`
	Body string `validate:"required"`
}

type connectRequest struct {
	Username string `validate:"required,max=32"`
}

// NewRouter wires the client kinds a registered session may send.
func NewRouter(hub *Hub) *Router {
	r := &Router{
		hub:      hub,
		validate: validator.New(),
		handlers: make(map[protocol.Kind]handler),
	}
	r.Register(protocol.KindCreateRoom, r.createRoom)
	r.Register(protocol.KindJoinRoom, r.joinRoom)
	r.Register(protocol.KindRoomMsg, r.roomMessage)
	r.Register(protocol.KindPrivateMsg, r.privateMessage)
	return r
}

// Register binds a kind to a handler, replacing any previous one.
func (r *Router) Register(kind protocol.Kind, h handler) {
	if kind == "" {
		panic("relay router: empty kind")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// dispatch is called by the session's read loop.
func (r *Router) dispatch(s *Session, env protocol.Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, env.Kind)
	}
	return h(s, env)
}

func (r *Router) createRoom(s *Session, env protocol.Envelope) error {
	req := createRoomRequest{Room: strings.TrimSpace(env.Room), DisplayName: strings.TrimSpace(env.Body)}
	if err := r.check(req); err != nil {
		return err
	}
	r.hub.CreateRoom(req.Room, req.DisplayName, s.Username())
	return nil
}

func (r *Router) joinRoom(s *Session, env protocol.Envelope) error {
	req := joinRoomRequest{Room: strings.TrimSpace(env.Room)}
	if err := r.check(req); err != nil {
		return err
	}
	r.hub.JoinRoom(req.Room, s.Username())
	return nil
}

func (r *Router) roomMessage(s *Session, env protocol.Envelope) error {
	req := roomMessageRequest{Room: strings.TrimSpace(env.Room), Body: env.Body}
	if err := r.check(req); err != nil {
		return err
	}
	// The author is always the registered name, whatever "from" claims.
	return r.hub.RouteRoomMessage(protocol.New(protocol.KindRoomMsg, s.Username(),
		protocol.Room(req.Room), protocol.Body(req.Body)))
}

func (r *Router) privateMessage(s *Session, env protocol.Envelope) error {
	req := privateMessageRequest{To: strings.TrimSpace(env.To), Body: env.Body}
	if err := r.check(req); err != nil {
		return err
	}
	return r.hub.RoutePrivateMessage(protocol.New(protocol.KindPrivateMsg, s.Username(),
		protocol.To(req.To), protocol.Body(req.Body)))
}

// username validates the name carried by CONNECT.
func (r *Router) username(env protocol.Envelope) (string, error) {
	req := connectRequest{Username: strings.TrimSpace(env.From)}
	if err := r.check(req); err != nil {
		return "", err
	}
	// Relay-originated envelopes carry this name.
	if strings.EqualFold(req.Username, protocol.ServerName) {
		return "", fmt.Errorf("%w: username %q is reserved", ErrInvalidEnvelope, req.Username)
	}
	return req.Username, nil
}

// check turns validator output into a short client-facing reason.
func (r *Router) check(req any) error {
	err := r.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: %s %s", ErrInvalidEnvelope, strings.ToLower(fe.Field()), describeTag(fe))
	}
	return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds " + fe.Param() + " characters"
	}
	return "fails " + fe.Tag()
}
