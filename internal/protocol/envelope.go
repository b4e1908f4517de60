package protocol

import "time"

// Kind tags every envelope on the wire.
type Kind string

const (
	KindConnect      Kind = "CONNECT"
	KindRegisterOK   Kind = "REGISTER_OK"
	KindRegisterFail Kind = "REGISTER_FAIL"
	KindCreateRoom   Kind = "CREATE_ROOM"
	KindJoinRoom     Kind = "JOIN_ROOM"
	KindRoomMsg      Kind = "ROOM_MSG"
	KindPrivateMsg   Kind = "PRIVATE_MSG"
	KindUserJoined   Kind = "USER_JOINED"
	KindUserLeft     Kind = "USER_LEFT"
	KindRoomCreated  Kind = "ROOM_CREATED"
	KindError        Kind = "ERROR"
	KindDisconnect   Kind = "DISCONNECT"
)

// ServerName is the "from" of every envelope the relay itself originates.
const ServerName = "server"

var knownKinds = map[Kind]struct{}{
	KindConnect:      {},
	KindRegisterOK:   {},
	KindRegisterFail: {},
	KindCreateRoom:   {},
	KindJoinRoom:     {},
	KindRoomMsg:      {},
	KindPrivateMsg:   {},
	KindUserJoined:   {},
	KindUserLeft:     {},
	KindRoomCreated:  {},
	KindError:        {},
	KindDisconnect:   {},
}

// Valid reports whether k is one of the protocol kinds.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Envelope wraps every line (TCP) or text frame (WebSocket).
//
// It has no reference fields, so a copy is fully independent of its source;
// handlers pass it by value and never mutate it after construction.
type Envelope struct {
	Kind   Kind      `json:"kind"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Room   string    `json:"room,omitempty"`
	Body   string    `json:"body,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// Now is the clock used to stamp SentAt. Tests may replace it.
var Now = func() time.Time { return time.Now().UTC() }

// Option sets an optional envelope field during construction.
type Option func(*Envelope)

func To(user string) Option   { return func(e *Envelope) { e.To = user } }
func Room(id string) Option   { return func(e *Envelope) { e.Room = id } }
func Body(text string) Option { return func(e *Envelope) { e.Body = text } }

// New builds an envelope and fixes its SentAt.
func New(kind Kind, from string, opts ...Option) Envelope {
	e := Envelope{Kind: kind, From: from}
	for _, opt := range opts {
		opt(&e)
	}
	e.SentAt = Now()
	return e
}

// Error builds a server ERROR envelope carrying reason in its body.
func Error(reason string) Envelope {
	return New(KindError, ServerName, Body(reason))
}
