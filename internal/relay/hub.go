package relay

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"chatrelay/internal/metrics"
	"chatrelay/internal/persistence"
	"chatrelay/internal/protocol"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Peer is the delivery side of a session.
type Peer interface {
	// Send queues env for the peer without blocking.
	Send(env protocol.Envelope) error
	// Close tears the connection down; the peer's own goroutine then
	// unregisters it.
	Close() error
}

// Notifier is told after every state change the hub makes.
type Notifier interface {
	Notify()
}

type nopNotifier struct{}

func (nopNotifier) Notify() {}

type HubOptions struct {
	// DefaultRoom is joined by every user on registration. Empty disables it.
	DefaultRoom     string
	DefaultRoomName string
	// AutoJoinOnSend adds the author of a room message to the room.
	AutoJoinOnSend bool
	// CreatorAutoJoin adds the creator to a room it creates.
	CreatorAutoJoin bool
}

// Hub is the process-wide registry: username -> peer, room id -> room, and
// the append-only log of delivered messages.
//
// Lock order is hub.mu, then Room.mu. Peers are never sent to while hub.mu
// is held, except for the registration confirmation, which only queues.
type Hub struct {
	opts HubOptions

	mu    sync.RWMutex
	users map[string]Peer
	rooms map[string]*Room

	logMu sync.Mutex
	log   []protocol.Envelope

	notifier Notifier
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		opts:     opts,
		users:    map[string]Peer{},
		rooms:    map[string]*Room{},
		notifier: nopNotifier{},
	}
	if opts.DefaultRoom != "" {
		h.rooms[opts.DefaultRoom] = newRoom(opts.DefaultRoom, opts.DefaultRoomName)
	}
	return h
}

// SetNotifier must be called before the hub is shared with sessions.
func (h *Hub) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	h.notifier = n
}

// Register binds username to p. The first registration wins; registering the
// same peer twice is accepted. On success p is joined to the default room and
// REGISTER_OK is queued to it before the name becomes reachable by others.
func (h *Hub) Register(username string, p Peer) bool {
	h.mu.Lock()
	if existing, ok := h.users[username]; ok {
		h.mu.Unlock()
		if existing == p {
			return true
		}
		metrics.Registrations.WithLabelValues("duplicate").Inc()
		zap.L().Info("hub.register_conflict", zap.String("user", username))
		return false
	}

	h.users[username] = p
	var created *Room
	if h.opts.DefaultRoom != "" {
		room, isNew := h.roomLocked(h.opts.DefaultRoom, h.opts.DefaultRoomName)
		room.Join(username)
		if isNew {
			created = room
		}
	}
	_ = p.Send(protocol.New(protocol.KindRegisterOK, protocol.ServerName,
		protocol.To(username), protocol.Body("Connected as "+username)))
	count := len(h.users)
	h.mu.Unlock()

	metrics.Registrations.WithLabelValues("ok").Inc()
	zap.L().Info("hub.registered", zap.String("user", username), zap.Int("users", count))
	if created != nil {
		h.announceRoom(created)
	}
	h.notifier.Notify()
	return true
}

// AnnounceJoined tells every other registered user that username connected.
func (h *Hub) AnnounceJoined(username string) {
	h.broadcastAll(protocol.New(protocol.KindUserJoined, protocol.ServerName,
		protocol.Body(username)), username)
}

// Unregister removes username from the user map and from every room, then
// broadcasts USER_LEFT. It is a no-op unless username is mapped to p.
func (h *Hub) Unregister(username string, p Peer) bool {
	h.mu.Lock()
	if existing, ok := h.users[username]; !ok || existing != p {
		h.mu.Unlock()
		return false
	}
	delete(h.users, username)
	for _, room := range h.rooms {
		room.Leave(username)
	}
	count := len(h.users)
	h.mu.Unlock()

	zap.L().Info("hub.unregistered", zap.String("user", username), zap.Int("users", count))
	h.broadcastAll(protocol.New(protocol.KindUserLeft, protocol.ServerName,
		protocol.Body(username)), username)
	h.notifier.Notify()
	return true
}

// CloseAll closes every registered peer. Each one unregisters from its own
// goroutine as its read loop ends.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	peers := lo.Values(h.users)
	h.mu.RUnlock()

	for _, p := range peers {
		_ = p.Close()
	}
	return len(peers)
}

// GetOrCreateRoom returns the room with id, creating it when absent. The
// display name of the first creation wins. A new room is announced to every
// user with ROOM_CREATED.
func (h *Hub) GetOrCreateRoom(id, displayName string) (*Room, bool) {
	return h.createRoom(id, displayName, "")
}

// CreateRoom is GetOrCreateRoom on behalf of creator, who joins the new room
// when CreatorAutoJoin is set.
func (h *Hub) CreateRoom(id, displayName, creator string) (*Room, bool) {
	return h.createRoom(id, displayName, creator)
}

func (h *Hub) createRoom(id, displayName, creator string) (*Room, bool) {
	h.mu.Lock()
	room, created := h.roomLocked(id, displayName)
	if created && creator != "" && h.opts.CreatorAutoJoin {
		room.Join(creator)
	}
	h.mu.Unlock()

	if created {
		zap.L().Info("hub.room_created", zap.String("room", id), zap.String("creator", creator))
		h.announceRoom(room)
		h.notifier.Notify()
	}
	return room, created
}

// JoinRoom adds username to the room, creating the room when absent. Joining
// twice is the same as joining once. A new member is announced to the room
// with a USER_JOINED carrying the room id.
func (h *Hub) JoinRoom(id, username string) *Room {
	h.mu.Lock()
	room, created := h.roomLocked(id, "")
	joined := room.Join(username)
	h.mu.Unlock()

	if created {
		h.announceRoom(room)
	}
	if joined {
		failed := room.Broadcast(protocol.New(protocol.KindUserJoined, protocol.ServerName,
			protocol.Room(id), protocol.Body(username)), h.peer)
		h.drop(failed)
	}
	if created || joined {
		h.notifier.Notify()
	}
	return room
}

// RouteRoomMessage appends env to the log and delivers it to every member of
// env.Room with a live peer, the author included. An unknown room is
// ErrRoomNotFound and nothing is logged or delivered.
func (h *Hub) RouteRoomMessage(env protocol.Envelope) error {
	room, ok := h.Room(env.Room)
	if !ok {
		metrics.RoutingNotFound.WithLabelValues(string(env.Kind)).Inc()
		return fmt.Errorf("%w: %s", ErrRoomNotFound, env.Room)
	}

	if h.opts.AutoJoinOnSend && env.From != "" {
		room.Join(env.From)
	}

	room.deliverMu.Lock()
	h.appendLog(env)
	failed := room.Broadcast(env, h.peer)
	room.deliverMu.Unlock()

	metrics.MessagesRouted.WithLabelValues(string(env.Kind)).Inc()
	h.drop(failed)
	h.notifier.Notify()
	return nil
}

// RoutePrivateMessage appends env to the log and delivers it to env.To, with
// a copy to the author when the author is someone else and still connected.
// An unknown recipient is ErrUserNotFound and nothing is logged or delivered.
func (h *Hub) RoutePrivateMessage(env protocol.Envelope) error {
	h.mu.RLock()
	recipient, ok := h.users[env.To]
	sender, senderOK := h.users[env.From]
	h.mu.RUnlock()
	if !ok {
		metrics.RoutingNotFound.WithLabelValues(string(env.Kind)).Inc()
		return fmt.Errorf("%w: %s", ErrUserNotFound, env.To)
	}

	h.appendLog(env)

	var failed []Peer
	if err := recipient.Send(env); err != nil {
		failed = append(failed, recipient)
	}
	if env.From != env.To && senderOK {
		if err := sender.Send(env); err != nil {
			failed = append(failed, sender)
		}
	}

	metrics.MessagesRouted.WithLabelValues(string(env.Kind)).Inc()
	h.drop(failed)
	h.notifier.Notify()
	return nil
}

// Room looks up an existing room.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[id]
	return room, ok
}

// Rooms returns every room ordered by id.
func (h *Hub) Rooms() []*Room {
	h.mu.RLock()
	rooms := lo.Values(h.rooms)
	h.mu.RUnlock()
	slices.SortFunc(rooms, func(a, b *Room) int { return cmp.Compare(a.id, b.id) })
	return rooms
}

// Users returns the registered usernames, sorted.
func (h *Hub) Users() []string {
	h.mu.RLock()
	names := lo.Keys(h.users)
	h.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Messages returns a copy of the log.
func (h *Hub) Messages() []protocol.Envelope {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	return slices.Clone(h.log)
}

// Snapshot copies users, rooms and the log for persistence. Nothing in the
// result aliases hub state.
func (h *Hub) Snapshot() persistence.Snapshot {
	h.mu.RLock()
	users := lo.Keys(h.users)
	rooms := make([]persistence.RoomSnapshot, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, persistence.RoomSnapshot{
			ID:      r.id,
			Name:    r.name,
			Members: r.MemberUsernames(),
		})
	}
	h.mu.RUnlock()

	slices.Sort(users)
	slices.SortFunc(rooms, func(a, b persistence.RoomSnapshot) int { return cmp.Compare(a.ID, b.ID) })

	return persistence.Snapshot{
		Users:    users,
		Rooms:    rooms,
		Messages: h.Messages(),
	}
}

// Restore rebuilds rooms, their members and the log from a snapshot. Users
// are not restored: they have no live sessions until they reconnect.
func (h *Hub) Restore(snap persistence.Snapshot) {
	h.mu.Lock()
	for _, rs := range snap.Rooms {
		room, ok := h.rooms[rs.ID]
		if !ok {
			room = newRoom(rs.ID, rs.Name)
			h.rooms[rs.ID] = room
		}
		for _, m := range rs.Members {
			room.Join(m)
		}
	}
	h.mu.Unlock()

	h.logMu.Lock()
	h.log = append(slices.Clone(snap.Messages), h.log...)
	h.logMu.Unlock()

	zap.L().Info("hub.restored",
		zap.Int("rooms", len(snap.Rooms)), zap.Int("messages", len(snap.Messages)))
}

func (h *Hub) roomLocked(id, displayName string) (*Room, bool) {
	if room, ok := h.rooms[id]; ok {
		return room, false
	}
	room := newRoom(id, displayName)
	h.rooms[id] = room
	return room, true
}

func (h *Hub) peer(username string) (Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.users[username]
	return p, ok
}

func (h *Hub) appendLog(env protocol.Envelope) {
	h.logMu.Lock()
	h.log = append(h.log, env)
	h.logMu.Unlock()
}

func (h *Hub) announceRoom(room *Room) {
	h.broadcastAll(protocol.New(protocol.KindRoomCreated, protocol.ServerName,
		protocol.Room(room.id), protocol.Body(room.name)), "")
}

// broadcastAll sends env to every registered user except the one named.
func (h *Hub) broadcastAll(env protocol.Envelope, except string) {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.users))
	for name, p := range h.users {
		if name != except {
			peers = append(peers, p)
		}
	}
	h.mu.RUnlock()

	var failed []Peer
	for _, p := range peers {
		if err := p.Send(env); err != nil {
			failed = append(failed, p)
		}
	}
	h.drop(failed)
}

// drop closes peers whose queue rejected a delivery. They are not retried;
// each one unregisters itself from its own goroutine.
func (h *Hub) drop(failed []Peer) {
	for _, p := range failed {
		metrics.DeliveryFailures.Inc()
		zap.L().Warn("hub.delivery_failed", zap.Stringer("peer", peerName{p}))
		_ = p.Close()
	}
}

type peerName struct{ p Peer }

func (n peerName) String() string {
	if s, ok := n.p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%p", n.p)
}
