package relay

import (
	"slices"
	"sync"

	"chatrelay/internal/protocol"

	"github.com/samber/lo"
)

// Room is a named set of usernames. Membership records names, not sessions,
// so a member whose connection dropped stays listed until the hub removes it.
type Room struct {
	id   string
	name string

	mu      sync.RWMutex
	members map[string]struct{}

	// deliverMu keeps log order and fan-out order identical within the room.
	deliverMu sync.Mutex
}

func newRoom(id, name string) *Room {
	if name == "" {
		name = id
	}
	return &Room{id: id, name: name, members: map[string]struct{}{}}
}

func (r *Room) ID() string   { return r.id }
func (r *Room) Name() string { return r.name }

// Join reports whether username was newly added.
func (r *Room) Join(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[username]; ok {
		return false
	}
	r.members[username] = struct{}{}
	return true
}

// Leave reports whether username was a member.
func (r *Room) Leave(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[username]; !ok {
		return false
	}
	delete(r.members, username)
	return true
}

func (r *Room) Has(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[username]
	return ok
}

// MemberUsernames returns a sorted copy of the membership.
func (r *Room) MemberUsernames() []string {
	r.mu.RLock()
	names := lo.Keys(r.members)
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Broadcast delivers env to the members present when it is called. Members
// without a live peer are skipped. Peers whose Send fails are returned so the
// caller can drop them; they do not stop delivery to the others.
func (r *Room) Broadcast(env protocol.Envelope, lookup func(username string) (Peer, bool)) []Peer {
	// Snapshot under the lock, do the I/O outside it
	members := r.MemberUsernames()

	var failed []Peer
	for _, name := range members {
		p, ok := lookup(name)
		if !ok {
			continue
		}
		if err := p.Send(env); err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}
