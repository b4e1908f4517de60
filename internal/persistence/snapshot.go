// Package persistence turns relay state into a durable JSON document and back.
//
// The document has three top-level sections, "users", "rooms" and "messages",
// which downstream tooling relies on.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"chatrelay/internal/protocol"
)

// Snapshot is an independent copy of relay state. Stores never see live
// references into the hub.
type Snapshot struct {
	Users    []string            `json:"users"`
	Rooms    []RoomSnapshot      `json:"rooms"`
	Messages []protocol.Envelope `json:"messages"`
}

type RoomSnapshot struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Store saves and loads a whole snapshot document.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
}

// normalize replaces nil slices so the document always carries arrays.
func normalize(s Snapshot) Snapshot {
	if s.Users == nil {
		s.Users = []string{}
	}
	if s.Rooms == nil {
		s.Rooms = []RoomSnapshot{}
	}
	for i := range s.Rooms {
		if s.Rooms[i].Members == nil {
			s.Rooms[i].Members = []string{}
		}
	}
	if s.Messages == nil {
		s.Messages = []protocol.Envelope{}
	}
	return s
}

// Marshal renders the snapshot document, indented, with a trailing newline.
func Marshal(s Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(normalize(s), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a snapshot document.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return normalize(s), nil
}

// Empty is the snapshot of a relay that never stored anything.
func Empty() Snapshot {
	return normalize(Snapshot{})
}
