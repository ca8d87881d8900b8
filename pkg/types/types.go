package types

import (
	"fmt"
	"time"
)

// PlayerID is the stable identity returned by an authentication provider.
type PlayerID string

// ServerID is assigned by the external fleet manager.
type ServerID string

type PlayerInfo struct {
	ID         PlayerID  `json:"id"`
	Rating     int       `json:"rating"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Same reports whether p and o describe the same pool entry. A player that
// cancelled and re-queued gets a fresh EnqueuedAt, so a stale entry never
// compares equal to the live one.
func (p PlayerInfo) Same(o PlayerInfo) bool {
	return p.ID == o.ID && p.Rating == o.Rating && p.EnqueuedAt.Equal(o.EnqueuedAt)
}

type ServerState int

const (
	ServerStartup ServerState = iota
	ServerNormal
	ServerDraining
)

func (s ServerState) String() string {
	switch s {
	case ServerStartup:
		return "startup"
	case ServerNormal:
		return "normal"
	case ServerDraining:
		return "draining"
	}
	return fmt.Sprintf("ServerState(%d)", int(s))
}

// ParseServerState is the inverse of ServerState.String.
func ParseServerState(s string) (ServerState, error) {
	switch s {
	case "startup":
		return ServerStartup, nil
	case "normal":
		return ServerNormal, nil
	case "draining":
		return ServerDraining, nil
	}
	return 0, fmt.Errorf("unknown server state %q", s)
}

func (s ServerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ServerState) UnmarshalText(b []byte) error {
	v, err := ParseServerState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type ServerInfo struct {
	ID             ServerID    `json:"id"`
	Address        string      `json:"address"`
	MaxPlayers     int         `json:"max_players"`
	CurrentPlayers int         `json:"current_players"`
	State          ServerState `json:"state"`
}

// Eligible reports whether the server may receive new assignments.
func (s ServerInfo) Eligible() bool {
	return s.State == ServerNormal && s.CurrentPlayers < s.MaxPlayers
}

// HasRoom reports whether n more players fit on an eligible server.
func (s ServerInfo) HasRoom(n int) bool {
	return s.Eligible() && s.CurrentPlayers+n <= s.MaxPlayers
}

// Load is the fill ratio used to pack servers tightly.
func (s ServerInfo) Load() float64 {
	if s.MaxPlayers <= 0 {
		return 1
	}
	return float64(s.CurrentPlayers) / float64(s.MaxPlayers)
}

// PotentialMatchup is a candidate pairing, not yet committed.
type PotentialMatchup struct {
	A     PlayerInfo
	B     PlayerInfo
	Score float64
}

func (m PotentialMatchup) Players() []PlayerInfo { return []PlayerInfo{m.A, m.B} }

type Match struct {
	ID        string    `json:"id"`
	A         PlayerID  `json:"a"`
	B         PlayerID  `json:"b"`
	Server    ServerID  `json:"server"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Peer returns the opponent of id.
func (m Match) Peer(id PlayerID) PlayerID {
	if m.A == id {
		return m.B
	}
	return m.A
}

func (m Match) Has(id PlayerID) bool { return m.A == id || m.B == id }

// Players lists everyone placed by the match.
func (m Match) Players() []PlayerID { return []PlayerID{m.A, m.B} }

// Event is pushed to observers (websocket hub, redis channel).
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventMatchCommitted    = "match_committed"
	EventServerRegistered  = "server_registered"
	EventServerRemoved     = "server_removed"
	EventServerStateChange = "server_state"
)
