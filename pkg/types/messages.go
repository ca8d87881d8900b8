package types

import "errors"

// ErrMalformedMessage marks a frame that arrived intact but could not be
// decoded as an Inbound message.
var ErrMalformedMessage = errors.New("malformed message")

// Inbound message kinds sent by clients.
const (
	MsgAuthCredential     = "auth"
	MsgMatchmakingRequest = "matchmaking_request"
	MsgMatchmakingCancel  = "matchmaking_cancel"
)

// Outbound message kinds sent to clients.
const (
	MsgAvailableModes = "available_modes"
	MsgQueued         = "queued"
	MsgMatchFound     = "match_found"
	MsgRejected       = "rejected"
)

// Cancellation reasons carried by MatchmakingCancel and Rejected.
const (
	ReasonUserCancelled      = "user_cancelled"
	ReasonDisconnect         = "disconnect"
	ReasonServerShuttingDown = "server_shutting_down"
	ReasonProtocolError      = "protocol_error"
	ReasonAuthError          = "auth_error"
	ReasonUnauthenticated    = "unauthenticated"
	ReasonAlreadyQueued      = "already_queued"
	ReasonUnknownMode        = "unknown_mode"
	ReasonInternalError      = "internal_error"
)

type Inbound struct {
	Type       string `json:"type"`
	Credential string `json:"credential,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type MatchServer struct {
	ID      ServerID `json:"id"`
	Address string   `json:"address"`
}

type Outbound struct {
	Type    string       `json:"type"`
	Modes   []string     `json:"modes,omitempty"`
	Mode    string       `json:"mode,omitempty"`
	MatchID string       `json:"match_id,omitempty"`
	Peer    PlayerID     `json:"peer,omitempty"`
	Server  *MatchServer `json:"server,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

func AvailableModes(modes []string) Outbound {
	return Outbound{Type: MsgAvailableModes, Modes: modes}
}

func Queued(mode string) Outbound { return Outbound{Type: MsgQueued, Mode: mode} }

func MatchFound(m Match, self PlayerID) Outbound {
	return Outbound{
		Type:    MsgMatchFound,
		MatchID: m.ID,
		Peer:    m.Peer(self),
		Server:  &MatchServer{ID: m.Server, Address: m.Address},
	}
}

func Rejected(reason string) Outbound { return Outbound{Type: MsgRejected, Reason: reason} }
