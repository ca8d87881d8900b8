package session

import (
	"fmt"
	"time"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

type State int32

const (
	Connecting State = iota
	Authenticating
	Queued
	Resolving
	Resolved
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Queued:
		return "queued"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) Terminal() bool { return s == Resolved || s == Cancelled || s == Failed }

// CancelPolicy decides what a user-initiated cancel does to the session.
type CancelPolicy string

const (
	// PolicyClose ends the session.
	PolicyClose CancelPolicy = "close"
	// PolicyReselect offers the modes again and waits for a new request.
	PolicyReselect CancelPolicy = "reselect"
	// PolicyRejoin re-enters the pool at once with the same mode.
	PolicyRejoin CancelPolicy = "rejoin"
)

func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch p := CancelPolicy(s); p {
	case PolicyClose, PolicyReselect, PolicyRejoin:
		return p, nil
	}
	return "", fmt.Errorf("unknown cancel policy %q", s)
}

type Config struct {
	Modes           []string
	ResolveInterval time.Duration
	// AuthTimeout bounds the wait for the first message. Zero waits forever.
	AuthTimeout  time.Duration
	CancelPolicy CancelPolicy
}

func DefaultConfig() Config {
	return Config{
		Modes:           []string{"ranked-1v1"},
		ResolveInterval: 500 * time.Millisecond,
		AuthTimeout:     10 * time.Second,
		CancelPolicy:    PolicyClose,
	}
}

// Result describes how a session ended.
type Result struct {
	State  State
	Reason string
	Player types.PlayerID
	// Match is set when State is Resolved.
	Match types.Match
	Err   error
}
