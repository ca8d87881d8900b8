package match

import "github.com/yourname/matchmaker-engine/pkg/types"

type memberState int

const (
	memberActive memberState = iota
	memberMatched
	memberReleased
)

// Membership is the handle for one pool entry. It ends exactly once: either a
// committed match consumes it or Release removes it. state and match are
// guarded by the owning Matchmaker's mu.
type Membership struct {
	mm      *Matchmaker
	info    types.PlayerInfo
	state   memberState
	match   types.Match
	matched chan struct{}
}

func newMembership(mm *Matchmaker, info types.PlayerInfo) *Membership {
	return &Membership{mm: mm, info: info, matched: make(chan struct{})}
}

func (ms *Membership) Player() types.PlayerInfo { return ms.info }

// Matched is closed once a match that includes this player is committed,
// whichever session committed it.
func (ms *Membership) Matched() <-chan struct{} { return ms.matched }

func (ms *Membership) Match() (types.Match, bool) {
	ms.mm.mu.Lock()
	defer ms.mm.mu.Unlock()
	return ms.match, ms.state == memberMatched
}

// Release is shorthand for Matchmaker.Release.
func (ms *Membership) Release() bool { return ms.mm.Release(ms) }

// fulfil must be called with mm.mu held.
func (ms *Membership) fulfil(m types.Match) {
	ms.state = memberMatched
	ms.match = m
	close(ms.matched)
}
