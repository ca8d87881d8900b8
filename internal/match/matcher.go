package match

import (
	"math"
	"time"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

// MatcherConfig holds the scoring constants. WaitBonusRate is expressed in
// rating points per second of waiting.
type MatcherConfig struct {
	AcceptanceThreshold float64
	WaitBonusRate       float64
	MaxWaitBonus        float64
}

func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		AcceptanceThreshold: 100,
		WaitBonusRate:       10,
		MaxWaitBonus:        400,
	}
}

// Matcher scores candidate pairings. It keeps no mutable state; the clock is
// injected so scoring is reproducible.
type Matcher struct {
	cfg MatcherConfig
	now func() time.Time
}

func NewMatcher(cfg MatcherConfig, now func() time.Time) *Matcher {
	if now == nil {
		now = time.Now
	}
	return &Matcher{cfg: cfg, now: now}
}

func (m *Matcher) Config() MatcherConfig { return m.cfg }

// WaitBonus is the threshold relief earned by a pairing whose longest-waiting
// member was enqueued at since.
func (m *Matcher) WaitBonus(since time.Time) float64 {
	waited := m.now().Sub(since).Seconds()
	if waited <= 0 {
		return 0
	}
	return math.Min(m.cfg.MaxWaitBonus, waited*m.cfg.WaitBonusRate)
}

// Score is the rating gap minus the wait bonus. Lower is better.
func (m *Matcher) Score(a, b types.PlayerInfo) float64 {
	delta := math.Abs(float64(a.Rating - b.Rating))
	oldest := a.EnqueuedAt
	if b.EnqueuedAt.Before(oldest) {
		oldest = b.EnqueuedAt
	}
	return delta - m.WaitBonus(oldest)
}

// FindBestMatch returns the acceptable candidate with the lowest score, ties
// broken by earliest EnqueuedAt and then lowest PlayerID. ok is false when no
// candidate is acceptable, which just means keep waiting.
func (m *Matcher) FindBestMatch(subject types.PlayerInfo, candidates []types.PlayerInfo) (types.PotentialMatchup, bool) {
	var (
		best  types.PotentialMatchup
		found bool
	)
	for _, c := range candidates {
		if c.ID == subject.ID {
			continue
		}
		score := m.Score(subject, c)
		if score > m.cfg.AcceptanceThreshold {
			continue
		}
		if !found || better(score, c, best.Score, best.B) {
			best = types.PotentialMatchup{A: subject, B: c, Score: score}
			found = true
		}
	}
	return best, found
}

func better(score float64, c types.PlayerInfo, bestScore float64, b types.PlayerInfo) bool {
	if score != bestScore {
		return score < bestScore
	}
	if !c.EnqueuedAt.Equal(b.EnqueuedAt) {
		return c.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return c.ID < b.ID
}

// FindBestServer picks the fullest eligible server that still fits the
// matchup, ties broken by lowest ServerID. ok is false when no server has
// room; that is "match found, awaiting capacity", not "no match".
func (m *Matcher) FindBestServer(matchup types.PotentialMatchup, servers []types.ServerInfo) (types.ServerInfo, bool) {
	need := len(matchup.Players())
	var (
		best  types.ServerInfo
		found bool
	)
	for _, s := range servers {
		if !s.HasRoom(need) {
			continue
		}
		if !found || s.Load() > best.Load() || (s.Load() == best.Load() && s.ID < best.ID) {
			best, found = s, true
		}
	}
	return best, found
}
