package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/internal/metrics"
	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/pkg/types"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "match",
})

var ErrMembershipReleased = errors.New("pool membership already released")

// Notifier receives engine events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev types.Event)
}

// Resolution is the outcome of one TryResolve call.
type Resolution int

const (
	NoMatch Resolution = iota
	AwaitingCapacity
	Matched
)

func (r Resolution) String() string {
	switch r {
	case NoMatch:
		return "no_match"
	case AwaitingCapacity:
		return "awaiting_capacity"
	case Matched:
		return "matched"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// Matchmaker owns the pool and performs every multi-step mutation on it.
// mu orders commits against releases so a membership is consumed either by
// exactly one match or by exactly one release.
type Matchmaker struct {
	pool     *pool.Pool
	matcher  *Matcher
	notifier Notifier
	now      func() time.Time

	mu      sync.Mutex
	members map[types.PlayerID]*Membership
}

type Option func(*Matchmaker)

func WithNotifier(n Notifier) Option { return func(m *Matchmaker) { m.notifier = n } }

func WithClock(now func() time.Time) Option { return func(m *Matchmaker) { m.now = now } }

func NewMatchmaker(p *pool.Pool, matcher *Matcher, opts ...Option) *Matchmaker {
	m := &Matchmaker{
		pool:    p,
		matcher: matcher,
		now:     time.Now,
		members: map[types.PlayerID]*Membership{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// JoinPool queues a player. The returned membership must be released by the
// caller on every exit path; releasing a matched membership is a no-op.
func (m *Matchmaker) JoinPool(ctx context.Context, id types.PlayerID, rating int) (*Membership, error) {
	info := types.PlayerInfo{ID: id, Rating: rating, EnqueuedAt: m.now()}

	m.mu.Lock()
	if err := m.pool.Insert(info); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ms := newMembership(m, info)
	m.members[id] = ms
	m.mu.Unlock()

	metrics.QueueSize.Set(float64(m.pool.Len()))
	logger.WithFields(logrus.Fields{"player": id, "rating": rating}).Debug("player joined pool")
	return ms, nil
}

// TryResolve attempts to commit a match for ms. A membership already consumed
// by another session's match resolves immediately to that match.
func (m *Matchmaker) TryResolve(ctx context.Context, ms *Membership) (Resolution, types.Match, error) {
	if res, match, done, err := m.settled(ms); done {
		return res, match, err
	}

	matchup, ok := m.matcher.FindBestMatch(ms.info, m.pool.Snapshot())
	if !ok {
		metrics.ResolveOutcomes.WithLabelValues(NoMatch.String()).Inc()
		return NoMatch, types.Match{}, nil
	}
	server, ok := m.matcher.FindBestServer(matchup, m.pool.ServerSnapshot())
	if !ok {
		metrics.ResolveOutcomes.WithLabelValues(AwaitingCapacity.String()).Inc()
		logger.WithFields(logrus.Fields{"player": ms.info.ID, "peer": matchup.B.ID}).Debug("match found, awaiting capacity")
		return AwaitingCapacity, types.Match{}, nil
	}

	match, err := m.commit(matchup, server)
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrNoCapacity):
		metrics.ResolveOutcomes.WithLabelValues(AwaitingCapacity.String()).Inc()
		return AwaitingCapacity, types.Match{}, nil
	case errors.Is(err, pool.ErrStaleMatchup):
		// Another resolution claimed one of the pair first; ms may be the
		// one that was claimed.
		if res, match, done, err := m.settled(ms); done {
			return res, match, err
		}
		metrics.ResolveOutcomes.WithLabelValues(NoMatch.String()).Inc()
		return NoMatch, types.Match{}, nil
	default:
		return NoMatch, types.Match{}, err
	}

	metrics.ResolveOutcomes.WithLabelValues(Matched.String()).Inc()
	metrics.MatchesTotal.Inc()
	metrics.QueueSize.Set(float64(m.pool.Len()))
	logger.WithFields(logrus.Fields{
		"match":  match.ID,
		"a":      match.A,
		"b":      match.B,
		"server": match.Server,
		"score":  matchup.Score,
	}).Info("match committed")
	m.notify(ctx, types.Event{Type: types.EventMatchCommitted, Payload: match})
	return Matched, match, nil
}

// settled reports the outcome for a membership that is no longer active.
func (m *Matchmaker) settled(ms *Membership) (Resolution, types.Match, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ms.state {
	case memberMatched:
		return Matched, ms.match, true, nil
	case memberReleased:
		return NoMatch, types.Match{}, true, ErrMembershipReleased
	}
	return NoMatch, types.Match{}, false, nil
}

func (m *Matchmaker) commit(matchup types.PotentialMatchup, server types.ServerInfo) (types.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.pool.Commit(matchup.Players(), server.ID); err != nil {
		return types.Match{}, err
	}
	match := types.Match{
		ID:        uuid.NewString(),
		A:         matchup.A.ID,
		B:         matchup.B.ID,
		Server:    server.ID,
		Address:   server.Address,
		CreatedAt: m.now(),
	}
	for _, p := range matchup.Players() {
		if ms, ok := m.members[p.ID]; ok && ms.info.Same(p) {
			ms.fulfil(match)
			delete(m.members, p.ID)
		}
	}
	return match, nil
}

// Release removes the membership's pool entry. It reports true only for the
// call that actually removed it; later calls and calls on a matched
// membership are no-ops.
func (m *Matchmaker) Release(ms *Membership) bool {
	m.mu.Lock()
	if ms.state != memberActive {
		m.mu.Unlock()
		return false
	}
	removed := m.pool.RemoveIf(ms.info)
	ms.state = memberReleased
	if cur, ok := m.members[ms.info.ID]; ok && cur == ms {
		delete(m.members, ms.info.ID)
	}
	m.mu.Unlock()

	metrics.QueueSize.Set(float64(m.pool.Len()))
	if removed {
		logger.WithField("player", ms.info.ID).Debug("player left pool")
	}
	return removed
}

func (m *Matchmaker) QueueLen() int { return m.pool.Len() }

func (m *Matchmaker) Waiting() []types.PlayerInfo { return m.pool.Snapshot() }

func (m *Matchmaker) Servers() []types.ServerInfo { return m.pool.ServerSnapshot() }

func (m *Matchmaker) Server(id types.ServerID) (types.ServerInfo, bool) { return m.pool.Server(id) }

func (m *Matchmaker) RegisterServer(ctx context.Context, info types.ServerInfo) error {
	if err := m.pool.RegisterServer(info); err != nil {
		return err
	}
	metrics.RegisteredServers.Set(float64(len(m.pool.ServerSnapshot())))
	logger.WithFields(logrus.Fields{"server": info.ID, "state": info.State, "max_players": info.MaxPlayers}).Info("server registered")
	m.notify(ctx, types.Event{Type: types.EventServerRegistered, Payload: info})
	return nil
}

// DeregisterServer forgets a server. Matches already placed on it are not
// affected.
func (m *Matchmaker) DeregisterServer(ctx context.Context, id types.ServerID) error {
	info, err := m.pool.DeregisterServer(id)
	if err != nil {
		return err
	}
	metrics.RegisteredServers.Set(float64(len(m.pool.ServerSnapshot())))
	logger.WithField("server", id).Info("server deregistered")
	m.notify(ctx, types.Event{Type: types.EventServerRemoved, Payload: info})
	return nil
}

// SetServerState changes a server's lifecycle state. Draining servers stop
// receiving assignments; existing assignments are untouched.
func (m *Matchmaker) SetServerState(ctx context.Context, id types.ServerID, state types.ServerState) error {
	info, err := m.pool.SetServerState(id, state)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"server": id, "state": state}).Info("server state changed")
	m.notify(ctx, types.Event{Type: types.EventServerStateChange, Payload: info})
	return nil
}

// AdjustServerLoad is the explicit external action that frees (or claims)
// slots on a server, e.g. when a game ends.
func (m *Matchmaker) AdjustServerLoad(ctx context.Context, id types.ServerID, delta int) (types.ServerInfo, error) {
	info, err := m.pool.UpdateServerLoad(id, delta)
	if err != nil {
		return info, err
	}
	logger.WithFields(logrus.Fields{"server": id, "delta": delta, "current": info.CurrentPlayers}).Debug("server load adjusted")
	return info, nil
}

func (m *Matchmaker) notify(ctx context.Context, ev types.Event) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, ev)
}

// Notifiers fans an event out to each notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev types.Event) {
	for _, n := range ns {
		n.Notify(ctx, ev)
	}
}
