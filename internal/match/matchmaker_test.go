package match

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/pkg/types"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestMatchmaker(t *testing.T, cfg MatcherConfig, clock *fakeClock, opts ...Option) *Matchmaker {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewMatchmaker(pool.New(), NewMatcher(cfg, clock.Now), opts...)
}

func TestConcreteScenario(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	n := &recordingNotifier{}
	mm := newTestMatchmaker(t, MatcherConfig{AcceptanceThreshold: 100}, clock, WithNotifier(n))
	require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s1", Address: "10.0.0.1:7777", MaxPlayers: 2, State: types.ServerNormal}))

	p1, err := mm.JoinPool(ctx, "P1", 1000)
	require.NoError(t, err)
	p2, err := mm.JoinPool(ctx, "P2", 1050)
	require.NoError(t, err)
	p3, err := mm.JoinPool(ctx, "P3", 1400)
	require.NoError(t, err)

	res, m, err := mm.TryResolve(ctx, p1)
	require.NoError(t, err)
	require.Equal(t, Matched, res)
	assert.Equal(t, types.PlayerID("P1"), m.A)
	assert.Equal(t, types.PlayerID("P2"), m.B)
	assert.Equal(t, types.ServerID("s1"), m.Server)
	assert.Equal(t, "10.0.0.1:7777", m.Address)
	assert.NotEmpty(t, m.ID)

	srv, _ := mm.Server("s1")
	assert.Equal(t, 2, srv.CurrentPlayers)

	select {
	case <-p2.Matched():
	default:
		t.Fatal("peer membership should be fulfilled by the commit")
	}
	got, ok := p2.Match()
	require.True(t, ok)
	assert.Equal(t, m, got)

	res, _, err = mm.TryResolve(ctx, p3)
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res)
	assert.Equal(t, 1, mm.QueueLen())

	assert.False(t, p1.Release(), "matched membership release is a no-op")
	assert.False(t, p2.Release())
	assert.True(t, p3.Release())
	assert.Equal(t, 0, mm.QueueLen())

	assert.Equal(t, []string{types.EventServerRegistered, types.EventMatchCommitted}, n.kinds())
}

func TestJoinPoolRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	mm := newTestMatchmaker(t, DefaultMatcherConfig(), &fakeClock{now: t0})

	ms, err := mm.JoinPool(ctx, "dup", 1000)
	require.NoError(t, err)
	_, err = mm.JoinPool(ctx, "dup", 1000)
	assert.ErrorIs(t, err, pool.ErrAlreadyQueued)

	ms.Release()
	again, err := mm.JoinPool(ctx, "dup", 1000)
	require.NoError(t, err, "re-queue after release gets a fresh entry")
	assert.False(t, ms.Release(), "stale membership must not remove the new entry")
	assert.Equal(t, 1, mm.QueueLen())
	assert.True(t, again.Release())
}

func TestAwaitingCapacityKeepsPlayersQueued(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	mm := newTestMatchmaker(t, MatcherConfig{AcceptanceThreshold: 100}, clock)
	require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s1", MaxPlayers: 2, State: types.ServerStartup}))

	a, _ := mm.JoinPool(ctx, "a", 1000)
	_, _ = mm.JoinPool(ctx, "b", 1000)

	res, _, err := mm.TryResolve(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCapacity, res)
	assert.Equal(t, 2, mm.QueueLen())

	require.NoError(t, mm.SetServerState(ctx, "s1", types.ServerNormal))
	res, _, err = mm.TryResolve(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, Matched, res)
	assert.Equal(t, 0, mm.QueueLen())
}

func TestDrainingServerGetsNoAssignments(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	mm := newTestMatchmaker(t, MatcherConfig{AcceptanceThreshold: 100}, clock)
	require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s1", MaxPlayers: 4, State: types.ServerNormal}))

	a, _ := mm.JoinPool(ctx, "a", 1000)
	_, _ = mm.JoinPool(ctx, "b", 1000)
	res, _, _ := mm.TryResolve(ctx, a)
	require.Equal(t, Matched, res)

	require.NoError(t, mm.SetServerState(ctx, "s1", types.ServerDraining))
	c, _ := mm.JoinPool(ctx, "c", 1000)
	_, _ = mm.JoinPool(ctx, "d", 1000)
	res, _, _ = mm.TryResolve(ctx, c)
	assert.Equal(t, AwaitingCapacity, res)

	srv, _ := mm.Server("s1")
	assert.Equal(t, 2, srv.CurrentPlayers, "existing assignment untouched by draining")
}

func TestTryResolveAfterRelease(t *testing.T) {
	ctx := context.Background()
	mm := newTestMatchmaker(t, DefaultMatcherConfig(), &fakeClock{now: t0})
	ms, _ := mm.JoinPool(ctx, "a", 1000)
	require.True(t, ms.Release())
	_, _, err := mm.TryResolve(ctx, ms)
	assert.ErrorIs(t, err, ErrMembershipReleased)
}

func TestAdjustServerLoad(t *testing.T) {
	ctx := context.Background()
	mm := newTestMatchmaker(t, DefaultMatcherConfig(), &fakeClock{now: t0})
	require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s1", MaxPlayers: 2, CurrentPlayers: 2, State: types.ServerNormal}))

	info, err := mm.AdjustServerLoad(ctx, "s1", -2)
	require.NoError(t, err)
	assert.Equal(t, 0, info.CurrentPlayers)
	_, err = mm.AdjustServerLoad(ctx, "s1", 3)
	assert.ErrorIs(t, err, pool.ErrNoCapacity)
	assert.ErrorIs(t, mm.DeregisterServer(ctx, "nope"), pool.ErrUnknownServer)
}

func TestNoDoubleAssignmentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	mm := newTestMatchmaker(t, MatcherConfig{AcceptanceThreshold: 1000}, clock)
	require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s1", MaxPlayers: 40, State: types.ServerNormal}))
	require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s2", MaxPlayers: 40, State: types.ServerNormal}))

	const players = 64
	members := make([]*Membership, players)
	for i := range members {
		ms, err := mm.JoinPool(ctx, types.PlayerID(fmt.Sprintf("p%02d", i)), 1000+i)
		require.NoError(t, err)
		members[i] = ms
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matches = map[string]types.Match{}
	)
	for _, ms := range members {
		for k := 0; k < 3; k++ {
			wg.Add(1)
			go func(ms *Membership) {
				defer wg.Done()
				res, m, err := mm.TryResolve(ctx, ms)
				if err == nil && res == Matched {
					mu.Lock()
					matches[m.ID] = m
					mu.Unlock()
				}
			}(ms)
		}
	}
	wg.Wait()

	seen := map[types.PlayerID]string{}
	for id, m := range matches {
		for _, p := range []types.PlayerID{m.A, m.B} {
			prev, dup := seen[p]
			assert.False(t, dup, "player %s in matches %s and %s", p, prev, id)
			seen[p] = id
		}
	}
	for _, ms := range members {
		if m, ok := ms.Match(); ok {
			assert.True(t, m.Has(ms.Player().ID))
			assert.Equal(t, seen[ms.Player().ID], m.ID)
		}
	}

	total := 0
	for _, s := range mm.Servers() {
		assert.LessOrEqual(t, s.CurrentPlayers, s.MaxPlayers)
		total += s.CurrentPlayers
	}
	assert.Equal(t, 2*len(matches), total)
	assert.Equal(t, players-2*len(matches), mm.QueueLen())
}

func TestConcurrentReleaseAndResolve(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	for i := 0; i < 50; i++ {
		mm := newTestMatchmaker(t, MatcherConfig{AcceptanceThreshold: 100}, clock)
		require.NoError(t, mm.RegisterServer(ctx, types.ServerInfo{ID: "s1", MaxPlayers: 2, State: types.ServerNormal}))
		a, _ := mm.JoinPool(ctx, "a", 1000)
		b, _ := mm.JoinPool(ctx, "b", 1000)

		var (
			wg       sync.WaitGroup
			released bool
			res      Resolution
		)
		wg.Add(2)
		go func() { defer wg.Done(); released = a.Release() }()
		go func() { defer wg.Done(); res, _, _ = mm.TryResolve(ctx, b) }()
		wg.Wait()

		_, matched := a.Match()
		require.NotEqual(t, released, matched, "membership must end exactly one way")
		if matched {
			assert.Equal(t, Matched, res)
		}
		assert.False(t, a.Release())
		b.Release()
		assert.Equal(t, 0, mm.QueueLen())
	}
}

func TestNotifiersFanOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	mm := newTestMatchmaker(t, DefaultMatcherConfig(), &fakeClock{now: t0}, WithNotifier(Notifiers{a, b}))

	require.NoError(t, mm.RegisterServer(context.Background(), types.ServerInfo{ID: "s1", MaxPlayers: 2, State: types.ServerNormal}))
	require.NoError(t, mm.SetServerState(context.Background(), "s1", types.ServerDraining))
	require.NoError(t, mm.DeregisterServer(context.Background(), "s1"))

	want := []string{types.EventServerRegistered, types.EventServerStateChange, types.EventServerRemoved}
	assert.Equal(t, want, a.kinds())
	assert.Equal(t, want, b.kinds())
}
