// Package pool holds the shared registry of waiting players and registered
// game servers. Every operation takes the same lock, so inserts, removals and
// commits are linearizable and a snapshot never observes a partial update.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

var (
	ErrAlreadyQueued = errors.New("player already queued")
	ErrUnknownServer = errors.New("unknown server")
	ErrServerExists  = errors.New("server already registered")
	ErrInvalidServer = errors.New("invalid server info")
	ErrNoCapacity    = errors.New("no server capacity")
	ErrNegativeLoad  = errors.New("server load would go negative")
	ErrStaleMatchup  = errors.New("matchup references a player no longer queued")
)

type Pool struct {
	mu      sync.RWMutex
	players map[types.PlayerID]types.PlayerInfo
	servers map[types.ServerID]types.ServerInfo
}

func New() *Pool {
	return &Pool{
		players: map[types.PlayerID]types.PlayerInfo{},
		servers: map[types.ServerID]types.ServerInfo{},
	}
}

func (p *Pool) Insert(info types.PlayerInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.players[info.ID]; ok {
		return fmt.Errorf("insert %s: %w", info.ID, ErrAlreadyQueued)
	}
	p.players[info.ID] = info
	return nil
}

// Remove deletes id from the pool. Removing an absent id is not an error; the
// second return value reports whether an entry was present.
func (p *Pool) Remove(id types.PlayerID) (types.PlayerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.players[id]
	if ok {
		delete(p.players, id)
	}
	return info, ok
}

// RemoveIf deletes id only if the live entry is the one described by want.
func (p *Pool) RemoveIf(want types.PlayerInfo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.players[want.ID]
	if !ok || !cur.Same(want) {
		return false
	}
	delete(p.players, want.ID)
	return true
}

func (p *Pool) Get(id types.PlayerID) (types.PlayerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.players[id]
	return info, ok
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.players)
}

// Snapshot returns the waiting players ordered by enqueue time, then id.
func (p *Pool) Snapshot() []types.PlayerInfo {
	p.mu.RLock()
	out := make([]types.PlayerInfo, 0, len(p.players))
	for _, info := range p.players {
		out = append(out, info)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pool) RegisterServer(info types.ServerInfo) error {
	if info.ID == "" || info.MaxPlayers <= 0 || info.CurrentPlayers < 0 || info.CurrentPlayers > info.MaxPlayers {
		return fmt.Errorf("register %q: %w", info.ID, ErrInvalidServer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.servers[info.ID]; ok {
		return fmt.Errorf("register %s: %w", info.ID, ErrServerExists)
	}
	p.servers[info.ID] = info
	return nil
}

func (p *Pool) DeregisterServer(id types.ServerID) (types.ServerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.servers[id]
	if !ok {
		return types.ServerInfo{}, fmt.Errorf("deregister %s: %w", id, ErrUnknownServer)
	}
	delete(p.servers, id)
	return info, nil
}

func (p *Pool) SetServerState(id types.ServerID, state types.ServerState) (types.ServerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.servers[id]
	if !ok {
		return types.ServerInfo{}, fmt.Errorf("set state %s: %w", id, ErrUnknownServer)
	}
	info.State = state
	p.servers[id] = info
	return info, nil
}

// UpdateServerLoad adjusts the player count of a server by delta. The result
// must stay within [0, MaxPlayers].
func (p *Pool) UpdateServerLoad(id types.ServerID, delta int) (types.ServerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.servers[id]
	if !ok {
		return types.ServerInfo{}, fmt.Errorf("update load %s: %w", id, ErrUnknownServer)
	}
	next := info.CurrentPlayers + delta
	if next > info.MaxPlayers {
		return info, fmt.Errorf("update load %s: %w", id, ErrNoCapacity)
	}
	if next < 0 {
		return info, fmt.Errorf("update load %s: %w", id, ErrNegativeLoad)
	}
	info.CurrentPlayers = next
	p.servers[id] = info
	return info, nil
}

func (p *Pool) Server(id types.ServerID) (types.ServerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.servers[id]
	return info, ok
}

// ServerSnapshot returns registered servers ordered by id.
func (p *Pool) ServerSnapshot() []types.ServerInfo {
	p.mu.RLock()
	out := make([]types.ServerInfo, 0, len(p.servers))
	for _, info := range p.servers {
		out = append(out, info)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Commit removes every player in players and places them on server as one
// step. Each player must still be queued with the exact entry the caller
// scored against, and the server must still have room; otherwise nothing
// changes. ErrStaleMatchup and ErrNoCapacity are the only expected failures.
func (p *Pool) Commit(players []types.PlayerInfo, server types.ServerID) (types.ServerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, want := range players {
		cur, ok := p.players[want.ID]
		if !ok || !cur.Same(want) {
			return types.ServerInfo{}, fmt.Errorf("commit %s: %w", want.ID, ErrStaleMatchup)
		}
	}
	info, ok := p.servers[server]
	if !ok {
		return types.ServerInfo{}, fmt.Errorf("commit on %s: %w", server, ErrNoCapacity)
	}
	if !info.HasRoom(len(players)) {
		return info, fmt.Errorf("commit on %s: %w", server, ErrNoCapacity)
	}

	for _, pl := range players {
		delete(p.players, pl.ID)
	}
	info.CurrentPlayers += len(players)
	p.servers[server] = info
	return info, nil
}
