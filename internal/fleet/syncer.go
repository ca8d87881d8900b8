// Package fleet keeps the matchmaker's server registry in step with the
// records the fleet manager writes to the store.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/pkg/types"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "fleet",
})

type Source interface {
	LoadServers(ctx context.Context) ([]types.ServerInfo, error)
}

// Registry is the matchmaker surface the syncer drives.
type Registry interface {
	RegisterServer(ctx context.Context, info types.ServerInfo) error
	DeregisterServer(ctx context.Context, id types.ServerID) error
	SetServerState(ctx context.Context, id types.ServerID, state types.ServerState) error
	Server(id types.ServerID) (types.ServerInfo, bool)
}

// Syncer reconciles Source into Registry. It only ever removes servers it
// added itself, so servers registered through the admin API are left alone.
// A synced server removed through the admin API stays out until its store
// record is deleted and written again. Load counters are owned by the
// matchmaker and never overwritten.
type Syncer struct {
	src      Source
	reg      Registry
	interval time.Duration
	managed  map[types.ServerID]bool
	evicted  map[types.ServerID]bool
}

func NewSyncer(src Source, reg Registry, interval time.Duration) *Syncer {
	return &Syncer{
		src:      src,
		reg:      reg,
		interval: interval,
		managed:  map[types.ServerID]bool{},
		evicted:  map[types.ServerID]bool{},
	}
}

// Run performs the initial load with backoff, then syncs every interval until
// ctx is done. Later failures are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = s.interval
	err := backoff.Retry(func() error {
		err := s.Sync(ctx)
		if err != nil {
			logger.WithError(err).Warn("initial fleet sync failed")
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				logger.WithError(err).Warn("fleet sync failed")
			}
		}
	}
}

// Sync runs one reconciliation pass. It is not safe for concurrent use.
func (s *Syncer) Sync(ctx context.Context) error {
	remote, err := s.src.LoadServers(ctx)
	if err != nil {
		return err
	}

	seen := make(map[types.ServerID]bool, len(remote))
	for _, want := range remote {
		seen[want.ID] = true
		if s.evicted[want.ID] {
			continue
		}
		have, ok := s.reg.Server(want.ID)
		if !ok && s.managed[want.ID] {
			delete(s.managed, want.ID)
			s.evicted[want.ID] = true
			logger.WithField("server", want.ID).Info("server removed outside the store; not re-registering")
			continue
		}
		if !ok {
			want.CurrentPlayers = 0
			if err := s.reg.RegisterServer(ctx, want); err != nil {
				logger.WithError(err).WithField("server", want.ID).Warn("registering server from store")
				continue
			}
			s.managed[want.ID] = true
			continue
		}
		if !s.managed[want.ID] {
			continue
		}
		if have.State != want.State {
			if err := s.reg.SetServerState(ctx, want.ID, want.State); err != nil {
				logger.WithError(err).WithField("server", want.ID).Warn("updating server state")
			}
		}
		if have.Address != want.Address || have.MaxPlayers != want.MaxPlayers {
			logger.WithField("server", want.ID).Warn("server address or capacity changed in store; re-register it to apply")
		}
	}

	for id := range s.evicted {
		if !seen[id] {
			delete(s.evicted, id)
		}
	}
	for id := range s.managed {
		if seen[id] {
			continue
		}
		delete(s.managed, id)
		if err := s.reg.DeregisterServer(ctx, id); err != nil && !errors.Is(err, pool.ErrUnknownServer) {
			logger.WithError(err).WithField("server", id).Warn("removing server")
		}
	}
	return nil
}
