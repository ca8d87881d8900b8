// Package store is the Redis side of the service: the fleet registry written
// by the fleet manager, player ratings, and the published event stream.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "store",
})

var ErrMalformedServer = errors.New("malformed server record")

type Store interface {
	SaveServer(ctx context.Context, info types.ServerInfo) error
	DeleteServer(ctx context.Context, id types.ServerID) error
	LoadServers(ctx context.Context) ([]types.ServerInfo, error)
	Rating(ctx context.Context, id types.PlayerID) (int, error)
	Notify(ctx context.Context, ev types.Event)
	Close() error
}

type RedisStore struct {
	rdb           *redis.Client
	defaultRating int
	events        chan types.Event
}

const (
	serversKey   = "mm:servers" // SET of server ids
	serverPrefix = "mm:server:" // HASH per server: address, max_players, state, assigned
	ratingPrefix = "mm:rating:" // STRING per player
	EventChannel = "mm:events"  // PUBLISH target for types.Event JSON
)

const (
	eventBuffer  = 256
	flushTimeout = 2 * time.Second
)

func serverKey(id types.ServerID) string { return serverPrefix + string(id) }

func NewRedisStore(addr, password string, db, defaultRating int) *RedisStore {
	return &RedisStore{
		rdb:           redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		defaultRating: defaultRating,
		events:        make(chan types.Event, eventBuffer),
	}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// WaitReady pings Redis with exponential backoff until it answers, ctx is
// done or maxElapsed passes.
func (s *RedisStore) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	op := func() error {
		err := s.rdb.Ping(ctx).Err()
		if err != nil {
			logger.WithError(err).Warn("redis not ready")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SaveServer writes the fleet-manager view of a server. The assigned counter
// is left alone.
func (s *RedisStore) SaveServer(ctx context.Context, info types.ServerInfo) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, serversKey, string(info.ID))
	pipe.HSet(ctx, serverKey(info.ID), map[string]any{
		"address":     info.Address,
		"max_players": info.MaxPlayers,
		"state":       info.State.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save server %s: %w", info.ID, err)
	}
	return nil
}

func (s *RedisStore) DeleteServer(ctx context.Context, id types.ServerID) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, serversKey, string(id))
	pipe.Del(ctx, serverKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

// LoadServers returns every registered server, ordered as Redis returns the
// set. Ids in the set without a hash are skipped; malformed hashes are
// skipped and logged.
func (s *RedisStore) LoadServers(ctx context.Context) ([]types.ServerInfo, error) {
	ids, err := s.rdb.SMembers(ctx, serversKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, serverKey(types.ServerID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load servers: %w", err)
	}

	res := make([]types.ServerInfo, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		info, err := parseServer(types.ServerID(id), fields)
		if err != nil {
			logger.WithError(err).WithField("server", id).Warn("skipping server record")
			continue
		}
		res = append(res, info)
	}
	return res, nil
}

// parseServer decodes a server hash. A missing state means normal.
func parseServer(id types.ServerID, fields map[string]string) (types.ServerInfo, error) {
	info := types.ServerInfo{ID: id, Address: fields["address"], State: types.ServerNormal}
	n, err := strconv.Atoi(fields["max_players"])
	if err != nil || n <= 0 {
		return info, fmt.Errorf("%w: max_players %q", ErrMalformedServer, fields["max_players"])
	}
	info.MaxPlayers = n
	if st, ok := fields["state"]; ok && st != "" {
		if info.State, err = types.ParseServerState(st); err != nil {
			return info, fmt.Errorf("%w: %v", ErrMalformedServer, err)
		}
	}
	return info, nil
}

// Assigned returns how many players the matchmaker has placed on a server.
func (s *RedisStore) Assigned(ctx context.Context, id types.ServerID) (int, error) {
	n, err := s.rdb.HGet(ctx, serverKey(id), "assigned").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) SetRating(ctx context.Context, id types.PlayerID, rating int) error {
	return s.rdb.Set(ctx, ratingPrefix+string(id), rating, 0).Err()
}

// Rating implements auth.RatingSource. Unknown players get the default.
func (s *RedisStore) Rating(ctx context.Context, id types.PlayerID) (int, error) {
	r, err := s.rdb.Get(ctx, ratingPrefix+string(id)).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return s.defaultRating, nil
	case err != nil:
		return 0, fmt.Errorf("rating for %s: %w", id, err)
	}
	return r, nil
}

// Notify implements match.Notifier. It only queues ev; Run publishes it. When
// the queue is full the event is dropped.
func (s *RedisStore) Notify(_ context.Context, ev types.Event) {
	select {
	case s.events <- ev:
	default:
		logger.WithField("type", ev.Type).Warn("event queue full, dropping event")
	}
}

// Run publishes queued events until ctx is done, then flushes what is still
// queued within a short grace period.
func (s *RedisStore) Run(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.publish(ctx, ev)
		case <-ctx.Done():
			s.flush()
			return
		}
	}
}

func (s *RedisStore) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case ev := <-s.events:
			s.publish(ctx, ev)
		default:
			return
		}
	}
}

// publish sends ev to EventChannel; a committed match also bumps the
// server's assigned counter by the number of players placed.
func (s *RedisStore) publish(ctx context.Context, ev types.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		logger.WithError(err).WithField("type", ev.Type).Error("encoding event")
		return
	}

	pipe := s.rdb.TxPipeline()
	pipe.Publish(ctx, EventChannel, body)
	if m, ok := ev.Payload.(types.Match); ok && ev.Type == types.EventMatchCommitted {
		pipe.HIncrBy(ctx, serverKey(m.Server), "assigned", int64(len(m.Players())))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.WithError(err).WithField("type", ev.Type).Warn("publishing event")
	}
}
