package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/yourname/matchmaker-engine/internal/api"
	"github.com/yourname/matchmaker-engine/internal/auth"
	"github.com/yourname/matchmaker-engine/internal/config"
	"github.com/yourname/matchmaker-engine/internal/fleet"
	"github.com/yourname/matchmaker-engine/internal/logging"
	"github.com/yourname/matchmaker-engine/internal/match"
	"github.com/yourname/matchmaker-engine/internal/metrics"
	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/internal/store"
	"github.com/yourname/matchmaker-engine/internal/ws"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "main",
})

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(config.Flags(os.Args[0]), os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logger.WithError(err).Fatal("loading config")
	}
	logging.ConfigureLogging(cfg.Logging)
	metrics.Init()

	provider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		logger.WithError(err).Fatal("configuring authentication")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event hub for observers of the /events feed
	hub := ws.NewHub()
	notifiers := match.Notifiers{hub}
	var ratings auth.RatingSource = auth.StaticRating(cfg.Rating.Default)

	var st *store.RedisStore
	if cfg.Redis.Enabled {
		st = store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Rating.Default)
		defer st.Close()
		if err := st.WaitReady(ctx, 30*time.Second); err != nil {
			logger.WithError(err).Fatal("connecting to redis")
		}
		notifiers = append(notifiers, st)
		ratings = st
	}

	mm := match.NewMatchmaker(pool.New(), match.NewMatcher(cfg.Matcher, nil), match.WithNotifier(notifiers))

	shutdown := make(chan struct{})
	router := api.NewRouter(mm, hub, api.Options{
		Auth:       provider,
		Ratings:    ratings,
		Session:    cfg.Session,
		Shutdown:   shutdown,
		AdminToken: cfg.Fleet.AdminToken,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	// Event feeds outlive gctx so sessions draining at shutdown still publish.
	feedCtx, stopFeeds := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(feedCtx)
		return nil
	})
	if st != nil {
		g.Go(func() error {
			st.Run(feedCtx)
			return nil
		})
		g.Go(func() error {
			return fleet.NewSyncer(st, mm, cfg.Fleet.SyncInterval).Run(gctx)
		})
	}
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTP.Addr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		close(shutdown)

		ctxShut, cancelShut := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShut()
		if err := router.WaitSessions(ctxShut); err != nil {
			logger.WithError(err).Warn("sessions still open at shutdown")
		}
		stopFeeds()
		return srv.Shutdown(ctxShut)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
	logger.Info("bye")
}
