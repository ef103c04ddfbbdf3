/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server assembles the process: storage, event transports,
// domain services, background workers, and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/freqwax/freqwax_live/internal/api"
	"github.com/freqwax/freqwax_live/internal/cache"
	"github.com/freqwax/freqwax_live/internal/chatcleanup"
	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/db"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/leadership"
	"github.com/freqwax/freqwax_live/internal/livestate"
	"github.com/freqwax/freqwax_live/internal/logbuffer"
	"github.com/freqwax/freqwax_live/internal/playlist"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/ratelimit"
	"github.com/freqwax/freqwax_live/internal/reactions"
	"github.com/freqwax/freqwax_live/internal/recordings"
	"github.com/freqwax/freqwax_live/internal/scheduler"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/streamkey"
	"github.com/freqwax/freqwax_live/internal/telemetry"
	"github.com/freqwax/freqwax_live/internal/version"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db          *gorm.DB
	store       store.Store
	bus         *events.Bus
	broadcaster *pubsub.Broadcaster
	redisRelay  *pubsub.RedisBus // inbound relay, only for the redis event bus
	logBuffer   *logbuffer.Buffer

	api        *api.API
	keys       *streamkey.Service
	scheduler  *scheduler.Service
	live       *livestate.Service
	reactions  *reactions.Service
	playlist   *playlist.Service
	cleanup    *chatcleanup.Service
	recordings *recordings.Service
	election   *leadership.Election
	updates    *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. logBuf may be nil;
// the admin log endpoint then reports it unavailable.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("freqwax-live-api"))
	router.Use(telemetry.MetricsMiddleware)
	// The event relay holds its connection open for the life of the
	// client; everything else gets the standard request deadline.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Keep the header deadline to protect against slowloris.
		// WriteTimeout stays zero so the WebSocket relay can manage its
		// own deadlines; the middleware timeout covers plain requests.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		// The process serves JSON and WebSocket frames only, so the
		// policy can stay locked down.
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.store = store.NewGormStore(database)
	s.DeferClose(func() error { return db.Close(database) })

	// Event fan-out: the in-process bus always runs; a remote transport
	// joins it when the deployment spans nodes.
	local := pubsub.NewLocalBus(s.bus)
	remote, err := s.buildRemoteBus(local)
	if err != nil {
		return err
	}
	s.broadcaster = pubsub.NewBroadcaster(local, remote, s.logger)
	s.DeferClose(func() error { return s.broadcaster.Close() })

	s.keys = streamkey.New(s.store, s.cfg, s.logger)
	s.scheduler = scheduler.New(s.store, s.keys, s.broadcaster, s.bus, s.cfg, s.logger)
	s.live = livestate.New(s.store, s.keys, s.broadcaster, s.bus, s.cfg, s.logger)

	scheduleCache := cache.NewScheduleCache(cache.DefaultScheduleCapacity, cache.DefaultScheduleTTL)
	s.scheduler.SetCache(scheduleCache)
	s.live.SetCache(scheduleCache)

	// The Redis status cache degrades to a no-op when Redis is down, so
	// a missing cache never blocks startup.
	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	statusCache, err := cache.NewStatusCache(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("status cache initialization failed, continuing without it")
		statusCache = nil
	} else {
		s.DeferClose(statusCache.Close)
	}

	if s.cfg.S3Bucket != "" {
		rec, err := recordings.New(s.cfg, s.store, s.logger)
		if err != nil {
			return fmt.Errorf("initialize recording archive: %w", err)
		}
		s.recordings = rec
		s.live.SetRecordings(rec)
	}

	s.reactions = reactions.New(s.store, s.broadcaster, s.bus, ratelimit.New(), s.logger)
	s.playlist = playlist.New(s.store, s.broadcaster, playlist.NewOEmbedClient(s.logger), s.cfg, s.logger)
	s.cleanup = chatcleanup.New(s.store, s.bus, s.logger)

	// Leadership gates the periodic workers so only one node sweeps,
	// watches the playlist, and runs cleanup jobs. Without election the
	// node is its own leader.
	leaderGate := func() bool { return true }
	if s.cfg.LeaderElectionEnabled {
		election, err := leadership.NewElection(leadership.Config{
			RedisAddr:     s.cfg.RedisAddr,
			RedisPassword: s.cfg.RedisPassword,
			RedisDB:       s.cfg.RedisDB,
			InstanceID:    s.cfg.InstanceID,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}
		s.election = election
		s.DeferClose(election.Stop)
		leaderGate = election.IsLeader

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", s.cfg.InstanceID).
			Msg("leader election enabled")
	}
	s.live.SetLeaderGate(leaderGate)
	s.playlist.SetLeaderGate(leaderGate)
	s.cleanup.SetLeaderGate(leaderGate)

	s.updates = version.NewChecker(s.logger)

	s.api = api.New(s.cfg, s.scheduler, s.live, s.keys, s.reactions, s.playlist, s.cleanup, s.recordings, s.bus, s.logger)
	if statusCache != nil {
		s.api.SetStatusCache(statusCache)
	}
	if s.logBuffer != nil {
		s.api.SetLogBuffer(s.logBuffer)
	}
	if s.election != nil {
		s.api.SetLeaderStatus(s.election.IsLeader)
	}
	s.api.SetUpdateInfo(s.updates.Info)

	return nil
}

// buildRemoteBus picks the cross-node event transport. Memory means a
// single node, served by the local mirror alone.
func (s *Server) buildRemoteBus(local *pubsub.LocalBus) (pubsub.Publisher, error) {
	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	switch s.cfg.EventBus {
	case config.EventBusMemory:
		return nil, nil
	case config.EventBusPusher:
		return pubsub.NewPusherBus(s.cfg.PusherAppID, s.cfg.PusherKey, s.cfg.PusherSecret, s.cfg.PusherHost, s.logger), nil
	case config.EventBusRedis:
		bus, err := pubsub.NewRedisBus(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nodeID, local, s.logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis event bus: %w", err)
		}
		s.redisRelay = bus
		return bus, nil
	case config.EventBusNATS:
		bus, err := pubsub.NewNATSBus(s.cfg.NATSURL, nodeID, local, s.logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats event bus: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", s.cfg.EventBus)
	}
}

func (s *Server) configureRoutes() {
	s.router.Handle("/metrics", telemetry.Handler())
	s.api.Routes(s.router)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.election != nil {
		s.election.Start(ctx)
	}

	s.updates.Start(ctx)

	if s.redisRelay != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.redisRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("redis event relay exited")
			}
		}()
	}

	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.live.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.reactions.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.playlist.Run(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.cleanup.Run(ctx)
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the in-memory log ring the server was started with,
// or nil when none was supplied.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
