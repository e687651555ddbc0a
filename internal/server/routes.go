// Package server wires every component together and exposes the REST and
// websocket surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emoguchi/internal/audio"
	"emoguchi/internal/auth"
	"emoguchi/internal/broadcast"
	"emoguchi/internal/config"
	"emoguchi/internal/db"
	"emoguchi/internal/dispatch"
	"emoguchi/internal/emotions"
	"emoguchi/internal/game"
	"emoguchi/internal/logging"
	"emoguchi/internal/metrics"
	"emoguchi/internal/phrases"
	"emoguchi/internal/redisstore"
	"emoguchi/internal/rooms"
	"emoguchi/internal/wshub"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Router builds the gin engine for s.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.Log.Named("http")), corsMiddleware(s.Cfg.AllowedOrigins))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	r.GET("/ws", s.handleWS)

	api := r.Group("/api/v1")
	{
		api.POST("/rooms", s.handleCreateRoom)
		api.GET("/rooms/:id", s.handleGetRoom)
		api.GET("/rooms/:id/last", s.handleLastResult)

		host := api.Group("/rooms/:id", s.requireHost())
		host.DELETE("", s.handleCloseRoom)
		host.PUT("/config", s.handleUpdateConfig)
		host.POST("/prefetch", s.handlePrefetch)

		if s.Cfg.AdminToken != "" {
			debug := api.Group("/debug", s.requireAdmin())
			debug.GET("/rooms", s.handleDebugRooms)
			debug.POST("/rooms/:id/complete-round", s.handleCompleteRound)
		}
	}
	return r
}

func Run() error {
	cfg := config.Load()
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer closer.Close()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	var hooks game.MultiHook

	// Optional database connection
	var history *db.Sink
	var database *db.DB
	if cfg.DatabaseURL != "" {
		database, err = db.Connect(ctx, cfg.DatabaseURL, logger.Named("db"))
		if err != nil {
			logger.Warn("running without database", zap.Error(err))
			database = nil
		} else {
			defer database.Close()
			if err := database.Migrate(ctx); err != nil {
				logger.Error("migration failed", zap.Error(err))
			}
			history = db.NewSink(database, 0, logger.Named("history"))
			m.RegisterHistoryDropped(history.Dropped)
			hooks = append(hooks, history)
		}
	} else {
		logger.Info("DATABASE_URL not set, running without history")
	}

	// Optional redis cache of the last round per room
	var last *redisstore.Hook
	if cfg.RedisURL != "" {
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("running without redis", zap.Error(err))
		} else {
			defer client.Close()
			last = redisstore.NewHook(client, logger.Named("redis"))
			hooks = append(hooks, last)
		}
	}

	authMgr, err := auth.NewManager(cfg.HostTokenSecret, cfg.HostTokenTTL)
	if err != nil {
		return err
	}
	if cfg.HostTokenSecret == "" {
		logger.Warn("HOST_TOKEN_SECRET not set, host tokens will not survive a restart")
	}

	cache := phrases.NewCache(phrases.NewStaticGenerator(uint64(time.Now().UnixNano())), phrases.Options{
		Capacity:      cfg.PhraseCacheSize,
		BatchSize:     cfg.PhraseBatchSize,
		LowWater:      cfg.PhraseLowWater,
		Timeout:       cfg.PhraseTimeout,
		RefillTimeout: cfg.PhraseRefillTimeout,
		OnFallback:    func(mode emotions.Mode) { m.PhraseFallback(string(mode)) },
	}, logger.Named("phrases"))
	defer cache.Close()
	for _, mode := range []emotions.Mode{emotions.ModeBasic, emotions.ModeAdvanced, emotions.ModeWheel} {
		cache.Prefetch(mode)
	}

	store := rooms.NewStore(logger.Named("store"), game.WithHooks(hooks))
	m.RegisterRoomGauge(store.Count)

	hub := wshub.NewHub(logger.Named("hub"))
	hub.OnDrop = m.FramesDropped

	dispatcher := dispatch.New(dispatch.Deps{
		Store:       store,
		Hub:         hub,
		Broadcaster: broadcast.NewBroadcaster(hub, logger.Named("broadcast"), m),
		Phrases:     cache,
		Relay:       audio.NewRelay(store, hub, cfg.MaxAudioBytes, m, logger.Named("audio")),
		Metrics:     m,
		Logger:      logger.Named("dispatch"),
		MaxAudio:    cfg.MaxAudioBytes,
	})

	srv := &Server{
		Cfg:      cfg,
		Rooms:    store,
		Hub:      hub,
		Dispatch: dispatcher,
		Auth:     authMgr,
		Metrics:  m,
		Phrases:  cache,
		Log:      logger,
	}
	if last != nil {
		srv.Last = last
	}
	if database != nil {
		srv.DB = database
	}

	httpSrv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	historyCtx, stopHistory := context.WithCancel(context.Background())
	defer stopHistory()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.ReapInterval > 0 {
		g.Go(func() error {
			store.RunReaper(gctx, cfg.ReapInterval, cfg.RoomIdleTTL, cfg.DisconnectGrace, dispatcher.DeliverReaped)
			return nil
		})
	}
	if history != nil {
		g.Go(func() error { return history.Run(historyCtx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		dispatcher.DeliverReaped(store.CloseAll("server_shutdown"))
		dispatcher.Shutdown()
		stopHistory()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if last != nil {
		last.Close()
	}
	return err
}
