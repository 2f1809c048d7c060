// README: Entry point; loads config, wires services, starts HTTP server and background workers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"relay/internal/clock"
	"relay/internal/config"
	httptransport "relay/internal/http"
	"relay/internal/http/middleware"
	"relay/internal/infra"
	"relay/internal/logger"
	"relay/internal/modules/audit"
	"relay/internal/modules/dispatch"
	"relay/internal/modules/fanout"
	"relay/internal/modules/gate"
	"relay/internal/modules/notify"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/modules/ranking"
	"relay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	clk := clock.Real()

	var orderStore order.Store = order.NewMemoryStore()
	if cfg.Storage == "postgres" {
		if cfg.DB.Migrate {
			if err := infra.Migrate(ctx, cfg.DB.DSN); err != nil {
				return err
			}
		}
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		orderStore = order.NewPGStore(pool)
	}

	var rdb *redis.Client
	if cfg.Presence.Backend == "redis" || cfg.Fanout.Broker == "redis" {
		c, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer c.Close()
		rdb = c
	}

	var presenceStore presence.Store = presence.NewMemoryStore()
	if cfg.Presence.Backend == "redis" {
		presenceStore = presence.NewRedisStore(rdb)
	}

	var broker fanout.Broker = fanout.LocalBroker{}
	switch cfg.Fanout.Broker {
	case "redis":
		broker = fanout.NewRedisBroker(rdb, cfg.NodeID)
	case "amqp":
		b, err := fanout.NewAMQPBroker(cfg.Fanout.AMQPURL, fanout.DefaultExchange, cfg.NodeID)
		if err != nil {
			return err
		}
		defer b.Close()
		broker = b
	}

	processors := []audit.Processor{audit.NewLogProcessor(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := infra.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		defer producer.Close()
		processors = append(processors, audit.NewKafkaProcessor(producer, cfg.Kafka.Topic))
	}
	auditPool := audit.NewPool(audit.Config{}, log, processors...)
	auditPool.Start(context.Background())
	defer auditPool.Shutdown()

	sessions := session.NewRegistry()
	auth := middleware.HeaderAuth(sessions)
	var offerNotifiers notify.Multi
	var mirror fanout.Mirror
	if cfg.UsesFirebase() {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.DatabaseURL, cfg.Firebase.Credentials)
		if err != nil {
			return err
		}
		if cfg.Auth.Mode == "firebase" {
			verifier, err := infra.NewFirebaseVerifier(ctx, app)
			if err != nil {
				return err
			}
			auth = middleware.Auth(verifier, sessions)
		}
		if cfg.Firebase.FCMEnabled {
			msg, err := infra.NewMessaging(ctx, app)
			if err != nil {
				return err
			}
			offerNotifiers = append(offerNotifiers, notify.NewFCMNotifier(msg, log))
		}
		if cfg.Firebase.DatabaseURL != "" {
			rtdb, err := infra.NewRTDB(ctx, app)
			if err != nil {
				return err
			}
			mirror = fanout.NewRTDBMirror(fanout.DBRefs{Client: rtdb}, cfg.Firebase.MirrorRoot)
		}
	}

	fan := fanout.NewService(fanout.Deps{
		Orders: orderStore,
		Riders: presenceStore,
		Hub:    fanout.NewHub(fanout.DefaultBuffer),
		Broker: broker,
		Mirror: mirror,
		Clock:  clk,
		Logger: log,
	})
	offerNotifiers = append(notify.Multi{fan}, offerNotifiers...)

	orderSvc := order.NewService(order.Deps{
		Store:      orderStore,
		Clock:      clk,
		Notifier:   fan,
		Auditor:    auditPool,
		Logger:     log,
		BcryptCost: cfg.OTPCost,
	})
	presenceSvc := presence.NewService(presence.Deps{
		Store:       presenceStore,
		Clock:       clk,
		Notifier:    fan,
		Logger:      log,
		MinInterval: cfg.Presence.MinInterval,
	})

	var ranker ranking.Ranker = ranking.NewNearbyRanker(presenceSvc, cfg.Dispatch.RadiusKm, cfg.Dispatch.CandidateLimit)
	if cfg.Maps.APIKey != "" {
		mc, err := ranking.NewMapsClient(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		ranker = ranking.NewMapsRanker(ranker, mc, log)
	}

	// Nodes that share Redis share the offer board, so each order has one open offer cluster-wide.
	var board dispatch.Board = dispatch.NewMemoryBoard(clk)
	if rdb != nil {
		board = dispatch.NewRedisBoard(rdb)
	}

	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Ledger:   orderSvc,
		Riders:   presenceSvc,
		Ranker:   ranker,
		Clock:    clk,
		Notifier: offerNotifiers,
		Logger:   log,
		Policy: dispatch.Policy{
			TTL:           cfg.Dispatch.OfferTTL,
			MaxRounds:     cfg.Dispatch.MaxRounds,
			SweepCooldown: cfg.Dispatch.SweepCooldown,
		},
		Board: board,
	})
	gateSvc := gate.NewService(gate.Deps{Ledger: orderSvc, Riders: presenceSvc, Clock: clk, Logger: log})

	sweep := dispatch.NewSweepJob(dispatchSvc, cfg.Dispatch.SweepSpec, log)
	if err := sweep.Start(); err != nil {
		return err
	}
	defer sweep.Stop()

	go func() {
		if err := fan.Run(ctx); err != nil {
			log.Error("fanout relay", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Orders:   orderSvc,
		Dispatch: dispatchSvc,
		Gate:     gateSvc,
		Presence: presenceSvc,
		Fanout:   fan,
		Sessions: sessions,
		Auth:     auth,
		Logger:   log,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage, "presence", cfg.Presence.Backend, "broker", cfg.Fanout.Broker)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
