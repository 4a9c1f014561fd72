// Command server runs the collaborative editing core: a WebSocket
// endpoint per spec.md §3/§6, a Prometheus metrics endpoint, a health
// check, and a room-stats endpoint, wired from environment
// configuration the way the teacher's main.go wires Postgres and Redis
// at startup — generalized to optional adapters instead of hard
// log.Fatal dependencies, since spec.md §4.4 treats persistence as
// best-effort.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codedojo/collab-core/internal/config"
	"github.com/codedojo/collab-core/internal/logging"
	"github.com/codedojo/collab-core/internal/metrics"
	"github.com/codedojo/collab-core/internal/persistence"
	"github.com/codedojo/collab-core/internal/room"
	"github.com/codedojo/collab-core/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg := config.Load()
	logger := logging.NewFromEnv()

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	store := buildStore(cfg, logger)

	clock := metrics.SystemClock{}
	ids := metrics.UUIDGenerator{}

	roomCfg := room.Config{
		RateWindow:             cfg.RateWindow,
		RateMax:                float64(cfg.RateMax),
		CursorUpdateCost:       0.25,
		BackpressureThreshold:  cfg.BackpressureThreshold,
		MaxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
		SnapshotOps:            cfg.SnapshotOps,
		SnapshotInterval:       cfg.SnapshotInterval,
		MaxContentRunes:        cfg.MaxContentBytes,
		ArchiveAge:             cfg.SnapshotArchiveAge,
		CommandBufferSize:      cfg.BroadcastBufferSize,
	}
	manager := room.NewManager(roomCfg, cfg.RoomTTL, cfg.ReaperInterval, clock, rec, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.RunReaper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, manager, ids, rec, store, cfg, logger)
	})
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/api/stats", handleStats(manager))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server exited: %v", err)
		}
	}()

	waitForShutdown(srv, manager, logger)
}

func buildStore(cfg *config.Config, logger *logging.Logger) persistence.Store {
	composite := &persistence.Composite{}

	if cfg.PostgresDSN != "" {
		pg, err := persistence.Connect(cfg.PostgresDSN)
		if err != nil {
			logger.Error("postgres connection failed, running without durable snapshots: %v", err)
		} else if err := pg.EnsureSchema(context.Background()); err != nil {
			logger.Error("postgres schema setup failed: %v", err)
		} else {
			composite.Postgres = pg
			logger.Info("connected to postgres")
		}
	}

	cursors := persistence.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, 7*24*time.Hour)
	composite.Cursors = cursors
	logger.Info("connected to redis at %s", cfg.RedisAddr)

	if cfg.S3Bucket != "" {
		archive, err := persistence.NewS3Archive(cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			logger.Error("s3 archive setup failed, cold archival disabled: %v", err)
		} else {
			composite.Archive = archive
		}
	}

	return composite
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, manager *room.Manager, ids metrics.IDGenerator, rec *metrics.Recorder, store persistence.Store, cfg *config.Config, logger *logging.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		return
	}

	sess := session.New(conn, manager, ids, rec, store, cfg.IdleTimeout, cfg.SendQueueCap)
	sess.Run(r.Context())
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleStats(manager *room.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rooms": manager.RoomCount()})
	}
}

func waitForShutdown(srv *http.Server, manager *room.Manager, logger *logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	manager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed: %v", err)
	}
}
