package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ultraboard-sync-server/internal/config"
	"ultraboard-sync-server/internal/database"
	"ultraboard-sync-server/internal/handler"
	"ultraboard-sync-server/internal/presence"
	"ultraboard-sync-server/internal/repository"
	"ultraboard-sync-server/internal/service"
	"ultraboard-sync-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	checks := make(map[string]handler.HealthCheck)

	var opRepo repository.OperationRepository
	var db *gorm.DB
	switch cfg.Database.Driver {
	case "memory":
		opRepo = repository.NewMemoryOperationRepository()
		log.Println("[Store] using in-memory operation store")
	default:
		db, err = database.Connect(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to operation store: %v", err)
		}
		if err := repository.MigrateOperations(db); err != nil {
			log.Fatalf("Failed to migrate operation store: %v", err)
		}
		opRepo = repository.NewOperationRepository(db)
		checks["operations"] = func(context.Context) error { return database.Ping(db) }
		log.Printf("[Store] using %s operation store", cfg.Database.Driver)
	}

	var snapRepo repository.SnapshotRepository
	switch cfg.CouchDB.Driver {
	case "memory":
		snapRepo = repository.NewMemorySnapshotRepository()
		log.Println("[Store] using in-memory snapshot store")
	default:
		client := connectCouchDB(cfg.CouchDB)
		snapRepo = repository.NewSnapshotRepository(client, cfg.CouchDB.Name)
		checks["snapshots"] = func(ctx context.Context) error {
			_, err := client.DBExists(ctx, cfg.CouchDB.Name)
			return err
		}
		log.Printf("[Store] connected to CouchDB at %s:%s", cfg.CouchDB.Host, cfg.CouchDB.Port)
	}

	var mirror presence.Mirror
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror = presence.NewRedisMirror(rdb, cfg.Redis.PresenceTTL, uuid.New().String())
		checks["presence"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Printf("[Presence] mirroring to Redis at %s", cfg.Redis.Addr)
	}

	wsManager := websocket.NewManager(websocket.Options{
		MaxConnPerUser: cfg.WebSocket.MaxConnPerUser,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})

	registry := presence.NewRegistry(mirror)
	states := service.NewStateRegistry(opRepo, service.StateOptions{
		RecentWindow:  cfg.Board.RecentWindow,
		DedupWindow:   cfg.Board.DedupWindow,
		DedupCapacity: cfg.Board.DedupCapacity,
		ProtectWindow: cfg.Board.DedupProtect,
	})
	detector := service.NewConflictDetector(cfg.Board.ConflictDistance, cfg.Board.ConflictWindow)
	batchService := service.NewBatchService(opRepo, states, detector, service.BatchOptions{
		Workers:      cfg.Board.BatchWorkers,
		Timeout:      cfg.Board.BatchTimeout,
		MaxGroupSize: cfg.Board.MaxGroupSize,
	})
	syncService := service.NewSyncService(opRepo, states, registry, wsManager)
	presenceService := service.NewPresenceService(registry, states, wsManager, cfg.Board.PresenceTimeout, cfg.Board.StateIdleTTL)
	boardService := service.NewBoardService(opRepo, snapRepo, states, batchService, syncService, presenceService, wsManager)

	wsMessageHandler := handler.NewWebSocketMessageHandler(wsManager, batchService, syncService, boardService, presenceService)
	wsManager.SetMessageHandler(wsMessageHandler)
	wsManager.SetDisconnectHandler(wsMessageHandler)

	r := handler.NewRouter(
		handler.RouterConfig{
			JWTSecret:    cfg.JWT.Secret,
			AdminKeyHash: cfg.Admin.KeyHash,
			CORS:         cfg.CORS,
		},
		handler.NewBoardHandler(boardService),
		handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, cfg.WebSocket, cfg.CORS),
		handler.NewHealthHandler(checks),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managerDone := make(chan struct{})
	go func() {
		wsManager.Run(ctx)
		close(managerDone)
	}()
	go presenceService.RunReaper(ctx, cfg.Board.ReaperInterval)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	// No WriteTimeout: it would also cut hijacked WebSocket connections.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Starting Ultra Board sync server on %s (env: %s)", addr, cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}
	if err := batchService.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Batch] in-flight batches abandoned: %v", err)
	}

	cancel()
	<-managerDone

	if db != nil {
		if err := database.Close(db); err != nil {
			log.Printf("[Store] close: %v", err)
		}
	}
	if rdb != nil {
		rdb.Close()
	}

	log.Println("Server stopped gracefully")
}

func connectCouchDB(cfg config.CouchDBConfig) *kivik.Client {
	couchURL := fmt.Sprintf("http://%s:%s@%s:%s", cfg.User, cfg.Password, cfg.Host, cfg.Port)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	exists, err := client.DBExists(context.Background(), cfg.Name)
	if err != nil {
		log.Fatalf("Failed to check database existence: %v", err)
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Name); err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		log.Printf("Created database: %s", cfg.Name)
	}
	return client
}
