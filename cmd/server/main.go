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

	"collabsync/internal/api"
	"collabsync/internal/auth"
	"collabsync/internal/config"
	"collabsync/internal/db"
	"collabsync/internal/platform"
	"collabsync/internal/repository"
	"collabsync/internal/room"
	"collabsync/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting CollabSync realtime server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("collabsync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database for the durable room slots
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Platform backend client: snapshots, access checks, reference registry
	platformClient := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformServiceToken)
	log.Println("✓ Platform client initialized")

	verifier, err := auth.NewVerifier(cfg, platformClient)
	if err != nil {
		log.Fatalf("❌ Failed to configure auth: %v", err)
	}
	log.Printf("✓ Auth verifier initialized (mode: %s)", cfg.AuthMode)

	stateRepo := repository.NewRoomStateRepository(database.DB)

	manager := room.NewManager(room.Deps{
		Verifier:  verifier,
		Snapshots: platformClient,
		Access:    platformClient,
		Registry:  platformClient,
		States:    stateRepo,
		Intervals: room.Intervals{
			PeriodicSave:   cfg.PeriodicSaveInterval,
			DisconnectSave: cfg.DisconnectSaveDelay,
			ReferencePush:  cfg.ReferencePushDebounce,
			PresenceFrame:  cfg.PresenceFrameInterval,
			ReferenceTTL:   cfg.ReferenceCacheTTL,
		},
		GridRows: cfg.GridRows,
		GridCols: cfg.GridCols,
	})

	wsHandler := room.NewHandler(manager)
	router := api.SetupRoutes(wsHandler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("   GET /api/health       - Health check")
		log.Printf("   WS  /ws/rooms/{key}   - Room connection (key = kind:id)")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Close every room: connections dropped, final saves issued
	manager.Shutdown()

	log.Println("✓ Server shutdown complete")
}
