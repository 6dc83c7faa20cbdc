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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tomofuminijo/HealthmateUI/internal/auth"
	"github.com/tomofuminijo/HealthmateUI/internal/broker"
	"github.com/tomofuminijo/HealthmateUI/internal/config"
	"github.com/tomofuminijo/HealthmateUI/internal/policy"
	"github.com/tomofuminijo/HealthmateUI/internal/runtime"
	"github.com/tomofuminijo/HealthmateUI/internal/service"
	"github.com/tomofuminijo/HealthmateUI/internal/store"
	handler "github.com/tomofuminijo/HealthmateUI/internal/transport/http"
	"github.com/tomofuminijo/HealthmateUI/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting chat backend...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Runtime URL: %s", cfg.RuntimeURL)
	log.Printf("Store driver: %s", cfg.StoreDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize content policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize store
	var st store.Store
	switch cfg.StoreDriver {
	case "sqlite":
		st, err = store.NewSQLiteStore(cfg.DatabaseURL, policyEngine)
		if err != nil {
			log.Fatalf("Failed to initialize store: %v", err)
		}
	default:
		st = store.NewMemoryStore(policyEngine)
	}
	defer st.Close()

	// Initialize completion runtime client
	runtimeClient := runtime.NewClient(cfg.RuntimeURL, cfg.RuntimeID, cfg.RuntimeTimeout)

	// Initialize streaming broker with idle reaper
	br := broker.New(broker.Options{
		Keepalive:    cfg.KeepaliveInterval,
		IdleTimeout:  cfg.IdleTimeout,
		ReapInterval: cfg.ReapInterval,
	})
	br.Start(ctx)

	// Initialize service
	svc := service.NewChatService(st, br, runtimeClient)
	svc.StartCleanup(ctx, cfg.CleanupInterval, cfg.ConversationTTL)

	// Authentication
	if cfg.AuthDisabled {
		log.Printf("WARN: authentication disabled, using development identity")
	} else if cfg.AuthSecret == "" {
		log.Fatalf("AUTH_SECRET is required unless AUTH_DISABLED is set")
	}
	verifier := auth.NewJWTVerifier([]byte(cfg.AuthSecret))
	authMW := auth.Middleware(verifier, cfg.AuthDisabled)

	// Initialize handlers
	h := handler.NewHandler(svc, br)
	wsServer := ws.NewServer(svc, br)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(e, authMW)
	e.GET("/ws/chat", wsServer.HandleChat, authMW)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Chat backend started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down chat backend...")

	// Stop background loops and close live sessions
	cancel()
	br.Shutdown()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Chat backend stopped")
}
