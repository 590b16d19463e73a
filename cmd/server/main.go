package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/api"
	"github.com/zabbix-fleet/zabbix-fleet/internal/audit"
	"github.com/zabbix-fleet/zabbix-fleet/internal/config"
	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/jobs"
	"github.com/zabbix-fleet/zabbix-fleet/internal/manage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/optimizer"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/syncer"
)

func main() {
	log.Println("Starting Zabbix Fleet...")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg := config.LoadOrDefault(configPath)
	log.Printf("Configuration loaded (config path: %s)", configPath)

	// Ensure database directory exists
	dbDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()
	log.Printf("Database initialized: %s", cfg.Database.Path)

	// Seed connections from config if database is empty
	if err := initializeConnections(db, cfg.Connections); err != nil {
		log.Printf("Warning: Failed to initialize connections: %v", err)
	}

	// Wire the engines
	client := gateway.NewClient(cfg.Gateway.URL)
	recorder := audit.NewRecorder(db)
	syncEngine := syncer.New(db, client, recorder)
	optimizeEngine := optimizer.New(db, client, recorder)
	manager := manage.New(db, client, recorder)
	log.Printf("Gateway client initialized: %s", cfg.Gateway.URL)

	// Start the job runner and scheduler
	runner := jobs.NewRunner(db, syncEngine, optimizeEngine, manager, cfg.Jobs)
	runner.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := jobs.NewScheduler(runner, db, time.Duration(cfg.Sync.IntervalSeconds)*time.Second)
	go scheduler.Start(ctx)

	// Initialize API server
	apiServer := api.New(db, client, syncEngine, optimizeEngine, runner)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server
	go func() {
		log.Printf("Server listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown
	cancel()
	scheduler.Stop()
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// initializeConnections seeds connections from config when none exist yet
func initializeConnections(db *storage.DB, connectionsConfig []models.ConnectionConfig) error {
	existing, err := db.GetConnections()
	if err != nil {
		return err
	}

	// If connections already exist in database, don't add from config
	if len(existing) > 0 {
		return nil
	}

	for _, cc := range connectionsConfig {
		conn := models.Connection{
			Name:                 cc.Name,
			Description:          cc.Description,
			URL:                  cc.URL,
			Token:                cc.Token,
			Environment:          cc.Environment,
			IsActive:             true,
			MaxRequestsPerMinute: cc.MaxRequestsPerMinute,
			TimeoutSeconds:       cc.TimeoutSeconds,
		}

		id, err := db.AddConnection(conn)
		if err != nil {
			log.Printf("Failed to add connection %s: %v", cc.Name, err)
			continue
		}
		log.Printf("Added connection: %s (ID: %d)", cc.Name, id)
	}

	return nil
}
