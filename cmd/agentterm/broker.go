package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/agentterm/agentterm/api/handlers"
	"github.com/agentterm/agentterm/internal/config"
	"github.com/agentterm/agentterm/internal/db"
	"github.com/agentterm/agentterm/internal/logging"
	"github.com/agentterm/agentterm/internal/registry"
	"github.com/agentterm/agentterm/internal/repository"
	"github.com/agentterm/agentterm/internal/supervisor"
	"github.com/agentterm/agentterm/internal/upload"
	"github.com/agentterm/agentterm/internal/voice"
	"github.com/agentterm/agentterm/internal/ws"
)

// newBrokerCommand runs the broker process itself. The supervisor spawns it
// with forwarded flags; it is hidden because running it directly skips
// restart handling.
func newBrokerCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:    "broker",
		Short:  "Run the broker process (spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(cfg.Verbosity)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBroker(cfg)
		},
	}
}

func runBroker(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	repo := repository.NewSessionRepository(database)
	reg := registry.New(cfg, repo)
	if err := reg.LoadPersisted(context.Background()); err != nil {
		return err
	}

	uploads := upload.New(cfg.BaseFolder, cfg.MaxUploadBytes)
	voiceSvc := voice.New()
	hub := ws.NewHub(cfg, reg, uploads, voiceSvc)

	if cfg.Verbosity == 0 {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	api := r.Group("/api")
	handlers.NewSystemHandler(cfg, reg, hub, voiceSvc).RegisterRoutes(api)
	handlers.NewSessionHandler(reg).RegisterRoutes(api)
	handlers.NewFolderHandler(cfg.BaseFolder).RegisterRoutes(api)

	r.GET("/ws", hub.ServeWS)

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			slog.Info("broker shutting down")
			reg.Close()
			database.Close()
			os.Exit(0)
		})
	}

	// The supervisor requests graceful termination over the broker's stdin.
	go supervisor.ListenShutdown(os.Stdin, stop)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		stop()
	}()

	slog.Info("broker listening", "port", cfg.Port, "baseFolder", cfg.BaseFolder)
	if err := r.Run(":" + cfg.Port); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// corsMiddleware allows browser clients served from a different origin
// during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
