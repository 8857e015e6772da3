package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gogvych/tabular-analyst/internal/agent"
	"github.com/gogvych/tabular-analyst/internal/analyst"
	"github.com/gogvych/tabular-analyst/internal/api"
	"github.com/gogvych/tabular-analyst/internal/config"
	"github.com/gogvych/tabular-analyst/internal/ingest"
	"github.com/gogvych/tabular-analyst/internal/provider"
	"github.com/gogvych/tabular-analyst/internal/schema"
	"github.com/gogvych/tabular-analyst/internal/store"
	"github.com/gogvych/tabular-analyst/internal/tools"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "analyst",
	Short:         "analyst - answer questions about tabular data with SQL",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CONFIG_PATH or configs/analyst.json)")
	rootCmd.AddCommand(serveCmd, askCmd, chatCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is the wired service shared by serve and ask.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	conn    store.Conn
	analyst *analyst.Analyst
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/analyst.json"
	}
	return config.Load(path)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" || level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}

	router, err := provider.NewRouterFromConfig(cfg.ProviderConfigs(), logger)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultProvider != "" {
		if err := router.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, err
		}
	}

	conn, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	svc := analyst.New(conn, agent.NewProviderReasoner(router, "", 0), analyst.Options{
		TableName: cfg.Ingest.TableName,
		Loop:      cfg.Loop(),
		Schema:    schema.Options{SampleRows: cfg.Agent.SampleRows},
		Tools:     tools.Options{MaxRows: cfg.Agent.MaxResultRows, MaxOutputBytes: cfg.Agent.MaxOutputBytes},
		Ingest:    ingest.Options{MaxRows: cfg.Ingest.MaxRows},
	}, logger)

	if err := svc.Init(ctx); err != nil {
		logger.Warn("AI agent failed to initialize; endpoints will report it unavailable", zap.Error(err))
	}
	return &app{cfg: cfg, logger: logger, conn: conn, analyst: svc}, nil
}

func (a *app) close() {
	a.conn.Close()
	a.logger.Sync()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	handler := api.NewHandler(a.analyst, api.Options{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		MaxUploadBytes: a.cfg.MaxUploadBytes(),
	}, logger)

	port := a.cfg.Server.Port
	if port == 0 {
		port = 8000
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("analyst listening", zap.Int("port", port), zap.Bool("ready", a.analyst.Ready()))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
