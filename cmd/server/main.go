package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mgerstgrasser/tacheles/internal/api"
	"github.com/mgerstgrasser/tacheles/internal/chat"
	"github.com/mgerstgrasser/tacheles/internal/config"
	"github.com/mgerstgrasser/tacheles/internal/db"
	"github.com/mgerstgrasser/tacheles/internal/llm"
	"github.com/mgerstgrasser/tacheles/internal/models"
	"github.com/mgerstgrasser/tacheles/internal/session"
)

const (
	defaultProbePrompt = "What would be a good company name for a company that makes colorful socks?"
	shutdownTimeout    = 30 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "tacheles",
		Short:        "Chat backend relaying an OpenAI-compatible completion API",
		SilenceUsage: true,
		RunE:         a.serve,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "path to a config file (yaml, toml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			Args:  cobra.NoArgs,
			RunE:  a.serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the database tables and exit",
			Args:  cobra.NoArgs,
			RunE:  a.migrate,
		},
		&cobra.Command{
			Use:   "probe [prompt]",
			Short: "Stream one completion to stdout to check the upstream settings",
			Args:  cobra.MaximumNArgs(1),
			RunE:  a.probe,
		},
	)
	return root
}

func (a *app) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func (a *app) serve(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to initialize database", zap.Error(err))
		return err
	}
	defer database.Close()

	streamer, err := llm.New(cfg.LLMClient())
	if err != nil {
		logger.Error("failed to initialize completion client", zap.Error(err))
		return err
	}

	if cfg.Session.Secret == "" {
		logger.Warn("no session secret configured, sessions end when the server restarts")
	}
	sessions := session.New(cfg.Session.Secret, cfg.Session.CookieName, cfg.Session.MaxAge)

	relay := chat.NewRelay(database, streamer, chat.Config{
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
	}, logger)
	handler := api.NewHandler(database, relay, sessions, logger)
	router := api.NewRouter(handler, logger, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		FrontendPath:   cfg.Frontend.Path,
	})

	// No write timeout: chat streams last as long as the completion does.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("llm_provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
	case err := <-serveErr:
		logger.Error("failed to start server", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}

func (a *app) migrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Open creates the schema.
	database, err := db.Open(cmd.Context(), cfg.Database.URL)
	if err != nil {
		logger.Error("failed to migrate database", zap.Error(err))
		return err
	}
	logger.Info("database schema is up to date")
	return database.Close()
}

func (a *app) probe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := a.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	prompt := defaultProbePrompt
	if len(args) == 1 {
		prompt = args[0]
	}

	streamer, err := llm.New(cfg.LLMClient())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	err = streamer.Stream(cmd.Context(), llm.Request{
		Messages: []llm.Message{
			{Role: models.RoleSystem, Content: cfg.LLM.SystemPrompt},
			{Role: models.RoleUser, Content: prompt},
		},
		MaxTokens: cfg.LLM.MaxTokens,
	}, func(_ context.Context, fragment string) error {
		_, err := fmt.Fprint(out, fragment)
		return err
	})
	if err != nil {
		logger.Error("failed to generate completion", zap.Error(err))
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}
