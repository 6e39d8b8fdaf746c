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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lexichat/internal/api"
	"lexichat/internal/auth"
	"lexichat/internal/backend"
	"lexichat/internal/config"
	"lexichat/internal/convservice"
	"lexichat/internal/dispatch"
	"lexichat/internal/engine"
	"lexichat/internal/kvstore"
	"lexichat/internal/logger"
	"lexichat/internal/redis"
	"lexichat/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgPath string
	verbose bool
	dbType  string

	cfg *config.Config
	log *zap.Logger
)

func main() {
	root := &cobra.Command{
		Use:           "lexichat",
		Short:         "Legal assistant chat gateway and conversation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log = logger.New(cfg.BasicConfig.LogFile, cfg.BasicConfig.Production, verbose)
			if cfg.BasicConfig.Production {
				gin.SetMode(gin.ReleaseMode)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("LEXICHAT_CONFIG"), "path to the JSON config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	gateway := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the browser-facing chat gateway",
		RunE:  func(cmd *cobra.Command, args []string) error { return runGateway(cmd.Context()) },
	}
	convs := &cobra.Command{
		Use:   "convservice",
		Short: "Serve the conversation and account service",
		RunE:  func(cmd *cobra.Command, args []string) error { return runConvService(cmd.Context()) },
	}
	defaultDB := os.Getenv("LEXICHAT_DB")
	if defaultDB == "" {
		defaultDB = "sqlite3"
	}
	convs.Flags().StringVar(&dbType, "db", defaultDB, "database driver (sqlite3 or mysql)")
	root.AddCommand(gateway, convs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	if log != nil {
		_ = log.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(ctx context.Context) error {
	var kv kvstore.Store
	switch cfg.LocalStore.Driver {
	case "redis":
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		// live sessions are kept alive by the sweeper; the TTL only reclaims abandoned ones
		kv = kvstore.NewRedis(rdb, 2*cfg.SessionTTL()+cfg.SweepInterval())
	default:
		kv = kvstore.NewMemory()
	}

	aiURL := cfg.Backend.AIBaseURL
	if aiURL == "" {
		aiURL = "http://127.0.0.1:8000"
	}
	ai := backend.NewAIClient(aiURL, cfg.BackendTimeout(), log)

	var general dispatch.GeneralChatter = ai
	if cfg.Backend.Provider != "" {
		chat, err := backend.NewProviderChat(ctx, backend.ProviderConfig{
			Provider: cfg.Backend.Provider,
			Model:    cfg.Backend.Model,
			APIKey:   cfg.Backend.APIKey,
			BaseURL:  cfg.Backend.ProviderBaseURL,
		})
		if err != nil {
			return fmt.Errorf("init chat provider: %w", err)
		}
		general = chat
		log.Info("general chat served by hosted model", zap.String("provider", cfg.Backend.Provider), zap.String("model", cfg.Backend.Model))
	}

	deps := engine.Deps{
		General:                 general,
		AI:                      ai,
		LocalKV:                 kv,
		Log:                     log,
		AllowAnonymous:          cfg.AnonymousEnabled(),
		IncludeGeneralKnowledge: cfg.IncludeGeneralKnowledge(),
		RevealInterval:          cfg.RevealInterval(),
		BackendTimeout:          cfg.BackendTimeout(),
	}
	var resolver api.IdentityResolver
	if url := cfg.Backend.ConversationServiceURL; url != "" {
		convClient := backend.NewConversationClient(url, cfg.BackendTimeout(), log)
		deps.Conversations = convClient
		resolver = auth.NewResolver(convClient, 0)
	} else {
		log.Warn("no conversation service configured, authenticated mode disabled")
	}

	sessions := engine.NewManager(deps, cfg.SessionTTL())
	sessions.StartSweeper(ctx, cfg.SweepInterval())
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sessions.Stop(stopCtx)
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(sessions, resolver, cfg.SessionTTL(), log).RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	return serve(ctx, addr, router)
}

func runConvService(ctx context.Context) error {
	log.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}
	authService := auth.NewService(db, rdb, 24*time.Hour)

	router := gin.New()
	router.Use(gin.Recovery())
	convservice.NewHandler(convservice.NewStore(db), authService, log).RegisterRoutes(router)

	addr := cfg.BasicConfig.ConvServiceAddress
	if addr == "" {
		addr = ":8091"
	}
	return serve(ctx, addr, router)
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down", zap.String("addr", addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
