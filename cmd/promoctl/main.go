package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DukeRupert/promokit/internal"
	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/metrics"
	"github.com/DukeRupert/promokit/internal/repository"
	"github.com/DukeRupert/promokit/internal/service"
	"github.com/DukeRupert/promokit/internal/storage"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// app holds the wired services shared by all subcommands.
type app struct {
	cfg        *internal.Config
	logger     *slog.Logger
	db         *sqlx.DB
	repo       repository.Repository
	quota      service.QuotaService
	campaigns  service.CampaignService
	redemption service.RedemptionService
	out        io.Writer
	closers    []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	// Load configuration
	cfg, err := internal.NewConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel, "promoctl")
	a := &app{cfg: cfg, logger: logger, out: out}

	// Initialize database connection
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxConns)
	a.closers = append(a.closers, sqlDB.Close)

	if err := sqlDB.PingContext(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	a.db = sqlx.NewDb(sqlDB, "pgx")

	var repo repository.Repository = repository.NewPostgres(a.db, logger)
	if cfg.RedisURL != "" {
		cache, err := repository.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		a.closers = append(a.closers, cache.Close)
		repo = repository.NewCachedRepository(repo, cache, cfg.CampaignCacheTTL, logger)
		logger.Debug("campaign cache enabled", "ttl", cfg.CampaignCacheTTL)
	}
	a.repo = repo

	store, err := storage.New(cfg.StorageProvider,
		storage.LocalConfig{BasePath: cfg.Local.Path, BaseURL: cfg.Local.URL},
		storage.R2Config{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			SecretAccessKey: cfg.R2.SecretAccessKey,
			BucketName:      cfg.R2.BucketName,
			PublicURL:       cfg.R2.PublicURL,
		},
		logger,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}

	policy, err := domain.LoadQuotaPolicy(cfg.QuotaPolicyFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("quota policy: %w", err)
	}

	// Initialize services
	renderer := service.NewQRRenderer(store, cfg.QRSize, cfg.CodeURLPrefix)
	a.quota = service.NewQuotaService(repo, policy, cfg.RecountRate, logger)
	a.campaigns = service.NewCampaignService(repo, renderer, policy, logger)
	a.redemption = service.NewRedemptionService(repo, renderer, logger)
	return a, nil
}

func run(args []string) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(os.Stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	runErr := cmd.run(ctx, a, args[1:])

	if err := metrics.Push(ctx, a.cfg.MetricsPushgatewayURL, "promoctl_"+args[0]); err != nil {
		a.logger.Warn("metrics push failed", "error", err)
	}
	return runErr
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err != errUsage {
			log.Printf("promoctl: %v", err)
		}
		os.Exit(exitCode(err))
	}
}
