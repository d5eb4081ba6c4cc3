package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-dialer/internal/ami"
	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/dialer"
	"campaign-dialer/internal/keypress"
	"campaign-dialer/internal/ledger"
	"campaign-dialer/internal/payments"
	"campaign-dialer/internal/pricing"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/routing"
	"campaign-dialer/pkg/logger"
	"campaign-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional; real env vars win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env not loaded", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("dialer stopped", "err", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	plan, err := pricing.NewPlan(cfg.Billing)
	if err != nil {
		return err
	}
	trunkList, err := routing.ParseTrunks(cfg.Dialer.Trunks)
	if err != nil {
		return err
	}
	trunks, err := routing.NewSelector(trunkList, nil)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return err
	}
	defer rdb.Close()

	auditSvc := audit.NewService(audit.NewPostgresRepo(db), log)
	store := campaigns.NewPostgresStore(db)
	campaignSvc := campaigns.NewService(store, auditSvc, log)
	ledgerSvc := ledger.NewService(ledger.NewPostgresRepo(db), log)
	correlator := keypress.NewCorrelator(store, cfg.Keypress, log)
	grants := payments.NewProcessor(ledgerSvc, auditSvc, log)

	var cache reporting.Cache = reporting.NewMemoryCache()
	if cfg.Report.Cache == "redis" {
		cache = reporting.NewRedisCache(rdb)
	}
	reports := reporting.NewService(store, ledgerSvc, cache, cfg.Report.SnapshotTTL, log)

	var limiter dialer.Limiter = dialer.NewLocalLimiter(cfg.Dialer.MaxConcurrent)
	if cfg.Dialer.Limiter == "redis" {
		// a slot outlives the watchdog so only slots of a dead process expire
		slotTTL := cfg.Dialer.MaxCallDuration + cfg.Dialer.RingTimeout + time.Minute
		limiter = dialer.NewRedisLimiter(rdb, cfg.Dialer.MaxConcurrent, slotTTL)
	}

	sw, err := ami.Dial(rootCtx, ami.ConfigFrom(cfg.AMI), log)
	if err != nil {
		return err
	}
	defer sw.Close()

	var monitor *routing.TrunkMonitor
	if !cfg.Dialer.SkipTrunkCheck {
		monitor = routing.NewTrunkMonitor(sw, trunkList, cfg.Dialer.TrunkCheckInterval, log)
	}

	disp, err := dialer.New(dialer.ConfigFrom(cfg.Dialer, cfg.Keypress), dialer.Deps{
		Switch:    sw,
		Ledger:    ledgerSvc,
		Campaigns: campaignSvc,
		Keypress:  correlator,
		Plan:      plan,
		Trunks:    trunks,
		Limiter:   limiter,
		Audit:     auditSvc,
		Log:       log,
	})
	if err != nil {
		return err
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		authMW:    auth.RequireAccessToken(authManager),
		auth:      authManager,
		devTokens: cfg.Auth.DevTokens,
		campaigns: campaignSvc,
		reports:   reports,
		ledger:    ledgerSvc,
		minCredit: plan.Estimate(),
		keypress:  keypress.Handler{Correlator: correlator},
		payments:  payments.Handler{Processor: grants},
		webhooks:  cfg.Webhooks,
		grants:    grants,
		switchUp:  sw.Connected,
		trunks:    trunkHealthOrNil(monitor),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("dispatcher started", "max_concurrent", cfg.Dialer.MaxConcurrent, "limiter", cfg.Dialer.Limiter)
		return disp.Run(ctx)
	})
	if monitor != nil {
		g.Go(func() error { return monitor.Run(ctx) })
	}
	if cfg.AMQP.URL != "" {
		feed, err := payments.OpenFeed(cfg.AMQP)
		if err != nil {
			return err
		}
		defer feed.Close()
		consumer := payments.NewConsumer(grants, log)
		g.Go(func() error {
			log.Info("grant feed consuming", "queue", cfg.AMQP.Queue)
			return consumer.Run(ctx, feed.Deliveries)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// trunkHealthOrNil keeps a nil monitor from becoming a non-nil interface.
func trunkHealthOrNil(m *routing.TrunkMonitor) trunkHealth {
	if m == nil {
		return nil
	}
	return m
}
