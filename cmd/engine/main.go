package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tevinmoran/corebank/internal/approval"
	"github.com/tevinmoran/corebank/internal/config"
	"github.com/tevinmoran/corebank/internal/engine"
	"github.com/tevinmoran/corebank/internal/ledger"
	"github.com/tevinmoran/corebank/internal/logging"
	"github.com/tevinmoran/corebank/internal/metrics"
	"github.com/tevinmoran/corebank/internal/repository"
	"github.com/tevinmoran/corebank/internal/risk"
	"github.com/tevinmoran/corebank/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.Init("corebank-engine", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	transactions := repository.NewTransactionRepository(db)
	accounts := repository.NewAccountRepository(db)
	approvals := repository.NewApprovalRepository(db)
	events := repository.NewEventRepository(db)
	entries := repository.NewLedgerRepository(db)
	schedules := repository.NewScheduleRepository(db)
	approvers := repository.NewApproverRepository(db)

	mutator := ledger.NewMutator(accounts, entries)
	dispatcher := engine.NewDispatcher(engine.AuditLogHandler{})

	eng := engine.NewEngine(transactions, accounts, approvals, events, mutator,
		risk.NewAssessor(), dispatcher, db, cfg, m)
	workflow := approval.NewWorkflow(transactions, approvals, events, approvers,
		eng, dispatcher, db, cfg, m)
	eng.SetWorkflows(workflow)

	sched := scheduler.NewScheduler(schedules, transactions, eng, db, cfg, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, log)

	go sched.Run(ctx)
	go workflow.RunSweeper(ctx)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics listener started", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics listener error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics listener forced to shutdown", "error", err)
	}
	slog.Info("stopped")
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connectDB: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeS) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second)

	for i := range 30 {
		if err = db.Ping(); err == nil {
			return db, nil
		}
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", err)
}
