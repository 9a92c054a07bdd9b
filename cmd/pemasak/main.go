package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mustafasegf/pemasak-infra/internal/app/migrate"
	"github.com/mustafasegf/pemasak-infra/internal/docker"
	gitpkg "github.com/mustafasegf/pemasak-infra/internal/git"
	httpx "github.com/mustafasegf/pemasak-infra/internal/http"
	"github.com/mustafasegf/pemasak-infra/internal/repository/postgres"
	"github.com/mustafasegf/pemasak-infra/internal/router"
	"github.com/mustafasegf/pemasak-infra/internal/service/auth"
	"github.com/mustafasegf/pemasak-infra/internal/service/build"
	"github.com/mustafasegf/pemasak-infra/internal/service/logs"
	"github.com/mustafasegf/pemasak-infra/internal/service/project"
	runtimesvc "github.com/mustafasegf/pemasak-infra/internal/service/runtime"
	"github.com/mustafasegf/pemasak-infra/internal/workspace"
	"github.com/mustafasegf/pemasak-infra/internal/ws"
	"github.com/mustafasegf/pemasak-infra/pkg/config"
	"github.com/mustafasegf/pemasak-infra/pkg/logger"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("pemasak", logger.LevelFromEnv()).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("pemasak", logger.LevelFromEnv())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL(), "migrations", log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	dockerClient, err := docker.New("")
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	scratch, err := workspace.New(filepath.Join(os.TempDir(), "pemasak-builds"))
	if err != nil {
		log.Error("failed to prepare build workspace", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	logSvc := logs.New(hub, log)
	hostRouter := router.New(repo, cfg.Application.Domain, log)
	runtimeSvc := runtimesvc.New(dockerClient, repo, repo, hostRouter, log)
	buildSvc := build.New(repo, repo, dockerClient, runtimeSvc, logSvc, scratch, log, cfg.Git.Base, cfg.BuildTimeout(), cfg.Build.Max)
	authSvc := auth.New(repo, repo, repo, repo, log, cfg)
	gitEndpoint := gitpkg.NewEndpoint(cfg.Git.Base, cfg.BodyLimitBytes(), cfg.Git.Auth, authSvc, repo, buildSvc, log)
	projectSvc := project.New(repo, repo, repo, gitEndpoint, buildSvc, runtimeSvc, log, cfg)

	// Recovery: builds interrupted by the previous process fail, and
	// containers without a live project are swept.
	if err := buildSvc.Recover(ctx, "orchestrator restart"); err != nil {
		log.Error("build recovery failed", "error", err)
		os.Exit(1)
	}
	if err := runtimeSvc.Reconcile(ctx); err != nil {
		log.Warn("container reconciliation failed", "error", err)
	}

	var limiter httpx.RateLimiter = httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	apiRouter := httpx.NewRouter(log, cfg, authSvc, projectSvc, runtimeSvc, logSvc, gitEndpoint, hostRouter, limiter)
	defer apiRouter.Close()

	go sweepSessions(ctx, authSvc)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr(), "domain", cfg.Application.Domain)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		buildSvc.Shutdown(shutdownCtx)
		if err := buildSvc.Recover(shutdownCtx, "shutdown"); err != nil {
			log.Error("failed to checkpoint builds", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func sweepSessions(ctx context.Context, authSvc *auth.Service) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			authSvc.SweepSessions(ctx)
		}
	}
}
