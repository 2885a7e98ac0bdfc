package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	githubadapter "github.com/ericfisherdev/policygate/internal/adapter/driven/github"
	gitlabadapter "github.com/ericfisherdev/policygate/internal/adapter/driven/gitlab"
	"github.com/ericfisherdev/policygate/internal/adapter/driven/slogaudit"
	sqliteadapter "github.com/ericfisherdev/policygate/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/policygate/internal/adapter/driving/http"
	"github.com/ericfisherdev/policygate/internal/application"
	"github.com/ericfisherdev/policygate/internal/config"
	"github.com/ericfisherdev/policygate/internal/domain/port/driven"
	"github.com/ericfisherdev/policygate/internal/observability"
	"github.com/ericfisherdev/policygate/internal/policyconfig"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration and install the process logger.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"resync_interval", cfg.ResyncInterval,
		"concurrency", cfg.Concurrency,
		"note_backend", cfg.NoteBackend,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 4. Wire stores.
	mergeRequestStore := sqliteadapter.NewMergeRequestRepo(db)
	pipelineStore := sqliteadapter.NewPipelineRepo(db)
	policyStore := sqliteadapter.NewPolicyRepo(db)
	ruleStore := sqliteadapter.NewApprovalRuleRepo(db)
	reportStore := sqliteadapter.NewLicenseReportRepo(db)
	findingStore := sqliteadapter.NewFindingRepo(db)
	violationStore := sqliteadapter.NewViolationRepo(db)

	// 5. Note writer and audit sink.
	notes, err := newNoteWriter(ctx, cfg, db)
	if err != nil {
		return err
	}
	audit := slogaudit.New(logger)

	// 6. Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	// 7. Application services. The unenforceable rules handler runs last so
	// it sees the verdicts of the evaluators before it.
	detailsSvc := application.NewViolationDetailsService(violationStore, policyStore, findingStore)
	comments := application.NewCommentGenerator(detailsSvc, ruleStore, notes, metrics)
	policySvc := application.NewPolicyService(policyStore, mergeRequestStore, ruleStore)
	evaluators := []application.MergeRequestEvaluator{
		application.NewLicenseComplianceEvaluator(pipelineStore, reportStore, policyStore, ruleStore, violationStore, audit, comments, metrics),
		application.NewScanFindingEvaluator(pipelineStore, findingStore, ruleStore, violationStore, audit, comments, metrics),
		application.NewAnyMergeRequestEvaluator(ruleStore, violationStore, audit, comments, metrics),
		application.NewUnenforceableRulesHandler(pipelineStore, ruleStore, violationStore, audit, comments, metrics, cfg.FallbackBehavior),
	}

	// 8. Apply the startup policy file, if any.
	if cfg.PolicyFile != "" {
		if err := applyPolicyFile(ctx, policySvc, cfg.PolicyFile, cfg.PolicyProjectID); err != nil {
			return err
		}
	}

	// 9. Start the evaluation worker.
	evalSvc := application.NewEvaluationService(
		mergeRequestStore,
		pipelineStore,
		violationStore,
		policySvc,
		evaluators,
		cfg.ResyncInterval,
		cfg.Concurrency,
	)
	go evalSvc.Start(ctx)

	// 10. HTTP server.
	apiHandler := httphandler.NewHandler(httphandler.Dependencies{
		MergeRequests: mergeRequestStore,
		Pipelines:     pipelineStore,
		Policies:      policyStore,
		Rules:         ruleStore,
		Reports:       reportStore,
		Findings:      findingStore,
		PolicyService: policySvc,
		Details:       detailsSvc,
		Evaluations:   evalSvc,
		DB:            db,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("policygate started",
		"listen_addr", cfg.ListenAddr,
		"resync_interval", cfg.ResyncInterval,
		"fallback_behavior", cfg.FallbackBehavior,
	)

	// 11. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 12. Graceful shutdown with 10s timeout to drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newNoteWriter selects where bot notes are written.
func newNoteWriter(ctx context.Context, cfg *config.Config, db *sqliteadapter.DB) (driven.NoteWriter, error) {
	switch cfg.NoteBackend {
	case config.NoteBackendGitHub:
		client := githubadapter.NewClient(cfg.GitHubToken, cfg.BotUsername)
		login, err := client.AuthenticatedLogin(ctx)
		if err != nil {
			return nil, fmt.Errorf("verify github token: %w", err)
		}
		if !strings.EqualFold(login, cfg.BotUsername) {
			slog.Warn("github token belongs to a different user than the bot username",
				"login", login,
				"bot_username", cfg.BotUsername,
			)
		}
		slog.Info("github note writer created", "login", login)
		return client, nil
	case config.NoteBackendGitLab:
		client, err := gitlabadapter.NewClient(cfg.GitLabToken, cfg.GitLabBaseURL, cfg.BotUsername)
		if err != nil {
			return nil, err
		}
		slog.Info("gitlab note writer created", "base_url", cfg.GitLabBaseURL)
		return client, nil
	default:
		slog.Info("bot notes are stored locally")
		return sqliteadapter.NewNoteRepo(db), nil
	}
}

func applyPolicyFile(ctx context.Context, svc *application.PolicyService, path string, projectID int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	doc, err := policyconfig.Parse(data)
	if err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if _, err := svc.Apply(ctx, projectID, doc); err != nil {
		return err
	}
	slog.Info("policy file applied", "path", path, "project_id", projectID)
	return nil
}
