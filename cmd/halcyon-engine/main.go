package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/halcyonops/halcyon/internal/approval"
	"github.com/halcyonops/halcyon/internal/collectors"
	"github.com/halcyonops/halcyon/internal/config"
	"github.com/halcyonops/halcyon/internal/engine"
	"github.com/halcyonops/halcyon/internal/executor"
	"github.com/halcyonops/halcyon/internal/graph"
	"github.com/halcyonops/halcyon/internal/ingest"
	"github.com/halcyonops/halcyon/internal/metrics"
	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/policy"
	"github.com/halcyonops/halcyon/internal/repo"
	"github.com/halcyonops/halcyon/internal/runbook"
	"github.com/halcyonops/halcyon/internal/store"
	"github.com/halcyonops/halcyon/internal/utils"
	"github.com/halcyonops/halcyon/internal/verify"
	"github.com/halcyonops/halcyon/internal/workflow"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting halcyon-engine", slog.String("environment", cfg.Environment))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	kubeClient, err := buildKubeClient(cfg.Cluster.Kubeconfig)
	if err != nil {
		logger.Error("failed to build cluster client", slog.Any("error", err))
		os.Exit(1)
	}

	recordStore, err := store.Open(store.Options{
		Path:     cfg.Storage.StorePath,
		InMemory: cfg.Storage.InMemory,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to open record store", slog.Any("error", err))
		os.Exit(1)
	}
	defer recordStore.Close()

	journal, err := workflow.OpenJournal(workflow.JournalOptions{
		Path:     cfg.Storage.JournalPath,
		InMemory: cfg.Storage.InMemory,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to open workflow journal", slog.Any("error", err))
		os.Exit(1)
	}
	defer journal.Close()

	var graphStore graph.Store
	if cfg.Graph.Backend == "arango" {
		arango, err := graph.NewArangoStore(graph.ArangoConfig{
			Endpoint: cfg.Graph.Endpoint,
			Database: cfg.Graph.Database,
			Username: cfg.Graph.Username,
			Password: cfg.Graph.Password,
			Timeout:  cfg.Graph.Timeout,
		}, logger)
		if err != nil {
			logger.Error("failed to connect evidence graph store", slog.Any("error", err))
			os.Exit(1)
		}
		graphStore = arango
	} else {
		logger.Info("using in-memory evidence graph store")
		graphStore = graph.NewMemoryStore()
	}

	lokiClient := repo.NewLokiClient(cfg.Loki.BaseURL, cfg.Loki.Timeout)
	promClient := repo.NewPrometheusClient(cfg.Prometheus.BaseURL, cfg.Prometheus.Timeout)

	registry := collectors.NewRegistry()
	registry.Register(collectors.NewClusterCollector(kubeClient, logger))
	registry.Register(collectors.NewLogsCollector(lokiClient, logger))
	registry.Register(collectors.NewMetricsCollector(promClient, logger))
	registry.Register(collectors.NewDeployCollector(kubeClient, cfg.Collection.DeployLookback, logger))

	ruleEngine := engine.NewRuleEngine(logger)
	runbookGen := runbook.NewGenerator(cfg.Grafana.BaseURL, logger)
	gate := policy.NewGate(gateConfig(cfg))
	exec := executor.New(kubeClient, recordStore, logger)
	verifier := verify.New(promClient, kubeClient, cfg.Remediation.VerificationImprovementRatio, logger)
	approver := buildApprover(cfg, logger)

	wfEngine := workflow.NewEngine(
		recordStore,
		journal,
		graphStore,
		registry,
		ruleEngine,
		nil, // hypothesis enrichment is wired by the optional LLM integration
		runbookGen,
		gate,
		exec,
		verifier,
		approver,
		workflow.Config{
			Environment:                 policy.Environment(cfg.Environment),
			CollectionDeadlineTotal:     cfg.Collection.DeadlineTotal,
			CollectionDeadlinePerSource: cfg.Collection.DeadlinePerSource,
			VerificationDelay:           cfg.Remediation.VerificationDelay,
			ApprovalTimeout:             cfg.Approval.Timeout,
			RetryBudget:                 cfg.Remediation.RetryBudget,
			FreezeActive:                cfg.Policy.FreezeActive,
			AutoApproveDev:              cfg.Approval.AutoApproveDev,
			CriticalNamespaces:          toSet(cfg.Policy.CriticalNamespaces),
		},
		logger,
	)

	normalizer := ingest.NewNormalizer(recordStore, logger)
	manager := workflow.NewManager(wfEngine, normalizer, recordStore, cfg.Remediation.Workers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx, cfg.Remediation.Workers)
	if err := manager.Resume(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("failed to resume open incidents", slog.Any("error", err))
	}

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	manager.Wait()
	logger.Info("halcyon-engine stopped")
}

func buildKubeClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	switch {
	case kubeconfigPath != "":
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	case os.Getenv("KUBECONFIG") != "":
		restConfig, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
	default:
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restConfig)
}

func gateConfig(cfg *config.Config) policy.Config {
	pc := policy.DefaultConfig()
	pc.FreezeHourStart = cfg.Policy.FreezeHourStart
	pc.FreezeHourEnd = cfg.Policy.FreezeHourEnd
	if len(cfg.Policy.ProtectedNamespaces) > 0 {
		pc.ProtectedNamespaces = toSet(cfg.Policy.ProtectedNamespaces)
	}
	if len(cfg.Policy.HighRiskActions) > 0 {
		set := make(map[models.ActionType]struct{}, len(cfg.Policy.HighRiskActions))
		for _, a := range cfg.Policy.HighRiskActions {
			set[models.ActionType(a)] = struct{}{}
		}
		pc.HighRiskActions = set
	}
	return pc
}

func buildApprover(cfg *config.Config, logger *slog.Logger) approval.Approver {
	if cfg.Approval.WebhookURL != "" {
		return approval.NewWebhookApprover(cfg.Approval.WebhookURL, cfg.Approval.DecisionURL, cfg.Approval.PollInterval, 30*time.Second)
	}
	if cfg.Environment == "dev" && cfg.Approval.AutoApproveDev {
		return approval.AutoApprover{}
	}
	logger.Warn("no approval channel configured; approval-gated actions will time out")
	return approval.UnattendedApprover{}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
