// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/api"
	"github.com/growvia/tracking/pkg/attribution"
	"github.com/growvia/tracking/pkg/commission"
	"github.com/growvia/tracking/pkg/fraud"
	"github.com/growvia/tracking/pkg/log"
	"github.com/growvia/tracking/pkg/metric"
	"github.com/growvia/tracking/pkg/pipeline"
	"github.com/growvia/tracking/pkg/sanitize"
	"github.com/growvia/tracking/pkg/session"
	"github.com/growvia/tracking/pkg/storage"
	"github.com/growvia/tracking/pkg/webhook"
)

var (
	port          = flag.Int("port", 8080, "Tracking API port")
	opsPort       = flag.Int("ops-port", 9090, "Operations (health/metrics) port")
	dataDir       = flag.String("data-dir", "/tmp/trackerd", "Data directory")
	dbType        = flag.String("db", "badgerdb", "Database backend: badgerdb, memory")
	logLevel      = flag.String("log-level", "info", "Log level")
	anonymizeIP   = flag.Bool("anonymize-ip", true, "Anonymize stored IP addresses")
	retention     = flag.Duration("retention", 24*time.Hour, "Expired click retention before reaping")
	reapEvery     = flag.Duration("reap-interval", 10*time.Minute, "Reap loop interval")
	timeout       = flag.Duration("timeout", pipeline.DefaultTimeout, "Per-event pipeline timeout")
	entityFile    = flag.String("entities", "", "JSON file with organizations, affiliates and campaign rules")
	webhookSecret = flag.String("webhook-secret", "", "HMAC secret for outbound webhooks")
	webhookURLs   = flag.String("webhook-urls", "", "Webhook endpoints (comma-separated)")
	releaseMode   = flag.Bool("release", false, "Run gin in release mode")

	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	fmt.Printf("Growvia tracker (trackerd) %s (commit: %s)\n", Version, GitCommit)

	logger := log.NewWithLevel(*logLevel)
	defer logger.Sync()

	metrics, err := metric.NewMetrics()
	if err != nil {
		fmt.Printf("Failed to create metrics: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewStorage(*dbType, *dataDir)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	sanitizer := sanitize.New(sanitize.Config{
		AnonymizeIP: *anonymizeIP,
	}, logger)
	store := session.NewStore(db, *retention, logger)
	history := fraud.NewMemoryHistory()

	var hooks *webhook.Dispatcher
	if *webhookSecret != "" && *webhookURLs != "" {
		endpoints := splitList(*webhookURLs)
		hooks = webhook.NewDispatcher([]byte(*webhookSecret), endpoints, metrics, logger)
	}

	resolver := pipeline.NewStaticResolver()
	if *entityFile != "" {
		if err := loadEntities(resolver, *entityFile); err != nil {
			fmt.Printf("Failed to load entities: %v\n", err)
			os.Exit(1)
		}
	}

	orch := pipeline.NewOrchestrator(
		sanitizer,
		store,
		attribution.NewEngine(logger),
		fraud.NewEngine(history, logger),
		history,
		commission.NewCalculator(logger),
		resolver,
		pipeline.Options{
			Webhooks: hooks,
			Storage:  db,
			Metrics:  metrics,
			Timeout:  *timeout,
		},
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if hooks != nil {
		hooks.Start(ctx)
		defer hooks.Stop()
	}

	apiServer := api.NewServer(api.Config{
		APIKeys:     apiKeysFromEnv(),
		ReleaseMode: *releaseMode,
	}, orch, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: apiServer.Handler(),
	}
	go func() {
		logger.Info("tracking API listening", log.Int("port", *port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("tracking API server failed", log.Error(err))
		}
	}()

	opsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *opsPort),
		Handler: opsRouter(metrics, store),
	}
	go func() {
		logger.Info("ops server listening", log.Int("port", *opsPort))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server failed", log.Error(err))
		}
	}()

	go reapLoop(ctx, store, metrics, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracking API shutdown error", log.Error(err))
	}
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", log.Error(err))
	}
	logger.Info("daemon stopped")
}

func opsRouter(metrics *metric.Metrics, store *session.Store) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		sessions, clicks := store.Counts()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","sessions":%d,"clicks":%d}`, sessions, clicks)
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods("GET")
	return r
}

// reapLoop purges expired click windows past retention.
func reapLoop(ctx context.Context, store *session.Store, metrics *metric.Metrics, logger log.Logger) {
	ticker := time.NewTicker(*reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reaped := store.Reap(now); reaped > 0 {
				for i := 0; i < reaped; i++ {
					metrics.ClicksExpired.Inc()
				}
				logger.Debug("reaped expired clicks", log.Int("count", reaped))
			}
		}
	}
}

// loadEntities seeds the resolver from a JSON file.
func loadEntities(resolver *pipeline.StaticResolver, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg struct {
		Organizations []string `json:"organizations"`
		Affiliates    []string `json:"affiliates"`
		Campaigns     []struct {
			OrganizationID string               `json:"organization_id"`
			CampaignID     string               `json:"campaign_id"`
			Rule           *core.CommissionRule `json:"rule,omitempty"`
		} `json:"campaigns"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}

	for _, org := range cfg.Organizations {
		resolver.AddOrganization(org)
	}
	for _, aff := range cfg.Affiliates {
		resolver.AddAffiliate(aff)
	}
	for _, c := range cfg.Campaigns {
		if c.Rule != nil {
			if err := c.Rule.Validate(); err != nil {
				return fmt.Errorf("campaign %s/%s: %w", c.OrganizationID, c.CampaignID, err)
			}
		}
		resolver.AddCampaign(c.OrganizationID, c.CampaignID, c.Rule)
	}
	return nil
}

// apiKeysFromEnv reads GROWVIA_API_KEYS as key=org pairs.
func apiKeysFromEnv() map[string]string {
	raw := os.Getenv("GROWVIA_API_KEYS")
	if raw == "" {
		return nil
	}
	keys := make(map[string]string)
	for _, pair := range splitList(raw) {
		if i := strings.IndexByte(pair, '='); i > 0 {
			keys[pair[:i]] = pair[i+1:]
		}
	}
	return keys
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
