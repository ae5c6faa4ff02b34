package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/averitt/tollgate/internal/admission"
	"github.com/averitt/tollgate/internal/api"
	"github.com/averitt/tollgate/internal/breaker"
	"github.com/averitt/tollgate/internal/cache"
	"github.com/averitt/tollgate/internal/config"
	"github.com/averitt/tollgate/internal/gateway"
	"github.com/averitt/tollgate/internal/ledger"
	"github.com/averitt/tollgate/internal/metrics"
	"github.com/averitt/tollgate/internal/payment"
	"github.com/averitt/tollgate/internal/pricing"
	"github.com/averitt/tollgate/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tollgate gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	// Ledger: batched fire-and-forget request records.
	ledgerStore := ledger.NewStore(pool)
	collector := ledger.NewCollector(ledgerStore, cfg.Ledger.BatchSize, cfg.Ledger.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	// Cache: memory tier plus the configured persistent backend.
	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "postgres":
		backend = cache.NewPGStore(pool)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		backend = cache.NewRedisStore(rdb)
	case "none":
		// Memory-only.
	}
	tiered := cache.NewTiered(cache.Options{
		Backend:       backend,
		DegradePolicy: cache.DegradePolicy(cfg.Cache.DegradePolicy),
		SweepInterval: cfg.Cache.SweepInterval,
		ProbeInterval: cfg.Cache.ProbeInterval,
	})
	tiered.SetMetrics(m)
	go tiered.Run(ctx)

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		CallTimeout:      cfg.Breaker.CallTimeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})
	breakers.SetMetrics(m)

	var verifier payment.ProofVerifier
	switch cfg.Payment.Mode {
	case "permissive":
		slog.Warn("payment verification is permissive; do not use in production")
		verifier = payment.PermissiveVerifier{}
	default:
		verifier = payment.NewSignatureVerifier(cfg.Payment.MaxProofAge, nil)
	}
	gate := payment.NewGate(payment.Terms{
		Recipient:      cfg.Payment.Recipient,
		Network:        cfg.Payment.Network,
		ChainID:        cfg.Payment.ChainID,
		Token:          cfg.Payment.Token,
		Currency:       cfg.Payment.Currency,
		FacilitatorURL: cfg.Payment.FacilitatorURL,
	}, verifier)

	ctrl := admission.New(admission.Options{
		ShortLimit:    cfg.Admission.ShortLimit,
		ShortWindow:   cfg.Admission.ShortWindow,
		LongLimit:     cfg.Admission.LongLimit,
		LongWindow:    cfg.Admission.LongWindow,
		LongOverrides: cfg.Admission.AgentDailyLimits,
	})
	go ctrl.Run(ctx)

	catalog := buildCatalog(cfg.Upstreams)
	slog.Info("upstream catalog loaded", "endpoints", len(cfg.Upstreams))

	pipeline := gateway.NewPipeline(catalog, tiered, breakers, gate, pricing.NewEngine())
	pipeline.SetAccounts(ledgerStore)
	pipeline.SetRecorder(collector)
	pipeline.SetMetrics(m)

	admin := gateway.NewAdminHandler(catalog, tiered, breakers)
	admin.SetReputation(ledgerStore, ledgerStore)

	if cfg.Server.AdminKey == "" {
		slog.Warn("admin_key is not configured; admin routes will reject every request")
	}

	router := api.NewRouter(api.RouterDeps{
		Pipeline:    pipeline,
		Admin:       admin,
		Admission:   ctrl,
		Metrics:     m,
		AdminKey:    cfg.Server.AdminKey,
		CORSOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}

// buildCatalog turns the config's upstream entries into priced endpoints with
// HTTP adapters.
func buildCatalog(entries []config.UpstreamConfig) *upstream.Catalog {
	endpoints := make([]*upstream.Endpoint, 0, len(entries))
	for _, u := range entries {
		namespace := u.Namespace
		if namespace == "" {
			namespace = u.Name
		}
		ttl := u.TTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		endpoints = append(endpoints, &upstream.Endpoint{
			Name:        u.Name,
			Price:       u.Price,
			Description: u.Description,
			Namespace:   namespace,
			TTL:         ttl,
			Adapter:     upstream.NewHTTPAdapter(u.Name, u.Endpoint, nil),
		})
	}
	return upstream.NewCatalog(endpoints)
}
