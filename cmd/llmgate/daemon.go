package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/llmgate/llmgate"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/logging"
	"github.com/llmgate/llmgate/internal/metrics"
	"github.com/llmgate/llmgate/internal/observability"
	"github.com/llmgate/llmgate/redisalloc"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel   string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the llmgate daemon",
		Long:  "Run llmgate as a long-lived process exposing limiter stats, Prometheus metrics and health over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("listen") {
				cfg.Daemon.HTTPAddr = listenAddr
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.HistogramBuckets)
			}

			var opts []llmgate.Option
			if cfg.Redis.Enabled {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				backend, err := redisalloc.New(context.Background(), client, redisalloc.Config{
					Prefix:           cfg.Cluster.Prefix,
					CleanupInterval:  time.Duration(cfg.Cluster.CleanupIntervalMs) * time.Millisecond,
					InstanceTimeout:  time.Duration(cfg.Cluster.InstanceTimeoutMs) * time.Millisecond,
					ModelCapacities:  modelCapacities(&cfg.Limiter),
					JobTypeResources: jobTypeResources(&cfg.Limiter),
				})
				if err != nil {
					return fmt.Errorf("init redis backend: %w", err)
				}
				defer backend.Close()
				opts = append(opts, llmgate.WithBackend(backend))
			}

			limiter, err := llmgate.New(&cfg.Limiter, opts...)
			if err != nil {
				return fmt.Errorf("build limiter: %w", err)
			}
			if err := limiter.Start(context.Background()); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			defer limiter.Stop()

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/stats", statsHandler(limiter))
				mux.Handle("/stats/timeseries", metrics.Global().TimeSeriesHandler())
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"status":"ok","service":"llmgate"}`))
				})
				httpServer = &http.Server{
					Addr:    cfg.Daemon.HTTPAddr,
					Handler: mux,
				}
				go func() {
					logging.Op().Info("HTTP endpoint started", "addr", cfg.Daemon.HTTPAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("HTTP server error", "error", err)
					}
				}()
			}

			logging.Op().Info("llmgate daemon started",
				"instance", limiter.GetInstanceID(),
				"clustered", cfg.Redis.Enabled)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpServer.Shutdown(ctx)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&listenAddr, "listen", ":9040", "HTTP listen address for /metrics, /stats and /health")

	return cmd
}

func statsHandler(limiter *llmgate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(limiter.GetStats())
	})
}

func modelCapacities(cfg *llmgate.Config) map[string]redisalloc.ModelCapacity {
	caps := make(map[string]redisalloc.ModelCapacity, len(cfg.Models))
	for id, m := range cfg.Models {
		caps[id] = redisalloc.ModelCapacity{
			TokensPerMinute:       m.TokensPerMinute,
			RequestsPerMinute:     m.RequestsPerMinute,
			TokensPerDay:          m.TokensPerDay,
			RequestsPerDay:        m.RequestsPerDay,
			MaxConcurrentRequests: m.MaxConcurrentRequests,
		}
	}
	return caps
}

func jobTypeResources(cfg *llmgate.Config) map[string]redisalloc.JobTypeResource {
	res := make(map[string]redisalloc.JobTypeResource, len(cfg.ResourceEstimationsPerJob))
	for id, est := range cfg.ResourceEstimationsPerJob {
		r := redisalloc.JobTypeResource{
			EstimatedTokens:   est.EstimatedUsedTokens,
			EstimatedRequests: est.EstimatedNumberOfRequests,
		}
		if est.Ratio != nil {
			r.Ratio = est.Ratio.InitialValue
		}
		res[id] = r
	}
	return res
}
