package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/llmgate/llmgate"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/logging"
)

func loadgenCmd() *cobra.Command {
	var (
		jobs     int
		workers  int
		jobType  string
		minDelay time.Duration
		maxDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Run synthetic jobs against an in-process limiter",
		Long:  "Build a limiter from the config file and push synthetic jobs through it to observe admission, queueing and refund behavior under load",
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
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if jobType == "" {
				for jt := range cfg.Limiter.ResourceEstimationsPerJob {
					jobType = jt
					break
				}
			}
			if jobType == "" {
				return fmt.Errorf("config declares no job types")
			}

			limiter, err := llmgate.New(&cfg.Limiter)
			if err != nil {
				return fmt.Errorf("build limiter: %w", err)
			}
			if err := limiter.Start(context.Background()); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			defer limiter.Stop()

			est := cfg.Limiter.ResourceEstimationsPerJob[jobType]
			var done, failed atomic.Int64
			start := time.Now()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(workers)
			for i := 0; i < jobs; i++ {
				i := i
				g.Go(func() error {
					_, err := limiter.QueueJob(ctx, llmgate.JobRequest{
						JobID:   fmt.Sprintf("loadgen-%d", i),
						JobType: jobType,
						Job:     syntheticJob(est, minDelay, maxDelay),
					})
					if err != nil {
						failed.Add(1)
						logging.Op().Debug("loadgen job failed", "job", i, "error", err)
						return nil
					}
					done.Add(1)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			elapsed := time.Since(start)
			fmt.Printf("jobs=%d done=%d failed=%d elapsed=%s rate=%.1f/s\n",
				jobs, done.Load(), failed.Load(), elapsed.Round(time.Millisecond),
				float64(done.Load())/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().IntVar(&jobs, "jobs", 100, "Number of jobs to submit")
	cmd.Flags().IntVar(&workers, "workers", 16, "Maximum concurrent submitters")
	cmd.Flags().StringVar(&jobType, "job-type", "", "Job type to submit (default: first configured)")
	cmd.Flags().DurationVar(&minDelay, "min-delay", 5*time.Millisecond, "Minimum simulated job duration")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 50*time.Millisecond, "Maximum simulated job duration")

	return cmd
}

// syntheticJob sleeps for a random duration and reports usage near the
// configured estimate so window refunds and overages both occur.
func syntheticJob(est llmgate.ResourceEstimation, minDelay, maxDelay time.Duration) llmgate.JobFunc {
	return func(ctx context.Context, inv llmgate.Invocation) (llmgate.JobResult, error) {
		d := minDelay
		if maxDelay > minDelay {
			d += rand.N(maxDelay - minDelay)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return llmgate.JobResult{}, ctx.Err()
		}

		tokens := est.EstimatedUsedTokens
		if tokens > 0 {
			// Scatter actuals between 50% and 120% of the estimate.
			tokens = tokens/2 + rand.Int64N(tokens*7/10+1)
		}
		requests := est.EstimatedNumberOfRequests
		if requests <= 0 {
			requests = 1
		}
		return llmgate.JobResult{
			Status:       llmgate.StatusDone,
			RequestCount: requests,
			Usage:        llmgate.TokenUsage{Input: tokens},
		}, nil
	}
}
