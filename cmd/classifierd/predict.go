package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-classifier/classifier"
)

var predictTimeout time.Duration

var predictCmd = &cobra.Command{
	Use:   "predict IMAGE...",
	Short: "Start the pool, classify the given images and exit",
	Long: `Starts the worker pool, runs one prediction per image (at most pool-size
at a time) and prints one JSON result per line in argument order. Exits
non-zero if any prediction failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc := classifier.New(classifier.FromConfig(cfg))
		if err := svc.Initialize(ctx); err != nil {
			return err
		}
		defer svc.Cleanup()

		results := predictAll(ctx, svc, args, cfg.Pool.Size, predictTimeout)

		enc := json.NewEncoder(cmd.OutOrStdout())
		failed := 0
		for _, res := range results {
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d predictions failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	predictCmd.Flags().DurationVar(&predictTimeout, "timeout", 0, "Per-image prediction timeout (0: worker defaults)")
}

type predictor interface {
	PredictJob(ctx context.Context, job classifier.Job) classifier.Result
}

// predictAll runs the images with at most limit in flight. Results keep the
// argument order.
func predictAll(ctx context.Context, svc predictor, images []string, limit int, timeout time.Duration) []classifier.Result {
	results := make([]classifier.Result, len(images))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, img := range images {
		g.Go(func() error {
			path := img
			if abs, err := filepath.Abs(img); err == nil {
				path = abs
			}
			if _, err := os.Stat(path); err != nil {
				results[i] = classifier.Result{Error: err.Error(), Code: classifier.CodePredictionFailed, WorkerID: -1}
				return nil
			}
			results[i] = svc.PredictJob(ctx, classifier.Job{ImagePath: path, Timeout: timeout})
			return nil
		})
	}
	_ = g.Wait()

	return results
}
