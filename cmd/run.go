package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/finscan/internal/imagestore"
	"github.com/sells-group/finscan/internal/pipeline"
	"github.com/sells-group/finscan/internal/store"
)

var (
	runVideoID  string
	runInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <video>",
	Short: "Process a single video and wait for enrichment to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err != nil {
			return eris.Wrap(err, "stat video")
		}
		if runInterval > 0 {
			cfg.Sampler.IntervalSecs = runInterval.Seconds()
		}

		env, err := initPipeline(cmd.Context(), "run")
		if err != nil {
			return err
		}
		defer env.Close()

		videoID := runVideoID
		if videoID == "" {
			videoID = imagestore.SanitizeVideoID(filepath.Base(path))
		}

		snap, err := runVideo(cmd.Context(), env.Supervisor, pipeline.VideoRef{ID: videoID, Path: path})
		if err != nil {
			return err
		}

		recs, err := env.Store.List(cmd.Context(), store.RecordFilter{VideoID: videoID})
		if err != nil {
			return eris.Wrap(err, "list records")
		}
		fmt.Fprintln(os.Stdout, snap.Detection.Message)
		fmt.Fprintln(os.Stdout, snap.Characterization.Message)
		if len(recs) > 0 {
			fmt.Fprintln(os.Stdout, recordsTable(recs))
		}
		if snap.Detection.Errored {
			return eris.New(snap.Detection.Message)
		}
		return nil
	},
}

// runVideo starts a run and blocks until the producer and consumer exit.
// SIGINT or SIGTERM cancels the run; records not yet classified stay
// pending.
func runVideo(ctx context.Context, sup *pipeline.Supervisor, ref pipeline.VideoRef) (pipeline.Snapshot, error) {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx, ref); err != nil {
		return pipeline.Snapshot{}, eris.Wrap(err, "start run")
	}

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		return sup.Wait(gctx)
	})

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Info("interrupt received, cancelling run")
			return sup.Cancel(context.WithoutCancel(ctx))
		case <-done:
			return nil
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				s := sup.Snapshot()
				zap.L().Info("progress",
					zap.String("detection", s.Detection.Message),
					zap.String("characterization", s.Characterization.Message),
				)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return sup.Snapshot(), err
	}
	return sup.Snapshot(), nil
}

func init() {
	runCmd.Flags().StringVar(&runVideoID, "video-id", "", "identifier that scopes records and images (default: file name)")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "sampling interval (default from config)")
	rootCmd.AddCommand(runCmd)
}
