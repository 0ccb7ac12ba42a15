// Command reel runs the capture pipeline against the synthetic pattern
// source: frames are rendered with a selectable effect, preview delivery is
// logged, and an optional fMP4 recording is written for a configured span.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/capture"
	"github.com/zsiec/reel/dispatch"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/record"
	"github.com/zsiec/reel/render"
	"github.com/zsiec/reel/source"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "reel",
		Short:   "Live capture pipeline with pluggable per-frame effects and fMP4 recording",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.Int("width", 640, "source frame width")
	flags.Int("height", 360, "source frame height")
	flags.Int("fps", 30, "source frame rate")
	flags.String("renderer", string(render.VariantRosy), "renderer variant: rosy, parallel, graph, resample")
	flags.Int("budget", capture.DefaultRetainedBufferBudget, "retained-buffer budget")
	flags.String("output", "", "record to this file (empty disables recording)")
	flags.Duration("duration", 5*time.Second, "how long to run")
	flags.Bool("debug", false, "enable debug logging")

	v.SetEnvPrefix("REEL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	level := slog.LevelInfo
	if v.GetBool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	src := source.NewPattern(source.PatternConfig{
		Width:  v.GetInt("width"),
		Height: v.GetInt("height"),
		FPS:    v.GetInt("fps"),
	})

	renderer, err := render.New(render.Config{Variant: render.Variant(v.GetString("renderer"))})
	if err != nil {
		return err
	}

	delegateQueue := dispatch.New("delegate")
	defer delegateQueue.Close()

	fps := v.GetInt("fps")
	pipe, err := capture.New(capture.Config{
		Source:               src,
		Renderer:             renderer,
		Delegate:             &loggingDelegate{log: slog.With("component", "delegate")},
		DelegateQueue:        delegateQueue,
		RetainedBufferBudget: v.GetInt("budget"),
		VideoSettings: record.VideoSettings{
			FrameDuration: time.Second / time.Duration(fps),
		},
	})
	if err != nil {
		return err
	}

	if err := pipe.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		if output := v.GetString("output"); output != "" {
			// Let the first frames flow so track formats are known.
			time.Sleep(500 * time.Millisecond)
			if err := pipe.StartRecording(output); err != nil {
				return err
			}
		}
		select {
		case <-time.After(v.GetDuration("duration")):
		case <-ctx.Done():
		}
		pipe.StopRecording()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		pipe.Stop()
		return err
	}

	pipe.Stop()

	stats := pipe.Stats()
	slog.Info("pipeline finished",
		"received", stats.FramesReceived,
		"rendered", stats.FramesRendered,
		"previewDropped", stats.PreviewDropped,
		"starved", stats.RenderStarved,
		"fps", fmt.Sprintf("%.1f", stats.FrameRate),
	)
	return nil
}

// loggingDelegate consumes pipeline notifications, releasing each preview
// frame immediately after logging it.
type loggingDelegate struct {
	log *slog.Logger
}

func (d *loggingDelegate) PreviewFrameReady(f *media.Frame) {
	d.log.Debug("preview frame", "seq", f.Seq, "pts", f.PTS)
	f.Release()
}

func (d *loggingDelegate) RanOutOfPreviewBuffers() {
	d.log.Warn("ran out of preview buffers")
}

func (d *loggingDelegate) RecordingStarted() { d.log.Info("recording started") }

func (d *loggingDelegate) RecordingWillStop() { d.log.Info("recording will stop") }

func (d *loggingDelegate) RecordingStopped() { d.log.Info("recording stopped") }

func (d *loggingDelegate) RecordingFailed(err error) {
	d.log.Error("recording failed", "error", err)
}

func (d *loggingDelegate) PipelineStoppedWithError(err error) {
	d.log.Error("pipeline stopped", "error", err)
}
