// Package main provides the audiocut command line tool, which cuts a region
// out of an audio file without running the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maauso/audiocut/internal/bootstrap"
	"github.com/maauso/audiocut/internal/config"
	"github.com/maauso/audiocut/internal/engine"
	"github.com/maauso/audiocut/internal/session"
	"github.com/maauso/audiocut/internal/storage"
)

// trimOptions holds the flags of the trim command.
type trimOptions struct {
	Input      string
	Output     string
	Start      float64
	End        float64
	ReEncode   bool
	FFmpegPath string
	Verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "audiocut",
		Short:         "Select and export regions of audio files",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.AddCommand(newTrimCmd())
	return rootCmd
}

func newTrimCmd() *cobra.Command {
	opts := &trimOptions{}

	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Cut the region [start, end) of an input file into an output file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrim(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "Input audio file")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Output file; its extension selects the container")
	cmd.Flags().Float64VarP(&opts.Start, "start", "s", 0, "Region start in seconds")
	cmd.Flags().Float64VarP(&opts.End, "end", "e", 0, "Region end in seconds")
	cmd.Flags().BoolVar(&opts.ReEncode, "reencode", false, "Re-encode for frame accurate boundaries instead of stream copy")
	cmd.Flags().StringVar(&opts.FFmpegPath, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Show engine output")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func runTrim(ctx context.Context, opts *trimOptions) error {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	inputName := filepath.Base(opts.Input)
	outputName := filepath.Base(opts.Output)
	if inputName == outputName {
		return errors.New("output file name must differ from the input file name")
	}

	data, err := os.ReadFile(opts.Input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "audiocut-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	root, err := storage.NewLocalStorage(tmpDir)
	if err != nil {
		return err
	}

	strategy := engine.StrategyStreamCopy
	if opts.ReEncode {
		strategy = engine.StrategyReEncode
	}
	cfg := &config.Config{
		FFmpegPath:           opts.FFmpegPath,
		DefaultCodecStrategy: string(strategy),
		PlaybackFrameMS:      20,
	}

	ctrl, err := bootstrap.NewSessionFactory(cfg, root, logger)(nil)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close(context.Background()) }()

	ctrl.Observe(func(ev session.Event) {
		switch ev.Type {
		case session.EventProgress:
			fmt.Fprintf(os.Stderr, "\rcutting %s: %3.0f%%", ev.Output, ev.Progress*100)
		case session.EventLog:
			logger.Debug(ev.Message)
		}
	})

	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}
	track, err := ctrl.LoadTrack(ctx, inputName, data)
	if err != nil {
		return err
	}
	if _, err := ctrl.SelectRegion(opts.Start, opts.End); err != nil {
		return fmt.Errorf("region [%g, %g) of a %.3fs track: %w", opts.Start, opts.End, track.Duration, err)
	}

	cut, err := ctrl.Cut(ctx, outputName, strategy)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	if err := os.WriteFile(opts.Output, cut, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes, %.3fs)\n", opts.Output, len(cut), opts.End-opts.Start)
	return nil
}
