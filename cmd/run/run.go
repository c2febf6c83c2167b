package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/audiokernel/internal/conf"
	"github.com/tphakala/audiokernel/internal/logger"
	"github.com/tphakala/audiokernel/internal/monitor"
	"github.com/tphakala/audiokernel/internal/observability"
	"github.com/tphakala/audiokernel/internal/soak"
)

// shutdownTimeout bounds the final cleanup pass
const shutdownTimeout = 30 * time.Second

// summary is printed when the run ends
type summary struct {
	Pipeline soak.Report `yaml:"pipeline"`
	Shutdown struct {
		Success   bool          `yaml:"success"`
		Completed []string      `yaml:"completed"`
		Failed    []string      `yaml:"failed,omitempty"`
		Duration  time.Duration `yaml:"duration"`
	} `yaml:"shutdown"`
}

// Command creates the run command, which drives a synthetic dual-channel
// pipeline through the kernel until the duration elapses or a signal arrives.
func Command(settings *conf.Settings) *cobra.Command {
	cfg := soak.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kernel with a synthetic capture pipeline",
		Long:  "Starts the kernel, feeds it two channels of generated audio and optionally injects capture faults to exercise recovery.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, settings, cfg)
		},
	}

	if err := setupFlags(cmd, &cfg); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the run command.
func setupFlags(cmd *cobra.Command, cfg *soak.Config) error {
	cmd.Flags().DurationVar(&cfg.Duration, "duration", cfg.Duration, "How long to run, 0 runs until interrupted")
	cmd.Flags().IntVar(&cfg.FaultEvery, "fault-every", cfg.FaultEvery, "Inject a left capture fault every n frames, 0 disables")
	cmd.Flags().IntVar(&cfg.FrameSize, "frame-size", cfg.FrameSize, "Frame size in bytes")
	cmd.Flags().Float64Var(&cfg.FrameRate, "frame-rate", cfg.FrameRate, "Frames per second per channel")
	cmd.Flags().DurationVar(&cfg.QueueTimeout, "queue-timeout", cfg.QueueTimeout, "Queue put and get timeout")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func execute(cmd *cobra.Command, settings *conf.Settings, cfg soak.Config) error {
	log := logger.Global()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	k, err := monitor.New(settings, monitor.WithLogger(log), monitor.WithMetrics(m.Kernel))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if settings.Metrics.Enabled {
		endpoint, err := observability.NewEndpoint(settings, m)
		if err != nil {
			return err
		}
		g.Go(func() error { return endpoint.Run(gctx) })
	}

	var rep soak.Report
	runErr := func() error {
		if err := k.Start(gctx); err != nil {
			return err
		}
		p, err := soak.New(k, cfg, log.Module("soak"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			// the endpoint stops with the pipeline
			defer stop()
			var err error
			rep, err = p.Run(gctx)
			return err
		})
		return nil
	}()
	if runErr != nil {
		stop()
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	res, shutErr := k.Shutdown(shutdownCtx)

	var out summary
	out.Pipeline = rep
	out.Shutdown.Success = res.Success
	out.Shutdown.Completed = res.Completed
	out.Shutdown.Failed = res.Failed
	out.Shutdown.Duration = res.Duration
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("error marshaling summary: %w", err)
	}
	if _, err := cmd.OutOrStdout().Write(data); err != nil {
		return err
	}
	_ = log.Flush()

	if runErr != nil {
		return runErr
	}
	return shutErr
}
