package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maxpert/gitsync/admin"
	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/publisher"
	"github.com/maxpert/gitsync/scheduler"
	"github.com/maxpert/gitsync/source"
	"github.com/maxpert/gitsync/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	idlePollInterval  = 500 * time.Millisecond
	collectorInterval = 15 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mirror every configured source",
	Long: `Discovers the projects of every configured source, brings their mirrors up
to date and then follows the change stream. With --oneshot the command exits
once the initial sync of every project has finished.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&cfg.ToOverride, "to", "", "Default destination root for sources without one")
	flags.BoolVar(&cfg.OneShotOverride, "oneshot", false, "Sync every project once and exit")
	flags.IntVar(&cfg.WorkersOverride, "workers", 0, "Number of concurrent mirror workers")
	flags.BoolVar(&cfg.DryRunOverride, "dry-run", false, "Log what would be mirrored without running git")
	rootCmd.AddCommand(runCmd)
}

// sourceRuntime is one source with its publishers
type sourceRuntime struct {
	src *source.Source
	pub *publisher.Set
}

func run(ctx context.Context) error {
	if err := cfg.Load(cfg.ConfigPath); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging()
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := cfg.Config.Global
	sched := scheduler.New(g.Workers)

	sources, err := buildRuntimes(sched)
	if err != nil {
		return err
	}
	defer func() {
		for _, rt := range sources {
			rt.pub.Close()
		}
	}()

	sched.Start(ctx)

	providers := make([]telemetry.StatsProvider, len(sources))
	views := make([]admin.Source, len(sources))
	for i, rt := range sources {
		providers[i] = rt.src
		views[i] = rt.src
	}

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(providers, collectorInterval)
		collector.Start()
		defer collector.Stop()

		addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
		router := admin.NewRouter(admin.NewAdminHandlers(views), telemetry.GetMetricsHandler(), cfg.Config.Prometheus.Secret)
		go func() {
			if err := admin.Serve(ctx, addr, router); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("Admin server failed")
			}
		}()
	}

	log.Info().
		Int("sources", len(sources)).
		Int("workers", sched.Workers()).
		Bool("dry_run", g.DryRun).
		Msg("gitsync started")

	err = runSources(ctx, sources)

	sched.Stop()
	for _, rt := range sources {
		rt.src.Close()
	}
	log.Info().Msg("gitsync stopped")
	return err
}

func buildRuntimes(sched *scheduler.Scheduler) ([]sourceRuntime, error) {
	g := cfg.Config.Global
	sources := make([]sourceRuntime, 0, len(cfg.Config.Sources))
	cleanup := func() {
		for _, rt := range sources {
			rt.pub.Close()
		}
	}

	for _, sc := range cfg.Config.Sources {
		pub, err := publisher.NewSet(sc.Publishers)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}

		src, err := source.New(source.Options{
			Config:      sc,
			Scheduler:   sched,
			Publisher:   pub,
			DryRun:      g.DryRun,
			Timeout:     time.Duration(g.TimeoutSeconds) * time.Second,
			RetryDelay:  time.Duration(g.RetryDelaySeconds) * time.Second,
			MaxRetries:  g.MaxRetries,
			StreamRetry: time.Duration(g.StreamRetrySeconds) * time.Second,
		})
		if err != nil {
			pub.Close()
			cleanup()
			return nil, err
		}

		log.Info().
			Str("source", sc.Name).
			Str("type", sc.Type).
			Str("to", sc.To).
			Bool("oneshot", src.OneShot()).
			Int("publishers", pub.Len()).
			Msg("Configured source")
		sources = append(sources, sourceRuntime{src: src, pub: pub})
	}
	return sources, nil
}

// runSources runs every source. When all of them are one-shot it returns
// once every project is idle; otherwise it runs until ctx ends.
func runSources(ctx context.Context, sources []sourceRuntime) error {
	oneShot := true
	for _, rt := range sources {
		oneShot = oneShot && rt.src.OneShot()
	}

	retry := time.Duration(cfg.Config.Global.StreamRetrySeconds) * time.Second
	errs := make([]error, len(sources))
	var wg sync.WaitGroup
	for i, rt := range sources {
		wg.Add(1)
		go func(i int, src *source.Source) {
			defer wg.Done()
			errs[i] = runSource(ctx, src, retry)
		}(i, rt.src)
	}
	wg.Wait()

	if !oneShot {
		<-ctx.Done()
		return nil
	}

	var ready []*source.Source
	for i, rt := range sources {
		if errs[i] == nil {
			ready = append(ready, rt.src)
		}
	}
	waitIdle(ctx, ready)
	return errors.Join(errs...)
}

// runSource runs src, retrying failed discovery after delay unless the
// source is one-shot
func runSource(ctx context.Context, src *source.Source, delay time.Duration) error {
	for {
		err := src.Run(ctx)
		var derr *source.DiscoveryError
		if err == nil || !errors.As(err, &derr) || src.OneShot() {
			if err != nil {
				log.Error().Err(err).Str("source", src.Name()).Msg("Source failed")
			}
			return err
		}

		log.Error().Err(err).Str("source", src.Name()).Dur("delay", delay).Msg("Discovery failed, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func waitIdle(ctx context.Context, sources []*source.Source) {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		idle := true
		for _, src := range sources {
			idle = idle && src.Idle()
		}
		if idle {
			log.Info().Msg("Every project is in sync")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
