package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/devnet/pkg/events"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/go-go-golems/devnet/pkg/metrics"
	"github.com/go-go-golems/devnet/pkg/preflight"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/go-go-golems/devnet/pkg/supervise"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newUpCmd() *cobra.Command {
	var skipBuild bool
	var tailLines int
	var metricsAddr string
	var eventsFile string
	color := colorFlag(logmux.ColorAuto)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Preflight, build, launch and supervise the devnet in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			if err := checkNotRunning(opts.RepoRoot); err != nil {
				return err
			}
			cfg, plan, err := loadPlan(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			console := logmux.NewConsole(out, logmux.UseColor(logmux.ColorMode(color), out))

			logsDir := cfg.LogsDirPath(opts.RepoRoot)
			if logsDir == "" {
				logsDir = state.LogsDir(opts.RepoRoot)
			}
			runID := uuid.NewString()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			events.RegisterLogger(bus)
			if eventsFile != "" {
				journal, err := events.OpenJournal(eventsFile)
				if err != nil {
					return err
				}
				defer func() { _ = journal.Close() }()
				journal.Register(bus)
			}
			m := metrics.New()

			bgCtx, cancelBg := context.WithCancel(context.Background())
			defer cancelBg()
			g, gctx := errgroup.WithContext(bgCtx)
			g.Go(func() error { return bus.Run(gctx) })
			if metricsAddr != "" {
				g.Go(func() error { return m.Serve(gctx, metricsAddr) })
			}
			select {
			case <-bus.Running():
			case <-time.After(5 * time.Second):
				return errors.New("event bus did not start")
			}

			sup := supervise.New(supervise.Options{
				LogsDir:   logsDir,
				RunID:     runID,
				SkipBuild: skipBuild,
				TailLines: tailLines,
				Preflight: preflight.FromPlan(plan),
				Console:   console,
				Events:    &events.Emitter{Pub: bus.Publisher, RunID: runID},
				Metrics:   m,
				OnReady: func(handles []*supervise.Handle) {
					st := &state.State{
						RunID:         runID,
						RepoRoot:      opts.RepoRoot,
						SupervisorPID: os.Getpid(),
						CreatedAt:     time.Now(),
					}
					for _, h := range handles {
						st.Services = append(st.Services, h.Record())
					}
					if err := state.Save(opts.RepoRoot, st); err != nil {
						log.Warn().Err(err).Msg("save state")
					}
					console.Infof("press Ctrl-C (or run devnet down) to stop")
				},
			})

			log.Info().Str("run_id", runID).Int("services", len(plan.Services)).Msg("devnet up")
			runErr := sup.Run(ctx, plan)

			if err := state.Remove(opts.RepoRoot); err != nil {
				log.Warn().Err(err).Msg("remove state")
			}
			cancelBg()
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("background services")
			}

			if errors.Is(runErr, supervise.ErrInterrupted) {
				console.Infof("interrupted; all services stopped")
				return nil
			}
			if runErr != nil {
				supervise.Report(console, runErr)
				return reported(runErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip the configured build step")
	cmd.Flags().IntVar(&tailLines, "tail-lines", 20, "Log lines to show for failed services")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	cmd.Flags().StringVar(&eventsFile, "events-file", "", "Append lifecycle events as JSON lines to this file")
	cmd.Flags().Var(&color, "color", "Console colors: auto, always, never")
	return cmd
}

// checkNotRunning refuses to start over a live run and clears stale state.
func checkNotRunning(repoRoot string) error {
	if _, err := os.Stat(state.StatePath(repoRoot)); err != nil {
		return nil
	}
	st, err := state.Load(repoRoot)
	if err == nil && st.SupervisorPID != os.Getpid() && state.ProcessAlive(st.SupervisorPID) {
		return errors.Errorf("devnet already running (supervisor pid %d); run devnet down first", st.SupervisorPID)
	}
	log.Warn().Msg("removing stale state from a previous run")
	return state.Remove(repoRoot)
}
