package smoketest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-go-golems/devnet/pkg/config"
	"github.com/go-go-golems/devnet/pkg/preflight"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/go-go-golems/devnet/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newE2ECmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "Smoke test: build test apps, bring up two services in order, check state and logs, interrupt",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			repoRoot, err := os.MkdirTemp("", "devnet-smoketest-e2e-*")
			if err != nil {
				return err
			}
			defer func() { _ = os.RemoveAll(repoRoot) }()

			bins, err := buildTestApps(ctx, filepath.Join(repoRoot, "bin"), "http-echo")
			if err != nil {
				return err
			}
			nodePort, err := findFreeTCPPort()
			if err != nil {
				return err
			}
			seqPort, err := findFreeTCPPort()
			if err != nil {
				return err
			}

			plan, err := writeRepo(repoRoot, &config.File{
				Env: map[string]string{"RUST_LOG": "info"},
				Services: []config.Service{
					// The node has no /health route, so readiness falls through to the JSON-RPC ping.
					service("full-node", bins["http-echo"], nodePort, 10,
						"--port", strconv.Itoa(nodePort), "--startup-delay", "300ms", "--health=false"),
					service("sequencer", bins["http-echo"], seqPort, 10,
						"--port", strconv.Itoa(seqPort)),
				},
			})
			if err != nil {
				return err
			}
			if err := preflight.FromPlan(plan).Run(ctx); err != nil {
				return err
			}

			runCtx, interrupt := context.WithCancel(ctx)
			defer interrupt()
			ready := make(chan []*supervise.Handle, 1)
			sup := newSupervisor(repoRoot, cmd.ErrOrStderr(), func(hs []*supervise.Handle) {
				st := &state.State{RunID: "smoketest", RepoRoot: repoRoot, SupervisorPID: os.Getpid(), CreatedAt: time.Now()}
				for _, h := range hs {
					st.Services = append(st.Services, h.Record())
				}
				if err := state.Save(repoRoot, st); err != nil {
					log.Warn().Err(err).Msg("save state")
				}
				ready <- hs
			})
			done := make(chan error, 1)
			go func() { done <- sup.Run(runCtx, plan) }()

			var handles []*supervise.Handle
			select {
			case handles = <-ready:
			case err := <-done:
				return errors.Wrap(err, "run ended before ready")
			case <-ctx.Done():
				return errors.New("services did not become ready")
			}
			if handles[0].StartedAt.After(handles[1].StartedAt) {
				return errors.New("sequencer launched before full-node")
			}

			st, err := state.Load(repoRoot)
			if err != nil {
				return err
			}
			for _, rec := range st.Services {
				if !state.ProcessAlive(rec.PID) {
					return errors.Errorf("service %q is not alive", rec.Name)
				}
			}

			time.Sleep(300 * time.Millisecond)
			tail, err := state.TailLines(handles[0].LogPath, 50, 0)
			if err != nil {
				return err
			}
			rustLog := os.Getenv("RUST_LOG")
			if rustLog == "" {
				rustLog = "info"
			}
			if !contains(tail, "RUST_LOG="+rustLog) || !contains(tail, "rpc eth_chainId") {
				return errors.Errorf("unexpected full-node log: %v", tail)
			}

			interrupt()
			select {
			case err := <-done:
				if !errors.Is(err, supervise.ErrInterrupted) {
					return errors.Wrap(err, "expected a clean interrupt")
				}
			case <-ctx.Done():
				return errors.New("teardown did not finish")
			}
			_ = state.Remove(repoRoot)

			for _, h := range handles {
				if state.ProcessAlive(h.PID) {
					return errors.Errorf("service %q survived teardown", h.Spec.Name)
				}
				info, err := state.ReadExitInfo(h.ExitPath)
				if err != nil {
					return err
				}
				if !info.Terminated {
					return errors.Errorf("service %q exit not attributed to teardown", h.Spec.Name)
				}
			}

			out := map[string]any{"ok": true, "repo_root": repoRoot, "services": len(plan.Services)}
			b, _ := json.MarshalIndent(out, "", "  ")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			log.Info().Msg("smoketest e2e ok")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Overall timeout for the smoketest")
	return cmd
}
