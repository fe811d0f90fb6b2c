package smoketest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
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

func newFailuresCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Smoke test: port conflict, readiness timeout, startup crash and post-ready crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			binDir, err := os.MkdirTemp("", "devnet-smoketest-bin-*")
			if err != nil {
				return err
			}
			defer func() { _ = os.RemoveAll(binDir) }()
			bins, err := buildTestApps(ctx, binDir, "http-echo", "crash-after")
			if err != nil {
				return err
			}

			steps := []struct {
				name string
				fn   func(context.Context, map[string]string, io.Writer) error
			}{
				{"port-in-use", smoketestPortInUse},
				{"readiness-timeout", smoketestReadinessTimeout},
				{"exited-during-startup", smoketestExitedDuringStartup},
				{"unexpected-exit", smoketestUnexpectedExit},
			}
			for _, s := range steps {
				if err := s.fn(ctx, bins, cmd.ErrOrStderr()); err != nil {
					return errors.Wrap(err, s.name)
				}
				log.Info().Str("case", s.name).Msg("failure case ok")
			}

			out := map[string]any{"ok": true, "cases": len(steps)}
			b, _ := json.MarshalIndent(out, "", "  ")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			log.Info().Msg("smoketest failures ok")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "Overall timeout for the smoketest")
	return cmd
}

func tempRepo() (string, func(), error) {
	dir, err := os.MkdirTemp("", "devnet-smoketest-failures-*")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func smoketestPortInUse(ctx context.Context, bins map[string]string, _ io.Writer) error {
	repoRoot, cleanup, err := tempRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	plan, err := writeRepo(repoRoot, &config.File{Services: []config.Service{
		service("full-node", bins["http-echo"], port, 5, "--port", strconv.Itoa(port)),
	}})
	if err != nil {
		return err
	}
	err = preflight.FromPlan(plan).Run(ctx)
	var pu *preflight.PortInUseError
	if !errors.As(err, &pu) {
		return errors.Errorf("expected PortInUseError, got %v", err)
	}
	return nil
}

func smoketestReadinessTimeout(ctx context.Context, bins map[string]string, w io.Writer) error {
	repoRoot, cleanup, err := tempRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	port, err := findFreeTCPPort()
	if err != nil {
		return err
	}
	plan, err := writeRepo(repoRoot, &config.File{Services: []config.Service{
		service("full-node", bins["http-echo"], port, 1, "--port", strconv.Itoa(port), "--startup-delay", "30s"),
	}})
	if err != nil {
		return err
	}

	sup := newSupervisor(repoRoot, w, nil)
	err = sup.Run(ctx, plan)
	var rt *supervise.ReadinessTimeoutError
	if !errors.As(err, &rt) {
		return errors.Errorf("expected ReadinessTimeoutError, got %v", err)
	}
	if !contains(rt.Tail, "http-echo booting") {
		return errors.Errorf("timeout tail missing boot line: %v", rt.Tail)
	}
	return assertAllDead(sup)
}

func smoketestExitedDuringStartup(ctx context.Context, bins map[string]string, w io.Writer) error {
	repoRoot, cleanup, err := tempRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	port, err := findFreeTCPPort()
	if err != nil {
		return err
	}
	plan, err := writeRepo(repoRoot, &config.File{Services: []config.Service{
		service("full-node", bins["crash-after"], port, 20, "--after", "100ms", "--code", "7"),
	}})
	if err != nil {
		return err
	}

	start := time.Now()
	sup := newSupervisor(repoRoot, w, nil)
	err = sup.Run(ctx, plan)
	var ed *supervise.ExitedDuringStartupError
	if !errors.As(err, &ed) {
		return errors.Errorf("expected ExitedDuringStartupError, got %v", err)
	}
	if ed.Exit.ExitCode == nil || *ed.Exit.ExitCode != 7 {
		return errors.Errorf("unexpected exit: %s", ed.Exit.Describe())
	}
	if time.Since(start) > 10*time.Second {
		return errors.New("startup crash was not detected promptly")
	}
	return nil
}

func smoketestUnexpectedExit(ctx context.Context, bins map[string]string, w io.Writer) error {
	repoRoot, cleanup, err := tempRepo()
	if err != nil {
		return err
	}
	defer cleanup()

	nodePort, err := findFreeTCPPort()
	if err != nil {
		return err
	}
	seqPort, err := findFreeTCPPort()
	if err != nil {
		return err
	}
	plan, err := writeRepo(repoRoot, &config.File{Services: []config.Service{
		service("full-node", bins["http-echo"], nodePort, 10, "--port", strconv.Itoa(nodePort)),
		service("sequencer", bins["crash-after"], seqPort, 10, "--port", strconv.Itoa(seqPort), "--after", "1500ms"),
	}})
	if err != nil {
		return err
	}

	sup := newSupervisor(repoRoot, w, nil)
	err = sup.Run(ctx, plan)
	var ue *supervise.UnexpectedExitError
	if !errors.As(err, &ue) {
		return errors.Errorf("expected UnexpectedExitError, got %v", err)
	}
	if ue.Service != "sequencer" {
		return errors.Errorf("expected sequencer to be blamed, got %s", ue.Service)
	}
	if _, ok := ue.Tails["full-node"]; !ok {
		return errors.New("missing full-node tail")
	}
	if _, err := os.Stat(filepath.Join(repoRoot, ".devnet", "logs")); err != nil {
		return err
	}
	return assertAllDead(sup)
}

func assertAllDead(sup *supervise.Supervisor) error {
	for _, h := range sup.Handles() {
		if state.ProcessAlive(h.PID) {
			return errors.Errorf("service %q survived teardown", h.Spec.Name)
		}
	}
	return nil
}
