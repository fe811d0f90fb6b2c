package smoketest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-go-golems/devnet/pkg/config"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/go-go-golems/devnet/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func newLogsCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Smoke test: follow a service log and cancel promptly",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			repoRoot, err := os.MkdirTemp("", "devnet-smoketest-logs-*")
			if err != nil {
				return err
			}
			defer func() { _ = os.RemoveAll(repoRoot) }()

			bins, err := buildTestApps(ctx, filepath.Join(repoRoot, "bin"), "log-spewer")
			if err != nil {
				return err
			}
			port, err := findFreeTCPPort()
			if err != nil {
				return err
			}
			plan, err := writeRepo(repoRoot, &config.File{Services: []config.Service{
				service("spewer", bins["log-spewer"], port, 10,
					"--port", strconv.Itoa(port), "--interval", "25ms", "--lines", "0"),
			}})
			if err != nil {
				return err
			}

			runCtx, interrupt := context.WithCancel(ctx)
			defer interrupt()
			ready := make(chan []*supervise.Handle, 1)
			sup := newSupervisor(repoRoot, &lockedBuffer{}, func(hs []*supervise.Handle) { ready <- hs })
			done := make(chan error, 1)
			go func() { done <- sup.Run(runCtx, plan) }()

			var handles []*supervise.Handle
			select {
			case handles = <-ready:
			case err := <-done:
				return errors.Wrap(err, "run ended before ready")
			case <-ctx.Done():
				return errors.New("spewer did not become ready")
			}

			var buf lockedBuffer
			followCtx, followCancel := context.WithCancel(ctx)
			followed := make(chan error, 1)
			go func() { followed <- state.Follow(followCtx, handles[0].LogPath, &buf) }()

			time.Sleep(300 * time.Millisecond)
			followCancel()
			select {
			case err := <-followed:
				if err != nil {
					return err
				}
			case <-time.After(2 * time.Second):
				return errors.New("follow did not stop promptly after cancel")
			}
			if buf.Len() == 0 {
				return errors.New("expected some log output while following")
			}

			interrupt()
			if err := <-done; !errors.Is(err, supervise.ErrInterrupted) {
				return errors.Wrap(err, "expected a clean interrupt")
			}

			out := map[string]any{"ok": true, "bytes": buf.Len()}
			b, _ := json.MarshalIndent(out, "", "  ")
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			log.Info().Msg("smoketest logs ok")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout for the smoketest")
	return cmd
}
