package cmds

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/devnet/pkg/config"
	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	RepoRoot string
	Config   string
	Timeout  time.Duration
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("repo-root", "", "Repository root (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .devnet.yaml under repo-root)")
	root.PersistentFlags().Duration("timeout", 0, "Readiness timeout for every service (overrides the config)")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	repoRoot, err := cmd.Root().PersistentFlags().GetString("repo-root")
	if err != nil {
		return rootOptions{}, err
	}
	if repoRoot == "" {
		repoRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	repoRoot, err = filepath.Abs(repoRoot)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(repoRoot)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(repoRoot, cfgPath)
	}

	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout < 0 {
		return rootOptions{}, errors.New("timeout must be >= 0")
	}

	return rootOptions{RepoRoot: repoRoot, Config: cfgPath, Timeout: timeout}, nil
}

// loadPlan reads the config (or the built-in default) and resolves it into a
// validated launch plan.
func loadPlan(opts rootOptions) (*config.File, engine.LaunchPlan, error) {
	cfg, err := config.LoadOptional(opts.Config)
	if err != nil {
		return nil, engine.LaunchPlan{}, err
	}
	plan, err := cfg.Plan(opts.RepoRoot)
	if err != nil {
		return nil, engine.LaunchPlan{}, err
	}
	if opts.Timeout > 0 {
		for i := range plan.Services {
			plan.Services[i].ReadinessTimeout = opts.Timeout
		}
	}
	return cfg, plan, nil
}
