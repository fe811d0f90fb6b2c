package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFilename = ".devnet.yaml"
	DefaultEnvFile        = ".env"

	DefaultReadinessTimeout = 60 * time.Second
	DefaultPollInterval     = 1 * time.Second
)

type File struct {
	Genesis       string            `yaml:"genesis" toml:"genesis"`
	EnvFile       string            `yaml:"env_file,omitempty" toml:"env_file,omitempty"`
	RequiredTools []string          `yaml:"required_tools,omitempty" toml:"required_tools,omitempty"`
	LogsDir       string            `yaml:"logs_dir,omitempty" toml:"logs_dir,omitempty"`
	Build         *Build            `yaml:"build,omitempty" toml:"build,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Defaults      Defaults          `yaml:"defaults,omitempty" toml:"defaults,omitempty"`
	Services      []Service         `yaml:"services" toml:"services"`
}

// Defaults holds per-service timing fallbacks, in seconds.
type Defaults struct {
	ReadinessTimeout float64 `yaml:"readiness_timeout,omitempty" toml:"readiness_timeout,omitempty"`
	PollInterval     float64 `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
}

type Build struct {
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" toml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
}

type Service struct {
	Name       string            `yaml:"name" toml:"name"`
	Host       string            `yaml:"host,omitempty" toml:"host,omitempty"`
	Port       int               `yaml:"port" toml:"port"`
	BaseURL    string            `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	HealthPath string            `yaml:"health_path,omitempty" toml:"health_path,omitempty"`
	PingMethod string            `yaml:"ping_method,omitempty" toml:"ping_method,omitempty"`
	Cwd        string            `yaml:"cwd,omitempty" toml:"cwd,omitempty"`
	Command    string            `yaml:"command" toml:"command"`
	Args       []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`

	ReadinessTimeout float64 `yaml:"readiness_timeout,omitempty" toml:"readiness_timeout,omitempty"`
	PollInterval     float64 `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
}

func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, DefaultConfigFilename)
}

// LoadFromFile parses a YAML config, or TOML when the file ends in .toml.
func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return nil, errors.Wrap(err, "parse config toml")
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	return &cfg, nil
}

// LoadOptional falls back to the built-in devnet layout when path does not exist.
func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

// Default is a full node followed by a sequencer that pushes blocks to it.
func Default() *File {
	return &File{
		Genesis:       "cmd/mojave/networks/testnet/genesis.json",
		EnvFile:       DefaultEnvFile,
		RequiredTools: []string{"cargo"},
		Build: &Build{
			Command: "cargo",
			Args:    []string{"build", "--release", "--bin", "mojave-full-node", "--bin", "mojave-sequencer"},
		},
		Env: map[string]string{
			"RUST_LOG":       "info",
			"RUST_BACKTRACE": "1",
		},
		Services: []Service{
			{
				Name:       "full-node",
				Host:       "127.0.0.1",
				Port:       8545,
				HealthPath: "/health",
				PingMethod: "eth_chainId",
				Command:    "target/release/mojave-full-node",
				Args: []string{
					"init",
					"--network", "${GENESIS}",
					"--http.addr", "0.0.0.0",
					"--http.port", "8545",
					"--sequencer.address", "0.0.0.0:1739",
				},
			},
			{
				Name:       "sequencer",
				Host:       "127.0.0.1",
				Port:       1739,
				HealthPath: "/health",
				PingMethod: "eth_chainId",
				Command:    "target/release/mojave-sequencer",
				Args: []string{
					"init",
					"--network", "${GENESIS}",
					"--http.addr", "0.0.0.0",
					"--http.port", "1739",
					"--full_node.addresses", "0.0.0.0:8545",
				},
			},
		},
	}
}

// LogsDirPath resolves the configured logs dir against the repo root.
func (f *File) LogsDirPath(repoRoot string) string {
	if f.LogsDir == "" {
		return ""
	}
	return resolve(repoRoot, f.LogsDir)
}

// Plan turns the file into a validated launch plan. Relative paths resolve
// against repoRoot and ${GENESIS} / ${REPO_ROOT} expand in commands and args.
func (f *File) Plan(repoRoot string) (engine.LaunchPlan, error) {
	if repoRoot == "" {
		return engine.LaunchPlan{}, errors.New("missing repo root")
	}

	if strings.TrimSpace(f.Genesis) == "" {
		return engine.LaunchPlan{}, errors.New("invalid config: genesis is required")
	}
	genesis := resolve(repoRoot, f.Genesis)
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			switch key {
			case "GENESIS":
				return genesis
			case "REPO_ROOT":
				return repoRoot
			default:
				return "${" + key + "}"
			}
		})
	}

	defReady := seconds(f.Defaults.ReadinessTimeout, DefaultReadinessTimeout)
	defPoll := seconds(f.Defaults.PollInterval, DefaultPollInterval)

	plan := engine.LaunchPlan{
		RequiredTools: append([]string{}, f.RequiredTools...),
		InputFile:     genesis,
		DiagEnv:       copyEnv(f.Env),
	}
	if f.EnvFile != "" {
		plan.EnvFile = resolve(repoRoot, f.EnvFile)
	}
	if f.Build != nil && f.Build.Command != "" {
		cmd := append([]string{expandCommand(repoRoot, expand(f.Build.Command))}, expandAll(expand, f.Build.Args)...)
		plan.Build = &engine.BuildStep{
			Command: cmd,
			Cwd:     resolveCwd(repoRoot, f.Build.Cwd),
			Env:     copyEnv(f.Build.Env),
		}
	}

	for _, s := range f.Services {
		host := s.Host
		if host == "" {
			host = "127.0.0.1"
		}
		var command []string
		if s.Command != "" {
			command = append([]string{expandCommand(repoRoot, expand(s.Command))}, expandAll(expand, s.Args)...)
		}
		plan.Services = append(plan.Services, engine.ServiceSpec{
			Name:             s.Name,
			Host:             host,
			Port:             s.Port,
			BaseURL:          s.BaseURL,
			HealthPath:       s.HealthPath,
			PingMethod:       s.PingMethod,
			Cwd:              resolveCwd(repoRoot, s.Cwd),
			Command:          command,
			Env:              copyEnv(s.Env),
			ReadinessTimeout: seconds(s.ReadinessTimeout, defReady),
			PollInterval:     seconds(s.PollInterval, defPoll),
		})
	}

	if err := engine.Validate(plan); err != nil {
		return engine.LaunchPlan{}, errors.Wrap(err, "invalid config")
	}
	return plan, nil
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func resolveCwd(root, cwd string) string {
	if cwd == "" {
		return root
	}
	return resolve(root, cwd)
}

// expandCommand anchors relative executable paths (./bin/x, target/release/x)
// at the repo root; bare names are left for PATH lookup.
func expandCommand(root, cmd string) string {
	if strings.ContainsRune(cmd, filepath.Separator) && !filepath.IsAbs(cmd) {
		return filepath.Join(root, cmd)
	}
	return cmd
}

func expandAll(expand func(string) string, in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, expand(s))
	}
	return out
}

func copyEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
