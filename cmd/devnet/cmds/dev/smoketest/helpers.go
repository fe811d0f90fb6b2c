package smoketest

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/go-go-golems/devnet/pkg/config"
	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/go-go-golems/devnet/pkg/supervise"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

func findDevnetRootFromCaller() string {
	_, thisFile, _, ok := goruntime.Caller(0)
	if !ok {
		wd, _ := os.Getwd()
		return wd
	}
	// this file: cmd/devnet/cmds/dev/smoketest/helpers.go
	return filepath.Clean(filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "..", ".."))
}

func buildTestApp(ctx context.Context, devnetRoot string, pkg string, outPath string) error {
	c := exec.CommandContext(ctx, "go", "build", "-o", outPath, pkg)
	c.Dir = devnetRoot
	c.Env = append(os.Environ(), "GOWORK=off")
	b, err := c.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "build %s: %s", pkg, string(b))
	}
	return nil
}

// buildTestApps compiles the named testapps into binDir and returns their paths.
func buildTestApps(ctx context.Context, binDir string, names ...string) (map[string]string, error) {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, err
	}
	root := findDevnetRootFromCaller()
	out := map[string]string{}
	for _, name := range names {
		bin := filepath.Join(binDir, name)
		if err := buildTestApp(ctx, root, "./testapps/cmd/"+name, bin); err != nil {
			return nil, err
		}
		out[name] = bin
	}
	return out, nil
}

func findFreeTCPPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = ln.Close() }()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0, err
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if port <= 0 {
		return 0, errors.New("failed to allocate port")
	}
	return port, nil
}

// writeRepo lays out a throwaway repo root with a genesis file and a
// .devnet.yaml holding cfg, then resolves it the way `devnet up` does.
func writeRepo(repoRoot string, cfg *config.File) (engine.LaunchPlan, error) {
	if cfg.Genesis == "" {
		cfg.Genesis = "genesis.json"
	}
	if err := os.WriteFile(filepath.Join(repoRoot, cfg.Genesis), []byte(`{"config":{"chainId":1}}`), 0o644); err != nil {
		return engine.LaunchPlan{}, err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return engine.LaunchPlan{}, errors.Wrap(err, "marshal config")
	}
	path := config.DefaultPath(repoRoot)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return engine.LaunchPlan{}, err
	}
	loaded, err := config.LoadFromFile(path)
	if err != nil {
		return engine.LaunchPlan{}, err
	}
	return loaded.Plan(repoRoot)
}

func service(name, bin string, port int, timeout float64, args ...string) config.Service {
	return config.Service{
		Name:             name,
		Host:             "127.0.0.1",
		Port:             port,
		HealthPath:       "/health",
		PingMethod:       "eth_chainId",
		Command:          bin,
		Args:             args,
		ReadinessTimeout: timeout,
		PollInterval:     0.1,
	}
}

func newSupervisor(repoRoot string, w io.Writer, onReady func([]*supervise.Handle)) *supervise.Supervisor {
	return supervise.New(supervise.Options{
		LogsDir:         filepath.Join(repoRoot, ".devnet", "logs"),
		RunID:           "smoketest",
		ShutdownTimeout: 2 * time.Second,
		Console:         logmux.NewConsole(w, false),
		OnReady:         onReady,
	})
}

func contains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}
