// Package preflight verifies tools, input files and ports before anything is
// spawned. A failure here leaves no orchestration state behind.
package preflight

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Checker struct {
	Tools     []string
	InputFile string
	Endpoints []engine.Endpoint

	// LookPath resolves tools; nil means exec.LookPath.
	LookPath func(file string) (string, error)
	// Listeners enumerates listening TCP ports; nil means ss, then lsof.
	Listeners ListenerSource
	// DialTimeout bounds the connect fallback.
	DialTimeout time.Duration
}

// ListenerSource reports the set of local TCP ports in LISTEN state. ok is
// false when the enumeration tooling is unavailable.
type ListenerSource func(ctx context.Context) (ports map[int]struct{}, via string, ok bool)

// FromPlan builds a checker for everything a launch plan depends on.
func FromPlan(p engine.LaunchPlan) *Checker {
	return &Checker{
		Tools:     p.RequiredTools,
		InputFile: p.InputFile,
		Endpoints: p.Endpoints(),
	}
}

// Run checks tools, then the input file, then ports, stopping at the first failure.
func (c *Checker) Run(ctx context.Context) error {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, tool := range c.Tools {
		p, err := lookPath(tool)
		if err != nil {
			return &MissingToolError{Tool: tool}
		}
		log.Debug().Str("tool", tool).Str("path", p).Msg("preflight: tool found")
	}

	if c.InputFile != "" {
		info, err := os.Stat(c.InputFile)
		if err != nil || info.IsDir() {
			return &MissingInputError{Path: c.InputFile}
		}
	}

	return c.checkPorts(ctx)
}

func (c *Checker) checkPorts(ctx context.Context) error {
	if len(c.Endpoints) == 0 {
		return nil
	}
	source := c.Listeners
	if source == nil {
		source = systemListeners(c.LookPath)
	}

	if ports, via, ok := source(ctx); ok {
		for _, ep := range c.Endpoints {
			if _, used := ports[ep.Port]; used {
				return &PortInUseError{Service: ep.Service, Host: ep.Host, Port: ep.Port, Via: via}
			}
		}
		return nil
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	for _, ep := range c.Endpoints {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "preflight")
		}
		if portAnswers(ctx, ep, timeout) {
			return &PortInUseError{Service: ep.Service, Host: ep.Host, Port: ep.Port, Via: "dial"}
		}
	}
	return nil
}

func portAnswers(ctx context.Context, ep engine.Endpoint, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(engine.DialHost(ep.Host), strconv.Itoa(ep.Port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func systemListeners(lookPath func(string) (string, error)) ListenerSource {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return func(ctx context.Context) (map[int]struct{}, string, bool) {
		if p, err := lookPath("ss"); err == nil {
			// #nosec G204 -- fixed arguments.
			out, err := exec.CommandContext(ctx, p, "-H", "-t", "-l", "-n").Output()
			if err == nil {
				return ParseSS(out), "ss", true
			}
			log.Debug().Err(err).Msg("preflight: ss failed, trying lsof")
		}
		if p, err := lookPath("lsof"); err == nil {
			// #nosec G204 -- fixed arguments.
			out, err := exec.CommandContext(ctx, p, "-nP", "-iTCP", "-sTCP:LISTEN", "-Fn").Output()
			// lsof exits 1 when nothing matches.
			var ee *exec.ExitError
			if err == nil || (errors.As(err, &ee) && ee.ExitCode() == 1) {
				return ParseLsof(out), "lsof", true
			}
			log.Debug().Err(err).Msg("preflight: lsof failed, falling back to dial")
		}
		return nil, "", false
	}
}

// ParseSS reads `ss -Htln` output: State Recv-Q Send-Q Local:Port Peer:Port.
func ParseSS(out []byte) map[int]struct{} {
	ports := map[int]struct{}{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		local := fields[3]
		if fields[0] == "State" {
			continue
		}
		if p, ok := portOf(local); ok {
			ports[p] = struct{}{}
		}
	}
	return ports
}

// ParseLsof reads `lsof -Fn` output, where name lines look like n127.0.0.1:8545.
func ParseLsof(out []byte) map[int]struct{} {
	ports := map[int]struct{}{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "n") {
			continue
		}
		if p, ok := portOf(line[1:]); ok {
			ports[p] = struct{}{}
		}
	}
	return ports
}

func portOf(addr string) (int, bool) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 || i == len(addr)-1 {
		return 0, false
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}
