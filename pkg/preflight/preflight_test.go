package preflight

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func noListenerTools(ctx context.Context) (map[int]struct{}, string, bool) {
	return nil, "", false
}

func listenEphemeral(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, port := listenEphemeral(t)
	require.NoError(t, ln.Close())
	return port
}

func TestRun_MissingTool(t *testing.T) {
	c := &Checker{Tools: []string{"bash", "definitely-not-a-real-tool-xyz"}}
	err := c.Run(context.Background())

	var mt *MissingToolError
	require.True(t, errors.As(err, &mt))
	require.Equal(t, "definitely-not-a-real-tool-xyz", mt.Tool)
}

func TestRun_MissingInput(t *testing.T) {
	c := &Checker{InputFile: filepath.Join(t.TempDir(), "genesis.json")}
	err := c.Run(context.Background())

	var mi *MissingInputError
	require.True(t, errors.As(err, &mi))
	require.Contains(t, err.Error(), "genesis.json")
}

func TestRun_InputIsDirectory(t *testing.T) {
	c := &Checker{InputFile: t.TempDir()}
	var mi *MissingInputError
	require.True(t, errors.As(c.Run(context.Background()), &mi))
}

func TestRun_PortInUse_DialFallback(t *testing.T) {
	ln, port := listenEphemeral(t)
	defer func() { _ = ln.Close() }()

	genesis := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, os.WriteFile(genesis, []byte("{}"), 0o644))

	c := &Checker{
		InputFile: genesis,
		Endpoints: []engine.Endpoint{
			{Service: "free", Host: "127.0.0.1", Port: freePort(t)},
			{Service: "busy", Host: "127.0.0.1", Port: port},
		},
		Listeners: noListenerTools,
	}
	err := c.Run(context.Background())

	var pe *PortInUseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "busy", pe.Service)
	require.Equal(t, port, pe.Port)
	require.Equal(t, "dial", pe.Via)
	require.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}

func TestRun_PortsFree(t *testing.T) {
	c := &Checker{
		Endpoints: []engine.Endpoint{{Service: "a", Host: "0.0.0.0", Port: freePort(t)}},
		Listeners: noListenerTools,
	}
	require.NoError(t, c.Run(context.Background()))
}

func TestRun_PrefersEnumeration(t *testing.T) {
	dialed := false
	c := &Checker{
		Endpoints: []engine.Endpoint{{Service: "node", Host: "127.0.0.1", Port: 8545}},
		Listeners: func(ctx context.Context) (map[int]struct{}, string, bool) {
			dialed = true
			return map[int]struct{}{8545: {}}, "ss", true
		},
	}
	var pe *PortInUseError
	require.True(t, errors.As(c.Run(context.Background()), &pe))
	require.Equal(t, "ss", pe.Via)
	require.True(t, dialed)
}

func TestRun_SystemListenersDetectRealSocket(t *testing.T) {
	ln, port := listenEphemeral(t)
	defer func() { _ = ln.Close() }()

	c := &Checker{Endpoints: []engine.Endpoint{{Service: "busy", Host: "127.0.0.1", Port: port}}}
	var pe *PortInUseError
	require.True(t, errors.As(c.Run(context.Background()), &pe))
	require.Equal(t, port, pe.Port)
}

func TestParseSS(t *testing.T) {
	out := []byte(`LISTEN 0      4096       127.0.0.1:8545       0.0.0.0:*
LISTEN 0      128          0.0.0.0:22         0.0.0.0:*
LISTEN 0      4096            [::]:1739          [::]:*
LISTEN 0      4096               *:9090             *:*
`)
	ports := ParseSS(out)
	require.Len(t, ports, 4)
	for _, p := range []int{8545, 22, 1739, 9090} {
		require.Contains(t, ports, p)
	}
}

func TestParseLsof(t *testing.T) {
	out := []byte("p1234\nf5\nn127.0.0.1:8545\np99\nf7\nn*:1739\nn[::1]:3000\n")
	ports := ParseLsof(out)
	require.Equal(t, map[int]struct{}{8545: {}, 1739: {}, 3000: {}}, ports)
}
