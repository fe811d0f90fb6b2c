package supervise

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := serverPort(t, ln.Addr())
	require.NoError(t, ln.Close())
	return port
}

func probeSpec(port int, timeout, interval time.Duration) engine.ServiceSpec {
	return engine.ServiceSpec{
		Name:             "node",
		Host:             "127.0.0.1",
		Port:             port,
		HealthPath:       "/health",
		PingMethod:       "eth_chainId",
		ReadinessTimeout: timeout,
		PollInterval:     interval,
	}
}

func TestProber_ReadyOnFirstAttemptWithoutSleeping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	p := NewProber(m)
	start := time.Now()
	res, err := p.Wait(context.Background(), probeSpec(serverPort(t, srv.Listener.Addr()), 30*time.Second, 10*time.Second), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, StageHTTP, res.Stage)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.ProbeAttempts.WithLabelValues("node", StageTCP)))
	require.Equal(t, 0.0, testutil.ToFloat64(m.ProbeAttempts.WithLabelValues("node", StagePing)))
}

func TestProber_NotFoundAndMethodNotAllowedCountAsReady(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusMethodNotAllowed} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		res, err := NewProber(nil).Wait(context.Background(), probeSpec(serverPort(t, srv.Listener.Addr()), 5*time.Second, 50*time.Millisecond), nil)
		srv.Close()
		require.NoError(t, err, "status %d", code)
		require.Equal(t, StageHTTP, res.Stage)
	}
}

func TestProber_FallsBackToJSONRPCPing(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req struct {
			JSONRPC string `json:"jsonrpc"`
			Method  string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotMethod = req.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	res, err := NewProber(nil).Wait(context.Background(), probeSpec(serverPort(t, srv.Listener.Addr()), 5*time.Second, 50*time.Millisecond), nil)
	require.NoError(t, err)
	require.Equal(t, StagePing, res.Stage)
	require.Equal(t, "eth_chainId", gotMethod)
}

func TestProber_RPCErrorObjectStillCountsAsReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	res, err := NewProber(nil).Wait(context.Background(), probeSpec(serverPort(t, srv.Listener.Addr()), 5*time.Second, 50*time.Millisecond), nil)
	require.NoError(t, err)
	require.Equal(t, StagePing, res.Stage)
}

func TestProber_NonRPCBodyIsNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("<html>proxy</html>"))
	}))
	defer srv.Close()

	_, err := NewProber(nil).Wait(context.Background(), probeSpec(serverPort(t, srv.Listener.Addr()), 400*time.Millisecond, 50*time.Millisecond), nil)
	var rt *ReadinessTimeoutError
	require.ErrorAs(t, err, &rt)
	require.Contains(t, rt.LastErr.Error(), "ping")
}

func TestProber_TimeoutKeepsLastFullAttemptReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// The only sleep ends exactly at the deadline.
	_, err := NewProber(nil).Wait(context.Background(), probeSpec(serverPort(t, srv.Listener.Addr()), 300*time.Millisecond, 300*time.Millisecond), nil)
	var rt *ReadinessTimeoutError
	require.ErrorAs(t, err, &rt)
	require.Equal(t, 1, rt.Attempts)
	require.Contains(t, rt.LastErr.Error(), "ping")
}

func TestProber_TimesOutAtDeadline(t *testing.T) {
	spec := probeSpec(freePort(t), 500*time.Millisecond, 100*time.Millisecond)

	start := time.Now()
	_, err := NewProber(nil).Wait(context.Background(), spec, make(chan struct{}))
	elapsed := time.Since(start)

	var rt *ReadinessTimeoutError
	require.ErrorAs(t, err, &rt)
	require.Equal(t, "node", rt.Service)
	require.GreaterOrEqual(t, rt.Attempts, 2)
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	require.Less(t, elapsed, 1500*time.Millisecond)
}

func TestProber_ProcessExitWinsOverPolling(t *testing.T) {
	exited := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(exited)
	}()

	start := time.Now()
	_, err := NewProber(nil).Wait(context.Background(), probeSpec(freePort(t), 30*time.Second, 5*time.Second), exited)
	require.ErrorIs(t, err, errExitedDuringProbe)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestProber_CancellationObservedWithinInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := NewProber(nil).Wait(ctx, probeSpec(freePort(t), 30*time.Second, 5*time.Second), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 2*time.Second)
}
