package supervise

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StageTCP  = "tcp"
	StageHTTP = "http"
	StagePing = "ping"
)

// ProbeResult describes a successful readiness wait.
type ProbeResult struct {
	Attempts int
	Stage    string
	Elapsed  time.Duration
}

// Prober answers "is this service accepting requests yet". Each attempt runs
// the stages in order (TCP, HTTP GET on the health URL, JSON-RPC ping) and the
// first stage that succeeds marks the service ready.
type Prober struct {
	Client  *http.Client
	Metrics *metrics.Metrics
}

func NewProber(m *metrics.Metrics) *Prober {
	return &Prober{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
			},
		},
		Metrics: m,
	}
}

// Wait polls spec until it is ready, exited fires, ctx is cancelled or the
// readiness timeout elapses. A service that is already up is detected on the
// first attempt without sleeping.
func (p *Prober) Wait(ctx context.Context, spec engine.ServiceSpec, exited <-chan struct{}) (ProbeResult, error) {
	start := time.Now()
	deadline := start.Add(spec.ReadinessTimeout)
	interval := spec.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		select {
		case <-exited:
			return ProbeResult{Attempts: attempt - 1}, errExitedDuringProbe
		default:
		}
		if err := ctx.Err(); err != nil {
			return ProbeResult{Attempts: attempt - 1}, err
		}
		if attempt > 1 && time.Until(deadline) <= 0 {
			return ProbeResult{Attempts: attempt - 1}, &ReadinessTimeoutError{
				Service:  spec.Name,
				Timeout:  spec.ReadinessTimeout,
				Attempts: attempt - 1,
				LastErr:  lastErr,
			}
		}

		stage, err := p.attempt(ctx, spec, deadline, interval)
		if err == nil {
			select {
			case <-exited:
				// A listener answered, but not from a live service.
				return ProbeResult{Attempts: attempt}, errExitedDuringProbe
			default:
			}
			log.Debug().Str("service", spec.Name).Str("stage", stage).Int("attempt", attempt).Msg("service ready")
			return ProbeResult{Attempts: attempt, Stage: stage, Elapsed: time.Since(start)}, nil
		}
		// An attempt cut short by the deadline says less than a full one.
		if lastErr == nil || time.Until(deadline) > 0 {
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ProbeResult{Attempts: attempt}, &ReadinessTimeoutError{
				Service:  spec.Name,
				Timeout:  spec.ReadinessTimeout,
				Attempts: attempt,
				LastErr:  lastErr,
			}
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer.Reset(wait)
		select {
		case <-exited:
			return ProbeResult{Attempts: attempt}, errExitedDuringProbe
		case <-ctx.Done():
			return ProbeResult{Attempts: attempt}, ctx.Err()
		case <-timer.C:
		}
	}
}

var errExitedDuringProbe = errors.New("process exited during readiness probe")

// attempt runs one round of checks, bounded by the overall deadline.
func (p *Prober) attempt(ctx context.Context, spec engine.ServiceSpec, deadline time.Time, interval time.Duration) (string, error) {
	budget := interval
	if budget < 250*time.Millisecond {
		budget = 250 * time.Millisecond
	}
	if budget > 2*time.Second {
		budget = 2 * time.Second
	}
	if until := time.Until(deadline); until < budget {
		budget = until
	}
	if budget <= 0 {
		return "", errors.New("deadline reached")
	}
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	p.Metrics.ProbeAttempt(spec.Name, StageTCP)
	if err := p.checkTCP(actx, spec); err != nil {
		return "", errors.Wrap(err, "tcp")
	}

	p.Metrics.ProbeAttempt(spec.Name, StageHTTP)
	httpErr := p.checkHTTP(actx, spec)
	if httpErr == nil {
		return StageHTTP, nil
	}
	if spec.PingMethod == "" {
		return "", errors.Wrap(httpErr, "http")
	}

	p.Metrics.ProbeAttempt(spec.Name, StagePing)
	if err := p.checkPing(actx, spec); err != nil {
		return "", errors.Wrapf(err, "ping (http: %v)", httpErr)
	}
	return StagePing, nil
}

func (p *Prober) checkTCP(ctx context.Context, spec engine.ServiceSpec) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", spec.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkHTTP accepts any 2xx. 404 and 405 also count: the port answers HTTP
// even when no health route is mounted.
func (p *Prober) checkHTTP(ctx context.Context, spec engine.ServiceSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.HealthURL(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	}
	return errors.Errorf("GET %s: %s", spec.HealthURL(), resp.Status)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// checkPing posts a JSON-RPC 2.0 request to the base URL. Any well-formed
// response counts, including an RPC error object.
func (p *Prober) checkPing(ctx context.Context, spec engine.ServiceSpec) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: spec.PingMethod, Params: []any{}})
	if err != nil {
		return errors.Wrap(err, "marshal ping")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("POST %s: %s", spec.URL(), resp.Status)
	}

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return errors.Wrap(err, "decode ping response")
	}
	if out.JSONRPC == "" || (len(out.Result) == 0 && len(out.Error) == 0) {
		return errors.New("ping response is not a JSON-RPC envelope")
	}
	return nil
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}
