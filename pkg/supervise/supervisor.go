// Package supervise launches the services of a plan one at a time, gates each
// launch on the previous service's readiness, watches for the first exit once
// everything is up, and tears the whole network down exactly once.
package supervise

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/envfile"
	"github.com/go-go-golems/devnet/pkg/events"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/go-go-golems/devnet/pkg/metrics"
	"github.com/go-go-golems/devnet/pkg/preflight"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	LogsDir string
	RunID   string

	// Env is the environment every child starts from; nil means os.Environ().
	Env       []string
	SkipBuild bool

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
	TailLines       int

	// Preflight runs before anything is built or spawned; nil skips it.
	Preflight *preflight.Checker
	Console   *logmux.Console
	Events    *events.Emitter
	Metrics   *metrics.Metrics
	Prober    *Prober

	// OnReady runs once every service is ready, before monitoring starts.
	OnReady func(handles []*Handle)
}

type Supervisor struct {
	opts  Options
	stamp string

	mu      sync.Mutex
	phase   Phase
	handles []*Handle

	exits chan *Handle

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Second
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 20
	}
	if opts.Prober == nil {
		opts.Prober = NewProber(opts.Metrics)
	}
	if opts.Console == nil {
		opts.Console = logmux.NewConsole(io.Discard, false)
	}
	if opts.LogsDir == "" {
		opts.LogsDir = "logs"
	}
	return &Supervisor{
		opts:         opts,
		stamp:        time.Now().Format("20060102-150405"),
		phase:        PhaseInit,
		shutdownDone: make(chan struct{}),
	}
}

func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Handles returns the launched services in launch order.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

func (s *Supervisor) Handle(name string) *Handle {
	for _, h := range s.Handles() {
		if h.Spec.Name == name {
			return h
		}
	}
	return nil
}

// setPhase moves the lifecycle forward. Once teardown has begun only
// Terminated is accepted.
func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	cur := s.phase
	if cur == PhaseTerminated || (cur == PhaseShuttingDown && p != PhaseTerminated) || cur == p {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()

	log.Debug().Str("phase", string(p)).Str("from", string(cur)).Msg("phase changed")
	s.opts.Metrics.SetPhase(string(p), Phases)
	s.opts.Events.Phase(string(p))
}

// Run drives one full orchestration: preflight, optional build, launch and
// readiness gating for each service in order, then monitoring until the first
// exit or ctx cancellation. Teardown always runs before Run returns.
// A cancelled ctx yields ErrInterrupted.
func (s *Supervisor) Run(ctx context.Context, plan engine.LaunchPlan) error {
	err := s.run(ctx, plan)
	s.Shutdown()
	s.attachTails(err)
	return err
}

func (s *Supervisor) run(ctx context.Context, plan engine.LaunchPlan) error {
	if err := engine.Validate(plan); err != nil {
		return err
	}
	s.exits = make(chan *Handle, len(plan.Services))

	s.setPhase(PhaseCheckingPreflight)
	if s.opts.Preflight != nil {
		if err := s.opts.Preflight.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ErrInterrupted
			}
			return err
		}
	}

	env, err := s.baseEnv(plan)
	if err != nil {
		return err
	}

	tags := []string{"build"}
	for _, spec := range plan.Services {
		tags = append(tags, spec.Name)
	}
	s.opts.Console.Register(tags...)

	if plan.Build != nil && !s.opts.SkipBuild {
		s.setPhase(PhaseBuilding)
		if err := s.build(ctx, plan.Build, env); err != nil {
			return err
		}
	}

	for _, spec := range plan.Services {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		s.setPhase(PhaseLaunching)
		h, err := s.launch(spec, env, plan.DiagEnv)
		if err != nil {
			return err
		}

		s.setPhase(PhaseProbingReadiness)
		if err := s.awaitReady(ctx, h); err != nil {
			return err
		}
	}

	s.setPhase(PhaseAllReady)
	handles := s.Handles()
	s.opts.Console.Successf("all %d services ready", len(handles))
	if s.opts.OnReady != nil {
		s.opts.OnReady(handles)
	}

	s.setPhase(PhaseMonitoring)
	return s.monitor(ctx)
}

func (s *Supervisor) baseEnv(plan engine.LaunchPlan) ([]string, error) {
	env := s.opts.Env
	if env == nil {
		env = os.Environ()
	}
	if plan.EnvFile == "" {
		return env, nil
	}
	vars, found, err := envfile.Load(plan.EnvFile)
	if err != nil {
		return nil, err
	}
	if !found {
		s.opts.Console.Warnf("env file %s not found, continuing without it", plan.EnvFile)
		return env, nil
	}
	log.Info().Str("path", plan.EnvFile).Int("vars", len(vars)).Msg("loaded env file")
	return envfile.Merge(env, vars), nil
}

// awaitReady probes h while watching every earlier service: if one of them
// dies mid-probe the wait is abandoned with an UnexpectedExitError.
func (s *Supervisor) awaitReady(ctx context.Context, h *Handle) error {
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	for _, u := range s.Handles() {
		if u == h {
			continue
		}
		go func() {
			select {
			case <-u.exited:
				if u.wasTerminated() {
					cancel(ErrInterrupted)
					return
				}
				cancel(s.unexpectedExit(u))
			case <-pctx.Done():
			}
		}()
	}

	h.setStatus(StatusProbing)
	s.emitStatus(h, "")

	res, err := s.opts.Prober.Wait(pctx, h.Spec, h.exited)
	if err == nil && !h.setStatus(StatusReady) {
		// Reaped between the last check and now.
		err = errExitedDuringProbe
	}
	switch {
	case err == nil:
		s.opts.Metrics.Ready(h.Spec.Name, time.Since(h.StartedAt))
		s.emitStatus(h, "")
		s.opts.Console.Successf("%s ready at %s (%s, %d attempt(s), %s)",
			h.Spec.Name, h.Spec.URL(), res.Stage, res.Attempts, res.Elapsed.Round(time.Millisecond))
		return nil
	case errors.Is(err, errExitedDuringProbe):
		<-h.exited
		if h.wasTerminated() {
			return ErrInterrupted
		}
		info, _ := h.ExitInfo()
		return &ExitedDuringStartupError{Service: h.Spec.Name, Exit: info}
	case ctx.Err() != nil:
		return ErrInterrupted
	case pctx.Err() != nil:
		var ue *UnexpectedExitError
		if errors.As(context.Cause(pctx), &ue) {
			return ue
		}
		return ErrInterrupted
	default:
		return err
	}
}

// monitor blocks until the first service exits or ctx is cancelled. Every
// exit counts as unexpected: services are meant to run until torn down.
func (s *Supervisor) monitor(ctx context.Context) error {
	select {
	case h := <-s.exits:
		if h.wasTerminated() {
			// Shutdown was requested directly; this exit is ours.
			return ErrInterrupted
		}
		ue := s.unexpectedExit(h)
		s.opts.Console.Errorf("%s", ue.Error())
		return ue
	case <-ctx.Done():
		return ErrInterrupted
	}
}

func (s *Supervisor) unexpectedExit(h *Handle) *UnexpectedExitError {
	info, _ := h.ExitInfo()
	return &UnexpectedExitError{Service: h.Spec.Name, Exit: info}
}

func (s *Supervisor) emitStatus(h *Handle, msg string) {
	s.opts.Events.Service(events.ServiceStatus{
		Service: h.Spec.Name,
		Status:  string(h.Status()),
		PID:     h.PID,
		LogPath: h.LogPath,
		Error:   msg,
	})
}

// tail reads the last lines of a service log. Call only after the
// multiplexers have stopped.
func (s *Supervisor) tail(h *Handle) []string {
	return s.tailPath(h.LogPath)
}

func (s *Supervisor) tailPath(path string) []string {
	lines, err := state.TailLines(path, s.opts.TailLines, 0)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("read log tail")
		return nil
	}
	return lines
}

func (s *Supervisor) attachTails(err error) {
	if err == nil {
		return
	}
	var (
		rt *ReadinessTimeoutError
		ed *ExitedDuringStartupError
		ue *UnexpectedExitError
	)
	switch {
	case errors.As(err, &rt):
		if h := s.Handle(rt.Service); h != nil {
			rt.Tail = s.tail(h)
		}
	case errors.As(err, &ed):
		if h := s.Handle(ed.Service); h != nil {
			ed.Tail = s.tail(h)
		}
	case errors.As(err, &ue):
		ue.Tails = map[string][]string{}
		for _, h := range s.Handles() {
			ue.Tails[h.Spec.Name] = s.tail(h)
		}
	}
}
