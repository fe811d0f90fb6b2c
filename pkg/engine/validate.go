package engine

import (
	"github.com/pkg/errors"
)

// Validate checks a plan for the invariants the supervisor relies on: unique
// names, a command per service, a usable port and positive timings.
func Validate(p LaunchPlan) error {
	if len(p.Services) == 0 {
		return errors.New("plan has no services")
	}
	seen := map[string]struct{}{}
	for i, s := range p.Services {
		if s.Name == "" {
			return errors.Errorf("service #%d: name is required", i)
		}
		if _, ok := seen[s.Name]; ok {
			return errors.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if len(s.Command) == 0 || s.Command[0] == "" {
			return errors.Errorf("service %q missing command", s.Name)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return errors.Errorf("service %q: invalid port %d", s.Name, s.Port)
		}
		if s.ReadinessTimeout <= 0 {
			return errors.Errorf("service %q: readiness timeout must be > 0", s.Name)
		}
		if s.PollInterval <= 0 {
			return errors.Errorf("service %q: poll interval must be > 0", s.Name)
		}
	}
	if p.Build != nil && len(p.Build.Command) == 0 {
		return errors.New("build step missing command")
	}
	return nil
}
