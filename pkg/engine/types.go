package engine

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ServiceSpec describes one orchestrated process and how to reach and probe it.
// It is immutable once a run starts; Name is its identity within a plan.
type ServiceSpec struct {
	Name       string            `json:"name"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	BaseURL    string            `json:"base_url,omitempty"`
	HealthPath string            `json:"health_path,omitempty"`
	PingMethod string            `json:"ping_method,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Command    []string          `json:"command"`
	Env        map[string]string `json:"env,omitempty"`

	ReadinessTimeout time.Duration `json:"readiness_timeout"`
	PollInterval     time.Duration `json:"poll_interval"`
}

// Address returns the dialable host:port; wildcard bind hosts map to loopback.
func (s ServiceSpec) Address() string {
	return net.JoinHostPort(DialHost(s.Host), strconv.Itoa(s.Port))
}

// URL returns the base URL, deriving http://host:port/ when none is configured.
func (s ServiceSpec) URL() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "http://" + s.Address() + "/"
}

// DialHost maps empty and wildcard bind addresses to loopback.
func DialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}

// HealthURL joins the base URL with the health path.
func (s ServiceSpec) HealthURL() string {
	base := s.URL()
	if s.HealthPath == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(s.HealthPath, "/")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(s.HealthPath, "/")
	return u.String()
}

// Endpoint is a host/port pair that must be free before anything launches.
type Endpoint struct {
	Service string `json:"service"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type BuildStep struct {
	Command []string          `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// LaunchPlan is the ordered list of services for one run plus the inputs the
// preflight checker verifies.
type LaunchPlan struct {
	Services      []ServiceSpec     `json:"services"`
	RequiredTools []string          `json:"required_tools,omitempty"`
	InputFile     string            `json:"input_file,omitempty"`
	EnvFile       string            `json:"env_file,omitempty"`
	DiagEnv       map[string]string `json:"diag_env,omitempty"`
	Build         *BuildStep        `json:"build,omitempty"`
}

// Endpoints lists the host/port pairs of every service in plan order.
func (p LaunchPlan) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(p.Services))
	for _, s := range p.Services {
		out = append(out, Endpoint{Service: s.Name, Host: s.Host, Port: s.Port})
	}
	return out
}
