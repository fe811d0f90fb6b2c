package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validSpec(name string, port int) ServiceSpec {
	return ServiceSpec{
		Name:             name,
		Host:             "127.0.0.1",
		Port:             port,
		Command:          []string{"sleep", "10"},
		ReadinessTimeout: time.Second,
		PollInterval:     100 * time.Millisecond,
	}
}

func TestServiceSpec_URLs(t *testing.T) {
	s := ServiceSpec{Host: "0.0.0.0", Port: 8545, HealthPath: "/health"}
	require.Equal(t, "http://127.0.0.1:8545/", s.URL())
	require.Equal(t, "http://127.0.0.1:8545/health", s.HealthURL())
	require.Equal(t, "127.0.0.1:8545", s.Address())
	require.Equal(t, "10.0.0.1", DialHost("10.0.0.1"))

	s.BaseURL = "http://localhost:9000/rpc/"
	s.HealthPath = "status"
	require.Equal(t, "http://localhost:9000/rpc/status", s.HealthURL())

	s.HealthPath = ""
	require.Equal(t, "http://localhost:9000/rpc/", s.HealthURL())
}

func TestValidate(t *testing.T) {
	require.Error(t, Validate(LaunchPlan{}))

	ok := LaunchPlan{Services: []ServiceSpec{validSpec("a", 1000), validSpec("b", 1001)}}
	require.NoError(t, Validate(ok))

	dup := LaunchPlan{Services: []ServiceSpec{validSpec("a", 1000), validSpec("a", 1001)}}
	require.ErrorContains(t, Validate(dup), "duplicate service name")

	noCmd := validSpec("a", 1000)
	noCmd.Command = nil
	require.ErrorContains(t, Validate(LaunchPlan{Services: []ServiceSpec{noCmd}}), "missing command")

	badPort := validSpec("a", 0)
	require.ErrorContains(t, Validate(LaunchPlan{Services: []ServiceSpec{badPort}}), "invalid port")

	noInterval := validSpec("a", 1000)
	noInterval.PollInterval = 0
	require.ErrorContains(t, Validate(LaunchPlan{Services: []ServiceSpec{noInterval}}), "poll interval")

	build := ok
	build.Build = &BuildStep{}
	require.ErrorContains(t, Validate(build), "build step")
}

func TestLaunchPlan_EndpointsKeepOrder(t *testing.T) {
	p := LaunchPlan{Services: []ServiceSpec{validSpec("node", 8545), validSpec("seq", 1739)}}
	eps := p.Endpoints()
	require.Len(t, eps, 2)
	require.Equal(t, Endpoint{Service: "node", Host: "127.0.0.1", Port: 8545}, eps[0])
	require.Equal(t, "seq", eps[1].Service)
}
