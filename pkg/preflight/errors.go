package preflight

import (
	"fmt"
	"net"
	"strconv"
)

type MissingToolError struct {
	Tool string
}

func (e *MissingToolError) Error() string {
	return fmt.Sprintf("required tool %q not found in PATH", e.Tool)
}

type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("required input file %s does not exist", e.Path)
}

type PortInUseError struct {
	Service string
	Host    string
	Port    int
	// Via names the detection method: ss, lsof or dial.
	Via string
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %s for service %q is already in use (detected via %s)",
		net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Service, e.Via)
}
