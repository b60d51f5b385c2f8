package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/process"
)

// Probe checks the worker once. A nil error means healthy.
type Probe interface {
	Check(ctx context.Context) error
	Kind() string
	Describe() string
}

// ProbeError is a failed health probe.
type ProbeError struct {
	Probe string
	Err   error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("health probe %s: %v", e.Probe, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// NewProbe builds the probe selected by cfg. It returns nil, nil when no probe is configured.
func NewProbe(cfg config.HealthConfig) (Probe, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "":
		return nil, nil
	case "http":
		return &HTTPProbe{URL: cfg.URL, ExpectStatus: cfg.ExpectStatus}, nil
	case "tcp":
		return &TCPProbe{Address: cfg.Address}, nil
	case "command":
		return &CommandProbe{Command: cfg.Command}, nil
	case "pidfile":
		return &PIDFileProbe{Path: cfg.PIDFile}, nil
	default:
		return nil, fmt.Errorf("unknown health probe type %q", cfg.Type)
	}
}

// HTTPProbe issues a GET; any 2xx (or exactly ExpectStatus when set) is healthy.
type HTTPProbe struct {
	URL          string
	ExpectStatus int
	Client       *http.Client
}

func (p *HTTPProbe) Kind() string     { return "http" }
func (p *HTTPProbe) Describe() string { return "http:" + p.URL }

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return &ProbeError{Probe: p.Describe(), Err: err}
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &ProbeError{Probe: p.Describe(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if p.ExpectStatus != 0 {
		ok = resp.StatusCode == p.ExpectStatus
	}
	if !ok {
		return &ProbeError{Probe: p.Describe(), Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

// TCPProbe succeeds when a connection to Address can be established.
type TCPProbe struct {
	Address string
}

func (p *TCPProbe) Kind() string     { return "tcp" }
func (p *TCPProbe) Describe() string { return "tcp:" + p.Address }

func (p *TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return &ProbeError{Probe: p.Describe(), Err: err}
	}
	_ = conn.Close()
	return nil
}

// CommandProbe runs a command that should exit 0 while the worker is healthy.
type CommandProbe struct {
	Command string
}

func (p *CommandProbe) Kind() string     { return "command" }
func (p *CommandProbe) Describe() string { return "cmd:" + p.Command }

func (p *CommandProbe) Check(ctx context.Context) error {
	err := process.CommandContext(ctx, p.Command).Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &ProbeError{Probe: p.Describe(), Err: ctx.Err()}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ProbeError{Probe: p.Describe(), Err: fmt.Errorf("exit code %d", ee.ExitCode())}
	}
	return &ProbeError{Probe: p.Describe(), Err: err}
}

// ErrStalePID means the PID file names a process that is gone or was replaced.
var ErrStalePID = errors.New("pid file does not refer to a live worker")

// PIDFileProbe is healthy while the PID recorded in Path is alive and still has the
// recorded start time.
type PIDFileProbe struct {
	Path string
}

func (p *PIDFileProbe) Kind() string     { return "pidfile" }
func (p *PIDFileProbe) Describe() string { return "pidfile:" + p.Path }

func (p *PIDFileProbe) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ProbeError{Probe: p.Describe(), Err: err}
	}
	info, err := process.ReadPIDFile(p.Path)
	if err != nil {
		return &ProbeError{Probe: p.Describe(), Err: err}
	}
	if !info.Matches() {
		return &ProbeError{Probe: p.Describe(), Err: ErrStalePID}
	}
	return nil
}
