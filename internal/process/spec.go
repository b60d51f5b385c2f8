package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/bootvisor/internal/logger"
)

// Spec describes the managed worker. It is read once at startup and never mutated
// afterwards; a running Process keeps its own copy.
type Spec struct {
	Name       string            `json:"name" mapstructure:"name"`
	Command    string            `json:"command" mapstructure:"command"`         // executable, or a shell line when Args is empty
	Args       []string          `json:"args" mapstructure:"args"`               // explicit argv; disables shell parsing of Command
	Env        []string          `json:"env" mapstructure:"env"`                 // extra KEY=VALUE entries
	InheritEnv bool              `json:"inherit_env" mapstructure:"inherit_env"` // start from the daemon's environment
	WorkDir    string            `json:"work_dir" mapstructure:"work_dir"`
	PIDFile    string            `json:"pid_file" mapstructure:"pid_file"`
	Log        logger.FileConfig `json:"log" mapstructure:"log"`
}

// Validate checks the fields the supervisor cannot work without.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("worker name is required")
	}
	if strings.ContainsAny(s.Name, "/\\ \t") || strings.Contains(s.Name, "..") {
		return fmt.Errorf("worker name %q contains invalid characters", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("worker command is required")
	}
	for i, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("worker env[%d] %q must be KEY=VALUE", i, kv)
		}
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With explicit Args the command is executed directly. Otherwise Command is split on
// whitespace, unless it already is an explicit "sh -c" invocation or contains shell
// metacharacters, in which case it runs under /bin/sh -c.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return noopCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with one pair of
// surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// CommandContext builds an ad-hoc command line the same way BuildCommand does, bound to
// ctx. The command runs in its own process group, and the whole group is killed when ctx
// is done.
func CommandContext(ctx context.Context, line string) *exec.Cmd {
	tmpl := (&Spec{Command: line}).BuildCommand()
	// #nosec G204
	cmd := exec.CommandContext(ctx, tmpl.Args[0], tmpl.Args[1:]...)
	configureSysProcAttr(cmd)
	cmd.Cancel = func() error { return signalGroup(cmd.Process.Pid, sigKill) }
	cmd.WaitDelay = time.Second
	return cmd
}
