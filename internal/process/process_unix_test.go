//go:build !windows

package process

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// requireOwnProcessGroup checks the worker gets its own group so signals reach its children.
func requireOwnProcessGroup(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setpgid, "Setpgid not set")
}
