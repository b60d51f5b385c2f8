//go:build windows

package process

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// requireOwnProcessGroup checks the worker gets its own group so console signals reach it.
func requireOwnProcessGroup(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NotNil(t, cmd.SysProcAttr)
	require.NotZero(t, cmd.SysProcAttr.CreationFlags&createNewProcessGroup, "CREATE_NEW_PROCESS_GROUP not set")
}
