package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "bootvisor.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, removePidFile(""))
}

func TestChildArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--pidfile", "/run/b.pid", "--logfile", "/var/log/b.log", "c.toml", "--daemonize=true"}
	assert.Equal(t, []string{"serve", "--pidfile", "/run/b.pid", "--logfile", "/var/log/b.log", "c.toml"}, childArgs(in))
}

func TestIsDaemonChild(t *testing.T) {
	t.Setenv(daemonChildEnv, "")
	assert.False(t, isDaemonChild())
	t.Setenv(daemonChildEnv, "1")
	assert.True(t, isDaemonChild())
}
