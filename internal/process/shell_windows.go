//go:build windows

package process

import "os/exec"

const shellPath = "cmd"

// shellCommand runs script under cmd /c.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command(shellPath, "/c", script)
}

// noopCommand is used for an empty command line; it exits 0 immediately.
func noopCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command(shellPath, "/c", "rem")
}
