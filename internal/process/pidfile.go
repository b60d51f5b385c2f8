package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/bootvisor/internal/fsutil"
)

// PIDInfo is the content of a worker PID file: the PID on the first line followed by an
// optional JSON meta line.
type PIDInfo struct {
	PID       int   `json:"-"`
	StartUnix int64 `json:"start_unix,omitempty"`
}

// WritePIDFile atomically writes pid and its start time to path.
func WritePIDFile(path string, pid int, startUnix int64) error {
	if path == "" {
		return errors.New("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(PIDInfo{StartUnix: startUnix})
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return fsutil.WriteFileAtomic(path, []byte(data), 0o644)
}

// ReadPIDFile reads a PID file written by WritePIDFile. Files holding only a PID are
// accepted and yield a zero StartUnix.
func ReadPIDFile(path string) (PIDInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PIDInfo{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return PIDInfo{}, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return PIDInfo{}, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	info := PIDInfo{}
	if rest = strings.TrimSpace(rest); rest != "" {
		// unparsable meta is ignored; the PID alone is still usable
		_ = json.Unmarshal([]byte(rest), &info)
	}
	info.PID = pid
	return info, nil
}

// RemovePIDFile removes path, ignoring a missing file.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// Matches reports whether the PID file still refers to a live process that started at
// the recorded time. PID reuse by an unrelated process yields false.
func (i PIDInfo) Matches() bool {
	if !pidExists(i.PID) {
		return false
	}
	if i.StartUnix == 0 {
		return true
	}
	cur := StartTimeUnix(i.PID)
	if cur == 0 {
		return true
	}
	// start times derived from clock ticks can be off by one second
	d := cur - i.StartUnix
	return d >= -1 && d <= 1
}
