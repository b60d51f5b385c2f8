//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTimeUnix returns the process start time as Unix seconds, or 0 when it cannot be
// determined. Together with the PID it identifies one specific run of the worker.
func StartTimeUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		ticks := startTicks(pid)
		boot := bootTime()
		if ticks <= 0 || boot <= 0 {
			return 0
		}
		return boot + ticks/clockTicks()
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ms / 1000
}

// startTicks is field 22 of /proc/<pid>/stat: clock ticks between boot and exec.
func startTicks(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// the comm field may itself contain ") "
	i := strings.LastIndexByte(string(b), ')')
	if i < 0 {
		return 0
	}
	fields := strings.Fields(string(b[i+1:]))
	const startTimeIdx = 22 - 3 // fields after comm start at field 3
	if len(fields) <= startTimeIdx {
		return 0
	}
	n, err := strconv.ParseInt(fields[startTimeIdx], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// bootTime is the btime line of /proc/stat.
func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "btime "); ok {
			n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return n
		}
	}
	return 0
}

func clockTicks() int64 {
	if clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && clk > 0 {
		return clk
	}
	return 100
}
