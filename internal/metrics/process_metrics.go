package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the worker process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

type SamplerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// Target returns the worker name and the PID to sample; pid <= 0 means no worker is running.
type Target func() (name string, pid int)

// Sampler periodically reads CPU and memory usage of the running worker with gopsutil,
// publishes them as gauges and keeps a bounded history.
type Sampler struct {
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	buf      []Sample
	startIdx int
	count    int
	proc     *process.Process // kept across ticks so CPUPercent has a previous reading

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewSampler(cfg SamplerConfig, log *slog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 120
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"worker"})
	}
	return &Sampler{
		interval:   cfg.Interval,
		log:        log.With("component", "sampler"),
		buf:        make([]Sample, cfg.MaxHistory),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the worker in bytes."),
		numThreads: gauge("num_threads", "Number of threads of the worker."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the worker (Unix only)."),
	}
}

// Register registers the sampler gauges with r.
func (s *Sampler) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context, target Target) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collect(target())
		}
	}
}

func (s *Sampler) collect(name string, pid int) {
	if pid <= 0 {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
		s.clear(name)
		return
	}
	sample, err := s.read(int32(pid), time.Now())
	if err != nil {
		s.log.Debug("sample worker resources", "worker", name, "pid", pid, "error", err)
		return
	}
	s.cpuPercent.WithLabelValues(name).Set(sample.CPUPercent)
	s.memoryRSS.WithLabelValues(name).Set(float64(sample.MemoryRSS))
	s.numThreads.WithLabelValues(name).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(name).Set(float64(sample.NumFDs))
	}
	s.add(sample)
}

func (s *Sampler) read(pid int32, ts time.Time) (Sample, error) {
	s.mu.Lock()
	proc := s.proc
	if proc == nil || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Sample{}, fmt.Errorf("open process %d: %w", pid, err)
		}
		proc = p
		s.proc = p
	}
	s.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	out := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

// add appends to the circular buffer, overwriting the oldest sample when full.
func (s *Sampler) add(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.buf)
	if s.count < size {
		s.buf[(s.startIdx+s.count)%size] = sample
		s.count++
		return
	}
	s.buf[s.startIdx] = sample
	s.startIdx = (s.startIdx + 1) % size
}

func (s *Sampler) clear(name string) {
	s.cpuPercent.DeleteLabelValues(name)
	s.memoryRSS.DeleteLabelValues(name)
	s.numThreads.DeleteLabelValues(name)
	s.numFDs.DeleteLabelValues(name)
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return Sample{}, false
	}
	return s.buf[(s.startIdx+s.count-1)%len(s.buf)], true
}

// History returns samples in chronological order.
func (s *Sampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.buf[(s.startIdx+i)%len(s.buf)]
	}
	return out
}
