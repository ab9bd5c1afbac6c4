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

// ChildSample is a point-in-time resource reading for one child process.
type ChildSample struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ChildCollector periodically samples the supervised children and exports
// the readings as gauges labelled by child name.
type ChildCollector struct {
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ChildSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

func NewChildCollector(interval time.Duration) *ChildCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ChildCollector{
		interval: interval,
		latest:   make(map[string]ChildSample),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessionr", Subsystem: "child", Name: "cpu_percent",
			Help: "CPU usage percentage of supervised children.",
		}, []string{"child"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessionr", Subsystem: "child", Name: "memory_mb",
			Help: "Resident memory in MB of supervised children.",
		}, []string{"child"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessionr", Subsystem: "child", Name: "num_threads",
			Help: "Thread count of supervised children.",
		}, []string{"child"}),
	}
}

// RegisterMetrics registers the child gauges with r.
func (c *ChildCollector) RegisterMetrics(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples children returned by pids every interval until ctx is done
// or Stop is called.
func (c *ChildCollector) Start(ctx context.Context, pids func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ChildCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample per child and drops readings for children that
// are no longer listed.
func (c *ChildCollector) Collect(pids map[string]int32) {
	now := time.Now()
	next := make(map[string]ChildSample, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := Sample(name, pid, now)
		if err != nil {
			slog.Debug("Failed to sample child", "child", name, "pid", pid, "error", err)
			continue
		}
		next[name] = s
		c.cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(s.NumThreads))
	}
	c.mu.Lock()
	for name := range c.latest {
		if _, ok := next[name]; !ok {
			c.cpuPercent.DeleteLabelValues(name)
			c.memoryMB.DeleteLabelValues(name)
			c.numThreads.DeleteLabelValues(name)
		}
	}
	c.latest = next
	c.mu.Unlock()
}

// Latest returns a copy of the most recent samples.
func (c *ChildCollector) Latest() map[string]ChildSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ChildSample, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

// Sample reads CPU and memory usage of a single process.
func Sample(name string, pid int32, ts time.Time) (ChildSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ChildSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ChildSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := ChildSample{
		PID:        pid,
		Name:       name,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}
