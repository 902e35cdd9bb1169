// Package monitor 周期性采集进程运行指标，供 /health 查询。
package monitor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	StatusHealthy = "healthy"
	StatusUnknown = "unknown"
)

type Memory struct {
	RSS             uint64  `json:"rss"`
	HeapUsed        uint64  `json:"heapUsed"`
	HeapTotal       uint64  `json:"heapTotal"`
	HeapUsedPercent float64 `json:"heapUsedPercent"`
}

type CPU struct {
	LoadAvg []float64 `json:"loadAvg"`
	Usage   float64   `json:"usage"` // 进程 CPU 百分比
}

type Runtime struct {
	Goroutines int     `json:"goroutines"`
	NumGC      uint32  `json:"numGC"`
	Lag        float64 `json:"lag"` // ms，采样实际间隔超出预期的部分
}

// Sample 一次采样
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Memory    Memory    `json:"memory"`
	CPU       CPU       `json:"cpu"`
	Runtime   Runtime   `json:"runtime"`
	Uptime    float64   `json:"uptime"` // 秒
}

type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   *Sample   `json:"metrics,omitempty"`
}

type Options struct {
	Interval   time.Duration
	MaxSamples int
	// 超过阈值时记 warn
	HeapThreshold float64
	CPUThreshold  float64
	LagThreshold  time.Duration
	Logger        *slog.Logger
}

type Collector struct {
	interval   time.Duration
	maxSamples int
	heapLimit  float64
	cpuLimit   float64
	lagLimit   time.Duration
	log        *slog.Logger
	proc       *process.Process
	started    time.Time
	now        func() time.Time

	mu      sync.RWMutex
	samples []Sample
	last    time.Time
}

func NewCollector(opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 1000
	}
	if opts.HeapThreshold <= 0 {
		opts.HeapThreshold = 85
	}
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = 80
	}
	if opts.LagThreshold <= 0 {
		opts.LagThreshold = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Collector{
		interval:   opts.Interval,
		maxSamples: opts.MaxSamples,
		heapLimit:  opts.HeapThreshold,
		cpuLimit:   opts.CPUThreshold,
		lagLimit:   opts.LagThreshold,
		log:        opts.Logger.With("component", "monitor"),
		started:    time.Now(),
		now:        time.Now,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// 拿不到进程信息时只采集 runtime 指标
		c.log.Warn("failed to inspect process", "error", err)
	} else {
		c.proc = proc
	}
	return c
}

// Run 每个 interval 采样一次，直到 ctx 结束
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect 采样一次并追加到环形窗口
func (c *Collector) Collect() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := c.now()
	s := Sample{
		Timestamp: now,
		Memory: Memory{
			HeapUsed:  ms.HeapAlloc,
			HeapTotal: ms.HeapSys,
			RSS:       ms.Sys,
		},
		Runtime: Runtime{
			Goroutines: runtime.NumGoroutine(),
			NumGC:      ms.NumGC,
		},
		Uptime: now.Sub(c.started).Seconds(),
	}
	if ms.HeapSys > 0 {
		s.Memory.HeapUsedPercent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	if c.proc != nil {
		if mi, err := c.proc.MemoryInfo(); err == nil {
			s.Memory.RSS = mi.RSS
		}
		if pct, err := c.proc.Percent(0); err == nil {
			s.CPU.Usage = pct
		}
	}
	if avg, err := load.Avg(); err == nil {
		s.CPU.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	c.mu.Lock()
	if !c.last.IsZero() {
		if lag := now.Sub(c.last) - c.interval; lag > 0 {
			s.Runtime.Lag = float64(lag.Microseconds()) / 1000
		}
	}
	c.last = now
	c.samples = append(c.samples, s)
	if len(c.samples) > c.maxSamples {
		c.samples = c.samples[len(c.samples)-c.maxSamples:]
	}
	c.mu.Unlock()

	c.checkThresholds(s)
	return s
}

func (c *Collector) checkThresholds(s Sample) {
	if s.Memory.HeapUsedPercent > c.heapLimit {
		c.log.Warn("high heap usage", "percent", s.Memory.HeapUsedPercent)
	}
	if s.CPU.Usage > c.cpuLimit {
		c.log.Warn("high cpu usage", "percent", s.CPU.Usage)
	}
	if s.Runtime.Lag > float64(c.lagLimit.Milliseconds()) {
		c.log.Warn("sampling lag", "lag_ms", s.Runtime.Lag)
	}
}

// Metrics 返回最近 window 内的采样，按时间升序
func (c *Collector) Metrics(window time.Duration) []Sample {
	threshold := c.now().Add(-window)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Sample, 0, len(c.samples))
	for _, s := range c.samples {
		if s.Timestamp.After(threshold) {
			out = append(out, s)
		}
	}
	return out
}

// Health 最新一次采样；尚未采样时状态为 unknown
func (c *Collector) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.samples) == 0 {
		return Health{Status: StatusUnknown, Timestamp: c.now()}
	}
	latest := c.samples[len(c.samples)-1]
	return Health{Status: StatusHealthy, Timestamp: latest.Timestamp, Metrics: &latest}
}
