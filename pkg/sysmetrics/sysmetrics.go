// Package sysmetrics samples host CPU and memory usage while a test run is
// executing. The summary is attached to the run's metadata so a slow run can
// be correlated with host pressure after the fact.
package sysmetrics

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Summary aggregates the samples taken over one sampling window.
type Summary struct {
	Samples int `json:"samples"`

	CPUAvgPercent float64 `json:"cpu_avg_percent"`
	CPUMaxPercent float64 `json:"cpu_max_percent"`

	MemAvgPercent   float64 `json:"mem_avg_percent"`
	MemMaxPercent   float64 `json:"mem_max_percent"`
	MemMaxUsedBytes uint64  `json:"mem_max_used_bytes"`
}

// Sampler periodically records host resource usage.
type Sampler interface {
	// Start begins sampling until Stop or context cancellation.
	Start(ctx context.Context)

	// Stop ends sampling and returns the aggregate. Nil when no sample
	// completed.
	Stop() *Summary
}

// Compile-time interface check.
var _ Sampler = (*sampler)(nil)

type sampler struct {
	log      logrus.FieldLogger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	samples int
	cpuSum  float64
	cpuMax  float64
	memSum  float64
	memMax  float64
	memUsed uint64
}

// NewSampler creates a host resource sampler with the given interval.
func NewSampler(log logrus.FieldLogger, interval time.Duration) Sampler {
	return &sampler{
		log:      log.WithField("component", "sysmetrics"),
		interval: interval,
	}
}

// Start begins sampling in the background.
func (s *sampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// loop records one sample per tick until cancellation.
func (s *sampler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

// sample records one CPU and memory observation.
func (s *sampler) sample(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		s.log.WithError(err).Debug("Failed to sample CPU usage")

		return
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.log.WithError(err).Debug("Failed to sample memory usage")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples++
	s.cpuSum += percents[0]

	if percents[0] > s.cpuMax {
		s.cpuMax = percents[0]
	}

	s.memSum += vm.UsedPercent

	if vm.UsedPercent > s.memMax {
		s.memMax = vm.UsedPercent
	}

	if vm.Used > s.memUsed {
		s.memUsed = vm.Used
	}
}

// Stop ends sampling and returns the aggregate.
func (s *sampler) Stop() *Summary {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.samples == 0 {
		return nil
	}

	return &Summary{
		Samples:         s.samples,
		CPUAvgPercent:   s.cpuSum / float64(s.samples),
		CPUMaxPercent:   s.cpuMax,
		MemAvgPercent:   s.memSum / float64(s.samples),
		MemMaxPercent:   s.memMax,
		MemMaxUsedBytes: s.memUsed,
	}
}
