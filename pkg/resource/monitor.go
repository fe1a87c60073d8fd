// Package resource tracks memory, CPU time, and in-flight operation
// counts for the execution loop and swarm workers, gating admission
// once limits are exceeded.
package resource

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status classifies how loaded the monitor's busiest axis is.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusExceeded Status = "exceeded"
)

// ErrResourceLimit is raised when a tracked operation tries to start
// while the monitor reports StatusExceeded.
var ErrResourceLimit = errors.New("resource: limit exceeded")

// Limits configures the axes the Monitor checks against.
type Limits struct {
	MaxMemoryMB      float64
	MaxCPUTimeSec    float64
	MaxOperations    int
	WarnThreshold    float64 // fraction of limit, e.g. 0.7
	CriticalThreshold float64 // fraction of limit, e.g. 0.9
}

// DefaultLimits returns sane defaults matching a single long-running
// agent process.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:       2048,
		MaxCPUTimeSec:     3600,
		MaxOperations:     64,
		WarnThreshold:     0.7,
		CriticalThreshold: 0.9,
	}
}

// Usage is a snapshot of the three tracked axes.
type Usage struct {
	MemoryMB      float64
	CPUTimeSec    float64
	Operations    int
}

// Check is the result of Monitor.Check.
type Check struct {
	Status  Status
	Usage   Usage
	Message string
}

// EndCallback decrements the in-flight operation counter when called.
// Calling it more than once is a no-op past zero.
type EndCallback func()

// Monitor tracks resident memory (sampled from the Go runtime),
// wall-clock time since construction, and an in-flight operation
// counter, classifying admission against configured Limits.
type Monitor struct {
	limits    Limits
	start     time.Time
	ops       int64
	memSample func() float64

	promMemory prometheus.Gauge
	promOps    prometheus.Gauge
	promStatus prometheus.Gauge
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithMemorySampler overrides how resident memory is sampled, mainly
// for tests.
func WithMemorySampler(fn func() float64) Option {
	return func(m *Monitor) { m.memSample = fn }
}

// WithPrometheusRegisterer registers gauges mirroring Check() onto
// reg, using the given subsystem-qualified metric name prefix.
func WithPrometheusRegisterer(reg prometheus.Registerer, namespace string) Option {
	return func(m *Monitor) {
		m.promMemory = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resource", Name: "memory_mb",
			Help: "Resident memory usage in MB as observed by the resource monitor.",
		})
		m.promOps = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resource", Name: "in_flight_operations",
			Help: "Number of tracked operations currently in flight.",
		})
		m.promStatus = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resource", Name: "status_code",
			Help: "0=healthy 1=warning 2=critical 3=exceeded, the worst axis.",
		})
		if reg != nil {
			reg.MustRegister(m.promMemory, m.promOps, m.promStatus)
		}
	}
}

// New creates a Monitor with the given limits.
func New(limits Limits, opts ...Option) *Monitor {
	m := &Monitor{
		limits: limits,
		start:  time.Now(),
	}
	m.memSample = m.defaultMemorySample
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) defaultMemorySample() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Sys) / (1024 * 1024)
}

// StartOperation increments the in-flight operation counter and
// returns the callback that decrements it. The counter never drops
// below zero.
func (m *Monitor) StartOperation() EndCallback {
	atomic.AddInt64(&m.ops, 1)
	var done int32
	return func() {
		if atomic.CompareAndSwapInt32(&done, 0, 1) {
			for {
				cur := atomic.LoadInt64(&m.ops)
				if cur <= 0 {
					atomic.StoreInt64(&m.ops, 0)
					return
				}
				if atomic.CompareAndSwapInt64(&m.ops, cur, cur-1) {
					return
				}
			}
		}
	}
}

// Check classifies current usage against Limits, returning the worst
// axis's status.
func (m *Monitor) Check() Check {
	usage := Usage{
		MemoryMB:   m.memSample(),
		CPUTimeSec: time.Since(m.start).Seconds(),
		Operations: int(atomic.LoadInt64(&m.ops)),
	}

	status, msg := m.classify(usage)
	m.observe(status)
	return Check{Status: status, Usage: usage, Message: msg}
}

func (m *Monitor) classify(u Usage) (Status, string) {
	fracs := []struct {
		axis string
		frac float64
	}{
		{"memory", fractionOf(u.MemoryMB, m.limits.MaxMemoryMB)},
		{"cpu_time", fractionOf(u.CPUTimeSec, m.limits.MaxCPUTimeSec)},
		{"operations", fractionOf(float64(u.Operations), float64(m.limits.MaxOperations))},
	}

	worstAxis := fracs[0]
	for _, f := range fracs[1:] {
		if f.frac > worstAxis.frac {
			worstAxis = f
		}
	}

	switch {
	case worstAxis.frac >= 1.0:
		return StatusExceeded, fmt.Sprintf("%s at or above limit (%.0f%%)", worstAxis.axis, worstAxis.frac*100)
	case worstAxis.frac >= m.limits.CriticalThreshold:
		return StatusCritical, fmt.Sprintf("%s approaching limit (%.0f%%)", worstAxis.axis, worstAxis.frac*100)
	case worstAxis.frac >= m.limits.WarnThreshold:
		return StatusWarning, fmt.Sprintf("%s elevated (%.0f%%)", worstAxis.axis, worstAxis.frac*100)
	default:
		return StatusHealthy, ""
	}
}

func fractionOf(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return value / limit
}

func (m *Monitor) observe(status Status) {
	if m.promMemory != nil {
		m.promMemory.Set(m.memSample())
	}
	if m.promOps != nil {
		m.promOps.Set(float64(atomic.LoadInt64(&m.ops)))
	}
	if m.promStatus != nil {
		codes := map[Status]float64{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2, StatusExceeded: 3}
		m.promStatus.Set(codes[status])
	}
}

// RunTracked increments the operation counter, runs fn, and
// decrements the counter even if fn fails.
func RunTracked[T any](m *Monitor, fn func() (T, error)) (T, error) {
	end := m.StartOperation()
	defer end()
	return fn()
}

// RunIfAvailable runs fn only if the monitor is healthy and has
// operation capacity; otherwise it returns fallback without calling
// fn. Returns ErrResourceLimit if the monitor is at StatusExceeded.
func RunIfAvailable[T any](m *Monitor, fn func() (T, error), fallback T) (T, error) {
	check := m.Check()
	if check.Status == StatusExceeded {
		return fallback, fmt.Errorf("%w: %s", ErrResourceLimit, check.Message)
	}
	if check.Status != StatusHealthy {
		return fallback, nil
	}
	return RunTracked(m, fn)
}
