package state

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/VIGIL/errors"
	"github.com/teranos/VIGIL/internal/util"
	"github.com/teranos/VIGIL/logger"
)

// Unavailable is the resource value reported when a metric cannot be read.
const Unavailable float32 = -1

// Collector samples host resources. Each method returns a percentage (or °C
// for Temperature); a failed read returns an error and the manager records
// the metric as unavailable.
type Collector interface {
	CPUUsage() (float32, error)
	MemoryUsage() (float32, error)
	DiskUsage() (float32, error)
	Temperature() (float32, error)
	GPUUsage() (float32, error)
}

// hostCollector reads real metrics through gopsutil. There is no portable
// GPU probe, so GPUUsage always reports unavailable.
type hostCollector struct{}

func newHostCollector() Collector { return &hostCollector{} }

func (hostCollector) CPUUsage() (float32, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return Unavailable, errors.Wrap(err, "failed to get CPU usage")
	}
	if len(percents) == 0 {
		return Unavailable, errors.New("no CPU samples returned")
	}
	return float32(percents[0]), nil
}

func (hostCollector) MemoryUsage() (float32, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return Unavailable, errors.Wrap(err, "failed to get memory stats")
	}
	return float32(v.UsedPercent), nil
}

func (hostCollector) DiskUsage() (float32, error) {
	u, err := disk.Usage("/")
	if err != nil {
		return Unavailable, errors.Wrap(err, "failed to get disk usage")
	}
	return float32(u.UsedPercent), nil
}

func (hostCollector) Temperature() (float32, error) {
	temps, err := host.SensorsTemperatures()
	if err != nil {
		return Unavailable, errors.Wrap(err, "failed to read temperature sensors")
	}
	if len(temps) == 0 {
		return Unavailable, errors.New("no temperature sensors")
	}
	return float32(temps[0].Temperature), nil
}

func (hostCollector) GPUUsage() (float32, error) {
	return Unavailable, errors.New("no GPU probe available")
}

// Start launches the background sampler. Every snapshot_interval the manager
// samples resources and refreshes engine uptime when running; snapshots are
// taken only on engine-state updates. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	interval := time.Duration(m.config.SnapshotInterval) * time.Second
	go m.sample(ctx, interval, m.stopCh, m.done)
	m.log.Debugw("state sampler started", "interval", interval)
}

// Stop halts the sampler and waits for it to exit. Idempotent.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	<-m.done
	m.log.Debugw("state sampler stopped")
}

func (m *Manager) sample(ctx context.Context, interval time.Duration, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(interval)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick samples every resource metric and folds the results into the state.
// A per-metric failure is logged and reported as unavailable; the sampler
// never stops on one.
func (m *Manager) tick(interval time.Duration) {
	rs := ResourceState{
		CPUUsage:    m.sampleUsage("cpu", m.collector.CPUUsage),
		MemoryUsage: m.sampleUsage("memory", m.collector.MemoryUsage),
		DiskUsage:   m.sampleUsage("disk", m.collector.DiskUsage),
		Temperature: m.sampleMetric("temperature", m.collector.Temperature),
		GPUUsage:    m.sampleUsage("gpu", m.collector.GPUUsage),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Resource = rs
	if m.state.Engine.Status == StatusRunning {
		m.state.Engine.UptimeSeconds += int64(interval / time.Second)
	}
}

// sampleUsage reads a percentage metric, clamped to [0,100].
func (m *Manager) sampleUsage(name string, fn func() (float32, error)) float32 {
	v := m.sampleMetric(name, fn)
	if v == Unavailable {
		return v
	}
	return util.Clamp(v, 0, 100)
}

func (m *Manager) sampleMetric(name string, fn func() (float32, error)) float32 {
	v, err := fn()
	if err != nil {
		serr := &errors.ResourceSamplingError{Metric: name, Err: err}
		m.log.Debugw("resource sample unavailable", logger.FieldError, serr)
		return Unavailable
	}
	return v
}
