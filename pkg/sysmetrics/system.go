package sysmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/danl5/loadelect/pkg/model"
)

// DefaultRequestLatency is reported when no latency probe is configured, in milliseconds.
const DefaultRequestLatency = 10.0

// LatencyProbe reports the current request latency in milliseconds.
type LatencyProbe func(ctx context.Context) (float64, error)

type SystemOption func(s *System)

// WithLatencyProbe sets the probe used for RequestLatency.
func WithLatencyProbe(p LatencyProbe) SystemOption {
	return func(s *System) { s.latency = p }
}

// WithVariant limits measurement to the fields of a metrics variant.
func WithVariant(v model.MetricsVariant) SystemOption {
	return func(s *System) { s.variant = v }
}

// System measures the host with gopsutil. Bandwidth and disk operations are
// rates over the time since the previous call.
type System struct {
	variant model.MetricsVariant
	latency LatencyProbe

	mu   sync.Mutex
	prev *counters
}

type counters struct {
	at       time.Time
	netBytes uint64
	diskOps  uint64
	netOK    bool
	diskOK   bool
}

// NewSystem checks that cpu and memory can be read on this host.
func NewSystem(opts ...SystemOption) (*System, error) {
	s := &System{variant: model.MetricsExtended}
	for _, opt := range opts {
		opt(s)
	}
	if s.latency == nil {
		s.latency = func(context.Context) (float64, error) { return DefaultRequestLatency, nil }
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		return nil, fmt.Errorf("metrics source unavailable: %w", err)
	}
	if _, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		return nil, fmt.Errorf("metrics source unavailable: %w", err)
	}
	if s.variant == model.MetricsExtended {
		s.prev = s.readCounters(ctx)
	}
	return s, nil
}

func (s *System) Measure(ctx context.Context) (model.SystemMetrics, error) {
	out := model.SystemMetrics{}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, fmt.Errorf("measure cpu: %w", err)
	}
	if len(percents) > 0 {
		out.CPULoad = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("measure memory: %w", err)
	}
	out.MemoryUsage = vm.UsedPercent

	if s.variant == model.MetricsBasic {
		return out, nil
	}

	s.mu.Lock()
	cur := s.readCounters(ctx)
	prev := s.prev
	s.prev = cur
	s.mu.Unlock()

	out.NetworkBandwidth, out.DiskIO = rates(prev, cur)

	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err == nil {
		out.ConnectionCount = uint32(len(conns))
	}

	latency, err := s.latency(ctx)
	if err != nil {
		return out, fmt.Errorf("measure latency: %w", err)
	}
	out.RequestLatency = latency
	return out, nil
}

func (s *System) readCounters(ctx context.Context) *counters {
	c := &counters{at: time.Now()}

	nics, err := net.IOCountersWithContext(ctx, false)
	if err == nil && len(nics) > 0 {
		c.netBytes = nics[0].BytesSent + nics[0].BytesRecv
		c.netOK = true
	}

	// disk counters are often missing in containers
	disks, err := disk.IOCountersWithContext(ctx)
	if err == nil {
		for _, d := range disks {
			c.diskOps += d.ReadCount + d.WriteCount
		}
		c.diskOK = true
	}
	return c
}

// rates returns bandwidth in Mbps and disk operations per second between two
// readings. A counter unreadable in either reading reports 0.
func rates(prev, cur *counters) (bandwidth, diskIO float64) {
	if prev == nil || cur == nil {
		return 0, 0
	}
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	if prev.netOK && cur.netOK {
		bandwidth = float64(delta(cur.netBytes, prev.netBytes)) * 8 / 1e6 / elapsed
	}
	if prev.diskOK && cur.diskOK {
		diskIO = float64(delta(cur.diskOps, prev.diskOps)) / elapsed
	}
	return bandwidth, diskIO
}

// counters can reset when interfaces or devices come and go
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
