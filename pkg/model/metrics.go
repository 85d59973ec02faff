package model

import "fmt"

// MetricsVariant selects which SystemMetrics fields take part in scoring,
// voting and the wire format. All nodes in a cluster must use the same variant.
type MetricsVariant string

const (
	// MetricsExtended uses all six metrics
	MetricsExtended MetricsVariant = "extended"
	// MetricsBasic uses cpu load and memory usage only
	MetricsBasic MetricsVariant = "basic"
)

func (v MetricsVariant) String() string {
	return string(v)
}

func (v MetricsVariant) Validate() error {
	switch v {
	case MetricsExtended, MetricsBasic:
		return nil
	}
	return fmt.Errorf("unknown metrics variant %q", string(v))
}

// SystemMetrics is a snapshot of resource load for one node at one instant.
// Snapshots are values; a new one is measured every cycle.
type SystemMetrics struct {
	// CPULoad in percent, 0-100
	CPULoad float64 `json:"cpu_load"`
	// MemoryUsage in percent, 0-100
	MemoryUsage float64 `json:"memory_usage"`
	// NetworkBandwidth in Mbps
	NetworkBandwidth float64 `json:"network_bandwidth"`
	// DiskIO in operations per second
	DiskIO float64 `json:"disk_io"`
	// RequestLatency in milliseconds
	RequestLatency float64 `json:"request_latency"`
	// ConnectionCount is the number of open connections
	ConnectionCount uint32 `json:"connection_count"`
}

// ForVariant returns a copy carrying only the fields the variant uses.
func (m SystemMetrics) ForVariant(v MetricsVariant) SystemMetrics {
	if v == MetricsBasic {
		return SystemMetrics{CPULoad: m.CPULoad, MemoryUsage: m.MemoryUsage}
	}
	return m
}
