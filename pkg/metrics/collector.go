package metrics

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
)

const (
	// DefaultPeriod is the trailing observation window.
	DefaultPeriod = "PT30M"
	// granularity is the sample resolution within the window.
	granularity = "PT1M"

	metricCPUUser        = "CPU_USER"
	metricMemoryResident = "MEMORY_RESIDENT"
	metricDiskIOPS       = "DISK_PARTITION_IOPS_TOTAL"
	metricConnections    = "CONNECTIONS"

	bytesPerGB = 1024 * 1024 * 1024
)

// Sample holds the averaged utilization of one process over the
// observation window. Max values ride along for logging and the run
// report; only the averages gate decisions.
type Sample struct {
	CPUAvg         float64 `json:"cpuAvg" yaml:"cpuAvg"`
	CPUMax         float64 `json:"cpuMax" yaml:"cpuMax"`
	MemoryAvgGB    float64 `json:"memoryAvgGb" yaml:"memoryAvgGb"`
	MemoryMaxGB    float64 `json:"memoryMaxGb" yaml:"memoryMaxGb"`
	IOPSAvg        float64 `json:"iopsAvg" yaml:"iopsAvg"`
	IOPSMax        float64 `json:"iopsMax" yaml:"iopsMax"`
	ConnectionsAvg float64 `json:"connectionsAvg" yaml:"connectionsAvg"`
	ConnectionsMax float64 `json:"connectionsMax" yaml:"connectionsMax"`
}

// MeasurementsAPI is the slice of the Atlas client the collector needs.
type MeasurementsAPI interface {
	GetMeasurements(ctx context.Context, processID, metricName, granularity, period string) ([]atlas.MeasurementPoint, error)
}

// Collector fetches the four gating metric series for a process. Samples
// are ephemeral: fetched fresh per shard per run, never cached.
type Collector struct {
	api    MeasurementsAPI
	period string
	logger *logrus.Logger
}

// NewCollector creates a collector. period is the trailing window as an
// ISO-8601 duration; empty selects the default.
func NewCollector(api MeasurementsAPI, period string, logger *logrus.Logger) *Collector {
	if period == "" {
		period = DefaultPeriod
	}
	return &Collector{api: api, period: period, logger: logger}
}

// Collect fetches all four series for a process. A fetch error on any
// series fails the collection so the caller skips the shard; an empty
// series (process idle or window too short) leaves that series at zero.
func (c *Collector) Collect(ctx context.Context, processID string) (Sample, error) {
	var sample Sample

	cpu, err := c.series(ctx, processID, metricCPUUser, nil)
	if err != nil {
		return Sample{}, err
	}
	sample.CPUAvg, sample.CPUMax = summarize(cpu)

	memory, err := c.series(ctx, processID, metricMemoryResident, func(v float64) float64 { return v / bytesPerGB })
	if err != nil {
		return Sample{}, err
	}
	sample.MemoryAvgGB, sample.MemoryMaxGB = summarize(memory)

	iops, err := c.series(ctx, processID, metricDiskIOPS, nil)
	if err != nil {
		return Sample{}, err
	}
	sample.IOPSAvg, sample.IOPSMax = summarize(iops)

	connections, err := c.series(ctx, processID, metricConnections, nil)
	if err != nil {
		return Sample{}, err
	}
	sample.ConnectionsAvg, sample.ConnectionsMax = summarize(connections)

	return sample, nil
}

func (c *Collector) series(ctx context.Context, processID, metric string, transform func(float64) float64) ([]float64, error) {
	points, err := c.api.GetMeasurements(ctx, processID, metric, granularity, c.period)
	if err != nil {
		return nil, fmt.Errorf("metrics collection failed for %s: %w", metric, err)
	}
	values := atlas.Values(points, transform)
	if len(values) == 0 {
		c.logger.Debugf("No %s samples for process %s over %s", metric, processID, c.period)
	}
	return values, nil
}

func summarize(values []float64) (avg, max float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
		if v > max {
			max = v
		}
	}
	return sum / float64(len(values)), max
}
