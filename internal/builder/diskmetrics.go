package builder

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"
	"k8s.io/klog/v2"
)

// deviceForDirectory finds the block device backing dir, by matching
// the longest mount point that prefixes it. Used to scope the disk
// throughput collector to the device under base_path rather than
// reporting every device on the host.
func deviceForDirectory(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("builder: abs path for %s: %w", dir, err)
	}

	partitions, err := disk.Partitions(false)
	if err != nil {
		return "", fmt.Errorf("builder: list partitions: %w", err)
	}

	bestMatch := ""
	var bestPartition disk.PartitionStat
	for _, p := range partitions {
		if strings.HasPrefix(absDir, p.Mountpoint) && len(p.Mountpoint) > len(bestMatch) {
			bestMatch = p.Mountpoint
			bestPartition = p
		}
	}
	if bestMatch == "" {
		return "", fmt.Errorf("builder: no mount point found for %s", absDir)
	}
	return filepath.Base(bestPartition.Device), nil
}

// diskCollector reports read/write throughput for the device backing
// a build run's base_path, so an operator can see whether catalog
// commits or the end-of-run filter write are disk-bound.
type diskCollector struct {
	mutex  sync.Mutex
	device string
	last   lastDiskStat

	readRateDesc  *prometheus.Desc
	writeRateDesc *prometheus.Desc
	errorDesc     *prometheus.Desc
}

type lastDiskStat struct {
	readBytes  uint64
	writeBytes uint64
	at         time.Time
}

// newDiskCollector returns nil if the device backing dir can't be
// determined; disk throughput reporting is best-effort and must never
// block a build run from starting.
func newDiskCollector(dir string) *diskCollector {
	device, err := deviceForDirectory(dir)
	if err != nil {
		klog.Warningf("builder: disk metrics disabled: %v", err)
		return nil
	}
	return &diskCollector{
		device: device,
		readRateDesc: prometheus.NewDesc("pwnguard_builder_disk_read_bytes_per_second",
			"Read throughput of the device backing base_path.", nil, nil),
		writeRateDesc: prometheus.NewDesc("pwnguard_builder_disk_write_bytes_per_second",
			"Write throughput of the device backing base_path.", nil, nil),
		errorDesc: prometheus.NewDesc("pwnguard_builder_disk_collector_error",
			"Set to 1 when the last disk stats scrape failed.", nil, nil),
	}
}

func (c *diskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readRateDesc
	ch <- c.writeRateDesc
	ch <- c.errorDesc
}

func (c *diskCollector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	counters, err := disk.IOCounters(c.device)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.errorDesc, err)
		return
	}
	stat, ok := counters[c.device]
	if !ok {
		return
	}

	now := time.Now()
	if !c.last.at.IsZero() {
		dt := now.Sub(c.last.at).Seconds()
		if dt > 0 {
			readRate := rateOrZero(stat.ReadBytes, c.last.readBytes, dt)
			writeRate := rateOrZero(stat.WriteBytes, c.last.writeBytes, dt)
			ch <- prometheus.MustNewConstMetric(c.readRateDesc, prometheus.GaugeValue, readRate)
			ch <- prometheus.MustNewConstMetric(c.writeRateDesc, prometheus.GaugeValue, writeRate)
		}
	}
	c.last = lastDiskStat{readBytes: stat.ReadBytes, writeBytes: stat.WriteBytes, at: now}
}

func rateOrZero(cur, prev uint64, dtSeconds float64) float64 {
	if cur < prev {
		return 0 // counter reset
	}
	return float64(cur-prev) / dtSeconds
}
