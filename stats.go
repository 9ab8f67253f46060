package forkgc

import (
	"fmt"
	"io"
	"os"
)

// PrintStatistics writes the cycle-count/peak-scan/bytes-freed triad
// to w, the Go realization of the original's forkgc_print_statistics
// (its "statm:"/"fork-count:"/"scan-max:" stdout lines), and also
// emits the same figures as a structured log line through the ambient
// logger so a host already consuming structured logs doesn't have to
// scrape w's text.
func (c *Collector) PrintStatistics(w io.Writer) error {
	stats := c.statsSnapshot()

	statm, err := readStatm()
	if err != nil {
		c.logger.Warn().Err(err).Msg("forkgc: /proc/self/statm unavailable")
	}

	pct := float64(0)
	if stats.SystemMemory > 0 {
		pct = 100 * float64(statm.residentBytes) / float64(stats.SystemMemory)
	}

	_, err = fmt.Fprintf(w,
		"forkgc: cycles=%d scan-max=%d bytes bytes-freed=%d statm-resident=%d bytes (%.2f%% of system memory)\n",
		stats.Cycles, stats.PeakBytesScanned, stats.TotalBytesFreed, statm.residentBytes, pct)
	if err != nil {
		return fatalf("PrintStatistics", "write: %w", err)
	}

	c.logger.Info().
		Int64("cycles", stats.Cycles).
		Int64("scan_max_bytes", stats.PeakBytesScanned).
		Int64("bytes_freed", stats.TotalBytesFreed).
		Int64("resident_bytes", statm.residentBytes).
		Uint64("system_memory_bytes", stats.SystemMemory).
		Msg("forkgc: statistics")
	return nil
}

type statm struct {
	residentBytes int64
}

// readStatm parses the resident-set-size field of /proc/self/statm,
// the same source the original's forkgc_print_statistics reads
// directly. Values are reported in pages, scaled to bytes by the
// system page size already resolved in sharedmem.go.
func readStatm() (statm, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return statm{}, err
	}
	var sizePages, residentPages int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &sizePages, &residentPages); err != nil {
		return statm{}, fatalf("readStatm", "parse /proc/self/statm: %w", err)
	}
	return statm{residentBytes: residentPages * int64(pageSize)}, nil
}
