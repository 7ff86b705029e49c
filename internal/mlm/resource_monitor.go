package mlm

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProcMemInfoMonitor reads available memory from /proc/meminfo (Linux).
// Grounded on model_manager.py's _get_available_memory_gb.
type ProcMemInfoMonitor struct {
	path string // overridable for tests
}

func NewProcMemInfoMonitor() *ProcMemInfoMonitor {
	return &ProcMemInfoMonitor{path: "/proc/meminfo"}
}

func (p *ProcMemInfoMonitor) AvailableGB(ctx context.Context) (float64, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return 0, fmt.Errorf("mlm: reading %s: %w", p.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("mlm: parsing MemAvailable: %w", err)
		}
		return kb / (1024 * 1024), nil
	}
	return 0, fmt.Errorf("mlm: MemAvailable not found in %s", p.path)
}

// StaticMonitor reports a fixed headroom value, for platforms where
// /proc/meminfo is unavailable (e.g. a container image without procfs, or a
// macOS host) and for tests.
type StaticMonitor struct {
	GB float64
}

func (s StaticMonitor) AvailableGB(ctx context.Context) (float64, error) {
	return s.GB, nil
}

var _ ResourceMonitor = (*ProcMemInfoMonitor)(nil)
var _ ResourceMonitor = StaticMonitor{}
