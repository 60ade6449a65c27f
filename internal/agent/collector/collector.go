// Package collector samples the host load metric the worker reports to
// the manager.
package collector

import (
	"fmt"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
)

// Collector reports a normalized load metric for the host.
type Collector interface {
	Name() string
	Collect() (float64, error)
}

// DefaultLoadAvgPath is where Linux exposes load averages.
const DefaultLoadAvgPath = "/proc/loadavg"

// LoadAvg reports the 1-minute load average divided by the CPU count,
// capped at 1.0.
type LoadAvg struct {
	Path string
	CPUs int
}

func NewLoadAvg() *LoadAvg {
	return &LoadAvg{Path: DefaultLoadAvgPath, CPUs: goruntime.NumCPU()}
}

func (*LoadAvg) Name() string { return "loadavg" }

func (l *LoadAvg) Collect() (float64, error) {
	avgs, err := l.Averages()
	if err != nil {
		return 0, err
	}
	cpus := l.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	v := avgs[0] / float64(cpus)
	if v > 1 {
		v = 1
	}
	return v, nil
}

// Averages returns the raw 1, 5 and 15 minute load averages.
func (l *LoadAvg) Averages() ([3]float64, error) {
	var out [3]float64
	path := l.Path
	if path == "" {
		path = DefaultLoadAvgPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return out, fmt.Errorf("parse %s: expected 3 load averages, got %q", path, strings.TrimSpace(string(data)))
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return out, fmt.Errorf("parse %s: %w", path, err)
		}
		out[i] = v
	}
	return out, nil
}

// Static always reports the same value.
type Static float64

func (Static) Name() string                { return "static" }
func (s Static) Collect() (float64, error) { return float64(s), nil }
