// Package scheduler holds the load-balancing policies that pick which idle
// worker receives the next queued job.
package scheduler

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Candidate is an idle worker offered to a Policy.
type Candidate struct {
	ID      int64
	Load    float64
	HasLoad bool
}

// Policy picks one candidate. Candidates arrive sorted by ascending ID and
// contain only idle workers; Select returns the chosen index or -1.
//
// Select is called inside the registry's structural critical section, so
// implementations must not block.
type Policy interface {
	Name() string
	Select(cands []Candidate) int
}

// Policy names accepted by Parse.
const (
	PolicyWeighted   = "weighted"
	PolicyRoundRobin = "roundrobin"
)

// Parse returns a fresh policy for name.
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyWeighted, "weighted-least-loaded", "ll":
		return &WeightedLeastLoaded{}, nil
	case PolicyRoundRobin, "round-robin", "rr":
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling policy %q", name)
	}
}

// WeightedLeastLoaded prefers the idle worker with the smallest reported
// load. Workers that have not reported yet count as infinitely loaded;
// ties go to the lowest id.
type WeightedLeastLoaded struct{}

func (*WeightedLeastLoaded) Name() string { return PolicyWeighted }

func (*WeightedLeastLoaded) Select(cands []Candidate) int {
	best := -1
	for i, c := range cands {
		if best == -1 || effLoad(c) < effLoad(cands[best]) {
			best = i
		}
	}
	return best
}

func effLoad(c Candidate) float64 {
	if !c.HasLoad {
		return math.Inf(1)
	}
	return c.Load
}

// RoundRobin walks idle workers in id order, starting just after the last
// worker it picked and wrapping around.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int64
}

func (*RoundRobin) Name() string { return PolicyRoundRobin }

func (s *RoundRobin) Select(cands []Candidate) int {
	if len(cands) == 0 {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := 0
	for i, c := range cands {
		if c.ID > s.cursor {
			pick = i
			break
		}
	}
	s.cursor = cands[pick].ID
	return pick
}
