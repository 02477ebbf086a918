package health

import (
	"strings"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// DegradationLevel labels system capability given current fleet health.
type DegradationLevel int

const (
	// FullOperation: executor healthy and every detector healthy.
	FullOperation DegradationLevel = iota
	// ReducedChains: executor healthy, at least one detector not healthy
	// (this includes every detector being down).
	ReducedChains
	// DetectionOnly: executor unhealthy, at least one detector healthy.
	DetectionOnly
	// ReadOnly: executor unhealthy and no detector healthy.
	ReadOnly
	// CompleteOutage: no services recorded or zero system health.
	CompleteOutage
)

func (l DegradationLevel) String() string {
	switch l {
	case FullOperation:
		return "FULL_OPERATION"
	case ReducedChains:
		return "REDUCED_CHAINS"
	case DetectionOnly:
		return "DETECTION_ONLY"
	case ReadOnly:
		return "READ_ONLY"
	case CompleteOutage:
		return "COMPLETE_OUTAGE"
	default:
		return "UNKNOWN"
	}
}

// Patterns configures service-type membership for tier evaluation.
type Patterns struct {
	// ExecutorName matches the execution engine exactly.
	ExecutorName string
	// DetectorSubstring matches detector services by substring.
	DetectorSubstring string
}

// DefaultPatterns matches the fleet's conventional service names.
func DefaultPatterns() Patterns {
	return Patterns{ExecutorName: "execution-engine", DetectorSubstring: "detector"}
}

// EvaluateDegradation is a pure function of the health map: identical inputs
// always produce the identical tier.
func EvaluateDegradation(services map[string]domain.ServiceHealth, healthPercent float64, p Patterns) DegradationLevel {
	if len(services) == 0 || healthPercent == 0 {
		return CompleteOutage
	}

	executorHealthy := false
	detectorsTotal := 0
	detectorsHealthy := 0
	for name, svc := range services {
		healthy := svc.Status == domain.StatusHealthy
		if name == p.ExecutorName {
			executorHealthy = healthy
			continue
		}
		if strings.Contains(name, p.DetectorSubstring) {
			detectorsTotal++
			if healthy {
				detectorsHealthy++
			}
		}
	}

	switch {
	case executorHealthy && detectorsHealthy == detectorsTotal:
		return FullOperation
	case executorHealthy:
		return ReducedChains
	case detectorsHealthy > 0:
		return DetectionOnly
	default:
		return ReadOnly
	}
}
