package httpapi

import (
	"github.com/7and1/volatile/api"
	"github.com/7and1/volatile/breaker"
)

// breakerLabel reports the spec's three health-check labels for a
// breaker state: available, open, half-open.
func breakerLabel(s breaker.State) string {
	switch s {
	case breaker.Open:
		return "open"
	case breaker.HalfOpen:
		return "half-open"
	default:
		return "available"
	}
}

// breakerStatus reports the worse of two breaker states as a single
// dependency label: the secret store is backed by two breakers
// (read, validate) but health reports one status per dependency.
// Severity order (best to worst): closed, half-open, open — breaker.State's
// own iota order doesn't match this, so it's ranked explicitly.
func breakerStatus(states ...breaker.State) string {
	severity := func(s breaker.State) int {
		switch s {
		case breaker.Open:
			return 2
		case breaker.HalfOpen:
			return 1
		default:
			return 0
		}
	}
	worst := breaker.Closed
	worstSeverity := -1
	for _, s := range states {
		if sev := severity(s); sev > worstSeverity {
			worstSeverity = sev
			worst = s
		}
	}
	return breakerLabel(worst)
}

func opStatsJSON(s api.OpStats) map[string]interface{} {
	return map[string]interface{}{
		"attempts":    s.Attempts,
		"successes":   s.Successes,
		"failures":    s.Failures,
		"successRate": s.SuccessRate,
	}
}
