package research

import "time"

// Budget bounds one run. Every field grows strictly from quick to deep.
type Budget struct {
	MaxSteps                   int
	MaxRuntime                 time.Duration
	MinSources                 int
	MaxRequeriesPerSubQuestion int
}

const (
	defaultSourceFetchTimeout       = 12 * time.Second
	defaultSourceMaxBytes     int64 = 1_500_000
	defaultConcurrency              = 3
	minStalenessThreshold           = 20 * time.Minute
	stalenessMultiplier             = 8
	hardCutoffMultiplier            = 3
)

func BudgetFor(effort Effort) Budget {
	switch effort {
	case EffortQuick:
		return Budget{MaxSteps: 12, MaxRuntime: 120 * time.Second, MinSources: 4, MaxRequeriesPerSubQuestion: 1}
	case EffortDeep:
		return Budget{MaxSteps: 40, MaxRuntime: 600 * time.Second, MinSources: 10, MaxRequeriesPerSubQuestion: 3}
	default:
		return Budget{MaxSteps: 24, MaxRuntime: 300 * time.Second, MinSources: 6, MaxRequeriesPerSubQuestion: 2}
	}
}

// StalenessThreshold is how long a run may stay running before a start
// request treats it as abandoned.
func (b Budget) StalenessThreshold() time.Duration {
	threshold := time.Duration(stalenessMultiplier) * b.MaxRuntime
	if threshold < minStalenessThreshold {
		return minStalenessThreshold
	}
	return threshold
}

// HardCutoff is the wall-clock deadline applied to a run's network calls.
func (b Budget) HardCutoff() time.Duration {
	return time.Duration(hardCutoffMultiplier) * b.MaxRuntime
}

func (b Budget) searchLimit() int {
	return max(8, b.MinSources+2)
}

func (b Budget) stopMinSources() int {
	return min(b.MinSources, 4)
}
