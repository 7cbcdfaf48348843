package capacity

// Level classifies capacity utilization.
type Level string

const (
	LevelOK            Level = "OK"
	LevelInfo          Level = "INFO"
	LevelWarning       Level = "WARNING"
	LevelCritical      Level = "CRITICAL"
	LevelHyperCritical Level = "HYPER_CRITICAL"
	LevelUnknown       Level = "UNKNOWN"
)

// Utilization thresholds, in percent. Each bound is inclusive.
const (
	InfoThreshold          = 67.0
	WarningThreshold       = 75.0
	CriticalThreshold      = 83.0
	HyperCriticalThreshold = 93.0
)

// DefaultAccountCeiling is the number of replicating servers one account may hold.
const DefaultAccountCeiling = 300

// Classify maps a utilization percentage to a Level.
func Classify(percent float64) Level {
	switch {
	case percent >= HyperCriticalThreshold:
		return LevelHyperCritical
	case percent >= CriticalThreshold:
		return LevelCritical
	case percent >= WarningThreshold:
		return LevelWarning
	case percent >= InfoThreshold:
		return LevelInfo
	default:
		return LevelOK
	}
}

// Utilization returns used as a percentage of max. A non-positive max is
// fully utilized.
func Utilization(used, max int) float64 {
	if max <= 0 {
		return 100
	}
	return float64(used) * 100 / float64(max)
}

// Severity orders levels so callers can compare them. Unknown sorts below OK.
func (l Level) Severity() int {
	switch l {
	case LevelOK:
		return 1
	case LevelInfo:
		return 2
	case LevelWarning:
		return 3
	case LevelCritical:
		return 4
	case LevelHyperCritical:
		return 5
	default:
		return 0
	}
}
