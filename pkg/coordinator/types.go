package coordinator

// Action is what the coordinator did for one execution in one tick.
type Action string

const (
	ActionSkipped     Action = "skipped"
	ActionDeferred    Action = "deferred"
	ActionWaiting     Action = "waiting"
	ActionWaveStarted Action = "wave_started"
	ActionWaveFailed  Action = "wave_failed"
	ActionPaused      Action = "paused"
	ActionBlocked     Action = "blocked"
	ActionFinalized   Action = "finalized"
	ActionFailed      Action = "failed"
	ActionCancelled   Action = "cancelled"
	ActionError       Action = "error"
)

// Step is the outcome of stepping one execution.
type Step struct {
	ExecutionID string `json:"execution_id"`
	Action      Action `json:"action"`
	Wave        *int   `json:"wave,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Err         error  `json:"-"`
}

// TickResult lists the steps of one tick, sorted by execution id.
type TickResult struct {
	Steps []Step `json:"steps"`
}

// Count returns how many steps took action a.
func (r *TickResult) Count(a Action) int {
	n := 0
	for _, s := range r.Steps {
		if s.Action == a {
			n++
		}
	}
	return n
}
