package model

// Snapshot is the persisted state of the scheduler: every rule and every task,
// enough to rebuild both registries and re-arm pending timers.
type Snapshot struct {
	Rules []RecurrenceRule `json:"rules"`
	Tasks []Task           `json:"tasks"`
}
