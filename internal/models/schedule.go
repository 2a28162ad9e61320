package models

import "time"

// ScheduleDefinition is a recurring job template. The scheduler tick
// materializes due definitions into ordinary jobs; add/modify/remove are
// synchronous administrative operations independent of tick timing.
type ScheduleDefinition struct {
	Name       string                 `json:"name"`
	IntervalMs int64                  `json:"interval_ms"`
	Kind       Kind                   `json:"kind"`
	TargetKey  string                 `json:"target_key,omitempty"`
	Strategy   QueueStrategy          `json:"queue_strategy"`
	Payload    map[string]interface{} `json:"payload"`
	Webhook    *Webhook               `json:"webhook,omitempty"`
	NextFireAt time.Time              `json:"next_fire_at"`
}

// Interval returns the trigger interval as a duration.
func (d *ScheduleDefinition) Interval() time.Duration {
	return time.Duration(d.IntervalMs) * time.Millisecond
}
