package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind selects which driver operation a job runs.
type Kind string

const (
	KindGetConfig      Kind = "get_config"
	KindSetConfig      Kind = "set_config"
	KindScript         Kind = "script"
	KindDryRun         Kind = "dry_run"
	KindTemplateRender Kind = "template_render"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindGetConfig, KindSetConfig, KindScript, KindDryRun, KindTemplateRender:
		return true
	}
	return false
}

// ReadStyle reports whether results of this kind are cacheable per target.
func (k Kind) ReadStyle() bool {
	return k == KindGetConfig || k == KindTemplateRender
}

// WriteStyle reports whether a successful job of this kind mutates device
// state and must poison the target's cached reads.
func (k Kind) WriteStyle() bool {
	return k == KindSetConfig
}

// QueueStrategy decides which execution lane a job enters.
type QueueStrategy string

const (
	StrategyFIFO   QueueStrategy = "fifo"
	StrategyPinned QueueStrategy = "pinned"
)

func (s QueueStrategy) Valid() bool {
	return s == StrategyFIFO || s == StrategyPinned
}

// Status is the job lifecycle state. Transitions are forward-only:
// queued -> running -> complete|failed. The single exception is lease
// recovery, which may requeue a job whose worker disappeared.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Webhook is an optional callback fired exactly once when the job reaches
// a terminal state.
type Webhook struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Job struct {
	ID        string                 `json:"job_id"`
	Kind      Kind                   `json:"kind"`
	TargetKey string                 `json:"target_key,omitempty"`
	Strategy  QueueStrategy          `json:"queue_strategy"`
	Payload   map[string]interface{} `json:"payload"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`
	Webhook   *Webhook               `json:"webhook,omitempty"`

	// Seq is the global submission sequence number, assigned on enqueue.
	// Queues order strictly by Seq.
	Seq int64 `json:"seq,omitempty"`

	Status      Status                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Requeues    int                    `json:"requeues,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   time.Time              `json:"started_at,omitzero"`
	CompletedAt time.Time              `json:"completed_at,omitzero"`
}

// NewJob builds a queued job with a fresh id. Inputs are not validated
// here; the manager rejects malformed submissions before a job exists.
func NewJob(kind Kind, target string, strategy QueueStrategy, payload map[string]interface{}) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		TargetKey: target,
		Strategy:  strategy,
		Payload:   payload,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}
