package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PoolType distinguishes the two worker execution strategies.
type PoolType string

const (
	PoolGeneral PoolType = "general"
	PoolPinned  PoolType = "pinned"
)

func (p PoolType) Valid() bool {
	return p == PoolGeneral || p == PoolPinned
}

// WorkerRegistration is the ephemeral heartbeat record for one worker
// process. Created on start, refreshed with each heartbeat, expired by the
// recovery scan when heartbeats stop.
type WorkerRegistration struct {
	Name     string    `json:"worker_name"`
	Pool     PoolType  `json:"pool_type"`
	LastSeen time.Time `json:"last_seen"`
}

// WorkerName derives a unique name for a new worker of the given pool type.
func WorkerName(pool PoolType) string {
	return fmt.Sprintf("%s-%s", pool, uuid.New().String()[:8])
}
