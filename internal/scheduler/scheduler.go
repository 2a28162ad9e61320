// Package scheduler materializes recurring job definitions into ordinary
// jobs. Definitions live in Redis; a due-time sorted set drives the tick.
// Only the elected singleton runs ticks, so a definition fires once per
// interval no matter how many processes are up.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

const dueKey = "schedule:due" // zset: score=next_fire_at_unix_ms, member=name

func defKey(name string) string { return "schedule:" + name }

// Submitter is the slice of the job manager the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// SubmitRequest mirrors the manager's submission input so the scheduler
// does not import it (the manager owns a scheduler for admin passthrough).
type SubmitRequest struct {
	Kind      models.Kind
	TargetKey string
	Strategy  models.QueueStrategy
	Payload   map[string]interface{}
	Webhook   *models.Webhook
}

type Scheduler struct {
	rdb *redis.Client
	sub Submitter
	log *slog.Logger
}

func New(rdb *redis.Client, sub Submitter, log *slog.Logger) *Scheduler {
	return &Scheduler{rdb: rdb, sub: sub, log: log}
}

// Add creates a definition and arms its first fire one interval from now.
func (s *Scheduler) Add(ctx context.Context, def *models.ScheduleDefinition) error {
	if err := validate(def); err != nil {
		return err
	}
	def.NextFireAt = time.Now().Add(def.Interval()).UTC()
	return s.write(ctx, def)
}

// Update replaces an existing definition, rearming its next fire.
func (s *Scheduler) Update(ctx context.Context, def *models.ScheduleDefinition) error {
	if err := validate(def); err != nil {
		return err
	}
	if err := s.exists(ctx, def.Name); err != nil {
		return err
	}
	def.NextFireAt = time.Now().Add(def.Interval()).UTC()
	return s.write(ctx, def)
}

// Remove deletes a definition.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	if err := s.exists(ctx, name); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, defKey(name))
	pipe.ZRem(ctx, dueKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove schedule %s: %w", name, err)
	}
	return nil
}

// Get reads one definition by name.
func (s *Scheduler) Get(ctx context.Context, name string) (*models.ScheduleDefinition, error) {
	raw, err := s.rdb.Get(ctx, defKey(name)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("schedule %s: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule %s: %w", name, err)
	}
	var def models.ScheduleDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("corrupt schedule %s: %w", name, err)
	}
	return &def, nil
}

// List returns all definitions ordered by next fire time.
func (s *Scheduler) List(ctx context.Context) ([]*models.ScheduleDefinition, error) {
	names, err := s.rdb.ZRange(ctx, dueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defs := make([]*models.ScheduleDefinition, 0, len(names))
	for _, name := range names {
		def, err := s.Get(ctx, name)
		if err != nil {
			continue // removed between range and read
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Tick submits every due definition and advances its next fire time. A
// submission failure leaves the definition due, so the next tick retries
// it by re-evaluation rather than explicit retry state.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := s.rdb.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to fetch due schedules: %w", err)
	}

	fired := 0
	for _, name := range due {
		def, err := s.Get(ctx, name)
		if err != nil {
			s.log.Error("due schedule unreadable", "schedule", name, "err", err)
			continue
		}

		_, err = s.sub.Submit(ctx, SubmitRequest{
			Kind:      def.Kind,
			TargetKey: def.TargetKey,
			Strategy:  def.Strategy,
			Payload:   def.Payload,
			Webhook:   def.Webhook,
		})
		if err != nil {
			s.log.Error("schedule submission failed", "schedule", name, "err", err)
			continue // stays due for the next tick
		}

		def.NextFireAt = now.Add(def.Interval()).UTC()
		if err := s.write(ctx, def); err != nil {
			// The job was submitted but the advance did not land, so the
			// next tick fires the definition again. An interval is
			// at-least-once, never silently skipped.
			s.log.Error("failed to advance schedule", "schedule", name, "err", err)
			continue
		}
		metrics.ScheduleFiresTotal.Inc()
		fired++
	}
	return fired, nil
}

// Run ticks at a fixed interval until ctx ends. Call only when elected.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.Tick(ctx); err != nil {
				s.log.Error("schedule tick failed", "err", err)
			} else if n > 0 {
				s.log.Info("schedules fired", "count", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) write(ctx context.Context, def *models.ScheduleDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule %s: %w", def.Name, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, defKey(def.Name), raw, 0)
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(def.NextFireAt.UnixMilli()), Member: def.Name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store schedule %s: %w", def.Name, err)
	}
	return nil
}

func (s *Scheduler) exists(ctx context.Context, name string) error {
	n, err := s.rdb.Exists(ctx, defKey(name)).Result()
	if err != nil {
		return fmt.Errorf("failed to look up schedule %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", name, models.ErrNotFound)
	}
	return nil
}

func validate(def *models.ScheduleDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: schedule name required", models.ErrInvalidRequest)
	}
	if def.IntervalMs <= 0 {
		return fmt.Errorf("%w: schedule interval must be positive", models.ErrInvalidRequest)
	}
	if !def.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", models.ErrInvalidRequest, def.Kind)
	}
	if def.Strategy == "" {
		def.Strategy = models.StrategyFIFO
	}
	if !def.Strategy.Valid() {
		return fmt.Errorf("%w: unknown queue strategy %q", models.ErrInvalidRequest, def.Strategy)
	}
	if def.Strategy == models.StrategyPinned && def.TargetKey == "" {
		return fmt.Errorf("%w: pinned schedule requires target_key", models.ErrInvalidRequest)
	}
	return nil
}
