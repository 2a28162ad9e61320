package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/viperbmw/netstacks-sub002/internal/models"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring job definitions",
	}
	cmd.AddCommand(scheduleAddCmd(), scheduleRemoveCmd(), scheduleListCmd())
	return cmd
}

func scheduleAddCmd() *cobra.Command {
	var (
		name     string
		interval time.Duration
		kind     string
		target   string
		strategy string
		payload  string
		update   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a recurring job definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var p map[string]interface{}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("%w: payload is not valid JSON: %v", models.ErrInvalidRequest, err)
				}
			}

			def := &models.ScheduleDefinition{
				Name:       name,
				IntervalMs: interval.Milliseconds(),
				Kind:       models.Kind(kind),
				TargetKey:  target,
				Strategy:   models.QueueStrategy(strategy),
				Payload:    p,
			}
			if update {
				return a.mgr.Scheduler().Update(cmd.Context(), def)
			}
			return a.mgr.Scheduler().Add(cmd.Context(), def)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique definition name")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "fire interval")
	cmd.Flags().StringVar(&kind, "kind", "", "job kind to materialize")
	cmd.Flags().StringVar(&target, "target", "", "device/resource key")
	cmd.Flags().StringVar(&strategy, "strategy", "fifo", "queue strategy")
	cmd.Flags().StringVar(&payload, "payload", "", "job payload as JSON")
	cmd.Flags().BoolVar(&update, "update", false, "modify an existing definition")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func scheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a recurring job definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.mgr.Scheduler().Remove(cmd.Context(), args[0])
		},
	}
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List recurring job definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			defs, err := a.mgr.Scheduler().List(cmd.Context())
			if err != nil {
				return err
			}
			for _, def := range defs {
				fmt.Printf("%-24s every %-10s %-16s next %s\n",
					def.Name, def.Interval(), def.Kind, def.NextFireAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
