package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/viperbmw/netstacks-sub002/internal/manager"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

func submitCmd() *cobra.Command {
	var (
		kind     string
		target   string
		strategy string
		payload  string
		timeout  time.Duration
		hookURL  string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and print its id",
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

			req := manager.SubmitRequest{
				Kind:      models.Kind(kind),
				TargetKey: target,
				Strategy:  models.QueueStrategy(strategy),
				Payload:   p,
				TimeoutMs: int(timeout.Milliseconds()),
			}
			if hookURL != "" {
				req.Webhook = &models.Webhook{URL: hookURL}
			}

			id, err := a.mgr.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "job kind (get_config, set_config, script, dry_run, template_render)")
	cmd.Flags().StringVar(&target, "target", "", "device/resource key, required for pinned jobs")
	cmd.Flags().StringVar(&strategy, "strategy", "fifo", "queue strategy (fifo or pinned)")
	cmd.Flags().StringVar(&payload, "payload", "", "driver-specific arguments as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-job execution timeout")
	cmd.Flags().StringVar(&hookURL, "webhook-url", "", "URL called once on terminal state")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Fetch one job by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			job, err := a.mgr.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func jobsCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.mgr.List(cmd.Context(), target)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s  %-16s %-8s %s\n", job.ID, job.Kind, job.Status, job.TargetKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "filter by target key")
	return cmd
}

func workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			regs, err := a.mgr.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			for _, reg := range regs {
				fmt.Printf("%-24s %-8s last seen %s\n", reg.Name, reg.Pool, reg.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <worker>",
		Short: "Stop a worker from claiming new work and fail its in-flight jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.mgr.KillWorker(cmd.Context(), args[0])
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
