// Package webhook delivers terminal-state callbacks. Dispatch is one-shot
// and asynchronous with its own bounded retry and timeout; a delivery
// failure never alters the job's recorded status.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/viperbmw/netstacks-sub002/internal/metrics"
	"github.com/viperbmw/netstacks-sub002/internal/models"
)

type Notifier struct {
	client  *http.Client
	retries int
	log     *slog.Logger
}

func NewNotifier(timeout time.Duration, retries int, log *slog.Logger) *Notifier {
	if retries < 1 {
		retries = 1
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		log:     log,
	}
}

// Notify fires the job's webhook, if any, in the background. Call it only
// from the code path that performed the terminal transition, so a callback
// fires exactly once per job.
func (n *Notifier) Notify(job *models.Job) {
	if job == nil || job.Webhook == nil || job.Webhook.URL == "" {
		return
	}
	go n.deliver(job)
}

func (n *Notifier) deliver(job *models.Job) {
	body, err := json.Marshal(job)
	if err != nil {
		n.log.Error("webhook marshal failed", "job", job.ID, "err", err)
		return
	}

	for attempt := 1; attempt <= n.retries; attempt++ {
		err = n.post(job, body)
		if err == nil {
			n.log.Debug("webhook delivered", "job", job.ID, "url", job.Webhook.URL)
			return
		}
		n.log.Warn("webhook delivery failed", "job", job.ID, "attempt", attempt, "err", err)
		if attempt < n.retries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	metrics.WebhookFailuresTotal.Inc()
}

func (n *Notifier) post(job *models.Job, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range job.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
