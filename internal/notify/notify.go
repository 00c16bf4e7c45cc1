// Package notify fans a job's terminal state out to email and webhook
// channels. Both channels are optional and config-gated through
// environment variables; a job's own success or failure is never
// affected by a delivery failure on either channel.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/domain"
)

// Notifier delivers a job's terminal state to configured channels.
type Notifier struct {
	email   *emailSender
	webhook *webhookSender
	logger  *zap.Logger
}

// New builds a Notifier. Channels that have no configuration present at
// send time are silently skipped.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{
		email:   newEmailSender(),
		webhook: newWebhookSender(),
		logger:  logger.Named("notify"),
	}
}

// JobTerminal delivers a notification for a job that has reached
// success or failed. Called by the orchestrator after a job's status
// has been persisted.
func (n *Notifier) JobTerminal(ctx context.Context, job domain.Job) {
	title, body := renderJob(job)
	payload := map[string]any{
		"job_id": job.JobID,
		"action": string(job.Action),
		"status": string(job.Status),
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}

	if err := n.email.Send(title, body); err != nil {
		n.logger.Warn("email notification delivery failed",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
	if err := n.webhook.Send(ctx, string(job.Status), title, body, payload); err != nil {
		n.logger.Warn("webhook notification delivery failed",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func renderJob(job domain.Job) (title, body string) {
	switch job.Status {
	case domain.StatusSuccess:
		return fmt.Sprintf("backup agent: %s succeeded", job.Action),
			fmt.Sprintf("Job %s (%s) completed successfully.", job.JobID, job.Action)
	case domain.StatusFailed:
		return fmt.Sprintf("backup agent: %s failed", job.Action),
			fmt.Sprintf("Job %s (%s) failed: %s", job.JobID, job.Action, job.Error)
	default:
		return fmt.Sprintf("backup agent: %s %s", job.Action, job.Status),
			fmt.Sprintf("Job %s (%s) is now %s.", job.JobID, job.Action, job.Status)
	}
}
