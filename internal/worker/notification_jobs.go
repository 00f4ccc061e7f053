package worker

import (
	"context"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
	"github.com/PortNumber53/subcatalog/backend/internal/notify"
)

// NotificationJobTypes are the outbox job types forwarded to the notification service.
var NotificationJobTypes = []string{
	models.JobPaymentCompleted,
	models.JobPaymentFailed,
	models.JobSubscriptionCancelled,
	models.JobSubscriptionExpired,
}

// RegisterNotifications routes every notification job type to n.
func RegisterNotifications(w *Worker, n notify.Notifier) {
	for _, jobType := range NotificationJobTypes {
		w.Handle(jobType, notificationHandler(n))
	}
}

func notificationHandler(n notify.Notifier) Handler {
	return func(ctx context.Context, job *models.Job) error {
		return n.Notify(ctx, notify.Notification{
			ID:      job.ID,
			Type:    job.JobType,
			Payload: job.Payload,
		})
	}
}
