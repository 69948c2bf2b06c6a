package queue

import (
	"context"
	"encoding/json"
	"os"

	"cloud.google.com/go/pubsub"
	"github.com/pawdot/petpal_backend/config"
	"github.com/sirupsen/logrus"
)

// RunJobNotificationListener subscribes to the jobs topic and nudges the
// matching worker pool when an Enqueue publishes a wake-up. Messages are
// always acked: the notification is purely advisory and the poll loop
// already guarantees delivery.
func RunJobNotificationListener(ctx context.Context, logger *logrus.Logger, registry *Registry) error {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_JOBS_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_JOBS_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		var n config.JobNotification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			config.LogError(logger, "notify.go", "RunJobNotificationListener", "Unmarshaling job notification", msg.Data, err)
			return
		}
		if pool := registry.Pool(n.QueueName); pool != nil {
			pool.Wake()
		}
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "notify.go", "RunJobNotificationListener", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}
