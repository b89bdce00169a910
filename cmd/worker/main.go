// The worker consumes dispatch jobs and performs the provider send. The
// send itself is mocked; delivery outcomes are written straight back to
// the recipient row. Failed jobs are requeued up to three times.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/streadway/amqp"

	"github.com/waveline/campaign-engine/internal/config"
	"github.com/waveline/campaign-engine/internal/db"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/queue"
	"github.com/waveline/campaign-engine/internal/repository"
)

const maxRetries = 3

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on OS environment")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	database, err := db.Connect(cfg.Database.PostgresURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	recipientRepo := &repository.RecipientRepository{DB: database}

	conn, err := amqp.Dial(cfg.Queue.AMQPURL)
	if err != nil {
		slog.Error("queue connection failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("opening channel failed", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(cfg.Queue.QueueName, true, false, false, false, nil)
	if err != nil {
		slog.Error("queue declare failed", "error", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("registering consumer failed", "error", err)
		os.Exit(1)
	}

	slog.Info("worker running, waiting for jobs", "queue", q.Name)
	for d := range msgs {
		var job queue.DispatchJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			slog.Error("dropping malformed job", "error", err)
			d.Ack(false)
			continue
		}

		if err := processJob(context.Background(), recipientRepo, job); err != nil {
			slog.Error("job failed", "recipient_id", job.RecipientID, "error", err)
			if retryCount(d.Headers) < maxRetries {
				// A plain requeue would redeliver with the original
				// headers and never advance the counter, so failed
				// jobs go back as a fresh publish instead.
				if err := republish(ch, q.Name, d); err != nil {
					slog.Error("republish failed, requeueing as-is", "error", err)
					d.Nack(false, true)
					continue
				}
			} else {
				slog.Error("dropping job after max retries",
					"recipient_id", job.RecipientID, "retries", retryCount(d.Headers))
			}
		}
		d.Ack(false)
	}
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// nextRetryHeaders copies the delivery headers with x-retry-count
// advanced by one, returning the new attempt number.
func nextRetryHeaders(headers amqp.Table) (amqp.Table, int) {
	n := retryCount(headers) + 1
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out["x-retry-count"] = int32(n)
	return out, n
}

func republish(ch *amqp.Channel, queueName string, d amqp.Delivery) error {
	headers, attempt := nextRetryHeaders(d.Headers)
	slog.Info("retrying job", "attempt", attempt)
	return ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
	})
}

func processJob(ctx context.Context, recipients *repository.RecipientRepository, job queue.DispatchJob) error {
	now := time.Now().UTC()
	if mockSend(job) {
		return recipients.UpdateDeliveryState(ctx, job.RecipientID, model.DeliverySent, "", now)
	}
	return recipients.UpdateDeliveryState(ctx, job.RecipientID, model.DeliveryFailed, "provider send failed", now)
}

// mockSend stands in for the provider API: 90% success.
func mockSend(job queue.DispatchJob) bool {
	return rand.Intn(100) < 90
}
