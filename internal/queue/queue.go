// Package queue carries dispatch jobs from the driver to the transport
// worker. One job is one released recipient; the worker owns provider
// interaction and reports delivery transitions back onto the row.
package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// DispatchJob is the payload handed to the transport collaborator. The
// engine never formats provider-specific payloads; the worker resolves
// the template and renders for its provider.
type DispatchJob struct {
	RecipientID uuid.UUID  `json:"recipient_id"`
	CampaignID  uuid.UUID  `json:"campaign_id"`
	InboxID     uuid.UUID  `json:"inbox_id"`
	TemplateID  *uuid.UUID `json:"template_id,omitempty"`
	ContactRef  string     `json:"contact_reference"`
	ReleasedAt  time.Time  `json:"released_at"`
}

type Publisher interface {
	Publish(job DispatchJob) error
	Close() error
}

// AMQPPublisher publishes jobs to a durable RabbitMQ queue.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPPublisher(url, queueName string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queueName}, nil
}

func (p *AMQPPublisher) Publish(job DispatchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.ch.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// InMemoryPublisher collects jobs for tests.
type InMemoryPublisher struct {
	mu   sync.Mutex
	Jobs []DispatchJob
	Err  error
}

func (p *InMemoryPublisher) Publish(job DispatchJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Jobs = append(p.Jobs, job)
	return nil
}

func (p *InMemoryPublisher) Close() error { return nil }

func (p *InMemoryPublisher) Published() []DispatchJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DispatchJob, len(p.Jobs))
	copy(out, p.Jobs)
	return out
}

var (
	_ Publisher = (*AMQPPublisher)(nil)
	_ Publisher = (*InMemoryPublisher)(nil)
)
