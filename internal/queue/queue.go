package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/promoforge/promoforge/internal/config"
)

const (
	GenerateQueueName = "promoforge_generate"
	ExchangeName      = "promoforge"
)

// GenerateCommand asks the worker to advance a job through the pipeline.
// Resubmission of a failed job is the same command again; the orchestrator
// skips stages whose output is already persisted.
type GenerateCommand struct {
	JobID          string    `json:"job_id"`
	AccountID      string    `json:"account_id"`
	ScriptOverride string    `json:"script_override,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new queue client
func New(cfg config.QueueConfig) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		GenerateQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		GenerateQueueName,
		GenerateQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Queue{
		conn:    conn,
		channel: channel,
	}, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishGenerate publishes a generate command for the worker
func (q *Queue) PublishGenerate(ctx context.Context, cmd GenerateCommand) error {
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		GenerateQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}

	return nil
}

// ConsumeGenerate starts consuming generate commands from the queue
// ConsumeGenerate delivers commands to the handler one at a time. The retry
// count comes from the x-retry-count header stamped by the retry queue and is
// zero on first delivery. A handler error nacks the message back onto the
// queue.
func (q *Queue) ConsumeGenerate(ctx context.Context, handler func(cmd GenerateCommand, retryCount int) error) error {
	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		GenerateQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var cmd GenerateCommand
				if err := json.Unmarshal(msg.Body, &cmd); err != nil {
					msg.Nack(false, false)
					continue
				}

				retryCount := 0
				if v, ok := msg.Headers["x-retry-count"]; ok {
					switch n := v.(type) {
					case int32:
						retryCount = int(n)
					case int64:
						retryCount = int(n)
					case int:
						retryCount = n
					}
				}

				if err := handler(cmd, retryCount); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// Depth returns the number of commands waiting in the queue
func (q *Queue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(GenerateQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
