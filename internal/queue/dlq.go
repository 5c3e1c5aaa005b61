package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeadLetterQueueName    = "promoforge_generate_dlq"
	DeadLetterExchangeName = "promoforge_dlq"
	RetryQueueName         = "promoforge_generate_retry"
	MaxRetries             = 5
)

// SetupDeadLetterQueue sets up the dead letter queue infrastructure
func (q *Queue) SetupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Declare retry queue with TTL
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": GenerateQueueName,
		"x-message-ttl":             60000, // 1 minute TTL
	}

	_, err = q.channel.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	log.Println("Dead letter queue infrastructure set up successfully")
	return nil
}

// PublishToRetryQueue publishes a command to the retry queue with backoff
func (q *Queue) PublishToRetryQueue(ctx context.Context, cmd GenerateCommand, retryCount int) error {
	if retryCount >= MaxRetries {
		return q.PublishToDeadLetterQueue(ctx, cmd, "max retries exceeded")
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	headers := amqp.Table{
		"x-retry-count": retryCount + 1,
	}

	// Calculate exponential backoff delay
	delay := calculateBackoffDelay(retryCount)

	err = q.channel.PublishWithContext(ctx,
		"",
		RetryQueueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
			Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	log.Printf("Job %s queued for retry #%d in %v", cmd.JobID, retryCount+1, delay)
	return nil
}

// PublishToDeadLetterQueue publishes a failed command to the dead letter queue
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, cmd GenerateCommand, reason string) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      time.Now().Format(time.RFC3339),
	}

	err = q.channel.PublishWithContext(ctx,
		DeadLetterExchangeName,
		DeadLetterQueueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	log.Printf("Job %s moved to dead letter queue: %s", cmd.JobID, reason)
	return nil
}

// RetryFromDLQ requeues a dead-lettered command for a fresh attempt
func (q *Queue) RetryFromDLQ(ctx context.Context, cmd GenerateCommand) error {
	return q.PublishGenerate(ctx, cmd)
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}

// calculateBackoffDelay calculates exponential backoff delay
func calculateBackoffDelay(retryCount int) time.Duration {
	// Exponential backoff: 1min, 2min, 4min, 8min, 16min
	baseDelay := 1 * time.Minute
	delay := baseDelay * (1 << retryCount) // 2^retryCount

	// Cap at 1 hour
	if delay > 1*time.Hour {
		delay = 1 * time.Hour
	}

	return delay
}
