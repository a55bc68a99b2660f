package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// RunNotification is published once a run reaches a terminal status.
type RunNotification struct {
	RunID            string           `json:"runId"`
	Status           models.RunStatus `json:"status"`
	Mode             models.RunMode   `json:"mode"`
	Depots           []string         `json:"depots"`
	StartDate        string           `json:"startDate"`
	EndDate          string           `json:"endDate"`
	TripsCreated     int              `json:"tripsCreated"`
	UnscheduledSlots int              `json:"unscheduledSlots"`
	HasWarnings      bool             `json:"hasWarnings"`
	Error            string           `json:"error,omitempty"`
	FinishedAt       time.Time        `json:"finishedAt"`
}

// RunNotifier delivers run-finished notifications.
type RunNotifier interface {
	NotifyRunFinished(ctx context.Context, n RunNotification) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

// NotifyRunFinished implements RunNotifier.
func (NoopNotifier) NotifyRunFinished(context.Context, RunNotification) error { return nil }

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications as persistent JSON messages on a durable queue.
type AMQPNotifier struct {
	mu      sync.Mutex
	channel amqpPublisher
	queue   string
	timeout time.Duration
	closers []func() error
	logger  *zap.Logger
}

// NewAMQPNotifier dials the broker and declares the queue.
func NewAMQPNotifier(url, queue string, timeout time.Duration, logger *zap.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue %s: %w", queue, err)
	}
	n := newAMQPNotifier(ch, queue, timeout, logger)
	n.closers = []func() error{ch.Close, conn.Close}
	return n, nil
}

func newAMQPNotifier(ch amqpPublisher, queue string, timeout time.Duration, logger *zap.Logger) *AMQPNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPNotifier{channel: ch, queue: queue, timeout: timeout, logger: logger}
}

// NotifyRunFinished publishes the notification to the queue.
func (n *AMQPNotifier) NotifyRunFinished(ctx context.Context, note RunNotification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal run notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing.
	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.channel.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    note.RunID,
		Timestamp:    note.FinishedAt,
		Type:         "scheduling_run.finished",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish run notification: %w", err)
	}
	n.logger.Sugar().Debugw("run notification published", "run_id", note.RunID, "status", note.Status)
	return nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	var firstErr error
	for _, c := range n.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
