package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// Run event types.
const (
	RunEventProgress = "progress"
	RunEventLog      = "log"
	RunEventStatus   = "status"
)

// RunEvent is one message of a run's progress stream.
type RunEvent struct {
	RunID       string                `json:"runId"`
	Type        string                `json:"type"`
	Status      models.RunStatus      `json:"status,omitempty"`
	Progress    int                   `json:"progress"`
	Operation   string                `json:"operation,omitempty"`
	Entry       *models.ActivityEntry `json:"entry,omitempty"`
	HasWarnings bool                  `json:"hasWarnings,omitempty"`
	At          time.Time             `json:"at"`
}

// EventBroker fans run events out to subscribers. Slow subscribers drop events rather
// than block publishers.
type EventBroker interface {
	Publish(ctx context.Context, evt RunEvent)
	Subscribe(ctx context.Context, runID string) (<-chan RunEvent, func())
}

// MemoryBroker delivers events within the process.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan RunEvent]struct{}
}

// NewMemoryBroker constructs an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan RunEvent]struct{})}
}

// Subscribe registers a buffered channel for the run. The returned func unsubscribes
// and closes the channel.
func (b *MemoryBroker) Subscribe(_ context.Context, runID string) (<-chan RunEvent, func()) {
	ch := make(chan RunEvent, 16)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan RunEvent]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[runID]; m != nil {
				delete(m, ch)
				if len(m) == 0 {
					delete(b.subs, runID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers evt to the run's current subscribers.
func (b *MemoryBroker) Publish(_ context.Context, evt RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[evt.RunID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// RedisBroker implements EventBroker over Redis Pub/Sub so every API instance can
// stream any run.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroker constructs a broker on an existing client.
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger}
}

// Subscribe opens a Pub/Sub subscription for the run. The subscription is confirmed
// before Subscribe returns.
func (b *RedisBroker) Subscribe(ctx context.Context, runID string) (<-chan RunEvent, func()) {
	ch := make(chan RunEvent, 16)
	ps := b.client.Subscribe(ctx, b.channel(runID))
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.Sugar().Warnw("run event subscription failed", "run_id", runID, "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(ch)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt RunEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
}

// Publish sends evt on the run's channel.
func (b *RedisBroker) Publish(ctx context.Context, evt RunEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel(evt.RunID), data).Err(); err != nil {
		b.logger.Sugar().Warnw("publish run event failed", "run_id", evt.RunID, "error", err)
	}
}

func (b *RedisBroker) channel(runID string) string {
	return "fleet:run-events:" + runID
}
