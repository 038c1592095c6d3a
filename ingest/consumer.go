// Package ingest is the queue-side half of the inbound contract: a
// franz-go consumer group that decodes inbound messages into
// ScheduledEvents and hands them to scheduler.Engine.Schedule. Kept
// deliberately simple relative to the pack's elaborate dynamic-worker
// redpanda consumer, since ingest here does one thing — decode and call
// Schedule — rather than run a multi-stage job pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/scheduler"
	"github.com/twmb/franz-go/pkg/kgo"
)

// schedulePayload is the wire shape a producer sends to request a
// delayed firing.
type schedulePayload struct {
	ScheduleID      string            `json:"schedule_id,omitempty"`
	Topic           string            `json:"topic"`
	EntityType      string            `json:"entity_type"`
	Action          string            `json:"action"`
	Body            []byte            `json:"body"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	Priority        int8              `json:"priority,omitempty"`
	MaxDelaySeconds int64             `json:"max_delay_seconds,omitempty"`
}

// Consumer reads schedule requests off one topic and calls Engine.Schedule
// for each. Offsets commit automatically once a batch's records have all
// been handed to Schedule, so a crash mid-batch replays it — Engine.Schedule
// is idempotent on ScheduleID, so replay is always safe.
type Consumer struct {
	client *kgo.Client
	engine *scheduler.Engine
	topic  string
}

// NewConsumer builds a Consumer in consumer group groupID over topic.
func NewConsumer(brokers []string, groupID, topic string, engine *scheduler.Engine) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{client: client, engine: engine, topic: topic}, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				log.Printf("ingest: fetch error on %s/%d: %v", e.Topic, e.Partition, e.Err)
			}
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			c.handle(ctx, rec)
		})
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	var payload schedulePayload
	if err := json.Unmarshal(rec.Value, &payload); err != nil {
		log.Printf("ingest: malformed payload at offset %d: %v", rec.Offset, err)
		return
	}

	evt := &eventmodel.ScheduledEvent{
		ScheduleID:      payload.ScheduleID,
		Topic:           payload.Topic,
		EntityType:      payload.EntityType,
		Action:          payload.Action,
		Body:            payload.Body,
		CorrelationID:   payload.CorrelationID,
		Headers:         payload.Headers,
		ScheduledAt:     payload.ScheduledAt,
		Priority:        payload.Priority,
		MaxDelaySeconds: payload.MaxDelaySeconds,
	}

	if _, err := c.engine.Schedule(ctx, evt); err != nil {
		log.Printf("ingest: schedule failed for offset %d: %v", rec.Offset, err)
	}
}

// Close shuts down the underlying client.
func (c *Consumer) Close() {
	c.client.Close()
}
