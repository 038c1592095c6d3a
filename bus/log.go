package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// LogPublisher satisfies Publisher by writing every message to the
// standard logger. It is used for local development and in tests where
// no broker is available; it never fails and never blocks.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher builds a LogPublisher writing to the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, headers map[string]string, body []byte, correlationID string) (Outcome, error) {
	msg := Message{
		Topic:         topic,
		Headers:       headers,
		Body:          body,
		CorrelationID: correlationID,
		PublishedAt:   time.Now(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return OutcomePermanent, err
	}
	p.logger.Printf("[bus] publish topic=%s correlation=%s body=%s", topic, correlationID, string(encoded))
	return OutcomeOK, nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[bus] log publisher closed")
	return nil
}
