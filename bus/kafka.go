package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces fired events to a Kafka/Redpanda cluster with
// exactly-once semantics: each Publish runs inside its own transaction so
// a HotLoop crash between produce and commit never leaves a half-sent
// record downstream.
type KafkaPublisher struct {
	client          *kgo.Client
	transactionChan chan struct{}
}

// NewKafkaPublisher builds a KafkaPublisher against the given seed
// brokers. nodeID is folded into the transactional ID so two nodes never
// collide on the same producer epoch.
func NewKafkaPublisher(brokers []string, nodeID string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bus: no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID("horizonq-"+nodeID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: new kafka client: %w", err)
	}

	return &KafkaPublisher{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, headers map[string]string, body []byte, correlationID string) (Outcome, error) {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return OutcomeTransient, ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return OutcomeTransient, fmt.Errorf("bus: begin transaction: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(correlationID),
		Value: body,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())

	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			log.Printf("bus: abort transaction after produce error: %v", abortErr)
		}
		return classify(err), fmt.Errorf("bus: produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return OutcomeTransient, fmt.Errorf("bus: commit transaction: %w", err)
	}
	return OutcomeOK, nil
}

func (p *KafkaPublisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// classify distinguishes broker-side errors worth retrying from ones
// that will never succeed no matter how many times HotLoop requeues the
// entry. Network and context errors are transient; everything else from
// the broker (e.g. record too large, unknown topic) is treated as
// permanent so a bad event doesn't spin forever.
func classify(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransient
	}
	return OutcomePermanent
}
