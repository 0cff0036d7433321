package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"imagepipe/internal/models"
)

type (
	JobHandler     func(ctx context.Context, job *models.Job) error
	OutcomeHandler func(ctx context.Context, out *models.Outcome) error
)

type JobProducer interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Close() error
}

type JobConsumer interface {
	// Run blocks until ctx is done, passing each job to handle.
	Run(ctx context.Context, handle JobHandler) error
	Close() error
}

type OutcomePublisher interface {
	Publish(ctx context.Context, out *models.Outcome) error
	Close() error
}

type OutcomeConsumer interface {
	Run(ctx context.Context, handle OutcomeHandler) error
	Close() error
}

type KafkaJobProducer struct {
	pub *publisher
}

func NewJobProducer(cfg models.KafkaConfig) *KafkaJobProducer {
	return &KafkaJobProducer{pub: newPublisher(cfg, cfg.JobsTopic)}
}

func (p *KafkaJobProducer) Enqueue(ctx context.Context, job *models.Job) error {
	const op = "queue.Enqueue"

	if err := p.pub.publish(ctx, job.ImageID, job); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaJobProducer) Close() error { return p.pub.Close() }

type KafkaJobConsumer struct {
	sub *subscriber
}

func NewJobConsumer(cfg models.KafkaConfig, log *zap.Logger) *KafkaJobConsumer {
	return &KafkaJobConsumer{sub: newSubscriber(cfg, cfg.JobsTopic, cfg.GroupID, log)}
}

func (c *KafkaJobConsumer) Run(ctx context.Context, handle JobHandler) error {
	return c.sub.run(ctx, func(ctx context.Context, msg kafka.Message) error {
		var job models.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			return Permanent(fmt.Errorf("queue.decodeJob: %w", err))
		}
		return handle(ctx, &job)
	})
}

func (c *KafkaJobConsumer) Close() error { return c.sub.Close() }

type KafkaOutcomePublisher struct {
	pub *publisher
}

func NewOutcomePublisher(cfg models.KafkaConfig) *KafkaOutcomePublisher {
	return &KafkaOutcomePublisher{pub: newPublisher(cfg, cfg.EventsTopic)}
}

func (p *KafkaOutcomePublisher) Publish(ctx context.Context, out *models.Outcome) error {
	const op = "queue.Publish"

	if err := p.pub.publish(ctx, out.ImageID, out); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaOutcomePublisher) Close() error { return p.pub.Close() }

type KafkaOutcomeConsumer struct {
	sub *subscriber
}

func NewOutcomeConsumer(cfg models.KafkaConfig, log *zap.Logger) *KafkaOutcomeConsumer {
	return &KafkaOutcomeConsumer{sub: newSubscriber(cfg, cfg.EventsTopic, cfg.EventsGroupID, log)}
}

func (c *KafkaOutcomeConsumer) Run(ctx context.Context, handle OutcomeHandler) error {
	return c.sub.run(ctx, func(ctx context.Context, msg kafka.Message) error {
		var out models.Outcome
		if err := json.Unmarshal(msg.Value, &out); err != nil {
			return Permanent(fmt.Errorf("queue.decodeOutcome: %w", err))
		}
		return handle(ctx, &out)
	})
}

func (c *KafkaOutcomeConsumer) Close() error { return c.sub.Close() }
