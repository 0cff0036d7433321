package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"imagepipe/internal/models"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

// publisher writes JSON messages keyed by image id, so every message about
// one image lands on the same partition.
type publisher struct {
	writer *kafka.Writer
}

func newPublisher(cfg models.KafkaConfig, topic string) *publisher {
	return &publisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchBytes:             int64(cfg.MaxBytes),
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (p *publisher) publish(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (p *publisher) Close() error {
	return p.writer.Close()
}

// subscriber is a consumer-group member that commits a message only after
// its handler has succeeded. A failing handler is retried with backoff until
// it succeeds or ctx is done; only permanent errors are committed past.
type subscriber struct {
	reader  *kafka.Reader
	log     *zap.Logger
	backoff func() retry.Backoff
}

func newSubscriber(cfg models.KafkaConfig, topic, group string, log *zap.Logger) *subscriber {
	return &subscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     group,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		}),
		log:     log,
		backoff: redeliveryBackoff,
	}
}

func redeliveryBackoff() retry.Backoff {
	return retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
}

func (s *subscriber) run(ctx context.Context, handle func(ctx context.Context, msg kafka.Message) error) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := s.deliver(ctx, msg, handle); err != nil {
			// leave uncommitted for redelivery after restart
			return nil
		}
		if err := s.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			s.log.Error("commit message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// deliver calls handle until it succeeds or fails permanently. It returns an
// error only when ctx is done before that, meaning msg must not be committed.
func (s *subscriber) deliver(ctx context.Context, msg kafka.Message, handle func(ctx context.Context, msg kafka.Message) error) error {
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := handle(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := s.log.With(
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		if IsPermanent(err) {
			log.Error("drop message")
			return nil
		}
		log.Warn("handle message, will retry")
		return retry.RetryableError(err)
	})
}

func (s *subscriber) Close() error {
	return s.reader.Close()
}

// Ping succeeds when any broker accepts a connection.
func Ping(ctx context.Context, brokers []string) error {
	const op = "queue.Ping"

	if len(brokers) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoBrokers)
	}
	var errs []error
	for _, broker := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			conn.Close()
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(errs...))
}

// EnsureTopics creates the given topics through the cluster controller.
// Topics that already exist are left as they are. maxBytes raises the
// topic's max.message.bytes so inline payloads up to the consumer fetch
// limit are accepted; brokers default to about 1 MB.
func EnsureTopics(ctx context.Context, brokers []string, partitions, maxBytes int, topics ...string) error {
	const op = "queue.EnsureTopics"

	if len(brokers) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoBrokers)
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("%s: controller: %w", op, err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer ctrl.Close()

	if err := ctrl.CreateTopics(topicConfigs(partitions, maxBytes, topics...)...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func topicConfigs(partitions, maxBytes int, topics ...string) []kafka.TopicConfig {
	if partitions < 1 {
		partitions = 1
	}
	var entries []kafka.ConfigEntry
	if maxBytes > 0 {
		entries = []kafka.ConfigEntry{{ConfigName: "max.message.bytes", ConfigValue: strconv.Itoa(maxBytes)}}
	}
	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
			ConfigEntries:     entries,
		})
	}
	return configs
}
