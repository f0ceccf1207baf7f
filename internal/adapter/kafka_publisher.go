package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/metrics"
)

// KafkaWriter abstracts the kafka-go writer used by KafkaPublisher.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) KafkaWriter {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
}

// KafkaPublisher streams every top-of-book update as JSON keyed by
// "exchange:symbol", so a topic partition preserves per-book order.
type KafkaPublisher struct {
	writer    KafkaWriter
	feed      <-chan TopOfBook
	buf       chan TopOfBook
	batchSize int
	log       *zap.Logger
}

// NewKafkaPublisher creates a publisher that reads from the Broadcaster's
// SubscribeAll channel.
func NewKafkaPublisher(writer KafkaWriter, feed <-chan TopOfBook, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{
		writer:    writer,
		feed:      feed,
		buf:       make(chan TopOfBook, 4096),
		batchSize: 256,
		log:       log.Named("kafka"),
	}
}

// Run drains the feed into an internal buffer and writes it out in batches.
// It blocks until ctx is cancelled, then closes the writer.
func (kp *KafkaPublisher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-kp.feed:
				if !ok {
					return
				}
				select {
				case kp.buf <- update:
				default:
					metrics.DroppedUpdates.WithLabelValues("kafka").Inc()
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case first := <-kp.buf:
				kp.flush(ctx, kp.collect(first))
			}
		}
	}()

	wg.Wait()
	if err := kp.writer.Close(); err != nil {
		kp.log.Warn("close writer", zap.Error(err))
	}
}

// collect takes first plus whatever is already buffered, up to batchSize.
func (kp *KafkaPublisher) collect(first TopOfBook) []TopOfBook {
	batch := []TopOfBook{first}
	for len(batch) < kp.batchSize {
		select {
		case u := <-kp.buf:
			batch = append(batch, u)
		default:
			return batch
		}
	}
	return batch
}

func (kp *KafkaPublisher) flush(ctx context.Context, batch []TopOfBook) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, u := range batch {
		value, err := json.Marshal(u)
		if err != nil {
			kp.log.Warn("marshal top of book", zap.String("key", u.Key()), zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(u.Key()),
			Value: value,
			Time:  u.Timestamp,
		})
	}
	if len(msgs) == 0 {
		return
	}
	if err := kp.writer.WriteMessages(ctx, msgs...); err != nil && ctx.Err() == nil {
		kp.log.Warn("write messages", zap.Int("count", len(msgs)), zap.Error(err))
	}
}
