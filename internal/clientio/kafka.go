package clientio

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
)

// KafkaSink is an additional subscriber class alongside the TCP Listeners:
// it drains the same labeled/RIB queues and republishes every serialised
// record to a Kafka topic through a producing kgo client built with
// kgo.SeedBrokers/kgo.ClientID options.
type KafkaSink struct {
	client     *kgo.Client
	source     *queue.Queue
	serializer Serializer
	topic      string
	logger     *zap.Logger
}

func NewKafkaSink(brokers []string, clientID, topic string, source *queue.Queue, serializer Serializer, logger *zap.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("clientio: kafka sink client: %w", err)
	}
	return &KafkaSink{client: client, source: source, serializer: serializer, topic: topic, logger: logger}, nil
}

// Run drains source until ctx is cancelled, publishing each serialised
// record to the configured topic keyed by session id.
func (k *KafkaSink) Run(ctx context.Context) error {
	readerID := k.source.CreateReader(queue.ModeBlocking)
	defer k.source.CancelReader(readerID)
	defer k.client.Close()

	for {
		item, err := k.source.Read(ctx, readerID)
		if err != nil {
			return err
		}
		rec, ok := item.(*bmf.Record)
		if !ok {
			continue
		}
		payload, err := k.serializer.Serialize(rec)
		if err != nil {
			k.logger.Warn("kafka sink: serialize failed", zap.Error(err))
			continue
		}

		key := fmt.Sprintf("%d", rec.SessionID)
		k.client.Produce(ctx, &kgo.Record{Topic: k.topic, Key: []byte(key), Value: payload}, func(_ *kgo.Record, err error) {
			if err != nil {
				k.logger.Error("kafka sink: produce failed", zap.Error(err))
				return
			}
			metrics.KafkaProducedTotal.WithLabelValues(k.topic).Inc()
		})
	}
}
