package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/config"
	"ecoroute/internal/metrics"
	"ecoroute/internal/model"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads JSON readings from a topic. A message key, when the
// body carries no device id, names the device.
type KafkaConsumer struct {
	reader MessageReader
	ing    *Ingester
	log    logrus.FieldLogger
}

func NewKafkaConsumer(cfg config.KafkaConfig, ing *Ingester, log logrus.FieldLogger) *KafkaConsumer {
	brokers := strings.Split(cfg.Brokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           brokers,
		Topic:             cfg.Topic,
		GroupID:           cfg.GroupID,
		Dialer:            &kafka.Dialer{ClientID: "ecoroute", Timeout: 10 * time.Second},
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           time.Second,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
		StartOffset:       kafka.LastOffset,
		ErrorLogger:       kafka.LoggerFunc(log.WithField("component", "kafka").Errorf),
	})
	return NewKafkaConsumerFromReader(reader, ing, log)
}

func NewKafkaConsumerFromReader(reader MessageReader, ing *Ingester, log logrus.FieldLogger) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, ing: ing, log: log.WithField("component", "kafka-consumer")}
}

// Run consumes until ctx is done, then closes the reader.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()
	c.log.Info("consuming readings")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.WithError(err).Warn("fetch message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("commit message")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	log := c.log.WithFields(logrus.Fields{"partition": msg.Partition, "offset": msg.Offset})
	var r model.Reading
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		metrics.ReadingsIngested.WithLabelValues(SourceKafka, "invalid").Inc()
		log.WithError(err).Warn("skipping undecodable reading")
		return
	}
	if r.DeviceID == "" {
		r.DeviceID = string(msg.Key)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = msg.Time
	}
	if _, err := c.ing.Apply(ctx, r, SourceKafka); err != nil {
		log.WithField("device", r.DeviceID).WithError(err).Warn("reading rejected")
	}
}
