package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/wildfire-risk-service/internal/analysis"
	"github.com/couchcryptid/wildfire-risk-service/internal/cache"
	"github.com/couchcryptid/wildfire-risk-service/internal/config"
)

// Writer produces finished analyses to a Kafka topic.
// It implements analysis.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured assessment topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAssessmentTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish serializes one result and writes it synchronously. The message key
// is the request's cache key, so repeat analyses of one area share a partition.
func (w *Writer) Publish(ctx context.Context, result analysis.Result) error {
	msg, err := serializeToMessage(result)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write assessment: %w", err)
	}
	w.logger.Debug("assessment published", "analysis_id", result.ID, "topic", w.writer.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Result into a Kafka message.
func serializeToMessage(result analysis.Result) (kafkago.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize analysis result: %w", err)
	}
	req := result.Request
	return kafkago.Message{
		Key:   []byte(cache.RequestKey(req.Center.Lat, req.Center.Lng, req.RadiusKm, req.Days)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "analysis_id", Value: []byte(result.ID)},
			{Key: "risk_level", Value: []byte(result.Assessment.Level)},
			{Key: "source", Value: []byte(result.Source)},
			{Key: "generated_at", Value: []byte(result.GeneratedAt.Format(time.RFC3339))},
		},
	}, nil
}
