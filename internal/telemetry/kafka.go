// Package telemetry publishes per-file load events to Kafka so downstream
// dashboards can track what landed where. The emitter is optional; a nil
// emitter drops events silently.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// LoadEvent is the wire shape of one file load outcome.
//
//nolint:tagliatelle // snake_case is the contract with downstream consumers
type LoadEvent struct {
	RunID          string    `json:"run_id"`
	SourceName     string    `json:"source_name"`
	SourceFilename string    `json:"source_filename"`
	TargetTable    string    `json:"target_table"`
	Status         string    `json:"status"`
	ErrorType      string    `json:"error_type,omitempty"`
	RowsRead       int64     `json:"rows_read"`
	RowsStaged     int64     `json:"rows_staged"`
	RowsFailed     int64     `json:"rows_failed"`
	RowsInserted   int64     `json:"rows_inserted"`
	RowsUpdated    int64     `json:"rows_updated"`
	Duration       string    `json:"duration"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Emitter writes load events to one topic.
type Emitter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewEmitter builds an emitter for the broker list and topic. Returns nil
// when no brokers are configured; callers treat a nil emitter as disabled.
func NewEmitter(brokers []string, topic string, logger *slog.Logger) *Emitter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}

	return &Emitter{writer: writer, logger: logger}
}

// Emit publishes one event, keyed by file name so per-file history stays in
// order. Delivery failures are logged, not propagated: telemetry must never
// fail a load.
func (e *Emitter) Emit(ctx context.Context, event LoadEvent) {
	if e == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to encode load event", "error", err)

		return
	}

	msg := kafka.Message{
		Key:   []byte(event.SourceFilename),
		Value: payload,
	}

	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.logger.Error("Failed to publish load event",
			"filename", event.SourceFilename,
			"error", err)
	}
}

// Close flushes and closes the underlying writer.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}

	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("failed to close telemetry writer: %w", err)
	}

	return nil
}
