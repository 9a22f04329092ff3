package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/HerbHall/floorsight/pkg/telemetry"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// errPoison marks a message that can never be applied. It is committed and
// skipped.
var errPoison = errors.New("undecodable message")

func (m *Module) consume(ctx context.Context, reader Reader) {
	defer func() {
		if err := reader.Close(); err != nil {
			m.logger.Warn("kafka reader close failed", zap.Error(err))
		}
	}()

	backoff := m.cfg.MinBackoff
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				m.logger.Info("ingest consumer stopped")
				return
			}
			m.recordError(err)
			m.logger.Warn("kafka fetch failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !m.sleep(ctx, &backoff) {
				return
			}
			continue
		}
		backoff = m.cfg.MinBackoff

		if !m.handleWithRetry(ctx, msg) {
			return
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			m.recordError(err)
			m.logger.Warn("kafka commit failed",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// handleWithRetry applies msg, retrying storage failures with backoff until
// they succeed or ctx ends. Poison messages are logged and reported as
// handled so they get committed. It returns false when ctx ended first.
func (m *Module) handleWithRetry(ctx context.Context, msg kafka.Message) bool {
	backoff := m.cfg.MinBackoff
	for {
		err := m.handle(ctx, msg)
		switch {
		case err == nil:
			m.lastErr.Store("")
			return true
		case errors.Is(err, errPoison):
			m.rejected.Inc()
			messagesTotal.WithLabelValues("rejected").Inc()
			m.logger.Warn("skipping undecodable telemetry message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return true
		}
		m.recordError(err)
		messagesTotal.WithLabelValues("retry").Inc()
		m.logger.Warn("telemetry write failed, retrying",
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !m.sleep(ctx, &backoff) {
			return false
		}
	}
}

// handle decodes one message and writes its rows in a single batch.
func (m *Module) handle(ctx context.Context, msg kafka.Message) error {
	records, err := decodeRecords(msg.Value)
	if err != nil {
		return err
	}
	rows := make([]any, 0, len(records))
	for i, rec := range records {
		row, err := rec.Decode()
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", errPoison, i, err)
		}
		rows = append(rows, row)
	}

	ingested, err := m.writer.Apply(ctx, rows)
	if err != nil {
		return fmt.Errorf("apply telemetry: %w", err)
	}

	m.messages.Inc()
	m.rows.Add(int64(ingested.Rows))
	messagesTotal.WithLabelValues("ok").Inc()
	rowsTotal.Add(float64(ingested.Rows))

	if m.bus != nil && ingested.Rows > 0 {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:   telemetry.TopicIngested,
			Source:  "ingest",
			Payload: ingested,
		})
	}
	return nil
}

// decodeRecords accepts either one envelope or a JSON array of envelopes.
func decodeRecords(value []byte) ([]telemetry.Record, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", errPoison)
	}
	if trimmed[0] == '[' {
		var records []telemetry.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("%w: %v", errPoison, err)
		}
		return records, nil
	}
	var rec telemetry.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errPoison, err)
	}
	return []telemetry.Record{rec}, nil
}

// sleep waits for *backoff, doubling it up to max_backoff. It returns false
// when ctx ends first.
func (m *Module) sleep(ctx context.Context, backoff *time.Duration) bool {
	t := time.NewTimer(*backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	*backoff = min(*backoff*2, m.cfg.MaxBackoff)
	return true
}

func (m *Module) recordError(err error) {
	m.lastErr.Store(err.Error())
}
