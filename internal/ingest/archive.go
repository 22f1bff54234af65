package ingest

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/formsuite/proctoring/internal/metrics"
	"go.uber.org/zap"
)

// Archiver receives every stored record. Write must not block.
type Archiver interface {
	Write(rec Record)
	Close()
}

const (
	archiveBufferSize    = 10_000
	archiveFlushInterval = 500 * time.Millisecond
	archiveFlushBatch    = 500
)

// ClickHouseWriter archives records to the proctoring_violations table.
// Records are buffered and batch-inserted by a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan Record
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClickHouseWriter connects to dsn and starts the flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger, m *metrics.Metrics) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newClickHouseWriter(conn, logger, m), nil
}

func newClickHouseWriter(conn driver.Conn, logger *zap.Logger, m *metrics.Metrics) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan Record, archiveBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
	go w.flushLoop()
	return w
}

// Write queues rec for insertion, dropping it when the buffer is full.
func (w *ClickHouseWriter) Write(rec Record) {
	select {
	case w.buffer <- rec:
	default:
		w.metrics.ArchiveDropped.Add(1)
		w.logger.Warn("clickhouse buffer full, dropping violation",
			zap.String("id", rec.ID),
			zap.String("form_id", rec.FormID),
		)
	}
}

// Close drains buffered records and closes the connection. Call once, after
// the last Write.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(archiveFlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, archiveFlushBatch)
	for {
		select {
		case rec := <-w.buffer:
			batch = append(batch, rec)
			if len(batch) >= archiveFlushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// This loop is the only reader, so a non-empty buffer never blocks.
			for len(w.buffer) > 0 {
				batch = append(batch, <-w.buffer)
				if len(batch) >= archiveFlushBatch {
					w.flush(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(recs []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO proctoring_violations (
			id, form_id, received_at, occurred_at, type, message, confidence
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range recs {
		if err := batch.Append(
			r.ID,
			r.FormID,
			r.ReceivedAt,
			r.Violation.OccurredAt.UTC(),
			string(r.Violation.Kind),
			r.Violation.Message,
			r.Violation.Confidence,
		); err != nil {
			w.logger.Error("clickhouse append failed", zap.String("id", r.ID), zap.Error(err))
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(recs)),
			zap.Error(err),
		)
	}
}

// LogWriter is the archive used when no ClickHouse DSN is configured. It
// logs each record as a structured line.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter on logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(rec Record) {
	fields := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("form_id", rec.FormID),
		zap.String("type", string(rec.Violation.Kind)),
		zap.Time("occurred_at", rec.Violation.OccurredAt),
		zap.String("message", rec.Violation.Message),
	}
	if rec.Violation.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", *rec.Violation.Confidence))
	}
	w.logger.Info("proctoring_violation", fields...)
}

func (w *LogWriter) Close() {}
