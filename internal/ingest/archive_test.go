package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/pkg/types"
	"go.uber.org/zap"
)

// fakeConn records the rows of every sent batch. Unimplemented driver.Conn
// methods panic through the nil embedded interface.
type fakeConn struct {
	driver.Conn

	mu      sync.Mutex
	batches [][][]any
	closed  bool
	failErr error
}

func (c *fakeConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if c.failErr != nil {
		return nil, c.failErr
	}
	return &fakeBatch{conn: c}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() [][][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][][]any(nil), c.batches...)
}

type fakeBatch struct {
	driver.Batch
	conn *fakeConn
	rows [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	b.conn.batches = append(b.conn.batches, b.rows)
	return nil
}

func archiveRecord(id string) Record {
	return Record{
		ID:         id,
		FormID:     "f1",
		ReceivedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Violation:  types.NewViolation(types.ViolationPhoneDetected, time.Date(2024, 5, 1, 8, 59, 59, 0, time.UTC), "Phone detected", types.Float(0.8)),
	}
}

func TestClickHouseWriter_DrainsOnClose(t *testing.T) {
	conn := &fakeConn{}
	w := newClickHouseWriter(conn, nil, nil)

	total := archiveFlushBatch + 3
	for i := 0; i < total; i++ {
		w.Write(archiveRecord("r"))
	}
	w.Close()

	rows := 0
	for _, b := range conn.sent() {
		if len(b) > archiveFlushBatch {
			t.Errorf("batch of %d rows exceeds %d", len(b), archiveFlushBatch)
		}
		rows += len(b)
	}
	if rows != total {
		t.Errorf("expected %d archived rows, got %d", total, rows)
	}
	if !conn.closed {
		t.Error("expected connection closed")
	}
}

func TestClickHouseWriter_RowColumns(t *testing.T) {
	conn := &fakeConn{}
	w := newClickHouseWriter(conn, nil, nil)
	w.Write(archiveRecord("id-1"))
	w.Close()

	batches := conn.sent()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one row, got %v", batches)
	}
	row := batches[0][0]
	if len(row) != 7 || row[0] != "id-1" || row[1] != "f1" || row[4] != "phone_detected" || row[5] != "Phone detected" {
		t.Errorf("unexpected row %v", row)
	}
	if c, ok := row[6].(*float64); !ok || c == nil || *c != 0.8 {
		t.Errorf("unexpected confidence column %v", row[6])
	}
}

func TestClickHouseWriter_CountsDrops(t *testing.T) {
	conn := &fakeConn{}
	m := metrics.New()
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan Record, 1),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  zap.NewNop(),
		metrics: m,
	}
	// No flush loop is running, so the second write finds the buffer full.
	w.Write(archiveRecord("a"))
	w.Write(archiveRecord("b"))
	if got := m.ArchiveDropped.Load(); got != 1 {
		t.Errorf("expected 1 drop, got %d", got)
	}
}

func TestClickHouseWriter_PrepareFailureIsContained(t *testing.T) {
	conn := &fakeConn{failErr: errors.New("connection refused")}
	w := newClickHouseWriter(conn, nil, nil)
	w.Write(archiveRecord("a"))
	w.Close()

	if len(conn.sent()) != 0 || !conn.closed {
		t.Errorf("expected nothing sent and connection closed")
	}
}
