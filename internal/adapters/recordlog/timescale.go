package recordlog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const defaultArchiveBatch = 200

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TimescaleArchive mirrors admitted records into a TimescaleDB hypertable.
// Records are buffered and written in one multi-row insert on Flush or when
// the buffer reaches its batch size.
type TimescaleArchive struct {
	db        *sql.DB
	tableName string
	batchSize int
	timeout   time.Duration

	mu      sync.Mutex
	pending []*domain.Record
}

// OpenTimescale connects through lib/pq.
func OpenTimescale(connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("timescale open: %w", err)
	}
	return db, nil
}

func NewTimescaleArchive(db *sql.DB, table string) (*TimescaleArchive, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("timescale: invalid table name %q", table)
	}
	return &TimescaleArchive{db: db, tableName: table, batchSize: defaultArchiveBatch, timeout: 5 * time.Second}, nil
}

func (t *TimescaleArchive) Name() string { return "timescaledb" }

// EnsureSchema creates the table if it is missing.
func (t *TimescaleArchive) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.tableName+
		" (id TEXT NOT NULL, ts TIMESTAMPTZ NOT NULL, port_path TEXT NOT NULL, port_session_id TEXT,"+
		" seq BIGINT NOT NULL, device_id TEXT, data_type TEXT, payload TEXT, raw TEXT, hash TEXT,"+
		" PRIMARY KEY (id, ts))")
	return err
}

func (t *TimescaleArchive) Append(rec *domain.Record) error {
	t.mu.Lock()
	t.pending = append(t.pending, rec)
	full := len(t.pending) >= t.batchSize
	t.mu.Unlock()
	if full {
		return t.Flush()
	}
	return nil
}

func (t *TimescaleArchive) Flush() error {
	t.mu.Lock()
	recs := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.WriteBatch(ctx, recs)
}

// WriteBatch inserts recs; rows already archived are ignored.
func (t *TimescaleArchive) WriteBatch(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (id, ts, port_path, port_session_id, seq, device_id, data_type, payload, raw, hash) VALUES ")

	const cols = 10
	args := make([]any, 0, len(recs)*cols)
	for i, r := range recs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c)
		}
		b.WriteString(")")
		args = append(args,
			r.ID,
			r.Timestamp,
			r.PortPath,
			r.PortSessionID,
			int64(r.Sequence),
			r.DeviceID,
			r.DataType,
			r.PayloadText(),
			r.RawBase64,
			r.Hash,
		)
	}
	b.WriteString(" ON CONFLICT (id, ts) DO NOTHING")

	if _, err := t.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("timescale insert %d rows: %w", len(recs), err)
	}
	return nil
}

// Close flushes pending rows. The *sql.DB stays owned by the caller.
func (t *TimescaleArchive) Close() error { return t.Flush() }

var _ ports.RecordLog = (*TimescaleArchive)(nil)
