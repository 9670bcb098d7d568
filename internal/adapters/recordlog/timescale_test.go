package recordlog

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/PortRelay/internal/domain"
)

func TestTimescaleArchiveWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	archive, err := NewTimescaleArchive(db, "serial_records")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	ts := time.Now()

	rec := &domain.Record{
		ID:            "rec-1",
		Timestamp:     ts,
		PortPath:      "COM3",
		PortSessionID: "sess-1",
		Sequence:      7,
		DeviceID:      "DEV001",
		DataType:      "TEMP",
		Payload:       domain.Payload{Kind: domain.PayloadText, Text: "23.5"},
		RawBase64:     "REVWMDAx",
		Hash:          "abc",
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO serial_records (id, ts, port_path, port_session_id, seq, device_id, data_type, payload, raw, hash) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (id, ts) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("rec-1", ts, "COM3", "sess-1", int64(7), "DEV001", "TEMP", "23.5", "REVWMDAx", "abc").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := archive.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := archive.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleArchiveFlushesWhenFull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	archive, err := NewTimescaleArchive(db, "serial_records")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	archive.batchSize = 2

	mock.ExpectExec("INSERT INTO serial_records").WillReturnError(errors.New("connection lost"))

	if err := archive.Append(&domain.Record{ID: "a"}); err != nil {
		t.Fatalf("first append should only buffer: %v", err)
	}
	if err := archive.Append(&domain.Record{ID: "b"}); err == nil {
		t.Fatalf("expected insert error on full buffer")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleArchiveNoRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	archive, err := NewTimescaleArchive(db, "serial_records")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	if err := archive.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleArchiveRejectsBadTable(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	if _, err := NewTimescaleArchive(db, "records; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid table name error")
	}
	if a, err := NewTimescaleArchive(db, "public.serial_records"); err != nil || a.Name() != "timescaledb" {
		t.Fatalf("expected schema-qualified table to be accepted, got %v", err)
	}
}
