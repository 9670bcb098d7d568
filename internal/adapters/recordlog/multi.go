// Package recordlog persists every admitted record: day-partitioned NDJSON
// files and an optional TimescaleDB mirror.
package recordlog

import (
	"go.uber.org/multierr"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// Multi fans every call out to all logs and combines their errors.
type Multi []ports.RecordLog

// Fanout drops nil entries and unwraps the single-log case.
func Fanout(logs ...ports.RecordLog) ports.RecordLog {
	var m Multi
	for _, l := range logs {
		if l != nil {
			m = append(m, l)
		}
	}
	switch len(m) {
	case 0:
		return Discard{}
	case 1:
		return m[0]
	}
	return m
}

func (m Multi) Append(rec *domain.Record) error {
	var err error
	for _, l := range m {
		err = multierr.Append(err, l.Append(rec))
	}
	return err
}

func (m Multi) Flush() error {
	var err error
	for _, l := range m {
		err = multierr.Append(err, l.Flush())
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, l := range m {
		err = multierr.Append(err, l.Close())
	}
	return err
}

// Discard drops everything.
type Discard struct{}

func (Discard) Append(*domain.Record) error { return nil }
func (Discard) Flush() error                { return nil }
func (Discard) Close() error                { return nil }
