package ports

import "github.com/ghalamif/PortRelay/internal/domain"

// RecordLog persists every admitted record, append-only.
type RecordLog interface {
	Append(rec *domain.Record) error
	Flush() error
	Close() error
}
