package recordlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"

	"github.com/ghalamif/PortRelay/internal/domain"
)

type stubLog struct {
	appended int
	err      error
}

func (s *stubLog) Append(*domain.Record) error { s.appended++; return s.err }
func (s *stubLog) Flush() error                { return s.err }
func (s *stubLog) Close() error                { return nil }

func TestFanoutReachesEveryLog(t *testing.T) {
	a, b := &stubLog{}, &stubLog{err: errors.New("db down")}
	log := Fanout(a, nil, b)

	err := log.Append(&domain.Record{ID: "x"})
	assert.Equal(t, 1, a.appended)
	assert.Equal(t, 1, b.appended)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Error(t, log.Flush())
	assert.NoError(t, log.Close())
}

func TestFanoutShapes(t *testing.T) {
	assert.IsType(t, Discard{}, Fanout())
	one := &stubLog{}
	assert.Same(t, one, Fanout(nil, one))
}
