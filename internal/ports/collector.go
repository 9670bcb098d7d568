package ports

import "github.com/ghalamif/PortRelay/internal/domain"

// PortEventSink receives the two event streams a port manager emits.
type PortEventSink interface {
	HandleData(portPath string, data []byte)
	HandleStatus(portPath string, state domain.PortState, sessionID string)
}

// PortManager owns the serial devices (open/close/reconnect) and reports
// bytes and state changes to a sink.
type PortManager interface {
	Start(sink PortEventSink) error
	Stop() error
}
