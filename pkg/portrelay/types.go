package portrelay

import (
	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/adapters/sink"
	"github.com/ghalamif/PortRelay/internal/app/pipeline"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// Record is one parsed frame as it flows through the forwarder.
type Record = domain.Record

// ForwardingConfig is the runtime-editable set of sources and channels.
type ForwardingConfig = domain.ForwardingConfig

// SourceRule is the ingestion policy for one serial port.
type SourceRule = domain.SourceRule

// ChannelConfig is one forwarding destination.
type ChannelConfig = domain.ChannelConfig

// ChannelMetrics are the live counters of one channel.
type ChannelMetrics = domain.ChannelMetrics

// PortState is reported by a port manager for each device.
type PortState = domain.PortState

// Alert is emitted when a channel crosses a configured threshold.
type Alert = pipeline.Alert

// QueueView describes one pending item of a channel queue.
type QueueView = pipeline.QueueView

// PortManager owns devices and reports bytes and state changes.
type PortManager = ports.PortManager

// PortEventSink receives port events; the forwarder implements it.
type PortEventSink = ports.PortEventSink

// Sender delivers one encoded payload to a remote sink.
type Sender = ports.Sender

// SendOptions carries per-delivery metadata such as the idempotency key.
type SendOptions = ports.SendOptions

// SenderFactory builds the sender of a channel.
type SenderFactory = sink.Factory

// DurableQueue is one channel's retry-scheduling FIFO.
type DurableQueue = ports.DurableQueue

// QueueFactory opens the queue of one channel.
type QueueFactory = ports.QueueFactory

// RecordLog persists every admitted record.
type RecordLog = ports.RecordLog

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// LogEntry is one line kept in the in-memory log ring.
type LogEntry = observability.LogEntry

// LogQuery filters the log ring.
type LogQuery = observability.LogQuery
