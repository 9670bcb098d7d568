package portrelay

import (
	base "github.com/ghalamif/PortRelay/pkg/portrelay"
)

// Re-exported errors for convenience.
var (
	ErrChannelSenderClosed = base.ErrChannelSenderClosed
	ErrRuntimeStarted      = base.ErrRuntimeStarted
	ErrFeedNotStarted      = base.ErrFeedNotStarted
	ErrFeedStarted         = base.ErrFeedStarted
	ErrPortNotOpen         = base.ErrPortNotOpen
)

// Type aliases so consumers can import github.com/ghalamif/PortRelay directly.
type (
	Config           = base.Config
	Policy           = base.Policy
	LogConfig        = base.LogConfig
	MetricsConfig    = base.MetricsConfig
	ForwarderConfig  = base.ForwarderConfig
	AlertConfig      = base.AlertConfig
	SerialConfig     = base.SerialConfig
	SerialPort       = base.SerialPort
	RecordLogConfig  = base.RecordLogConfig
	TimescaleConfig  = base.TimescaleConfig
	Flow             = base.Flow
	FlowOption       = base.FlowOption
	StreamInOption   = base.StreamInOption
	StreamOutOption  = base.StreamOutOption
	Runtime          = base.Runtime
	RuntimeOption    = base.RuntimeOption
	Record           = base.Record
	ForwardingConfig = base.ForwardingConfig
	SourceRule       = base.SourceRule
	ChannelConfig    = base.ChannelConfig
	ChannelMetrics   = base.ChannelMetrics
	PortState        = base.PortState
	Alert            = base.Alert
	QueueView        = base.QueueView
	PortManager      = base.PortManager
	PortEventSink    = base.PortEventSink
	PortFeed         = base.PortFeed
	Sender           = base.Sender
	SendOptions      = base.SendOptions
	SenderFactory    = base.SenderFactory
	Delivery         = base.Delivery
	DeliveryFunc     = base.DeliveryFunc
	DurableQueue     = base.DurableQueue
	QueueFactory     = base.QueueFactory
	RecordLog        = base.RecordLog
	Observability    = base.Observability
	Field            = base.Field
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func WithSources(cfg ForwardingConfig) FlowOption {
	return base.WithSources(cfg)
}

func StreamInPortManager(pm PortManager) StreamInOption {
	return base.StreamInPortManager(pm)
}

func StreamInFeed(feed *PortFeed) StreamInOption {
	return base.StreamInFeed(feed)
}

func StreamInQueue(q QueueFactory) StreamInOption {
	return base.StreamInQueue(q)
}

func StreamInRecordLog(l RecordLog) StreamInOption {
	return base.StreamInRecordLog(l)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSender(s SenderFactory) StreamOutOption {
	return base.StreamOutSender(s)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn DeliveryFunc) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithPortManager(pm PortManager) RuntimeOption {
	return base.WithPortManager(pm)
}

func WithSenderFactory(f SenderFactory) RuntimeOption {
	return base.WithSenderFactory(f)
}

func WithQueueFactory(f QueueFactory) RuntimeOption {
	return base.WithQueueFactory(f)
}

func WithRecordLog(l RecordLog) RuntimeOption {
	return base.WithRecordLog(l)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithForwardingConfig(cfg ForwardingConfig) RuntimeOption {
	return base.WithForwardingConfig(cfg)
}

// Senders and port feed.
func NewCallbackSender(name string, fn DeliveryFunc) SenderFactory {
	return base.NewCallbackSender(name, fn)
}

func NewChannelSender(name string, buffer int) (SenderFactory, <-chan Delivery, func()) {
	return base.NewChannelSender(name, buffer)
}

func NewPortFeed() *PortFeed {
	return base.NewPortFeed()
}
