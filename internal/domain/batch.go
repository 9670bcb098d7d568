package domain

import "time"

// PortSnapshot captures a port's epoch and session at the time records were
// taken from it.
type PortSnapshot struct {
	Epoch     uint64 `json:"epoch"`
	SessionID string `json:"sessionId,omitempty"`
}

// OutboundBatch is one delivery unit for one channel.
type OutboundBatch struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	// BootID identifies the process run that cut the batch.
	BootID        string                  `json:"bootId"`
	CreatedAt     time.Time               `json:"createdAt"`
	Records       []Record                `json:"records"`
	Ports         map[string]PortSnapshot `json:"ports"`
	PayloadFormat PayloadFormat           `json:"payloadFormat"`
	Compression   Compression             `json:"compression"`
	Encryption    Encryption              `json:"encryption"`
}

// PortState is reported by the port manager for each device.
type PortState string

const (
	PortClosed       PortState = "closed"
	PortOpening      PortState = "opening"
	PortOpen         PortState = "open"
	PortError        PortState = "error"
	PortReconnecting PortState = "reconnecting"
)
