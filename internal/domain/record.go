package domain

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// PayloadKind tells consumers which Payload field carries the value.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadJSON  PayloadKind = "json"
	PayloadBytes PayloadKind = "bytes"
)

// Payload is the parsed value of a Record.
type Payload struct {
	Kind   PayloadKind     `json:"kind"`
	Text   string          `json:"text,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Base64 string          `json:"base64,omitempty"`
}

// Frame is one delimited byte run cut from a port's stream. Start and End are
// offsets into the buffer the extractor scanned (carry + incoming).
type Frame struct {
	Start int
	End   int
	Bytes []byte
}

// Record is the canonical unit of forwarded data in PortRelay. It is
// immutable once created.
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"ts"`
	PortPath      string    `json:"portPath"`
	PortSessionID string    `json:"portSessionId,omitempty"`
	PortEpoch     uint64    `json:"portEpoch"`
	Sequence      uint64    `json:"seq"`
	OwnerID       string    `json:"ownerId,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	DataType      string    `json:"dataType,omitempty"`
	Payload       Payload   `json:"payload"`
	RawBase64     string    `json:"rawBase64"`
	Hash          string    `json:"hash"`
	// Fallback is set when the record was synthesized from a gate match
	// after the parse rule rejected the frame.
	Fallback bool `json:"fallback,omitempty"`
}

// RawBytes decodes the raw frame bytes carried by the record.
func (r *Record) RawBytes() []byte {
	if r.RawBase64 == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(r.RawBase64)
	if err != nil {
		return nil
	}
	return b
}

// PayloadText returns the textual payload if the record carries one.
func (r *Record) PayloadText() string {
	switch r.Payload.Kind {
	case PayloadText:
		return r.Payload.Text
	case PayloadJSON:
		return string(r.Payload.JSON)
	default:
		return ""
	}
}
