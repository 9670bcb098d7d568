// Package payload serializes outbound batches into wire bytes.
package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

var (
	ErrMissingSecret = errors.New("payload: encryption enabled but no secret configured")
	ErrUnknownFormat = errors.New("payload: unknown format")
)

const (
	HeaderContentType  = "Content-Type"
	HeaderEncoding     = "Content-Encoding"
	HeaderEncryption   = "X-Payload-Encryption"
	HeaderBatchID      = "X-Batch-Id"
	HeaderRecordCount  = "X-Record-Count"
	binaryMagic0       = 'P'
	binaryMagic1       = 'R'
	binaryVersion      = 1
	binaryHeaderLength = 8
)

// Builder implements ports.PayloadEncoder.
type Builder struct {
	// GlobalSecret is used when a channel enables encryption without its own
	// secret.
	GlobalSecret string
}

func NewBuilder(globalSecret string) *Builder {
	return &Builder{GlobalSecret: globalSecret}
}

// Encode renders batch per ch's format, then applies compression and
// encryption. Bot digests are never wrapped.
func (b *Builder) Encode(batch *domain.OutboundBatch, ch *domain.ChannelConfig) ([]byte, map[string]string, error) {
	headers := map[string]string{
		HeaderBatchID:     batch.ID,
		HeaderRecordCount: fmt.Sprint(len(batch.Records)),
	}

	var (
		body []byte
		err  error
	)
	switch ch.PayloadFormat {
	case domain.FormatJSON, "":
		body, err = encodeJSON(batch)
		headers[HeaderContentType] = "application/json"
	case domain.FormatXML:
		body = encodeXML(batch, ch.XMLTemplate)
		headers[HeaderContentType] = "application/xml"
	case domain.FormatBinary:
		body = encodeBinary(batch)
		headers[HeaderContentType] = "application/octet-stream"
	case domain.FormatFeishu:
		body, err = encodeFeishu(batch)
		headers[HeaderContentType] = "application/json"
		return body, headers, err
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ch.PayloadFormat)
	}
	if err != nil {
		return nil, nil, err
	}

	if ch.Compression == domain.CompressionGzip {
		if body, err = Gzip(body); err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		headers[HeaderEncoding] = "gzip"
	}
	if ch.Encryption == domain.EncryptionAES256GCM {
		secret := ch.EncryptionSecret
		if secret == "" {
			secret = b.GlobalSecret
		}
		if secret == "" {
			return nil, nil, ErrMissingSecret
		}
		if body, err = Seal(secret, body); err != nil {
			return nil, nil, err
		}
		headers[HeaderEncryption] = string(domain.EncryptionAES256GCM)
		headers[HeaderContentType] = "application/octet-stream"
	}
	return body, headers, nil
}

type jsonBatch struct {
	BatchID   string                         `json:"batchId"`
	ChannelID string                         `json:"channelId"`
	CreatedAt time.Time                      `json:"createdAt"`
	Count     int                            `json:"count"`
	Ports     map[string]domain.PortSnapshot `json:"ports,omitempty"`
	Records   []domain.Record                `json:"records"`
}

func encodeJSON(batch *domain.OutboundBatch) ([]byte, error) {
	records := batch.Records
	if records == nil {
		records = []domain.Record{}
	}
	return json.Marshal(jsonBatch{
		BatchID:   batch.ID,
		ChannelID: batch.ChannelID,
		CreatedAt: batch.CreatedAt,
		Count:     len(records),
		Ports:     batch.Ports,
		Records:   records,
	})
}

// encodeBinary writes
//
//	'P' 'R' version flags count:uint32be  { len:uint32be raw[len] } * count
//
// flags is reserved and always zero in version 1.
func encodeBinary(batch *domain.OutboundBatch) []byte {
	var buf bytes.Buffer
	buf.Grow(binaryHeaderLength + 64*len(batch.Records))
	buf.Write([]byte{binaryMagic0, binaryMagic1, binaryVersion, 0})
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(batch.Records)))
	for i := range batch.Records {
		raw := batch.Records[i].RawBytes()
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(raw)))
		buf.Write(raw)
	}
	return buf.Bytes()
}

// DecodeBinary parses a version 1 binary payload back into raw frames.
func DecodeBinary(b []byte) ([][]byte, error) {
	if len(b) < binaryHeaderLength || b[0] != binaryMagic0 || b[1] != binaryMagic1 {
		return nil, errors.New("payload: not a binary batch")
	}
	if b[2] != binaryVersion {
		return nil, fmt.Errorf("payload: unsupported binary version %d", b[2])
	}
	count := binary.BigEndian.Uint32(b[4:8])
	rest := b[binaryHeaderLength:]
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, errors.New("payload: truncated record length")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return nil, errors.New("payload: truncated record")
		}
		out = append(out, rest[:n])
		rest = rest[n:]
	}
	return out, nil
}

// Gzip compresses b.
func Gzip(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ ports.PayloadEncoder = (*Builder)(nil)
