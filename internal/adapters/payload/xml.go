package payload

import (
	"bytes"
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
)

// DefaultXMLTemplate is used when a channel selects xml without a template.
const DefaultXMLTemplate = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<batch id="{{batchId}}" channel="{{channelId}}" createdAt="{{createdAt}}" count="{{count}}">{{records}}</batch>`

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// encodeXML substitutes {{name}} placeholders in tmpl. Values are XML
// escaped except {{records}}, which expands to pre-built elements. Unknown
// placeholders render empty.
func encodeXML(batch *domain.OutboundBatch, tmpl string) []byte {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultXMLTemplate
	}
	var first domain.Record
	if len(batch.Records) > 0 {
		first = batch.Records[0]
	}
	values := map[string]string{
		"batchId":   batch.ID,
		"channelId": batch.ChannelID,
		"createdAt": batch.CreatedAt.UTC().Format(time.RFC3339Nano),
		"count":     strconv.Itoa(len(batch.Records)),
		"deviceId":  first.DeviceID,
		"dataType":  first.DataType,
		"payload":   first.PayloadText(),
		"portPath":  first.PortPath,
		"payloads":  joinPayloads(batch.Records),
	}
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if name == "records" {
			return recordElements(batch.Records)
		}
		return escape(values[name])
	})
	return []byte(out)
}

func joinPayloads(recs []domain.Record) string {
	parts := make([]string, len(recs))
	for i := range recs {
		parts[i] = recs[i].PayloadText()
	}
	return strings.Join(parts, "\n")
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

type xmlRecord struct {
	XMLName  xml.Name `xml:"record"`
	ID       string   `xml:"id,attr"`
	TS       string   `xml:"ts,attr"`
	Port     string   `xml:"port,attr"`
	Seq      uint64   `xml:"seq,attr"`
	DeviceID string   `xml:"deviceId,omitempty"`
	DataType string   `xml:"dataType,omitempty"`
	Payload  string   `xml:"payload"`
	Raw      string   `xml:"raw"`
	Hash     string   `xml:"hash"`
}

func recordElements(recs []domain.Record) string {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for i := range recs {
		r := &recs[i]
		_ = enc.Encode(xmlRecord{
			ID:       r.ID,
			TS:       r.Timestamp.UTC().Format(time.RFC3339Nano),
			Port:     r.PortPath,
			Seq:      r.Sequence,
			DeviceID: r.DeviceID,
			DataType: r.DataType,
			Payload:  r.PayloadText(),
			Raw:      r.RawBase64,
			Hash:     r.Hash,
		})
	}
	_ = enc.Flush()
	return buf.String()
}
