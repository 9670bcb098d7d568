// Package parse turns frames into Records.
package parse

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ghalamif/PortRelay/internal/decode"
	"github.com/ghalamif/PortRelay/internal/domain"
)

var (
	ErrInvalidJSON = errors.New("parse: invalid json")
	ErrNoMatch     = errors.New("parse: regex did not match")
	ErrBadRegex    = errors.New("parse: regex does not compile")
	ErrEmptyFrame  = errors.New("parse: empty frame")
)

var (
	deviceAliases  = []string{"deviceId", "device", "id"}
	typeAliases    = []string{"type", "dataType"}
	payloadAliases = []string{"payload", "value"}
)

// Parser caches compiled regular expressions across frames. The zero value
// is ready to use.
type Parser struct {
	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

// Parse builds a Record from frame. Timestamp, session and sequence are left
// for the caller to stamp.
func (p *Parser) Parse(frame []byte, portPath string, rule domain.ParseRule) (*domain.Record, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	rec := newRecord(frame, portPath)
	switch rule.Mode {
	case domain.ParseJSON:
		if err := parseJSON(rec, frame, rule); err != nil {
			return nil, err
		}
	case domain.ParseTextRegex:
		re, err := p.compile(rule.Regex)
		if err != nil {
			return nil, err
		}
		if err := parseRegex(rec, frame, re); err != nil {
			return nil, err
		}
	default:
		rec.Payload = domain.Payload{Kind: domain.PayloadBytes, Base64: rec.RawBase64}
	}
	return rec, nil
}

// Fallback wraps a frame that matched a gate but failed its parse rule as a
// plain text record.
func Fallback(frame []byte, portPath string) *domain.Record {
	rec := newRecord(frame, portPath)
	rec.Payload = domain.Payload{Kind: domain.PayloadText, Text: decode.Text(frame)}
	rec.Fallback = true
	return rec
}

// Hash returns the hex sha-256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newRecord(frame []byte, portPath string) *domain.Record {
	return &domain.Record{
		ID:        uuid.NewString(),
		PortPath:  portPath,
		RawBase64: base64.StdEncoding.EncodeToString(frame),
		Hash:      Hash(frame),
	}
}

func (p *Parser) compile(expr string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.regexes[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRegex, err)
	}
	if p.regexes == nil {
		p.regexes = make(map[string]*regexp.Regexp)
	}
	p.regexes[expr] = re
	return re, nil
}

func parseRegex(rec *domain.Record, frame []byte, re *regexp.Regexp) error {
	text := strings.TrimRight(strings.ToValidUTF8(string(frame), "�"), "\r\n")
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ErrNoMatch
	}
	group := func(aliases []string) (string, bool) {
		for _, name := range aliases {
			if idx := re.SubexpIndex(name); idx >= 0 {
				return m[idx], true
			}
		}
		return "", false
	}
	rec.DeviceID, _ = group(deviceAliases)
	rec.DataType, _ = group(typeAliases)
	payload, ok := group(payloadAliases)
	if !ok {
		payload = m[0]
	}
	rec.Payload = domain.Payload{Kind: domain.PayloadText, Text: payload}
	return nil
}

func parseJSON(rec *domain.Record, frame []byte, rule domain.ParseRule) error {
	if !gjson.ValidBytes(frame) {
		return ErrInvalidJSON
	}
	doc := gjson.ParseBytes(frame)

	rec.DeviceID = lookup(doc, rule.DeviceIDPath, deviceAliases).String()
	rec.DataType = lookup(doc, rule.DataTypePath, typeAliases).String()

	val := lookup(doc, rule.PayloadPath, payloadAliases)
	if !val.Exists() {
		val = doc
	}
	if val.Type == gjson.String {
		rec.Payload = domain.Payload{Kind: domain.PayloadText, Text: val.String()}
	} else {
		rec.Payload = domain.Payload{Kind: domain.PayloadJSON, JSON: []byte(val.Raw)}
	}
	return nil
}

// lookup resolves a configured path, or the first alias present at the top
// level when no path is configured.
func lookup(doc gjson.Result, path string, aliases []string) gjson.Result {
	if path != "" {
		return doc.Get(GJSONPath(path))
	}
	for _, a := range aliases {
		if r := doc.Get(a); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// GJSONPath rewrites "a.b[0].c" into gjson's "a.b.0.c".
func GJSONPath(path string) string {
	var sb strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '[':
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
		case ']':
		default:
			sb.WriteByte(c)
		}
	}
	return strings.TrimPrefix(sb.String(), "$.")
}
