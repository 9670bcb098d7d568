package domain

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

type FramingMode string

const (
	FramingStream FramingMode = "stream"
	FramingFixed  FramingMode = "fixed"
	FramingLine   FramingMode = "line"
	FramingAA55   FramingMode = "aa55"
)

// DefaultMaxFrameBytes bounds a single frame and the line-mode carry buffer.
const DefaultMaxFrameBytes = 64 * 1024

// FramingRule controls how a port's byte stream is cut into frames.
type FramingRule struct {
	Mode FramingMode `json:"mode"`
	// Delimiter is "\n" or "\r\n" for line mode. DelimiterHex, when set,
	// takes precedence and holds a custom byte sequence such as "0d0a".
	Delimiter        string `json:"delimiter,omitempty"`
	DelimiterHex     string `json:"delimiterHex,omitempty"`
	FixedLengthBytes int    `json:"fixedLengthBytes,omitempty"`
	MaxFrameBytes    int    `json:"maxFrameBytes,omitempty"`
}

// DelimiterBytes resolves the configured line delimiter.
func (r FramingRule) DelimiterBytes() []byte {
	if r.DelimiterHex != "" {
		clean := strings.NewReplacer(" ", "", "0x", "", "0X", "", ",", "").Replace(r.DelimiterHex)
		if b, err := hex.DecodeString(clean); err == nil && len(b) > 0 {
			return b
		}
	}
	switch r.Delimiter {
	case "\r\n", `\r\n`, "crlf", "CRLF":
		return []byte("\r\n")
	default:
		return []byte("\n")
	}
}

// FrameLimit returns MaxFrameBytes or the default.
func (r FramingRule) FrameLimit() int {
	if r.MaxFrameBytes > 0 {
		return r.MaxFrameBytes
	}
	return DefaultMaxFrameBytes
}

type ParseMode string

const (
	ParseBinary    ParseMode = "binary"
	ParseJSON      ParseMode = "json"
	ParseTextRegex ParseMode = "text-regex"
)

// ParseRule turns a frame into a Record.
type ParseRule struct {
	Mode  ParseMode `json:"mode"`
	Regex string    `json:"regex,omitempty"`
	// Dotted/indexed paths such as "meta.device" or "readings[0].value".
	DeviceIDPath string `json:"deviceIdPath,omitempty"`
	DataTypePath string `json:"dataTypePath,omitempty"`
	PayloadPath  string `json:"payloadPath,omitempty"`
}

type GateMode string

const (
	GateAfter GateMode = "after"
	GateOnly  GateMode = "only"
)

// GateRule restricts forwarding to frames at or after a trigger text.
type GateRule struct {
	StartOnText      string   `json:"startOnText,omitempty"`
	StartMode        GateMode `json:"startMode,omitempty"`
	IncludeStartLine bool     `json:"includeStartLine"`
}

// Active reports whether a trigger is configured.
func (g GateRule) Active() bool { return g.StartOnText != "" }

// SourceRule is the ingestion policy for one serial port.
type SourceRule struct {
	ID       string      `json:"id"`
	Enabled  bool        `json:"enabled"`
	OwnerID  string      `json:"ownerId,omitempty"`
	PortPath string      `json:"portPath"`
	Framing  FramingRule `json:"framing"`
	Parse    ParseRule   `json:"parse"`
	Gate     GateRule    `json:"gate"`
}

func (s *SourceRule) ApplyDefaults() {
	if s.Framing.Mode == "" {
		s.Framing.Mode = FramingLine
	}
	if s.Parse.Mode == "" {
		s.Parse.Mode = ParseBinary
	}
	if s.Gate.Active() && s.Gate.StartMode == "" {
		s.Gate.StartMode = GateAfter
	}
}

func (s SourceRule) Validate() error {
	if strings.TrimSpace(s.PortPath) == "" {
		return fmt.Errorf("source %q: portPath is required", s.ID)
	}
	switch s.Framing.Mode {
	case FramingStream, FramingLine, FramingAA55:
	case FramingFixed:
		if s.Framing.FixedLengthBytes <= 0 {
			return fmt.Errorf("source %q: fixedLengthBytes must be > 0", s.ID)
		}
	default:
		return fmt.Errorf("source %q: unknown framing mode %q", s.ID, s.Framing.Mode)
	}
	switch s.Parse.Mode {
	case ParseBinary, ParseJSON:
	case ParseTextRegex:
		if s.Parse.Regex == "" {
			return fmt.Errorf("source %q: regex is required for text-regex parsing", s.ID)
		}
		if _, err := regexp.Compile(s.Parse.Regex); err != nil {
			return fmt.Errorf("source %q: regex: %w", s.ID, err)
		}
	default:
		return fmt.Errorf("source %q: unknown parse mode %q", s.ID, s.Parse.Mode)
	}
	switch s.Gate.StartMode {
	case "", GateAfter, GateOnly:
	default:
		return fmt.Errorf("source %q: unknown gate mode %q", s.ID, s.Gate.StartMode)
	}
	return nil
}

// NormalizePortPath folds the spellings a port manager may report for the
// same device into one key.
func NormalizePortPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, `\\.\`)
	if len(p) > 3 && strings.EqualFold(p[:3], "com") && isDigits(p[3:]) {
		return strings.ToUpper(p)
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
