// Package decode classifies and renders arbitrary byte runs as text.
//
// Serial devices interleave printable lines, UTF-8 text, terminal control
// sequences and raw binary. Decode splits a buffer into maximal runs of one
// kind, reclassifies long non-text runs as binary, and renders everything
// into a bounded human-readable string plus a "search text" made only of the
// clean text runs. Gate matching and log search use the search text so that
// escape artifacts never create or hide a match.
package decode

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

type SegmentKind string

const (
	KindASCII   SegmentKind = "ascii"
	KindControl SegmentKind = "control"
	KindUTF8    SegmentKind = "utf8"
	KindInvalid SegmentKind = "invalid"
	KindBinary  SegmentKind = "binary"
)

type ControlStrategy string

const (
	ControlEscape ControlStrategy = "escape"
	ControlStrip  ControlStrategy = "strip"
	ControlSpace  ControlStrategy = "space"
)

type InvalidByteStrategy string

const (
	InvalidEscape  InvalidByteStrategy = "escape"
	InvalidReplace InvalidByteStrategy = "replace"
	InvalidHex     InvalidByteStrategy = "hex"
	InvalidLatin1  InvalidByteStrategy = "latin1"
)

type BinaryStrategy string

const (
	BinaryEscape  BinaryStrategy = "escape"
	BinaryHex     BinaryStrategy = "hex"
	BinarySummary BinaryStrategy = "summary"
)

const (
	defaultBinaryRunMinBytes     = 8
	defaultBinaryRunNonTextRatio = 0.3
	defaultMaxOutputChars        = 4096
	summaryPreviewBytes          = 24
	ellipsis                     = "…"
)

// Options controls classification and rendering. Unknown or out-of-range
// values fall back to the defaults.
type Options struct {
	ControlStrategy       ControlStrategy
	InvalidByteStrategy   InvalidByteStrategy
	BinaryStrategy        BinaryStrategy
	BinaryRunMinBytes     int
	BinaryRunNonTextRatio float64
	MaxOutputChars        int
	PreserveNewlines      bool
}

// DefaultOptions is the configuration used for gate matching and logs.
func DefaultOptions() Options {
	return Options{
		ControlStrategy:       ControlEscape,
		InvalidByteStrategy:   InvalidEscape,
		BinaryStrategy:        BinarySummary,
		BinaryRunMinBytes:     defaultBinaryRunMinBytes,
		BinaryRunNonTextRatio: defaultBinaryRunNonTextRatio,
		MaxOutputChars:        defaultMaxOutputChars,
		PreserveNewlines:      true,
	}
}

func (o Options) normalized() Options {
	switch o.ControlStrategy {
	case ControlEscape, ControlStrip, ControlSpace:
	default:
		o.ControlStrategy = ControlEscape
	}
	switch o.InvalidByteStrategy {
	case InvalidEscape, InvalidReplace, InvalidHex, InvalidLatin1:
	default:
		o.InvalidByteStrategy = InvalidEscape
	}
	switch o.BinaryStrategy {
	case BinaryEscape, BinaryHex, BinarySummary:
	default:
		o.BinaryStrategy = BinarySummary
	}
	if o.BinaryRunMinBytes <= 0 {
		o.BinaryRunMinBytes = defaultBinaryRunMinBytes
	}
	if o.BinaryRunNonTextRatio <= 0 || o.BinaryRunNonTextRatio > 1 {
		o.BinaryRunNonTextRatio = defaultBinaryRunNonTextRatio
	}
	if o.MaxOutputChars <= 0 {
		o.MaxOutputChars = defaultMaxOutputChars
	}
	return o
}

// Segment is a half-open byte range [Start, End) of one kind.
type Segment struct {
	Kind  SegmentKind `json:"kind"`
	Start int         `json:"start"`
	End   int         `json:"end"`
}

func (s Segment) Len() int { return s.End - s.Start }

type Stats struct {
	InputBytes   int  `json:"inputBytes"`
	OutputChars  int  `json:"outputChars"`
	ASCIIBytes   int  `json:"asciiBytes"`
	UTF8Bytes    int  `json:"utf8Bytes"`
	ControlBytes int  `json:"controlBytes"`
	InvalidBytes int  `json:"invalidBytes"`
	BinaryBytes  int  `json:"binaryBytes"`
	Truncated    bool `json:"truncated"`
}

type Result struct {
	Text       string    `json:"text"`
	SearchText string    `json:"searchText"`
	Segments   []Segment `json:"segments"`
	Stats      Stats     `json:"stats"`
}

// Decode classifies b and renders it. It never fails.
func Decode(b []byte, opts Options) Result {
	opts = opts.normalized()
	segs := classify(b, opts.PreserveNewlines)
	segs = promoteBinary(b, segs, opts)

	res := Result{Segments: segs}
	res.Stats.InputBytes = len(b)
	for _, s := range segs {
		switch s.Kind {
		case KindASCII:
			res.Stats.ASCIIBytes += s.Len()
		case KindUTF8:
			res.Stats.UTF8Bytes += s.Len()
		case KindControl:
			res.Stats.ControlBytes += s.Len()
		case KindInvalid:
			res.Stats.InvalidBytes += s.Len()
		case KindBinary:
			res.Stats.BinaryBytes += s.Len()
		}
	}

	text := newBoundedWriter(opts.MaxOutputChars)
	search := newBoundedWriter(opts.MaxOutputChars)
	for _, s := range segs {
		if text.full && search.full {
			break
		}
		chunk := b[s.Start:s.End]
		switch s.Kind {
		case KindASCII, KindUTF8:
			text.write(string(chunk))
			search.write(string(chunk))
		case KindControl:
			text.write(renderControl(chunk, opts.ControlStrategy))
		case KindInvalid:
			text.write(renderInvalid(chunk, opts.InvalidByteStrategy))
		case KindBinary:
			text.write(renderBinary(chunk, opts.BinaryStrategy))
		}
	}

	res.Text = text.String()
	if text.full {
		res.Text += ellipsis
		res.Stats.Truncated = true
	}
	res.SearchText = search.String()
	res.Stats.OutputChars = utf8.RuneCountInString(res.Text)
	return res
}

// Text renders b with DefaultOptions.
func Text(b []byte) string { return Decode(b, DefaultOptions()).Text }

// SearchText returns only the clean text runs of b.
func SearchText(b []byte) string { return Decode(b, DefaultOptions()).SearchText }

func isTextByte(c byte, preserveNewlines bool) bool {
	if c >= 0x20 && c < 0x7f {
		return true
	}
	if c == '\t' {
		return true
	}
	return preserveNewlines && (c == '\r' || c == '\n')
}

// utf8SeqLen returns the length of a valid multi-byte sequence at b[i], or 0.
// utf8.DecodeRune rejects overlong forms, surrogates and code points above
// U+10FFFF.
func utf8SeqLen(b []byte, i int) int {
	if b[i] < 0x80 {
		return 0
	}
	r, size := utf8.DecodeRune(b[i:])
	if r == utf8.RuneError && size <= 1 {
		return 0
	}
	return size
}

func classify(b []byte, preserveNewlines bool) []Segment {
	var segs []Segment
	i := 0
	for i < len(b) {
		start := i
		c := b[i]
		var kind SegmentKind
		switch {
		case isTextByte(c, preserveNewlines):
			kind = KindASCII
			for i < len(b) && isTextByte(b[i], preserveNewlines) {
				i++
			}
		case c < 0x80:
			kind = KindControl
			for i < len(b) && b[i] < 0x80 && !isTextByte(b[i], preserveNewlines) {
				i++
			}
		case utf8SeqLen(b, i) > 0:
			kind = KindUTF8
			for i < len(b) {
				n := utf8SeqLen(b, i)
				if n == 0 {
					break
				}
				i += n
			}
		default:
			kind = KindInvalid
			i++
			for i < len(b) && b[i] >= 0x80 && utf8SeqLen(b, i) == 0 {
				i++
			}
		}
		segs = append(segs, Segment{Kind: kind, Start: start, End: i})
	}
	return segs
}

func nonText(k SegmentKind) bool { return k == KindControl || k == KindInvalid }

// promoteBinary reclassifies each long, dense control/invalid run as binary.
// Text runs are never absorbed, so short printable fragments between noise
// bytes stay in the search text.
func promoteBinary(b []byte, segs []Segment, opts Options) []Segment {
	for i, s := range segs {
		if nonText(s.Kind) && isBinaryRegion(b[s.Start:s.End], opts) {
			segs[i].Kind = KindBinary
		}
	}
	return segs
}

func isBinaryRegion(chunk []byte, opts Options) bool {
	if len(chunk) < opts.BinaryRunMinBytes {
		return false
	}
	nonPrintable := 0
	for _, c := range chunk {
		if c == 0 {
			return true
		}
		if c < 0x20 || c >= 0x7f {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(chunk)) >= opts.BinaryRunNonTextRatio
}

func renderControl(chunk []byte, s ControlStrategy) string {
	switch s {
	case ControlStrip:
		return ""
	case ControlSpace:
		return " "
	default:
		var sb strings.Builder
		for _, c := range chunk {
			fmt.Fprintf(&sb, `\u%04x`, c)
		}
		return sb.String()
	}
}

func renderInvalid(chunk []byte, s InvalidByteStrategy) string {
	var sb strings.Builder
	switch s {
	case InvalidReplace:
		for range chunk {
			sb.WriteRune(utf8.RuneError)
		}
	case InvalidHex:
		sb.WriteString(hexList(chunk))
	case InvalidLatin1:
		for _, c := range chunk {
			sb.WriteRune(charmap.ISO8859_1.DecodeByte(c))
		}
	default:
		for _, c := range chunk {
			fmt.Fprintf(&sb, `\x%02x`, c)
		}
	}
	return sb.String()
}

func renderBinary(chunk []byte, s BinaryStrategy) string {
	switch s {
	case BinaryEscape:
		var sb strings.Builder
		for _, c := range chunk {
			fmt.Fprintf(&sb, `\x%02x`, c)
		}
		return sb.String()
	case BinaryHex:
		return hexList(chunk)
	default:
		preview := chunk
		suffix := ""
		if len(preview) > summaryPreviewBytes {
			preview = preview[:summaryPreviewBytes]
			suffix = ellipsis
		}
		return fmt.Sprintf("<bin:%dB:%x%s>", len(chunk), preview, suffix)
	}
}

func hexList(chunk []byte) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, c := range chunk {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	sb.WriteByte(']')
	return sb.String()
}

// boundedWriter stops accepting runes once limit is reached.
type boundedWriter struct {
	sb    strings.Builder
	limit int
	n     int
	full  bool
}

func newBoundedWriter(limit int) *boundedWriter { return &boundedWriter{limit: limit} }

func (w *boundedWriter) write(s string) {
	if w.full || s == "" {
		return
	}
	for _, r := range s {
		if w.n >= w.limit {
			w.full = true
			return
		}
		w.sb.WriteRune(r)
		w.n++
	}
}

func (w *boundedWriter) String() string { return w.sb.String() }
