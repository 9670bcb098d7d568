// Package framing cuts an append-only byte stream into frames.
//
// Extract is stateless: the caller owns one carry buffer per port and passes
// it back on the next call. Malformed input never produces an error; bytes
// that cannot be framed are counted in Result.Dropped.
package framing

import (
	"bytes"

	"github.com/ghalamif/PortRelay/internal/domain"
)

const (
	aa55Header   = 0xAA
	aa55Footer   = 0x55
	aa55Overhead = 5
)

// Result of one extraction step.
type Result struct {
	Frames  []domain.Frame
	Rest    []byte
	Dropped int
}

// Extract appends incoming to carry and cuts complete frames per rule.
func Extract(carry, incoming []byte, rule domain.FramingRule) Result {
	switch rule.Mode {
	case domain.FramingStream:
		return extractStream(incoming, rule.FrameLimit())
	case domain.FramingFixed:
		return extractFixed(join(carry, incoming), rule.FixedLengthBytes)
	case domain.FramingAA55:
		return extractAA55(join(carry, incoming))
	default:
		return extractLine(join(carry, incoming), rule.DelimiterBytes(), rule.FrameLimit())
	}
}

func join(carry, incoming []byte) []byte {
	buf := make([]byte, 0, len(carry)+len(incoming))
	buf = append(buf, carry...)
	return append(buf, incoming...)
}

func extractStream(incoming []byte, limit int) Result {
	if len(incoming) == 0 {
		return Result{}
	}
	n := len(incoming)
	dropped := 0
	if n > limit {
		dropped = n - limit
		n = limit
	}
	frame := make([]byte, n)
	copy(frame, incoming[:n])
	return Result{
		Frames:  []domain.Frame{{Start: 0, End: n, Bytes: frame}},
		Dropped: dropped,
	}
}

func extractFixed(buf []byte, size int) Result {
	if size <= 0 {
		// Misconfigured rule: nothing can ever be framed.
		return Result{Dropped: len(buf)}
	}
	var res Result
	off := 0
	for len(buf)-off >= size {
		res.Frames = append(res.Frames, domain.Frame{Start: off, End: off + size, Bytes: buf[off : off+size : off+size]})
		off += size
	}
	res.Rest = buf[off:]
	return res
}

func extractLine(buf, delim []byte, limit int) Result {
	var res Result
	off := 0
	for {
		idx := bytes.Index(buf[off:], delim)
		if idx < 0 {
			break
		}
		seg := buf[off : off+idx : off+idx]
		if len(seg) > 0 {
			if len(seg) > limit {
				res.Dropped += len(seg) - limit
				seg = seg[:limit:limit]
			}
			res.Frames = append(res.Frames, domain.Frame{Start: off, End: off + len(seg), Bytes: seg})
		}
		off += idx + len(delim)
	}
	rest := buf[off:]
	if len(rest) > limit {
		res.Dropped += len(rest) - limit
		rest = rest[len(rest)-limit:]
	}
	res.Rest = rest
	return res
}

// extractAA55 parses packets of the form
//
//	0xAA | length | body[length+1] | checksum | 0x55
//
// where the whole packet is length+5 bytes, the checksum is the sum of all
// preceding bytes mod 256 and 0x55 terminates it. Any mismatch advances by
// one byte.
func extractAA55(buf []byte) Result {
	var res Result
	off := 0
	for off < len(buf) {
		if buf[off] != aa55Header {
			idx := bytes.IndexByte(buf[off:], aa55Header)
			if idx < 0 {
				res.Dropped += len(buf) - off
				off = len(buf)
				break
			}
			res.Dropped += idx
			off += idx
		}
		if len(buf)-off < 2 {
			break
		}
		size := int(buf[off+1]) + aa55Overhead
		if len(buf)-off < size {
			break
		}
		pkt := buf[off : off+size : off+size]
		if pkt[size-1] != aa55Footer || checksum(pkt[:size-2]) != pkt[size-2] {
			res.Dropped++
			off++
			continue
		}
		res.Frames = append(res.Frames, domain.Frame{Start: off, End: off + size, Bytes: pkt})
		off += size
	}
	res.Rest = buf[off:]
	return res
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}
