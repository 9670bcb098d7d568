package decode

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(segs []Segment) []SegmentKind {
	out := make([]SegmentKind, len(segs))
	for i, s := range segs {
		out[i] = s.Kind
	}
	return out
}

func TestDecodeClassifiesRuns(t *testing.T) {
	in := []byte("temp=21\x1b\xe4\xbd\xa0\xe5\xa5\xbd\xff\xfeok\n")
	res := Decode(in, DefaultOptions())

	assert.Equal(t, []SegmentKind{KindASCII, KindControl, KindUTF8, KindInvalid, KindASCII}, kinds(res.Segments))
	assert.Equal(t, "temp=21\\u001b你好\\xff\\xfeok\n", res.Text)
	assert.Equal(t, "temp=21你好ok\n", res.SearchText)
	assert.Equal(t, 1, res.Stats.ControlBytes)
	assert.Equal(t, 2, res.Stats.InvalidBytes)
	assert.Equal(t, 6, res.Stats.UTF8Bytes)
	assert.False(t, res.Stats.Truncated)
}

func TestDecodeRejectsOverlongAndSurrogates(t *testing.T) {
	overlong := []byte{0xc0, 0xaf}
	surrogate := []byte{0xed, 0xa0, 0x80}

	for _, in := range [][]byte{overlong, surrogate} {
		res := Decode(in, DefaultOptions())
		for _, s := range res.Segments {
			assert.NotEqual(t, KindUTF8, s.Kind, "%x", in)
		}
		assert.Empty(t, res.SearchText)
	}
}

func TestDecodeNewlinesAsControlWhenNotPreserved(t *testing.T) {
	opts := DefaultOptions()
	opts.PreserveNewlines = false
	opts.ControlStrategy = ControlSpace

	res := Decode([]byte("a\r\nb"), opts)
	assert.Equal(t, []SegmentKind{KindASCII, KindControl, KindASCII}, kinds(res.Segments))
	assert.Equal(t, "a b", res.Text)
	assert.Equal(t, "ab", res.SearchText)
}

func TestDecodeStrategies(t *testing.T) {
	opts := DefaultOptions()
	opts.ControlStrategy = ControlStrip
	opts.InvalidByteStrategy = InvalidLatin1
	assert.Equal(t, "xé", Decode([]byte{'x', 0x07, 0xe9}, opts).Text)

	opts.InvalidByteStrategy = InvalidReplace
	assert.Equal(t, "x�", Decode([]byte{'x', 0x07, 0xe9}, opts).Text)

	opts.InvalidByteStrategy = InvalidHex
	assert.Equal(t, "x[e9]", Decode([]byte{'x', 0x07, 0xe9}, opts).Text)
}

func TestDecodeStrayEscapeIsNotBinary(t *testing.T) {
	res := Decode([]byte("\x1b[0mready\x1b[0m"), DefaultOptions())
	for _, s := range res.Segments {
		assert.NotEqual(t, KindBinary, s.Kind)
	}
	assert.Equal(t, "[0mready[0m", res.SearchText)
}

func TestDecodeBinaryBlob(t *testing.T) {
	blob := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x10}
	in := append([]byte("hdr:"), blob...)
	in = append(in, []byte(":end")...)

	res := Decode(in, DefaultOptions())
	require.Equal(t, []SegmentKind{KindASCII, KindBinary, KindASCII}, kinds(res.Segments))
	assert.Equal(t, "hdr:<bin:10B:00010203040506070810>:end", res.Text)
	assert.Equal(t, "hdr::end", res.SearchText)
	assert.Equal(t, 10, res.Stats.BinaryBytes)

	opts := DefaultOptions()
	opts.BinaryStrategy = BinaryHex
	assert.Contains(t, Decode(in, opts).Text, "[00 01 02")

	long := make([]byte, 40)
	summary := Decode(long, DefaultOptions()).Text
	assert.True(t, strings.HasPrefix(summary, "<bin:40B:"))
	assert.True(t, strings.HasSuffix(summary, "…>"))
}

func TestDecodeKeepsShortTextBetweenNoise(t *testing.T) {
	in := []byte("\x01\x02\x03\x04OK\x05\x06\x07\x08")
	res := Decode(in, DefaultOptions())
	require.Len(t, res.Segments, 3)
	assert.Equal(t, KindControl, res.Segments[0].Kind)
	assert.Equal(t, KindASCII, res.Segments[1].Kind)
	assert.Equal(t, KindControl, res.Segments[2].Kind)
	assert.Equal(t, "OK", res.SearchText)

	blob := append([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, "OK"...)
	blob = append(blob, 0x00, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16)
	res = Decode(blob, DefaultOptions())
	require.Len(t, res.Segments, 3)
	assert.Equal(t, KindBinary, res.Segments[0].Kind)
	assert.Equal(t, KindBinary, res.Segments[2].Kind)
	assert.Equal(t, "OK", res.SearchText)
}

func TestDecodeTruncates(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOutputChars = 5

	res := Decode([]byte("abcdefghij"), opts)
	assert.Equal(t, "abcde…", res.Text)
	assert.True(t, res.Stats.Truncated)
	assert.Equal(t, 6, res.Stats.OutputChars)
	assert.Equal(t, "abcde", res.SearchText)
}

func TestDecodeInvalidOptionsFallBack(t *testing.T) {
	res := Decode([]byte{0x07}, Options{ControlStrategy: "bogus", MaxOutputChars: -1, BinaryRunNonTextRatio: 7})
	assert.Equal(t, `\u0007`, res.Text)
}

func TestDecodeRandomInputStaysBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	opts := DefaultOptions()
	opts.MaxOutputChars = 64
	for i := 0; i < 2000; i++ {
		buf := make([]byte, rng.Intn(300))
		rng.Read(buf)
		opts.BinaryStrategy = []BinaryStrategy{BinaryEscape, BinaryHex, BinarySummary}[i%3]
		res := Decode(buf, opts)
		require.LessOrEqual(t, res.Stats.OutputChars, opts.MaxOutputChars+1)
		covered := 0
		for _, s := range res.Segments {
			require.Equal(t, covered, s.Start)
			covered = s.End
		}
		require.Equal(t, len(buf), covered)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte("DEV001,TEMP,23.5\n"))
	f.Add([]byte{0xaa, 0x02, 0x01, 0x02, 0xad, 0x55})
	f.Fuzz(func(t *testing.T, in []byte) {
		opts := DefaultOptions()
		opts.MaxOutputChars = 32
		res := Decode(in, opts)
		if res.Stats.OutputChars > opts.MaxOutputChars+1 {
			t.Fatalf("output %d chars exceeds bound", res.Stats.OutputChars)
		}
	})
}
