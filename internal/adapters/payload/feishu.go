package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ghalamif/PortRelay/internal/decode"
	"github.com/ghalamif/PortRelay/internal/domain"
)

const (
	// MaxDigestChars bounds the text of one bot message.
	MaxDigestChars = 3500
	// MaxBotBodyBytes is the hard limit the bot endpoint accepts.
	MaxBotBodyBytes = 19000
	maxLineChars    = 300
)

type botMessage struct {
	MsgType string     `json:"msg_type"`
	Content botContent `json:"content"`
}

type botContent struct {
	Text string `json:"text"`
}

// encodeFeishu renders a plain text digest, one line per record.
func encodeFeishu(batch *domain.OutboundBatch) ([]byte, error) {
	text := Digest(batch, MaxDigestChars)
	for {
		body, err := json.Marshal(botMessage{MsgType: "text", Content: botContent{Text: text}})
		if err != nil {
			return nil, err
		}
		if len(body) <= MaxBotBodyBytes || text == "" {
			return body, nil
		}
		// JSON escaping can inflate the text past the byte cap; shrink and retry.
		n := utf8.RuneCountInString(text)
		text = truncateRunes(text, n*9/10)
	}
}

// Digest builds the human-readable summary of batch, capped to maxChars.
func Digest(batch *domain.OutboundBatch, maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[PortRelay] %d record(s)", len(batch.Records))
	for i := range batch.Records {
		sb.WriteByte('\n')
		sb.WriteString(digestLine(&batch.Records[i]))
	}
	return truncateRunes(sb.String(), maxChars)
}

var cleanOpts = func() decode.Options {
	o := decode.DefaultOptions()
	o.ControlStrategy = decode.ControlSpace
	o.InvalidByteStrategy = decode.InvalidReplace
	o.PreserveNewlines = false
	o.MaxOutputChars = maxLineChars
	return o
}()

var spaces = regexp.MustCompile(`\s+`)

func digestLine(r *domain.Record) string {
	src := r.RawBytes()
	switch {
	case r.Payload.Kind == domain.PayloadJSON:
		src = r.Payload.JSON
	case r.Payload.Kind == domain.PayloadText && !r.Fallback:
		src = []byte(r.Payload.Text)
	}
	text := decode.Decode(src, cleanOpts).SearchText
	text = strings.TrimSpace(spaces.ReplaceAllString(text, " "))
	text = truncateRunes(text, maxLineChars)
	if hint := modemHint(text); hint != "" {
		text = hint + " (" + text + ")"
	}

	parts := []string{r.Timestamp.Format("15:04:05"), r.PortPath}
	if r.DeviceID != "" {
		parts = append(parts, r.DeviceID)
	}
	if r.DataType != "" {
		parts = append(parts, r.DataType)
	}
	if text == "" {
		text = fmt.Sprintf("<%d bytes>", len(r.RawBytes()))
	}
	return strings.Join(parts, " ") + ": " + text
}

var (
	reCSQ   = regexp.MustCompile(`\+CSQ:\s*(\d+),\s*(\d+)`)
	reCREG  = regexp.MustCompile(`\+C(?:E|G)?REG:\s*(?:\d+,)?\s*(\d)`)
	reCMTI  = regexp.MustCompile(`\+CMTI:\s*"(\w+)",\s*(\d+)`)
	reCLIP  = regexp.MustCompile(`\+CLIP:\s*"([^"]*)"`)
	reCMEER = regexp.MustCompile(`\+CM[ES] ERROR:\s*(.+)`)
)

var regStatus = map[string]string{
	"0": "not registered",
	"1": "registered (home)",
	"2": "searching",
	"3": "registration denied",
	"4": "registration unknown",
	"5": "registered (roaming)",
}

// modemHint recognizes common AT modem status lines.
func modemHint(line string) string {
	if m := reCSQ.FindStringSubmatch(line); m != nil {
		rssi, _ := strconv.Atoi(m[1])
		if rssi == 99 {
			return "signal unknown"
		}
		return fmt.Sprintf("signal %d/31 (%d dBm)", rssi, -113+2*rssi)
	}
	if m := reCREG.FindStringSubmatch(line); m != nil {
		if s, ok := regStatus[m[1]]; ok {
			return "network " + s
		}
	}
	if m := reCMTI.FindStringSubmatch(line); m != nil {
		return "new SMS in " + m[1] + " slot " + m[2]
	}
	if m := reCLIP.FindStringSubmatch(line); m != nil {
		return "incoming call from " + m[1]
	}
	if m := reCMEER.FindStringSubmatch(line); m != nil {
		return "modem error " + strings.TrimSpace(m[1])
	}
	switch strings.TrimSpace(line) {
	case "RING":
		return "incoming call"
	case "NO CARRIER":
		return "call ended"
	case "ERROR":
		return "modem error"
	}
	return ""
}

// truncateRunes keeps at most n runes, replacing the tail with an ellipsis.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
