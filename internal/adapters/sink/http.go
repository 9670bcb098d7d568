package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Signature"

	maxResponseBytes = 64 << 10
)

// HTTPSender issues one request per send.
type HTTPSender struct {
	cfg    domain.HTTPTransport
	format domain.PayloadFormat
	client *http.Client
	closed atomic.Bool
}

// NewHTTPSender builds a sender for cfg. A nil client gets a dedicated one
// with the configured timeout.
func NewHTTPSender(cfg domain.HTTPTransport, format domain.PayloadFormat, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
		if cfg.TimeoutMs > 0 {
			client.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &HTTPSender{cfg: cfg, format: format, client: client}
}

func (s *HTTPSender) Name() string { return "http" }

func (s *HTTPSender) Send(ctx context.Context, body []byte, headers map[string]string, opts ports.SendOptions) (time.Duration, error) {
	if s.closed.Load() {
		return 0, ErrSenderClosed
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, configError("http", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, opts.IdempotencyKey)
	}
	if s.cfg.SigningSecret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.cfg.SigningSecret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, classify("http", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, classify("http", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &SendError{
			Kind:       KindRemote,
			Transport:  "http",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %s: %s", resp.Status, snippet(respBody)),
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return 0, se
	}
	if s.format == domain.FormatFeishu {
		if err := checkFeishuResponse(respBody); err != nil {
			return 0, &SendError{Kind: KindRemote, Transport: "http", StatusCode: resp.StatusCode, Err: err}
		}
	}
	return time.Since(start), nil
}

func (s *HTTPSender) Close() error {
	s.closed.Store(true)
	s.client.CloseIdleConnections()
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// checkFeishuResponse rejects a 2xx reply whose body reports a bot error.
// The bot API answers {"code":0,...} on success and older deployments use
// "StatusCode".
func checkFeishuResponse(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	for _, key := range []string{"code", "StatusCode"} {
		r := gjson.GetBytes(body, key)
		if r.Exists() && r.Int() != 0 {
			msg := gjson.GetBytes(body, "msg").String()
			if msg == "" {
				msg = gjson.GetBytes(body, "StatusMessage").String()
			}
			return fmt.Errorf("bot rejected message: code %d: %s", r.Int(), msg)
		}
	}
	return nil
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ ports.Sender = (*HTTPSender)(nil)
