package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	ErrSenderClosed     = errors.New("sink: sender closed")
	ErrUnknownTransport = errors.New("sink: unknown transport")
)

// Kind classifies a send failure for retry policy.
type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindRemote  Kind = "remote"
	KindConfig  Kind = "config"
	KindEncode  Kind = "encode"
)

// SendError is returned by every Sender in this package.
type SendError struct {
	Kind       Kind
	Transport  string
	StatusCode int
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send (%s, status %d): %v", e.Transport, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s send (%s): %v", e.Transport, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a network-class failure: a timeout,
// reset, refused or unreachable peer, or a link that dropped mid-write.
// Remote rejections and configuration errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind == KindNetwork || se.Kind == KindTimeout
	}
	return isTimeout(err) || isLinkFailure(err)
}

// RetryAfter extracts a server-requested delay from err.
func RetryAfter(err error) (time.Duration, bool) {
	var se *SendError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

// KindOf returns the classification of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var linkErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.EPIPE,
}

func isLinkFailure(err error) bool {
	for _, target := range linkErrnos {
		if errors.Is(err, target) {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}

// classify wraps an I/O error raised while talking to the remote side.
func classify(transport string, err error) error {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return err
	}
	kind := KindRemote
	switch {
	case isTimeout(err):
		kind = KindTimeout
	case isLinkFailure(err):
		kind = KindNetwork
	}
	return &SendError{Kind: kind, Transport: transport, Err: err}
}

func configError(transport string, err error) error {
	return &SendError{Kind: KindConfig, Transport: transport, Err: err}
}

func encodeError(transport string, err error) error {
	return &SendError{Kind: KindEncode, Transport: transport, Err: err}
}
