package errorutil

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// NewUnreachable reports a round trip to service that failed before a
// response arrived. The cause stays reachable through errors.Is.
func NewUnreachable(service string, err error) error {
	return NewUnavailable(service+" unreachable", err)
}

// IsNetworkFailure reports whether err means the peer could not be reached or
// dropped the connection. Cancellation by the caller is not a network failure.
func IsNetworkFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	for _, target := range networkFailures {
		if errors.Is(err, target) {
			return true
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || IsNetworkFailure(urlErr.Err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

var networkFailures = []error{
	context.DeadlineExceeded,
	io.EOF,
	io.ErrUnexpectedEOF,
	io.ErrClosedPipe,
	net.ErrClosed,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}
