package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel errors for request preparation and dispatch.
var (
	// ErrInvalidRequest marks a malformed URL or unsupported scheme. It fails
	// the call synchronously, before any network activity.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTooManyRedirects terminates a redirect chain longer than MaxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrMaxRetries marks a request that exhausted its retry budget.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// Transport errno values, kept curl-compatible so that retry sets configured
// as {12, 28} keep their meaning.
const (
	ErrnoResolve       = 6  // could not resolve host
	ErrnoConnect       = 7  // could not connect
	ErrnoFTPTimeout    = 12 // FTP accept/operation timeout
	ErrnoTimeout       = 28 // operation timed out
	ErrnoSSL           = 35 // TLS handshake failure
	ErrnoRecv          = 56 // failure receiving data
	ErrnoGeneric       = 2  // anything else
)

// PerformError carries a failed transport exchange into the exception
// middleware chain.
type PerformError struct {
	Errno int
	Msg   string
}

func (e *PerformError) Error() string {
	return fmt.Sprintf("ERROR (%d, %s)", e.Errno, e.Msg)
}

// newPerformError classifies a transport error into a PerformError.
func newPerformError(err error) *PerformError {
	return &PerformError{Errno: classifyErrno(err), Msg: err.Error()}
}

func classifyErrno(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrnoTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrnoTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrnoResolve
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return ErrnoSSL
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ErrnoSSL
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrnoConnect
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrnoRecv
	}
	return ErrnoGeneric
}
