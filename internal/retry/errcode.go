package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Transport error codes. The names follow the socket errno they stand for
// so operators can match them against network tooling output.
const (
	CodeConnAborted = "ECONNABORTED" // client-side request timeout
	CodeTimedOut    = "ETIMEDOUT"
	CodeConnReset   = "ECONNRESET"
	CodeConnRefused = "ECONNREFUSED"
	CodeNotFound    = "ENOTFOUND"
	CodeBrokenPipe  = "EPIPE"
	CodeCanceled    = "ECANCELED"
	CodeUnknown     = "UNKNOWN"
)

// ErrorCode maps a transport error to its code. It returns "" for nil.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeConnAborted
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return CodeConnReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, syscall.EPIPE):
		return CodeBrokenPipe
	case errors.Is(err, syscall.ETIMEDOUT):
		return CodeTimedOut
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimedOut
		}
		return CodeNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut
	}
	return CodeUnknown
}

// IsTimeout reports whether code stands for a request that ran out of time.
func IsTimeout(code string) bool {
	return code == CodeConnAborted || code == CodeTimedOut
}
