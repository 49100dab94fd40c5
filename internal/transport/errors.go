package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
)

// StatusError is a definitive or gateway HTTP answer from the backend.
type StatusError struct {
	StatusCode int
	Detail     string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// Unwrap exposes the library sentinel the status maps to.
func (e *StatusError) Unwrap() error {
	return e.kind
}

// classifyStatus maps a non-2xx status onto the library error taxonomy.
func classifyStatus(statusCode int, detail string) error {
	var kind error
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = library.ErrUnauthorized
	case http.StatusNotFound:
		kind = library.ErrNotFound
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = library.ErrConnectivity
	default:
		kind = library.ErrValidation
	}
	return &StatusError{StatusCode: statusCode, Detail: detail, kind: kind}
}

// ClassifyError wraps a failure that never produced an HTTP answer. Timeouts, DNS failures,
// refused or reset connections and truncated streams are connectivity; anything already carrying
// a library sentinel passes through.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{library.ErrConnectivity, library.ErrValidation, library.ErrNotFound, library.ErrUnauthorized} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isConnectivitySignal(err) {
		return fmt.Errorf("%w: %v", library.ErrConnectivity, err)
	}
	return fmt.Errorf("%w: %v", library.ErrValidation, err)
}

func isConnectivitySignal(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
