package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request (HTTP 429).
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrServer indicates a retryable server-side status such as 502 or 503.
type ErrServer struct {
	StatusCode int
}

func (e ErrServer) Error() string {
	return fmt.Sprintf("server_error: http status %d", e.StatusCode)
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrStatus indicates any other non-success status that is not retried.
type ErrStatus struct {
	StatusCode int
}

func (e ErrStatus) Error() string {
	return fmt.Sprintf("http_status: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrRequest indicates the request could not be issued at all, for example
// a malformed address or an unsupported scheme.
type ErrRequest struct {
	Err error
}

func (e ErrRequest) Error() string {
	return fmt.Errorf("request: %w", e.Err).Error()
}

func (e ErrRequest) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var timeout ErrTimeout
	var conn ErrConnection
	var rateLimited ErrRateLimited
	var server ErrServer
	return errors.As(err, &timeout) ||
		errors.As(err, &conn) ||
		errors.As(err, &rateLimited) ||
		errors.As(err, &server)
}

// Label maps an error to the short reason used for metrics and reject counts.
func Label(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server_error"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var status ErrStatus
	if errors.As(err, &status) {
		return "http_status"
	}
	var request ErrRequest
	if errors.As(err, &request) {
		return "request"
	}
	return "other"
}

// classifyError turns a raw fetch error or status code into one of the typed
// errors above. A nil result means the response is a success.
func classifyError(err error, statusCode int, retryStatus func(int) bool) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout{Err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout{Err: err}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return ErrConnection{Err: err}
		}
		return ErrRequest{Err: err}
	}

	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	if retryStatus != nil && retryStatus(statusCode) {
		if statusCode == http.StatusTooManyRequests {
			return ErrRateLimited{Err: fmt.Errorf("http status %d", statusCode)}
		}
		return ErrServer{StatusCode: statusCode}
	}
	switch statusCode {
	case http.StatusForbidden:
		return ErrForbidden{Err: fmt.Errorf("http status %d", statusCode)}
	case http.StatusNotFound:
		return ErrNotFound{Err: fmt.Errorf("http status %d", statusCode)}
	}
	return ErrStatus{StatusCode: statusCode}
}
