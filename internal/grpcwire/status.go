package grpcwire

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	HeaderStatus  = "Grpc-Status"
	HeaderMessage = "Grpc-Message"
	HeaderTimeout = "Grpc-Timeout"
)

// StatusFromHeader reads grpc-status and grpc-message from h. It returns nil for
// OK and a status error otherwise. A missing grpc-status is an Internal error.
func StatusFromHeader(h http.Header) error {
	raw := h.Get(HeaderStatus)
	if raw == "" {
		return status.Error(codes.Internal, "server closed the stream without sending a grpc-status")
	}
	code, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return status.Errorf(codes.Internal, "malformed grpc-status %q", raw)
	}
	if codes.Code(code) == codes.OK {
		return nil
	}
	return status.Error(codes.Code(code), decodeMessage(h.Get(HeaderMessage)))
}

// HasStatus reports whether h carries a grpc-status, as in trailers-only responses.
func HasStatus(h http.Header) bool {
	return h.Get(HeaderStatus) != ""
}

// StatusFromHTTP maps a non-200 HTTP status to a gRPC status error following the
// gRPC HTTP mapping table.
func StatusFromHTTP(code int) error {
	var c codes.Code
	switch code {
	case http.StatusBadRequest:
		c = codes.Internal
	case http.StatusUnauthorized:
		c = codes.Unauthenticated
	case http.StatusForbidden:
		c = codes.PermissionDenied
	case http.StatusNotFound:
		c = codes.Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c = codes.Unavailable
	default:
		c = codes.Unknown
	}
	return status.Errorf(c, "unexpected HTTP status %d %s", code, http.StatusText(code))
}

// CodeOf returns the gRPC code carried by err, or codes.Unknown when err is not a
// status error. nil maps to OK.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}
	return codes.Unknown
}

// IsStatus reports whether err carries a gRPC status.
func IsStatus(err error) bool {
	var se interface{ GRPCStatus() *status.Status }
	return errors.As(err, &se)
}

// EncodeTimeout formats d as a grpc-timeout value, using the coarsest unit that
// keeps the value within eight digits.
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	const maxValue = 99999999
	units := []struct {
		suffix string
		size   time.Duration
	}{
		{"n", time.Nanosecond},
		{"u", time.Microsecond},
		{"m", time.Millisecond},
		{"S", time.Second},
		{"M", time.Minute},
		{"H", time.Hour},
	}
	for _, u := range units {
		// never shorter than d
		v := (d + u.size - 1) / u.size
		if v <= maxValue {
			return fmt.Sprintf("%d%s", v, u.suffix)
		}
	}
	return fmt.Sprintf("%dH", maxValue)
}

// decodeMessage undoes the percent-encoding gRPC applies to grpc-message.
func decodeMessage(msg string) string {
	if !strings.Contains(msg, "%") {
		return msg
	}
	decoded, err := url.PathUnescape(msg)
	if err != nil {
		return msg
	}
	return decoded
}
