package observability

import (
	"net"
	"net/http"
	"strings"
)

// Headers that carry caller identity into logs and published events.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderDeviceID     = "X-Device-ID"
	HeaderForwardedFor = "X-Forwarded-For"
)

// DeviceIDFromRequest returns the client-supplied device id, if any.
func DeviceIDFromRequest(r *http.Request) string {
	return r.Header.Get(HeaderDeviceID)
}

// RequestIDFromRequest returns the request id. Behind the RequestID
// middleware it is always set.
func RequestIDFromRequest(r *http.Request) string {
	return r.Header.Get(HeaderRequestID)
}

// IPFromRequest prefers the first X-Forwarded-For hop over the socket peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get(HeaderForwardedFor); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
