package protocol

import (
	"net/http"

	"github.com/google/uuid"
)

// Handshake header names sent when dialing the brain endpoint.
const (
	HeaderAuthorization = "Authorization"
	HeaderUserAgent     = "User-Agent"
	HeaderRequestID     = "RequestId"
	HeaderSpanID        = "SpanID"
)

// HandshakeHeader builds the HTTP header for a WebSocket handshake.
// Every call generates a fresh request ID.
func HandshakeHeader(accessKey, userAgent string) http.Header {
	h := http.Header{}
	if accessKey != "" {
		h.Set(HeaderAuthorization, accessKey)
	}
	if userAgent != "" {
		h.Set(HeaderUserAgent, userAgent)
	}
	h.Set(HeaderRequestID, uuid.NewString())
	return h
}

// RequestID returns the request ID of a handshake header.
func RequestID(h http.Header) string {
	return h.Get(HeaderRequestID)
}
