// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Mode selects how the proxy resolves the upstream for a request.
type Mode string

const (
	// ModeForward relays to whatever origin the client names in an
	// absolute-form request target, and tunnels CONNECT requests.
	ModeForward Mode = "forward"
	// ModeReverse relays every request to one configured upstream origin.
	ModeReverse Mode = "reverse"
)

// Credentials is the access-control header pair the proxy injects into
// every outbound request.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Target is the absolute URL in forward mode, or path and query in
	// reverse mode, exactly as the client sent it.
	Target *url.URL
	// Host is the client-supplied Host header.
	Host string
	// Scheme is the scheme of the client's connection to the proxy.
	Scheme        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
