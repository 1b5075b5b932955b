// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is the (digest, encoded URL) pair extracted from an inbound
// path, plus the inbound context and headers. It lives for one request.
type ProxyRequest struct {
	Ctx        context.Context
	Method     string
	Digest     string
	EncodedURL string
	Header     http.Header
	RemoteAddr string
}

// ProxyResponse is a streamed origin response ready to be relayed.
// ContentLength is -1 when the origin did not declare one.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}
