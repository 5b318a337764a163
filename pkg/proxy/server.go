// Package proxy implements the localhost HTTPS/SSE forwarder (C5): a
// single-upstream reverse proxy with a fixed host allowlist, bearer
// injection, and SSE-aware chunked streaming.
package proxy

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultReadHeaderTimeout bounds how long the server waits to read
// request headers before aborting the connection.
const DefaultReadHeaderTimeout = 10 * time.Second

// ServerConfig configures the listening HTTP server wrapping a Forwarder.
type ServerConfig struct {
	Host              string
	Port              int
	Handler           http.Handler
	ReadHeaderTimeout time.Duration
}

// NewHTTPServer builds an *http.Server from config, defaulting
// ReadHeaderTimeout when unset.
func NewHTTPServer(config ServerConfig) *http.Server {
	timeout := config.ReadHeaderTimeout
	if timeout == 0 {
		timeout = DefaultReadHeaderTimeout
	}
	return &http.Server{
		Addr:              formatAddr(config.Host, config.Port),
		Handler:           config.Handler,
		ReadHeaderTimeout: timeout,
	}
}

func formatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
