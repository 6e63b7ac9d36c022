// Package httpserver constructs the HTTP server with sane timeouts so main
// stays lean.
package httpserver

import (
	"net/http"
	"time"
)

// New builds an http.Server with production timeouts. Per-request deadlines
// are enforced by the timeout middleware; these bound slow clients.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
