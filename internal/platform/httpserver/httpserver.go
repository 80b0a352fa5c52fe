package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. List
// responses can grow large, so the write timeout is generous while the
// header timeout stays tight against slow-loris clients.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
