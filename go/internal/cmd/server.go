package main

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/watchparty/go/internal/config"
)

func setupServer(cfg config.Config, services *Services) *http.Server {
	// h2c passes HTTP/1.1 upgrades through, so the page socket still works
	return &http.Server{
		Addr:        cfg.Gateway.Addr,
		Handler:     h2c.NewHandler(services.Gateway.Handler(), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}
