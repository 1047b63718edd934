package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const readHeaderTimeout = 10 * time.Second

// HTTP owns the listener of the API and websocket endpoint.
type HTTP struct {
	srv *http.Server
	log zerolog.Logger
}

func NewHTTP(addr string, handler http.Handler, log zerolog.Logger) *HTTP {
	return &HTTP{
		srv: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: readHeaderTimeout},
		log: log.With().Str("component", "http").Logger(),
	}
}

func (s *HTTP) Addr() string { return s.srv.Addr }

// ListenAndServe blocks until the server fails or Shutdown is called; the
// latter is not an error.
func (s *HTTP) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Upgraded
// websocket connections are not tracked here.
func (s *HTTP) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
