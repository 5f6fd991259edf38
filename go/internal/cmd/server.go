package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/gateway"
)

// serveGateway runs the gateway and its HTTP server until ctx is done, then
// shuts both down.
func serveGateway(ctx context.Context, addr string, svc *gateway.Service) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     svc.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	svcCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		if err := svc.Start(svcCtx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	<-svcDone

	return serveErr
}
