package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Kascencio/backend-appacua/internal/logging"
)

// HTTPServerService adapts an *http.Server to suture.Service. Cancelling the
// service context triggers a graceful Shutdown; hijacked websocket
// connections are closed through the server's RegisterOnShutdown hooks.
type HTTPServerService struct {
	server          *http.Server
	shutdownTimeout time.Duration
	listen          func(addr string) (net.Listener, error)
}

func NewHTTPServerService(server *http.Server, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
	}
}

func (service *HTTPServerService) Serve(ctx context.Context) error {
	listener, err := service.listen(service.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", service.server.Addr, err)
	}
	logging.Info().Str("addr", listener.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := service.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), service.shutdownTimeout)
		defer cancel()

		if err := service.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (service *HTTPServerService) String() string {
	return "http-server"
}
