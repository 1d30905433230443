package serverapp

import (
	"fmt"
	"log/slog"
	"net"
	"os"
)

// Start binds the listen address and serves in a goroutine. Bind failures
// are returned directly; later serve failures arrive on the returned channel.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, fmt.Errorf("app is not initialized")
	}
	if a.started {
		return a.serverErrors, nil
	}

	ln, err := net.Listen("tcp", a.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a.serverAddr, err)
	}
	a.listenAddr = ln.Addr().String()
	a.serverErrors = startServer(a.cfg, a.logger, a.srv, ln)
	a.started = true
	return a.serverErrors, nil
}

// Addr returns the bound listen address once Start has succeeded.
func (a *App) Addr() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.listenAddr
}

// WaitForStop blocks until a signal arrives on stop or the server fails.
// A nil serverErrors falls back to the channel returned by Start.
func (a *App) WaitForStop(stop <-chan os.Signal, serverErrors <-chan error) (reason string, err error) {
	if serverErrors == nil {
		a.stateMu.Lock()
		serverErrors = a.serverErrors
		a.stateMu.Unlock()
	}
	if stop == nil && serverErrors == nil {
		return "", fmt.Errorf("both stop and serverErrors channels are nil")
	}

	// Receiving from a nil channel blocks forever, so a missing source
	// simply never wins the select.
	select {
	case err := <-serverErrors:
		if err == nil {
			return "server_error", fmt.Errorf("server stopped unexpectedly")
		}
		return "server_error", fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return "signal", nil
	}
}
