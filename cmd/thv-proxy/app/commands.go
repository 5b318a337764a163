// Package app provides the entry point for the thv-proxy command-line application.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/capsule-broker/pkg/logger"
	"github.com/stacklok/capsule-broker/pkg/proxy"
)

// NewRootCmd creates the root command for the thv-proxy CLI: the
// localhost HTTPS/SSE forwarder that remote MCP servers sit behind.
func NewRootCmd() *cobra.Command {
	var (
		name        string
		listen      string
		target      string
		bearerToken string
		timeout     int
	)

	rootCmd := &cobra.Command{
		Use:               "thv-proxy",
		DisableAutoGenTag: true,
		Short:             "thv-proxy forwards localhost requests to a single allowlisted MCP upstream",
		Long: `thv-proxy listens on a local address and forwards every request to a
single configured upstream HTTPS endpoint, injecting a bearer token and
agent/session headers, enforcing a single-host allowlist, and streaming
Server-Sent Events responses with explicit per-chunk flushing.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return runProxy(name, listen, target, bearerToken, timeout)
		},
	}

	rootCmd.Flags().StringVar(&name, "name", "", "Instance name, surfaced on /health and X-CA-Helper")
	rootCmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8843", "Listen address (host:port)")
	rootCmd.Flags().StringVar(&target, "target", "", "Upstream HTTPS endpoint")
	rootCmd.Flags().StringVar(&bearerToken, "bearer-token", "", "Bearer token to inject")
	rootCmd.Flags().IntVar(&timeout, "timeout", 60, "Upstream timeout in seconds")
	_ = rootCmd.MarkFlagRequired("name")
	_ = rootCmd.MarkFlagRequired("target")

	rootCmd.SilenceUsage = true
	return rootCmd
}

func runProxy(name, listen, target, bearerToken string, timeoutSeconds int) error {
	if err := proxy.RequireProxy(os.Getenv); err != nil {
		return err
	}

	host, port, err := proxy.ParseListen(listen)
	if err != nil {
		return fmt.Errorf("invalid --listen value: %w", err)
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid --target value: %w", err)
	}

	forwarder := proxy.NewForwarder(proxy.Config{
		Name:      name,
		Target:    targetURL,
		Bearer:    bearerToken,
		Timeout:   time.Duration(timeoutSeconds) * time.Second,
		AgentID:   os.Getenv("MCP_AGENT_ID"),
		SessionID: os.Getenv("MCP_SESSION_ID"),
	})

	server := proxy.NewHTTPServer(proxy.ServerConfig{
		Host:    host,
		Port:    port,
		Handler: forwarder.Routes(),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("thv-proxy %q listening on %s, forwarding to %s", name, server.Addr, target)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Infof("thv-proxy %q shutting down", name)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}
