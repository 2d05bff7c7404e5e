package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabcast/tabcast/session"
	"github.com/tabcast/tabcast/socket"
)

const (
	serveReadHeaderTimeout = 10 * time.Second
	serveShutdownTimeout   = 10 * time.Second
)

func getServeCmd(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		Long: `Start the HTTP and websocket server hosting browser sessions.

Session defaults are read from TABCAST_* environment variables and can
be overridden per session in the create request.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve()
		},
	}
}

func (c *rootCommand) serve() error {
	opts, err := session.NewOptionsFromEnv()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	logger, err := c.platformLogger()
	if err != nil {
		return err
	}

	hub := socket.NewHub(logger)
	manager := session.NewManager(c.ctx, opts, &session.ChromiumLauncher{
		LaunchTimeout: opts.LaunchTimeout,
		Logger:        logger,
	}, hub, logger)
	manager.Start()

	srv := &http.Server{
		Addr:              c.address,
		Handler:           newAPIHandler(manager, hub, logger),
		ReadHeaderTimeout: serveReadHeaderTimeout,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Infof("serve", "listening on %s", c.address)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		// ListenAndServe only returns on failure; tear down whatever
		// sessions made it up before the server died.
		manager.Shutdown(context.Background())
		hub.Close()
		return err
	case <-c.ctx.Done():
	}

	logger.Infof("serve", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warnf("serve", "http shutdown: %s", err)
	}
	manager.Shutdown(shutdownCtx)
	hub.Close()
	return nil
}
