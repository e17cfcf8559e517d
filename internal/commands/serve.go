/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/spf13/cobra"

	"github.com/microsoft/jsdap/internal/adapter"
	"github.com/microsoft/jsdap/internal/binder"
	"github.com/microsoft/jsdap/internal/config"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/internal/targets"
	"github.com/microsoft/jsdap/internal/targets/attach"
	"github.com/microsoft/jsdap/internal/targets/node"
	"github.com/microsoft/jsdap/pkg/logger"
	"github.com/microsoft/jsdap/pkg/resiliency"
)

type serveFlagData struct {
	port       int
	address    string
	stdio      bool
	configPath string
}

var (
	serveFlags serveFlagData
)

func NewServeCommand(log *logger.Logger) (*cobra.Command, error) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves debug sessions",
		Long: `Serves debug sessions over the Debug Adapter Protocol.

With --port, every IDE connection to the port is a separate debug session.
With --stdio, a single session is served over standard input and output.`,
		RunE: runServe(log),
		Args: cobra.NoArgs,
	}

	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "TCP port to accept IDE connections on.")
	serveCmd.Flags().StringVar(&serveFlags.address, "address", "127.0.0.1", "Address to accept IDE connections on, used together with --port.")
	serveCmd.Flags().BoolVar(&serveFlags.stdio, "stdio", false, "Serve a single session over standard input and output.")
	serveCmd.Flags().StringVarP(&serveFlags.configPath, "config", "c", "", "Path to the server configuration file (YAML).")
	serveCmd.MarkFlagsMutuallyExclusive("port", "stdio")
	serveCmd.MarkFlagsOneRequired("port", "stdio")

	return serveCmd, nil
}

func runServe(log *logger.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log := log.WithName("serve")

		cfg, err := config.LoadServerConfig(serveFlags.configPath)
		if err != nil {
			log.Error(err, "Could not load server configuration")
			return err
		}

		if serveFlags.stdio {
			log.Info("Serving a debug session over stdio")
			return serveSession(cmd.Context(), jsdap.NewStdioTransport(os.Stdin, os.Stdout), cfg, log)
		}

		endpoint := net.JoinHostPort(serveFlags.address, strconv.Itoa(serveFlags.port))
		listener, err := net.Listen("tcp", endpoint)
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", endpoint, err)
		}
		log.Info("Accepting IDE connections", "Endpoint", listener.Addr().String())
		return serveSessions(cmd.Context(), listener, cfg, log)
	}
}

// serveSessions serves one debug session per accepted connection until the context is cancelled.
func serveSessions(ctx context.Context, listener net.Listener, cfg *config.ServerConfig, log logr.Logger) error {
	var sessions sync.WaitGroup
	defer sessions.Wait()

	for {
		transport, err := jsdap.AcceptTCP(ctx, listener)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			var sessionErr error
			defer func() {
				if sessionErr != nil {
					log.Error(sessionErr, "Debug session ended with an error")
				}
			}()
			defer resiliency.RecoverInto(&sessionErr, log)
			sessionErr = serveSession(ctx, transport, cfg, log)
		}()
	}
}

// serveSession runs one debug session to completion: the IDE connection, its debug adapter,
// and the launchers that find targets for it.
func serveSession(ctx context.Context, transport jsdap.Transport, cfg *config.ServerConfig, log logr.Logger) error {
	log = log.WithValues("Session", nextSessionID())
	log.Info("Debug session started")

	conn := jsdap.NewConnection(transport, log.WithName("dap"))
	da := adapter.New(conn, adapter.Options{Log: log.WithName("adapter"), WebRoot: cfg.WebRoot})
	b := binder.New(da, launchersFor(da, cfg, log), binder.Options{Log: log.WithName("binder")})

	runErr := conn.Run(ctx)
	b.Dispose()
	da.Dispose()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("Debug session ended")
	return nil
}

// launchersFor creates the launchers that serve a launch or attach request. Each launcher
// ignores the requests it cannot serve.
func launchersFor(da *adapter.DebugAdapter, cfg *config.ServerConfig, log logr.Logger) binder.LauncherFactory {
	return func(_ *config.LaunchParams) []targets.Launcher {
		return []targets.Launcher{
			node.NewLauncher(node.Options{
				Log:    log.WithName("node"),
				Config: cfg,
				Output: func(category string, text string) {
					da.SendEvent(&dap.OutputEvent{Body: dap.OutputEventBody{Category: category, Output: text}})
				},
			}),
			attach.NewLauncher(attach.Options{Log: log.WithName("attach"), Config: cfg}),
		}
	}
}

var (
	sessionCounterLock sync.Mutex
	sessionCounter     int
)

func nextSessionID() int {
	sessionCounterLock.Lock()
	defer sessionCounterLock.Unlock()
	sessionCounter++
	return sessionCounter
}
