/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package commands implements the jsdap command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/jsdap/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "jsdap",
		Short: "Debugs JavaScript programs from any IDE that speaks the Debug Adapter Protocol",
		Long: `jsdap is a debug adapter for JavaScript.

	It accepts Debug Adapter Protocol sessions from an IDE and debugs Node.js programs
	and browser pages through their inspector endpoints.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "jsdap starting"),
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			log.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewServeCommand(log); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'serve' command: %w", err)
	}

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}
