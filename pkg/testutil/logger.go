/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"flag"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/jsdap/pkg/logger"
)

// NewLogForTesting returns a logger that only shows errors, unless tests run with -v.
// Running with -v and JSDAP_TEST_TRACE_FRAMES set also logs every protocol frame.
func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)
	log.SetLevel(zapcore.ErrorLevel)
	if !flag.Parsed() {
		flag.Parse() // Needed to test if verbose flag was present.
	}
	if testing.Verbose() {
		log.SetLevel(zapcore.DebugLevel)
		if traceFrames() {
			log.SetLevel(zapcore.Level(-2))
		}
	}
	retval := log.Logger.WithValues("test", true)
	return retval
}
