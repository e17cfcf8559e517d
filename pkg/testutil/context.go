/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

const (
	// Overrides every test timeout (value in minutes). Useful when stepping through a test in a debugger.
	testContextTimeoutEnv = "JSDAP_TEST_CONTEXT_TIMEOUT"

	traceFramesEnv = "JSDAP_TEST_TRACE_FRAMES"
)

// GetTestContext returns a context that expires at the earlier of the test deadline and testTimeout.
// A zero testTimeout means only the test deadline applies, if there is one.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if timeoutStr, found := os.LookupEnv(testContextTimeoutEnv); found {
		minutes, err := strconv.ParseUint(timeoutStr, 10, 16)
		if err != nil {
			panic(fmt.Sprintf("Context timeout value '%s' is invalid: %s", timeoutStr, err.Error()))
		}
		return context.WithTimeout(context.Background(), time.Duration(minutes)*time.Minute)
	}

	deadline, haveDeadline := t.Deadline()
	if testTimeout != 0 {
		if timeoutDeadline := time.Now().Add(testTimeout); !haveDeadline || timeoutDeadline.Before(deadline) {
			deadline, haveDeadline = timeoutDeadline, true
		}
	}
	if !haveDeadline {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func traceFrames() bool {
	_, found := os.LookupEnv(traceFramesEnv)
	return found
}
