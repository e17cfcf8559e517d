/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/go-logr/logr"
)

// MakePanicError logs a recovered panic value with the current stack and returns it as a permanent error,
// so that a retry loop that recovers it stops retrying. A nil value yields nil.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr, isError := panicVal.(error)
	if !isError {
		panicErr = fmt.Errorf("panic: %v", panicVal)
	}
	if !isPermanent(panicErr) {
		panicErr = Permanent(panicErr)
	}

	log.Error(panicErr, "Recovered from panic", "Stack", string(debug.Stack()))
	return panicErr
}

// RecoverInto is meant to be deferred. It turns a panic into an error joined into *errp.
func RecoverInto(errp *error, log logr.Logger) {
	if panicErr := MakePanicError(recover(), log); panicErr != nil {
		*errp = errors.Join(*errp, panicErr)
	}
}
