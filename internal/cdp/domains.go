/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"

	"github.com/microsoft/jsdap/internal/pubsub"
)

// Typed protocol domains. Each domain client is a thin value wrapper around a Session;
// every method maps to exactly one protocol command or event.

func (s *Session) Runtime() RuntimeDomain {
	return RuntimeDomain{s: s}
}

func (s *Session) Debugger() DebuggerDomain {
	return DebuggerDomain{s: s}
}

func (s *Session) Target() TargetDomain {
	return TargetDomain{s: s}
}

func (s *Session) DOMDebugger() DOMDebuggerDomain {
	return DOMDebuggerDomain{s: s}
}

func invoke[R any](ctx context.Context, s *Session, method string, params any) (*R, error) {
	var result R
	if err := s.Invoke(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// invokeThen is invoke with a continuation that runs before the session processes any later frame.
func invokeThen[R any](ctx context.Context, s *Session, method string, params any, then func(*R) error) error {
	return s.SendThen(ctx, method, params, func(raw json.RawMessage, err error) error {
		if err != nil {
			return err
		}
		var result R
		if decodeErr := decodeResult(method, raw, &result); decodeErr != nil {
			return decodeErr
		}
		return then(&result)
	})
}

// onEvent subscribes a typed listener. Events whose parameters cannot be decoded are logged and dropped.
func onEvent[E any](s *Session, method string, listener func(*E)) *pubsub.Subscription[json.RawMessage] {
	return s.On(method, func(raw json.RawMessage) {
		var event E
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &event); err != nil {
				s.log.Error(err, "Could not decode event parameters", "Method", method)
				return
			}
		}
		listener(&event)
	})
}
