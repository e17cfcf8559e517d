/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package cdp is a client for the JavaScript inspector protocol.
//
// A Connection owns one Transport (a null-delimited pipe or a websocket) and multiplexes
// Sessions over it. The root session has an empty ID; child sessions are created when
// a target is attached in flat mode. Frames are routed by session ID and each session
// processes its frames strictly one at a time, in arrival order, on its own goroutine.
//
// Event listeners run on that goroutine. A listener must not wait for the result of a command
// sent on the same session, because the response cannot be processed until the listener returns.
// Start a goroutine for such work instead.
//
// A caller waiting in Send, Invoke or SendThen is handed its response before the session moves on:
// the session goroutine does not process the next frame until the caller has consumed the result
// (for SendThen, until its continuation returns) or stopped waiting. SendAsync results are not
// waited for.
package cdp
