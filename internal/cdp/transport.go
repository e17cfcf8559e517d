/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultMaxMessageSize is the largest websocket message the transport accepts.
	DefaultMaxMessageSize = 256 * 1024 * 1024

	closeMessageTimeout = 100 * time.Millisecond
)

// Transport moves whole protocol frames over a duplex channel.
// Frames are delivered in the order they were sent.
// ReadMessage is called from a single goroutine; WriteMessage may be called concurrently.
type Transport interface {
	// ReadMessage blocks until the next complete frame is available.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one frame.
	WriteMessage(frame []byte) error

	// Close releases the channel. Blocked ReadMessage calls return with an error.
	Close() error
}

// pipeTransport frames messages with a trailing null byte, the format used by
// debugging pipes (e.g. a browser started with --remote-debugging-pipe).
type pipeTransport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	// writeMu serializes frame writes so frames are never interleaved
	writeMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewPipeTransport creates a null-byte delimited transport over the given streams.
// The closer (may be nil) is invoked by Close() and should unblock pending reads.
func NewPipeTransport(r io.Reader, w io.Writer, closer io.Closer) Transport {
	return &pipeTransport{
		reader: bufio.NewReader(r),
		writer: w,
		closer: closer,
	}
}

func (t *pipeTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	frame, readErr := t.reader.ReadBytes(0)
	if readErr != nil {
		if errors.Is(readErr, io.EOF) && len(bytes.TrimSpace(frame)) > 0 {
			return nil, fmt.Errorf("pipe closed in the middle of a message: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("failed to read message from pipe: %w", readErr)
	}

	return frame[:len(frame)-1], nil
}

func (t *pipeTransport) WriteMessage(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, 0)
	if _, writeErr := t.writer.Write(buf); writeErr != nil {
		return fmt.Errorf("failed to write message to pipe: %w", writeErr)
	}

	return nil
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// webSocketTransport carries one protocol frame per websocket text message.
type webSocketTransport struct {
	conn *websocket.Conn

	// gorilla/websocket supports one concurrent writer
	writeMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int64) Transport {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	conn.SetReadLimit(maxMessageSize)
	return &webSocketTransport{conn: conn}
}

// DialWebSocket connects to an inspector websocket endpoint (ws://host:port/...).
func DialWebSocket(ctx context.Context, url string, maxMessageSize int64) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Inspector endpoints do not compress and some reject the extension header.
		EnableCompression: false,
		ReadBufferSize:    64 * 1024,
		WriteBufferSize:   64 * 1024,
	}

	conn, _, dialErr := dialer.DialContext(ctx, url, nil)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, dialErr)
	}

	return NewWebSocketTransport(conn, maxMessageSize), nil
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, msg, readErr := t.conn.ReadMessage()
		if readErr != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return nil, ErrTransportClosed
			}
			return nil, fmt.Errorf("failed to read message from websocket: %w", readErr)
		}

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return msg, nil
		default:
			// Control messages are handled by gorilla/websocket itself.
		}
	}
}

func (t *webSocketTransport) WriteMessage(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := t.conn.WriteMessage(websocket.TextMessage, frame); writeErr != nil {
		return fmt.Errorf("failed to write message to websocket: %w", writeErr)
	}
	return nil
}

func (t *webSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Closing is best-effort; the peer may already be gone.
	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeMessageTimeout),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}
