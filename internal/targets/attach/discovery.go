/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package attach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/microsoft/jsdap/internal/cdp"
)

var errNoInspectableTarget = errors.New("the endpoint lists no inspectable target")

type versionInfo struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type listEntry struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// endpoint is where to connect, as reported by the inspector's HTTP discovery service.
type endpoint struct {
	webSocketURL string
	// A browser endpoint multiplexes many targets; otherwise the endpoint is a single target.
	browser bool
	info    cdp.TargetInfo
}

func discoveryURL(address string, port int) string {
	return "http://" + net.JoinHostPort(address, strconv.Itoa(port))
}

func (l *Launcher) discover(ctx context.Context, baseURL string) (endpoint, error) {
	var version versionInfo
	if err := l.getJSON(ctx, baseURL+"/json/version", &version); err != nil {
		return endpoint{}, err
	}
	if version.WebSocketDebuggerURL != "" {
		return endpoint{webSocketURL: version.WebSocketDebuggerURL, browser: true}, nil
	}

	var list []listEntry
	if err := l.getJSON(ctx, baseURL+"/json/list", &list); err != nil {
		return endpoint{}, err
	}
	for _, e := range list {
		if e.WebSocketDebuggerURL == "" {
			// Another debugger is already attached.
			continue
		}
		return endpoint{
			webSocketURL: e.WebSocketDebuggerURL,
			info: cdp.TargetInfo{
				TargetID: cdp.TargetID(e.ID),
				Type:     e.Type,
				Title:    e.Title,
				URL:      e.URL,
			},
		}, nil
	}
	return endpoint{}, errNoInspectableTarget
}

func (l *Launcher) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("GET %s: invalid response: %w", url, err)
	}
	return nil
}
