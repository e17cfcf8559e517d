/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package attach connects to a running inspector endpoint: a Node.js process started with --inspect,
// or a browser with remote debugging enabled.
package attach

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/internal/targets"
	"github.com/microsoft/jsdap/pkg/resiliency"
)

// Target types that run scripts. Browser internals (extensions, devtools pages) are not debugged.
var debuggableTypes = []string{"page", "iframe", "worker", "shared_worker", "service_worker"}

type Options struct {
	Log        logr.Logger
	Config     *config.ServerConfig
	HTTPClient *http.Client
}

// Launcher serves attach requests that name a port. It keeps the connection to the endpoint alive:
// when the endpoint goes away its targets are dropped and the launcher connects again.
type Launcher struct {
	log        logr.Logger
	cfg        *config.ServerConfig
	httpClient *http.Client

	listChanged *pubsub.SubscriptionSet[struct{}]
	terminated  *pubsub.SubscriptionSet[struct{}]

	lock           sync.Mutex
	params         *config.LaunchParams
	lifetime       context.Context
	stop           context.CancelFunc
	conn           *cdp.Connection
	targets        []*Target
	terminatedSent bool
}

func NewLauncher(opts Options) *Launcher {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Launcher{
		log:         log.WithName("attach-launcher"),
		cfg:         cfg,
		httpClient:  httpClient,
		listChanged: pubsub.NewSubscriptionSet[struct{}](),
		terminated:  pubsub.NewSubscriptionSet[struct{}](),
		lifetime:    lifetime,
		stop:        stop,
	}
}

func (l *Launcher) Launch(ctx context.Context, params *config.LaunchParams, _ string) (targets.LaunchResult, error) {
	if params.Request != config.RequestAttach || params.Port == 0 {
		return targets.LaunchResult{}, nil
	}

	l.lock.Lock()
	l.params = params
	l.lock.Unlock()

	baseURL := discoveryURL(params.Address, params.Port)
	attachCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Stopping the launcher while it waits for the endpoint ends the wait.
	stopAfter := context.AfterFunc(l.lifetime, cancel)
	defer stopAfter()

	policy := resiliency.ConstantPolicy(l.cfg.AttachRetryInterval, l.cfg.AttachTimeout)
	conn, err := resiliency.RetryGet(attachCtx, policy, func() (*cdp.Connection, error) {
		return l.connect(attachCtx, baseURL, params)
	})
	if err != nil {
		return targets.LaunchResult{}, jsdap.NewUserError("Cannot connect to the runtime process at %s: %s", baseURL, err.Error()).WithCause(err)
	}

	l.log.Info("Attached to inspector endpoint", "Endpoint", baseURL)
	l.adopt(conn, baseURL, params)
	return targets.LaunchResult{BlockSessionTermination: true}, nil
}

// connect opens a connection to the endpoint and starts tracking its targets.
func (l *Launcher) connect(ctx context.Context, baseURL string, params *config.LaunchParams) (*cdp.Connection, error) {
	ep, err := l.discover(ctx, baseURL)
	if err != nil {
		l.log.V(1).Info("Inspector endpoint is not available", "Endpoint", baseURL, "Error", err.Error())
		return nil, err
	}
	transport, err := cdp.DialWebSocket(ctx, ep.webSocketURL, l.cfg.MaxWebSocketMessageSize)
	if err != nil {
		return nil, err
	}
	conn := cdp.NewConnection(transport, l.log.WithValues("Endpoint", ep.webSocketURL))

	if !ep.browser {
		l.addTarget(newTarget(conn, "", ep.info, params))
		return conn, nil
	}

	root := conn.RootSession().Target()
	root.OnAttachedToTarget(func(ev *cdp.AttachedToTargetEvent) {
		if slices.Contains(debuggableTypes, ev.TargetInfo.Type) {
			l.addTarget(newTarget(conn, ev.SessionID, ev.TargetInfo, params))
		}
	})
	root.OnDetachedFromTarget(func(ev *cdp.DetachedFromTargetEvent) {
		l.removeTargets(func(t *Target) bool { return t.conn == conn && t.sessionID == ev.SessionID })
	})
	root.OnTargetInfoChanged(func(ev *cdp.TargetInfoEvent) {
		for _, t := range l.targetsOf(conn) {
			if t.ID() == string(ev.TargetInfo.TargetID) {
				t.updateInfo(ev.TargetInfo)
			}
		}
	})

	setupErr := errors.Join(
		root.SetDiscoverTargets(ctx, true),
		root.SetAutoAttach(ctx, &cdp.SetAutoAttachParams{AutoAttach: true, WaitForDebuggerOnStart: true, Flatten: true}),
	)
	if setupErr != nil {
		_ = conn.Close()
		l.removeTargets(func(t *Target) bool { return t.conn == conn })
		return nil, setupErr
	}
	return conn, nil
}

// adopt makes the connection current and reconnects when it closes.
func (l *Launcher) adopt(conn *cdp.Connection, baseURL string, params *config.LaunchParams) {
	l.lock.Lock()
	l.conn = conn
	l.lock.Unlock()

	go func() {
		<-conn.Done()
		l.onDisconnected(conn, baseURL, params)
	}()
}

func (l *Launcher) onDisconnected(conn *cdp.Connection, baseURL string, params *config.LaunchParams) {
	l.lock.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.lock.Unlock()
	l.removeTargets(func(t *Target) bool { return t.conn == conn })

	if l.lifetime.Err() != nil {
		return
	}
	l.log.Info("Inspector endpoint disconnected, reconnecting", "Endpoint", baseURL, "Reason", errorText(conn.Err()))

	policy := resiliency.ConstantPolicy(l.cfg.AttachRetryInterval, 0)
	next, err := resiliency.RetryGet(l.lifetime, policy, func() (*cdp.Connection, error) {
		return l.connect(l.lifetime, baseURL, params)
	})
	if err != nil {
		// Stopped while reconnecting.
		return
	}
	l.log.Info("Reconnected to inspector endpoint", "Endpoint", baseURL)
	l.adopt(next, baseURL, params)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (l *Launcher) addTarget(t *Target) {
	l.lock.Lock()
	l.targets = append(l.targets, t)
	l.lock.Unlock()
	l.listChanged.Notify(struct{}{})
}

func (l *Launcher) removeTargets(match func(t *Target) bool) {
	l.lock.Lock()
	var removed []*Target
	l.targets = slices.DeleteFunc(l.targets, func(t *Target) bool {
		if match(t) {
			removed = append(removed, t)
			return true
		}
		return false
	})
	l.lock.Unlock()

	if len(removed) == 0 {
		return
	}
	for _, t := range removed {
		t.markGone()
	}
	l.listChanged.Notify(struct{}{})
}

func (l *Launcher) targetsOf(conn *cdp.Connection) []*Target {
	l.lock.Lock()
	defer l.lock.Unlock()
	var retval []*Target
	for _, t := range l.targets {
		if t.conn == conn {
			retval = append(retval, t)
		}
	}
	return retval
}

// Terminate stops reconnecting and closes the connection. The attached process keeps running.
func (l *Launcher) Terminate(_ context.Context) error {
	l.stop()

	l.lock.Lock()
	conn := l.conn
	l.conn = nil
	launched := l.params != nil
	sendTerminated := launched && !l.terminatedSent
	l.terminatedSent = l.terminatedSent || launched
	l.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	l.removeTargets(func(*Target) bool { return true })
	if sendTerminated {
		l.terminated.Notify(struct{}{})
	}
	return nil
}

func (l *Launcher) Disconnect(ctx context.Context) error {
	return l.Terminate(ctx)
}

// Restart drops the connection. The launcher reconnects and attaches to the endpoint's targets again.
func (l *Launcher) Restart(_ context.Context) error {
	l.lock.Lock()
	conn := l.conn
	l.lock.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Launcher) Targets() []targets.Target {
	l.lock.Lock()
	defer l.lock.Unlock()
	retval := make([]targets.Target, 0, len(l.targets))
	for _, t := range l.targets {
		retval = append(retval, t)
	}
	return retval
}

func (l *Launcher) OnTargetListChanged(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return l.listChanged.Subscribe(listener)
}

func (l *Launcher) OnTerminated(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return l.terminated.Subscribe(listener)
}

func (l *Launcher) Dispose() {
	l.stop()
	l.lock.Lock()
	conn := l.conn
	l.conn = nil
	l.lock.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	l.listChanged.CancelAll()
	l.terminated.CancelAll()
}

var _ targets.Launcher = (*Launcher)(nil)
