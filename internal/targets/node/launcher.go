/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package node launches Node.js programs under the inspector and exposes each program as a target.
package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdap/internal/cdp"
	"github.com/microsoft/jsdap/internal/config"
	jsdap "github.com/microsoft/jsdap/internal/dap"
	"github.com/microsoft/jsdap/internal/pubsub"
	"github.com/microsoft/jsdap/internal/targets"
	"github.com/microsoft/jsdap/pkg/resiliency"
)

const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"

	stopGracePeriod = 5 * time.Second
	dialRetryDelay  = 100 * time.Millisecond
)

var (
	inspectorURLRegex = regexp.MustCompile(`Debugger listening on (wss?://\S+)`)

	// Inspector chatter on stderr that is not program output.
	inspectorNoise = []string{
		"For help, see: https://nodejs.org/en/docs/inspector",
		"Debugger attached.",
		"Waiting for the debugger to disconnect...",
	}

	errProgramExited = errors.New("program exited before the inspector was ready")
)

type Options struct {
	Log    logr.Logger
	Config *config.ServerConfig
	// Output receives each line the program writes, with its category. Optional.
	Output func(category string, text string)
}

// program is one run of the debuggee.
type program struct {
	cmd    *exec.Cmd
	conn   *cdp.Connection
	target *Target
	exited chan struct{}
}

// Launcher runs a Node.js program with --inspect-brk. It serves launch requests that name a program.
type Launcher struct {
	log    logr.Logger
	cfg    *config.ServerConfig
	output func(category string, text string)

	listChanged *pubsub.SubscriptionSet[struct{}]
	terminated  *pubsub.SubscriptionSet[struct{}]

	lock     sync.Mutex
	params   *config.LaunchParams
	current  *program
	disposed bool
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
	output := opts.Output
	if output == nil {
		output = func(string, string) {}
	}
	return &Launcher{
		log:         log.WithName("node-launcher"),
		cfg:         cfg,
		output:      output,
		listChanged: pubsub.NewSubscriptionSet[struct{}](),
		terminated:  pubsub.NewSubscriptionSet[struct{}](),
	}
}

func (l *Launcher) Launch(ctx context.Context, params *config.LaunchParams, _ string) (targets.LaunchResult, error) {
	if params.Request != config.RequestLaunch || params.Program == "" {
		return targets.LaunchResult{}, nil
	}

	l.lock.Lock()
	l.params = params
	l.lock.Unlock()

	if err := l.start(ctx, params); err != nil {
		return targets.LaunchResult{}, err
	}
	return targets.LaunchResult{BlockSessionTermination: true}, nil
}

func (l *Launcher) command(params *config.LaunchParams) (*exec.Cmd, error) {
	env, err := params.ResolveEnv()
	if err != nil {
		return nil, jsdap.NewUserError("Unable to load environment variables: %s", err.Error()).WithCause(err)
	}

	runtime := params.RuntimeExecutable
	if runtime == "" {
		runtime = l.cfg.NodePath
	}
	args := append([]string{}, params.RuntimeArgs...)
	args = append(args, "--inspect-brk=127.0.0.1:0", params.Program)
	args = append(args, params.Args...)

	cmd := exec.Command(runtime, args...)
	cmd.Dir = params.Cwd
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd, nil
}

// start runs the program and connects to its inspector. The program lifetime is not bound to ctx.
func (l *Launcher) start(ctx context.Context, params *config.LaunchParams) error {
	cmd, err := l.command(params)
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	l.log.Info("Starting program", "Runtime", cmd.Path, "Program", params.Program)
	l.log.V(1).Info("Program settings", "Args", cmd.Args[1:], "Cwd", cmd.Dir)
	if startErr := cmd.Start(); startErr != nil {
		return jsdap.NewUserError("Cannot launch program '%s': %s", params.Program, startErr.Error()).WithCause(startErr)
	}

	p := &program{cmd: cmd, exited: make(chan struct{})}
	inspectorURL := make(chan string, 1)
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		l.pump(stdout, OutputStdout, nil)
	}()
	go func() {
		defer pipes.Done()
		l.pump(stderr, OutputStderr, inspectorURL)
	}()
	go func() {
		// Pipes must be drained before Wait closes them.
		pipes.Wait()
		waitErr := cmd.Wait()
		close(p.exited)
		l.onExited(p, waitErr)
	}()

	conn, err := l.connect(ctx, p, inspectorURL)
	if err != nil {
		_ = l.kill(p)
		if errors.Is(err, errProgramExited) {
			return jsdap.NewUserError("Program '%s' exited before the debugger could attach", params.Program).WithCause(err)
		}
		return err
	}

	p.conn = conn
	p.target = newTarget(l, p, params)

	l.lock.Lock()
	if l.disposed {
		l.lock.Unlock()
		_ = conn.Close()
		return l.kill(p)
	}
	l.current = p
	l.lock.Unlock()

	l.log.Info("Program started", "PID", cmd.Process.Pid)
	l.listChanged.Notify(struct{}{})
	return nil
}

func (l *Launcher) connect(ctx context.Context, p *program, inspectorURL <-chan string) (*cdp.Connection, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()

	var url string
	select {
	case url = <-inspectorURL:
	case <-p.exited:
		return nil, errProgramExited
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("the inspector did not report its address in %s: %w", l.cfg.LaunchTimeout, timeoutCtx.Err())
	}

	transport, err := resiliency.RetryGet(timeoutCtx, resiliency.ConstantPolicy(dialRetryDelay, l.cfg.LaunchTimeout), func() (cdp.Transport, error) {
		select {
		case <-p.exited:
			return nil, resiliency.Permanent(errProgramExited)
		default:
		}
		return cdp.DialWebSocket(timeoutCtx, url, l.cfg.MaxWebSocketMessageSize)
	})
	if err != nil {
		return nil, err
	}
	return cdp.NewConnection(transport, l.log.WithValues("PID", p.cmd.Process.Pid)), nil
}

// pump forwards program output line by line. The first inspector address seen on the stream is sent to found.
func (l *Launcher) pump(r io.Reader, category string, found chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if found != nil {
			if m := inspectorURLRegex.FindStringSubmatch(line); m != nil {
				found <- m[1]
				found = nil
				continue
			}
		}
		if category == OutputStderr && isInspectorNoise(line) {
			continue
		}
		l.output(category, line+"\n")
	}
}

func isInspectorNoise(line string) bool {
	for _, noise := range inspectorNoise {
		if strings.HasPrefix(line, noise) {
			return true
		}
	}
	return false
}

func (l *Launcher) onExited(p *program, waitErr error) {
	if p.conn != nil {
		_ = p.conn.Close()
	}

	l.lock.Lock()
	wasCurrent := l.current == p
	if wasCurrent {
		l.current = nil
	}
	l.lock.Unlock()

	if !wasCurrent {
		// Replaced by a restart, or never fully started.
		return
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		l.log.Error(waitErr, "Could not wait for program to exit")
	}
	l.log.Info("Program exited", "ExitCode", p.cmd.ProcessState.ExitCode())
	l.listChanged.Notify(struct{}{})
	l.terminated.Notify(struct{}{})
}

// kill stops the program: a termination signal first, then a kill if it does not exit in time.
func (l *Launcher) kill(p *program) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-p.exited:
			return nil
		case <-time.After(stopGracePeriod):
		}
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("could not stop process %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.exited
	return nil
}

func (l *Launcher) Terminate(ctx context.Context) error {
	l.lock.Lock()
	p := l.current
	l.lock.Unlock()
	if p == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- l.kill(p) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the program. A launched program does not outlive the debug session.
func (l *Launcher) Disconnect(ctx context.Context) error {
	return l.Terminate(ctx)
}

// Restart stops the running program and starts it again with the same parameters.
// The session does not terminate in between.
func (l *Launcher) Restart(ctx context.Context) error {
	l.lock.Lock()
	params := l.params
	p := l.current
	l.current = nil
	l.lock.Unlock()
	if params == nil {
		return nil
	}

	if p != nil {
		l.listChanged.Notify(struct{}{})
		if err := l.kill(p); err != nil {
			return err
		}
	}
	return l.start(ctx, params)
}

func (l *Launcher) Targets() []targets.Target {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.current == nil {
		return nil
	}
	return []targets.Target{l.current.target}
}

func (l *Launcher) OnTargetListChanged(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return l.listChanged.Subscribe(listener)
}

func (l *Launcher) OnTerminated(listener func(struct{})) *pubsub.Subscription[struct{}] {
	return l.terminated.Subscribe(listener)
}

// Dispose kills the program without waiting for it to exit.
func (l *Launcher) Dispose() {
	l.lock.Lock()
	l.disposed = true
	p := l.current
	l.current = nil
	l.lock.Unlock()

	if p != nil {
		_ = p.cmd.Process.Kill()
		_ = p.conn.Close()
	}
	l.listChanged.CancelAll()
	l.terminated.CancelAll()
}

var _ targets.Launcher = (*Launcher)(nil)
