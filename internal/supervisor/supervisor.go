// Package supervisor owns the user workload: it resolves the command from
// the launch environment, spawns it with the proxy environment injected,
// ships its output to the parent as log frames, and enforces the batch or
// service lifecycle policy.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/treza-labs/enclave-proxy/internal/config"
	"github.com/treza-labs/enclave-proxy/internal/logging"
	"github.com/treza-labs/enclave-proxy/internal/metrics"
	"github.com/treza-labs/enclave-proxy/internal/protocol"
)

// Endpoints the workload is pointed at. These are part of the contract with
// user containers and do not move with the listener config.
const (
	proxyEndpoint = "http://127.0.0.1:3128"
	kmsEndpoint   = "http://127.0.0.1:8000"
	noProxyHosts  = "127.0.0.1,localhost"
)

// logFlushDelay gives the final log frames of a batch run time to reach the
// parent before shutdown is broadcast. Variable so tests can shorten it.
var logFlushDelay = 5 * time.Second

var userEnvOverrides = [][2]string{
	{"HTTP_PROXY", proxyEndpoint},
	{"HTTPS_PROXY", proxyEndpoint},
	{"http_proxy", proxyEndpoint},
	{"https_proxy", proxyEndpoint},
	{"TREZA_KMS_ENDPOINT", kmsEndpoint},
	{"NO_PROXY", noProxyHosts},
	{"no_proxy", noProxyHosts},
}

// Supervisor runs one user process to completion under a workload policy.
type Supervisor struct {
	mux  *protocol.Mux
	logs *protocol.LogStream
	cfg  config.SupervisorConfig
}

func New(mux *protocol.Mux, logs *protocol.LogStream, cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{mux: mux, logs: logs, cfg: cfg}
}

// ResolveUserCommand determines the command line from the launch settings:
// UserCmd wins outright; otherwise Entrypoint and CmdArgs are joined, either
// permitted to be empty. Reports false when there is nothing to run.
func ResolveUserCommand(cfg config.SupervisorConfig) (string, bool) {
	if cfg.UserCmd != "" {
		return cfg.UserCmd, true
	}

	ep, args := cfg.Entrypoint, cfg.CmdArgs
	switch {
	case ep != "" && args != "":
		return ep + " " + args, true
	case ep != "":
		return ep, true
	case args != "":
		return args, true
	}
	return "", false
}

// BuildUserEnv returns the agent's environment with the proxy and KMS
// endpoint variables forced, creating or replacing as needed.
func BuildUserEnv() []string {
	env := os.Environ()
	for _, kv := range userEnvOverrides {
		env = setEnv(env, kv[0], kv[1])
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// child is a started user process with its output pipes.
type child struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Run spawns the user command and supervises it until the workload policy
// completes or ctx is cancelled. Whatever the path out, shutdown is
// broadcast before returning.
func (s *Supervisor) Run(ctx context.Context, shutdown context.CancelFunc, userCmd string) {
	defer shutdown()

	s.logs.Logf(protocol.LevelInfo, "Starting user application: %s", userCmd)

	c, err := s.spawn(userCmd)
	if err != nil {
		s.logs.Logf(protocol.LevelError, "Failed to start user app: %v", err)
		return
	}
	exitCh := s.watch(c)

	switch s.cfg.WorkloadType {
	case config.WorkloadBatch:
		s.runBatch(ctx, c, exitCh)
	case config.WorkloadService, config.WorkloadDaemon:
		s.runService(ctx, c, exitCh)
	default:
		s.logs.Logf(protocol.LevelWarn, "Unknown workload type '%s', treating as batch", s.cfg.WorkloadType)
		s.runBatch(ctx, c, exitCh)
	}
}

// spawn starts the command under /bin/sh; on scratch images without a shell
// it falls back to direct execution of the split command line.
func (s *Supervisor) spawn(userCmd string) (*child, error) {
	c, shErr := startCommand(exec.Command("/bin/sh", "-c", userCmd))
	if shErr == nil {
		return c, nil
	}
	logging.Op().Warn("/bin/sh unavailable, trying direct execution", "error", shErr)

	argv, err := shellquote.Split(userCmd)
	if err != nil {
		// Unbalanced quoting; degrade to plain whitespace fields.
		argv = strings.Fields(userCmd)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty user command")
	}
	return startCommand(exec.Command(argv[0], argv[1:]...))
}

func startCommand(cmd *exec.Cmd) (*child, error) {
	cmd.Env = BuildUserEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &child{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// watch streams the child's output as log frames and delivers its exit code
// once both pipes drain and the process is reaped.
func (s *Supervisor) watch(c *child) <-chan int {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.streamLines(c.stdout, protocol.LevelApp, &wg)
	go s.streamLines(c.stderr, protocol.LevelAppErr, &wg)

	exitCh := make(chan int, 1)
	go func() {
		wg.Wait()
		exitCh <- exitCode(c.cmd.Wait())
	}()
	return exitCh
}

func (s *Supervisor) streamLines(r io.Reader, level string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.logs.Log(level, line)
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// runBatch waits for the child to finish, reports completion, and gives the
// tail of the log stream time to flush.
func (s *Supervisor) runBatch(ctx context.Context, c *child, exitCh <-chan int) {
	select {
	case code := <-exitCh:
		s.logs.Logf(protocol.LevelInfo, "Application exited with code %d", code)
		s.sendHealthReport("completed", &code, config.WorkloadBatch)
		metrics.RecordChildExit("completed")
		select {
		case <-time.After(logFlushDelay):
		case <-ctx.Done():
		}
	case <-ctx.Done():
		s.logs.Log(protocol.LevelInfo, "Shutdown signal received, terminating process")
		s.killChild(c)
	}
}

// runService checks child liveness on every health tick and reports either
// running or crashed. It returns when the child dies or shutdown arrives.
func (s *Supervisor) runService(ctx context.Context, c *child, exitCh <-chan int) {
	interval := time.Duration(s.cfg.HealthIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case code := <-exitCh:
				s.logs.Logf(protocol.LevelError, "Service exited unexpectedly with code %d", code)
				s.sendHealthReport("crashed", &code, config.WorkloadService)
				metrics.RecordChildExit("crashed")
				return
			default:
				s.sendHealthReport("running", nil, config.WorkloadService)
			}
		case <-ctx.Done():
			s.logs.Log(protocol.LevelInfo, "Shutdown signal received, terminating service")
			s.killChild(c)
			return
		}
	}
}

func (s *Supervisor) killChild(c *child) {
	if c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logging.Op().Warn("failed to kill user process", "error", err)
		}
	}
}

type healthReportPayload struct {
	Status       string `json:"status"`
	WorkloadType string `json:"workload_type"`
	ExitCode     *int   `json:"exit_code,omitempty"`
}

// sendHealthReport emits a fire-and-forget health_report frame. Failures are
// logged locally and swallowed like any other log-channel error.
func (s *Supervisor) sendHealthReport(status string, exitCode *int, workloadType string) {
	payload, err := json.Marshal(healthReportPayload{
		Status:       status,
		WorkloadType: workloadType,
		ExitCode:     exitCode,
	})
	if err != nil {
		return
	}
	msg := &protocol.Message{Type: protocol.TypeHealthReport, ID: protocol.NextRequestID(), Payload: payload}
	if err := s.mux.Send(msg); err != nil {
		logging.Op().Warn("failed to send health report", "error", err)
	}
}
