package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/scalelink/internal/logger"
)

// ErrNotStarted is returned by Stop when no process is running.
var ErrNotStarted = errors.New("transport: process not started")

const stopTimeout = 3 * time.Second

// ExecLauncher runs the transport daemon as a child process.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string
	Log  logger.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewExecLauncher returns a launcher for the daemon binary at path.
func NewExecLauncher(path string, args []string, log logger.Logger) *ExecLauncher {
	return &ExecLauncher{
		Path: path,
		Args: args,
		Log:  log.WithComponent("launcher"),
	}
}

// Start launches the daemon. Starting while a process is alive is a no-op.
// ctx only bounds the launch; the process outlives it.
func (l *ExecLauncher) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transport: start: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.aliveLocked() {
		return nil
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transport: start %s: %w", l.Path, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		l.Log.Info().Int("pid", cmd.Process.Pid).AnErr("exit", err).Msg("transport process exited")
		close(exited)
	}()

	l.cmd = cmd
	l.exited = exited

	l.Log.Info().Int("pid", cmd.Process.Pid).Str("path", l.Path).Msg("transport process started")

	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL if the process lingers.
func (l *ExecLauncher) Stop() error {
	l.mu.Lock()
	cmd, exited := l.cmd, l.exited
	l.cmd, l.exited = nil, nil
	l.mu.Unlock()

	if cmd == nil {
		return ErrNotStarted
	}

	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		l.Log.Warn().Err(err).Msg("SIGTERM failed")
	}

	select {
	case <-exited:
		return nil
	case <-time.After(stopTimeout):
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("transport: kill: %w", err)
	}

	<-exited

	return nil
}

// Running reports whether the launched process is still alive.
func (l *ExecLauncher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.aliveLocked()
}

func (l *ExecLauncher) aliveLocked() bool {
	if l.cmd == nil {
		return false
	}

	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}
