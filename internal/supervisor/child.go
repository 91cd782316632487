package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/model"
)

// Child is a running monitored program.
type Child struct {
	cmd  *exec.Cmd
	log  *zap.Logger
	done chan struct{}
	exit model.ChildExit
}

// Start launches inv with env and returns without waiting. The child shares
// the caller's stdin, stdout and stderr.
func Start(inv model.Invocation, env []string, log *zap.Logger) (*Child, error) {
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.Command(inv.Program, inv.Args...) //nolint:gosec // running the user's program is the point
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", inv.Program, err)
	}
	log.Debug("child started", zap.Int("pid", cmd.Process.Pid), zap.Strings("argv", inv.Argv()))

	c := &Child{cmd: cmd, log: log, done: make(chan struct{})}
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.exit = exitFromState(c.cmd.ProcessState)
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			c.log.Warn("waiting for child", zap.Error(err))
		}
	}
	c.log.Debug("child exited", zap.Stringer("status", c.exit))
	close(c.done)
}

func exitFromState(ps *os.ProcessState) model.ChildExit {
	if ps == nil {
		return model.ChildExit{}
	}
	exit := model.ChildExit{Code: ps.ExitCode(), Exited: ps.Exited()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal().String()
	}
	return exit
}

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the child exits and returns how it ended.
func (c *Child) Wait() model.ChildExit {
	<-c.done
	return c.exit
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// SignalStop asks a still-running child to terminate. Where SIGTERM cannot
// be delivered the child is killed instead.
func (c *Child) SignalStop() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	err := c.cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	c.log.Debug("SIGTERM failed, killing child", zap.Error(err))
	return c.Kill()
}

// Kill forcibly terminates the child.
func (c *Child) Kill() error {
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
