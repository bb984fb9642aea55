package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const stderrTailMax = 64

// process is a spawned app-server child running in its own process group.
type process struct {
	cmd      *exec.Cmd
	pid      int
	log      *zap.SugaredLogger
	waitDone chan struct{}

	mu         sync.Mutex
	waitErr    error
	stderrTail []string
	stopping   bool
}

func startProcess(command string, args []string, dir string, log *zap.SugaredLogger) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	p := &process{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		log:      log,
		waitDone: make(chan struct{}),
	}
	go p.logOutput(stdout, "app-server stdout", false)
	go p.logOutput(stderr, "app-server stderr", true)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		stopping := p.stopping
		p.mu.Unlock()
		if !stopping {
			p.log.Warnw("app-server process exited unexpectedly", "pid", p.pid, "error", err, "stderr_tail", p.tail())
		}
		close(p.waitDone)
	}()

	log.Infow("app-server started", "pid", p.pid, "command", command, "args", strings.Join(args, " "))
	return p, nil
}

func (p *process) logOutput(r io.Reader, prefix string, captureTail bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if captureTail {
			p.mu.Lock()
			p.stderrTail = append(p.stderrTail, line)
			if len(p.stderrTail) > stderrTailMax {
				p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailMax:]
			}
			p.mu.Unlock()
		}
		p.log.Debugw(prefix, "line", line)
	}
}

func (p *process) exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// exitError describes why the child exited, including its recent stderr.
func (p *process) exitError() error {
	p.mu.Lock()
	waitErr := p.waitErr
	p.mu.Unlock()
	tail := p.tail()
	switch {
	case waitErr != nil && tail != "":
		return fmt.Errorf("app-server exited: %w (stderr: %s)", waitErr, tail)
	case waitErr != nil:
		return fmt.Errorf("app-server exited: %w", waitErr)
	case tail != "":
		return fmt.Errorf("app-server exited (stderr: %s)", tail)
	default:
		return fmt.Errorf("app-server exited")
	}
}

func (p *process) tail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderrTail, " | ")
}

// stop sends SIGTERM to the process group, waits up to grace, then SIGKILLs.
func (p *process) stop(grace time.Duration) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		<-p.waitDone
		return
	}
	p.stopping = true
	p.mu.Unlock()

	if p.exited() {
		return
	}
	p.log.Infow("stopping app-server", "pid", p.pid)
	if err := terminateGroup(p.cmd); err != nil {
		p.log.Warnw("failed to send SIGTERM to app-server", "pid", p.pid, "error", err)
	}

	select {
	case <-p.waitDone:
		p.log.Infow("app-server stopped gracefully", "pid", p.pid)
		return
	case <-time.After(grace):
	}

	p.log.Warnw("app-server did not stop gracefully, forcing", "pid", p.pid)
	if err := killGroup(p.cmd); err != nil {
		p.log.Warnw("failed to kill app-server", "pid", p.pid, "error", err)
	}
	select {
	case <-p.waitDone:
	case <-time.After(2 * time.Second):
	}
}

// freeLoopbackPort asks the kernel for an unused loopback port.
func freeLoopbackPort() (int, error) {
	l, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("no available loopback port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
