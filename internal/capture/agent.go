// File: internal/capture/agent.go
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// maxLineBytes bounds a single output line from the agent. Longer lines
	// are skipped whole; reading resumes at the next line.
	maxLineBytes = 1 << 20
	// stderrTailLines is how many trailing stderr lines are kept for the exit report.
	stderrTailLines = 20
)

// Command describes how to launch the external capture agent.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
}

// Exit is the terminal status of an agent process.
type Exit struct {
	Code int
	Err  error
	// Terminated is true when Terminate or context cancellation killed the
	// process. An agent that exited on its own is never reported as terminated.
	Terminated bool
	// StderrTail holds the last diagnostic lines the agent wrote.
	StderrTail []string
}

// Success reports whether the agent exited on its own with status zero.
func (e Exit) Success() bool {
	return e.Err == nil && e.Code == 0 && !e.Terminated
}

// SpawnError is returned when the agent binary could not be launched at all.
type SpawnError struct {
	Path string
	Dir  string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start capture agent %q in %q: %v", e.Path, e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Agent owns one running capture agent process.
//
// Stdout lines are delivered in emission order on Lines. Stderr is logged only.
// Done fires once, after both output streams are drained and the process is reaped.
type Agent struct {
	cmd    *exec.Cmd
	log    *zap.Logger
	cancel context.CancelFunc

	lines chan string
	done  chan Exit

	stop     chan struct{}
	stopOnce sync.Once
	// killRequested is set when Terminate or cmd.Cancel ran.
	killRequested atomic.Bool

	stderrMu   sync.Mutex
	stderrTail []string
}

// Start launches the agent. The process is killed (with its process group) when
// ctx is canceled or Terminate is called.
func Start(ctx context.Context, command Command, logger *zap.Logger) (*Agent, error) {
	if command.Path == "" {
		return nil, &SpawnError{Dir: command.Dir, Err: errors.New("empty command path")}
	}
	if command.Dir != "" {
		info, err := os.Stat(command.Dir)
		if err != nil {
			return nil, &SpawnError{Path: command.Path, Dir: command.Dir, Err: err}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Path: command.Path, Dir: command.Dir, Err: fmt.Errorf("%s is not a directory", command.Dir)}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	a := &Agent{
		cmd:    cmd,
		cancel: cancel,
		lines:  make(chan string),
		done:   make(chan Exit, 1),
		stop:   make(chan struct{}),
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		a.killRequested.Store(true)
		return killProcessGroup(cmd)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Path: command.Path, Dir: command.Dir, Err: fmt.Errorf("failed to capture stdout: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Path: command.Path, Dir: command.Dir, Err: fmt.Errorf("failed to capture stderr: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Path: command.Path, Dir: command.Dir, Err: err}
	}

	a.log = logger.Named("agent").With(zap.Int("agent_pid", cmd.Process.Pid))
	a.log.Debug("Capture agent started", zap.String("path", command.Path), zap.Strings("args", command.Args), zap.String("dir", command.Dir))

	// Both readers must reach EOF before Wait, otherwise Wait closes the pipes under them.
	var readers sync.WaitGroup
	readers.Add(2)
	go a.pumpStdout(stdout, &readers)
	go a.pumpStderr(stderr, &readers)
	go a.reap(&readers)

	return a, nil
}

// Pid returns the operating system process id of the agent.
func (a *Agent) Pid() int { return a.cmd.Process.Pid }

// Lines delivers trimmed, non-empty stdout lines. It is closed at stdout EOF.
func (a *Agent) Lines() <-chan string { return a.lines }

// Done receives the exit status exactly once and is closed afterwards.
func (a *Agent) Done() <-chan Exit { return a.done }

// Terminate kills the agent and stops line delivery. It is safe to call more
// than once and after the agent has exited; Done still fires.
func (a *Agent) Terminate() {
	a.killRequested.Store(true)
	a.stopOnce.Do(func() { close(a.stop) })
	a.cancel()
}

func (a *Agent) pumpStdout(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(a.lines)

	err := a.readLines(r, "stdout", func(line string) {
		select {
		case a.lines <- line:
		case <-a.stop:
			// Nobody is listening anymore; keep reading so the child never blocks on a full pipe.
		}
	})
	if err != nil {
		a.log.Warn("Failed reading agent stdout; discarding the rest", zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (a *Agent) pumpStderr(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	err := a.readLines(r, "stderr", func(line string) {
		a.log.Warn("Capture agent stderr", zap.String("line", line))
		a.stderrMu.Lock()
		a.stderrTail = append(a.stderrTail, line)
		if len(a.stderrTail) > stderrTailLines {
			a.stderrTail = a.stderrTail[len(a.stderrTail)-stderrTailLines:]
		}
		a.stderrMu.Unlock()
	})
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

// readLines calls emit for every trimmed, non-empty line until EOF. A line
// longer than maxLineBytes is dropped with a warning and the lines after it
// are still delivered.
func (a *Agent) readLines(r io.Reader, stream string, emit func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf       []byte
		oversized bool
		skipped   int
	)
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if !oversized {
			if len(buf)+len(frag) > maxLineBytes {
				oversized = true
				skipped = len(buf)
				buf = buf[:0]
			} else {
				buf = append(buf, frag...)
			}
		}
		if oversized {
			skipped += len(frag)
		}
		if isPrefix {
			continue
		}

		if oversized {
			a.log.Warn("Skipped oversized agent output line",
				zap.String("stream", stream), zap.Int("bytes", skipped), zap.Int("limit", maxLineBytes))
			oversized = false
			skipped = 0
			continue
		}
		line := strings.TrimSpace(string(buf))
		buf = buf[:0]
		if line != "" {
			emit(line)
		}
	}
}

func (a *Agent) reap(readers *sync.WaitGroup) {
	readers.Wait()
	err := a.cmd.Wait()

	exit := Exit{Code: -1, Err: err}
	if ps := a.cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		// A kill that landed after the agent had already exited changes nothing:
		// the agent finished on its own and Wait's context error is dropped.
		exit.Terminated = a.killRequested.Load() && killedBySignal(ps)
		if ps.Success() {
			exit.Err = nil
		}
	} else {
		exit.Terminated = a.killRequested.Load()
	}
	a.stderrMu.Lock()
	exit.StderrTail = append([]string(nil), a.stderrTail...)
	a.stderrMu.Unlock()

	a.cancel()
	a.log.Debug("Capture agent exited", zap.Int("exit_code", exit.Code), zap.Bool("terminated", exit.Terminated), zap.Error(exit.Err))

	a.done <- exit
	close(a.done)
}
