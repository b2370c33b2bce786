package process

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// OutputHandler receives output lines from the subprocess.
type OutputHandler interface {
	HandleLine(source, line string)
}

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from process output (ffmpeg etc.)
type LogParser func(line string) (level, msg string)

// ErrEmptyCommand is returned by Start when there is nothing to run.
var ErrEmptyCommand = errors.New("empty command")

// KilledExitCode is reported when the process had to be force-killed.
const KilledExitCode = 137

const defaultTailLines = 20

// Process manages the lifecycle of one subprocess: spawn, graceful stop,
// forced kill and reaping. A Process runs at most once.
type Process struct {
	id              string
	args            []string
	logger          *slog.Logger
	processLogger   *slog.Logger // logger for process output (nil = use logger)
	logParser       LogParser    // parses process output for log level (nil = no parsing)
	outputHandler   OutputHandler
	gracefulTimeout time.Duration // timeout for graceful shutdown before force kill
	killTimeout     time.Duration // timeout after Kill() before giving up
	tail            *tailBuffer

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	waitErr   error
	exitCode  int
	killed    bool
	done      chan struct{}
}

// NewProcess creates a process for argv args.
func NewProcess(id string, args []string, logger *slog.Logger) *Process {
	return NewProcessWithOutput(id, args, logger, nil)
}

// NewProcessWithOutput creates a new process with an output handler.
// The handler receives each line of stdout/stderr from the subprocess.
func NewProcessWithOutput(id string, args []string, logger *slog.Logger, handler OutputHandler) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		id:              id,
		args:            append([]string(nil), args...),
		logger:          logger.With("process", id),
		outputHandler:   handler,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		tail:            newTailBuffer(defaultTailLines),
		done:            make(chan struct{}),
	}
}

// SetLogParser sets a custom logger and log parser for process output.
func (p *Process) SetLogParser(logger *slog.Logger, parser LogParser) {
	p.processLogger = logger
	p.logParser = parser
}

// SetTimeouts sets the graceful stop window and the wait after a forced kill.
func (p *Process) SetTimeouts(graceful, kill time.Duration) {
	p.gracefulTimeout = graceful
	p.killTimeout = kill
}

// Start spawns the subprocess. It returns once the process is running;
// use Done to learn when it exits.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process %s already started", p.id)
	}
	if len(p.args) == 0 {
		return ErrEmptyCommand
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout := &lineWriter{source: "stdout", emit: p.handleLine}
	stderr := &lineWriter{source: "stderr", emit: p.handleLine}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds Wait when a grandchild keeps the output pipes open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "error", err, "command", strings.Join(p.args, " "))
		return err
	}

	p.cmd = cmd
	p.startedAt = time.Now()
	p.logger.Info("Process started", "pid", cmd.Process.Pid, "command", strings.Join(p.args, " "))

	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()

		p.mu.Lock()
		p.waitErr = err
		p.exitCode = exitCodeFromError(err)
		code := p.exitCode
		p.mu.Unlock()

		p.logger.Info("Process exited", "exit_code", code)
		close(p.done)
	}()

	return nil
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the wait error after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// ExitCode returns the exit code after Done is closed. Death by signal is
// reported as 128+signal, a forced kill as KilledExitCode.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return KilledExitCode
	}
	return p.exitCode
}

// PID returns the process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Tail returns the last lines the process wrote to stdout or stderr.
func (p *Process) Tail() []string {
	return p.tail.lines()
}

// Stop sends SIGINT, waits up to the graceful timeout, then force-kills
// and waits up to the kill timeout. It returns the exit code. Stop is
// safe to call on an exited or never-started process.
func (p *Process) Stop() int {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return 0
	}

	select {
	case <-p.done:
		return p.ExitCode()
	default:
	}

	p.sendSignal(syscall.SIGINT)
	select {
	case <-p.done:
		return p.ExitCode()
	case <-time.After(p.gracefulTimeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "timeout", p.gracefulTimeout)
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.sendSignal(syscall.SIGKILL)

	select {
	case <-p.done:
	case <-time.After(p.killTimeout):
		p.logger.Error("Process did not exit after kill signal")
	}
	return KilledExitCode
}

// sendSignal signals the process group, falling back to the process alone.
func (p *Process) sendSignal(sig syscall.Signal) {
	pid := p.PID()
	if pid == 0 {
		return
	}
	p.logger.Debug("Sending signal to process", "pid", pid, "signal", sig.String())
	if err := syscall.Kill(-pid, sig); err == nil {
		return
	}
	p.mu.Lock()
	proc := p.cmd.Process
	p.mu.Unlock()
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to signal process", "signal", sig.String(), "error", err)
	}
}

func (p *Process) handleLine(source, line string) {
	p.tail.add(line)

	if p.outputHandler != nil {
		p.outputHandler.HandleLine(source, line)
	}

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	level, msg := "info", line
	if p.logParser != nil {
		level, msg = p.logParser(line)
	}

	switch level {
	case "fatal", "error":
		logger.Error(msg)
	case "warning":
		logger.Warn(msg)
	case "debug", "trace":
		logger.Debug(msg)
	default:
		logger.Info(msg)
	}
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code (or 128+signal) for ExitError,
// or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	source string
	emit   func(source, line string)
	buf    bytes.Buffer
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	for {
		i := bytes.IndexAny(w.buf.Bytes(), "\r\n")
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1)[:i])
		if line != "" {
			w.emit(w.source, line)
		}
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.emit(w.source, w.buf.String())
		w.buf.Reset()
	}
}
